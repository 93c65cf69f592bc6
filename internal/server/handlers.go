// Package server exposes the relay's HTTP API: event intake, rule
// inspection, and the incident lifecycle.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsrelay-systems/opsrelay/internal/auth"
	"github.com/opsrelay-systems/opsrelay/internal/correlator"
	"github.com/opsrelay-systems/opsrelay/internal/deadletter"
	"github.com/opsrelay-systems/opsrelay/internal/incident"
	"github.com/opsrelay-systems/opsrelay/internal/logging"
	"github.com/opsrelay-systems/opsrelay/internal/models"
	"github.com/opsrelay-systems/opsrelay/internal/normalizer"
	"github.com/opsrelay-systems/opsrelay/internal/pipeline"
	"github.com/opsrelay-systems/opsrelay/internal/routing"
)

// Handler carries the dependencies of the HTTP API.
type Handler struct {
	pipeline   *pipeline.Pipeline
	rules      *routing.Registry
	router     *routing.Router
	incidents  *incident.Manager
	correlator *correlator.Correlator
	dlq        deadletter.Queue
	tokens     *auth.TokenService
	logger     *logging.Logger
}

// NewHandler creates the API handler. tokens and dlq may be nil; without a
// token service, actors are taken from X-Actor headers (development mode).
func NewHandler(p *pipeline.Pipeline, rules *routing.Registry, router *routing.Router, incidents *incident.Manager, corr *correlator.Correlator, dlq deadletter.Queue, tokens *auth.TokenService, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		pipeline:   p,
		rules:      rules,
		router:     router,
		incidents:  incidents,
		correlator: corr,
		dlq:        dlq,
		tokens:     tokens,
		logger:     logger.WithComponent("http"),
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encoding failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   message,
		RequestID: GetRequestID(r.Context()),
	})
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "opsrelay"})
}

// ReadyCheck reports readiness.
func (h *Handler) ReadyCheck(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// SubmitEvent accepts a raw envelope, normalizes it synchronously, and
// enqueues the event. Validation failures are the caller's problem;
// everything downstream is asynchronous.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var env models.RawEventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}

	event, err := h.pipeline.Submit(r.Context(), &env)
	if err != nil {
		var valErr *normalizer.ValidationError
		switch {
		case errors.As(err, &valErr):
			h.writeError(w, r, http.StatusBadRequest, "validation_failed", valErr.Error())
		case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
			h.writeError(w, r, http.StatusServiceUnavailable, "unavailable", err.Error())
		default:
			h.writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, event)
}

// ListRules returns the active rule set in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"default_target": h.rules.DefaultTarget(),
		"rules":          h.rules.List(),
	})
}

// Stats returns routing totals and queue diagnostics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}

	stats := map[string]interface{}{
		"routing":          h.router.Stats(),
		"recent_decisions": h.router.History(),
		"active_groups":    h.correlator.ActiveGroups(),
	}
	if h.dlq != nil {
		stats["dead_letter"] = h.dlq.Stats(r.Context())
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// DeadLetters lists recent dead-letter entries.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	if h.dlq == nil {
		h.writeError(w, r, http.StatusNotFound, "not_configured", "dead-letter queue not configured")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.dlq.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// actor authenticates the caller. With a token service configured a valid
// bearer token is mandatory for incident mutation; without one the X-Actor
// headers are trusted.
func (h *Handler) actor(r *http.Request) (incident.Actor, error) {
	if h.tokens != nil {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			return incident.Actor{}, auth.ErrInvalidToken
		}
		return h.tokens.Validate(token)
	}

	name := r.Header.Get("X-Actor")
	if name == "" {
		name = "anonymous"
	}
	var roles []string
	if raw := r.Header.Get("X-Actor-Roles"); raw != "" {
		for _, role := range strings.Split(raw, ",") {
			roles = append(roles, strings.TrimSpace(role))
		}
	}
	return incident.Actor{Name: name, Roles: roles}, nil
}

// IncidentsHandler serves GET (list) and POST (create) on /api/v1/incidents.
func (h *Handler) IncidentsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listIncidents(w, r)
	case http.MethodPost:
		h.createIncident(w, r)
	default:
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "GET or POST required")
	}
}

func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	filter := incident.ListFilter{}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, ok := incident.ParseState(raw)
		if !ok {
			h.writeError(w, r, http.StatusBadRequest, "invalid_state", "unknown state: "+raw)
			return
		}
		filter.State = state
	}
	if raw := r.URL.Query().Get("severity"); raw != "" {
		sev, ok := models.ParseSeverity(raw)
		if !ok {
			h.writeError(w, r, http.StatusBadRequest, "invalid_severity", "unknown severity: "+raw)
			return
		}
		filter.Severity = &sev
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	incidents, err := h.incidents.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
}

func (h *Handler) createIncident(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	var req incident.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	inc, err := h.incidents.Create(r.Context(), req, actor)
	if err != nil {
		if errors.Is(err, incident.ErrDuplicateIncident) {
			h.writeError(w, r, http.StatusConflict, "duplicate_incident", err.Error())
			return
		}
		h.writeError(w, r, http.StatusBadRequest, "create_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, inc)
}

// IncidentRouteHandler serves /api/v1/incidents/{id} and its sub-routes.
func (h *Handler) IncidentRouteHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/incidents/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		h.writeError(w, r, http.StatusNotFound, "not_found", "incident id required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		h.getIncident(w, r, id)
	case "transition":
		h.transitionIncident(w, r, id)
	case "gates":
		h.completeGate(w, r, id)
	case "severity":
		h.reassessIncident(w, r, id)
	case "assign":
		h.assignIncident(w, r, id)
	default:
		h.writeError(w, r, http.StatusNotFound, "not_found", "unknown action: "+action)
	}
}

func (h *Handler) getIncident(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	inc, err := h.incidents.Get(r.Context(), id)
	if err != nil {
		h.writeIncidentError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inc)
}

func (h *Handler) transitionIncident(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	var req struct {
		To   string `json:"to"`
		Note string `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	to, ok := incident.ParseState(req.To)
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, "invalid_state", "unknown state: "+req.To)
		return
	}

	inc, err := h.incidents.Transition(r.Context(), id, to, actor, req.Note)
	if err != nil {
		h.writeIncidentError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inc)
}

func (h *Handler) completeGate(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	var req struct {
		Gate string `json:"gate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	inc, err := h.incidents.CompleteGate(r.Context(), id, req.Gate, actor)
	if err != nil {
		h.writeIncidentError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inc)
}

func (h *Handler) reassessIncident(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	var req struct {
		Severity string `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	severity, ok := models.ParseSeverity(req.Severity)
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, "invalid_severity", "unknown severity: "+req.Severity)
		return
	}

	inc, err := h.incidents.Reassess(r.Context(), id, severity, actor)
	if err != nil {
		h.writeIncidentError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inc)
}

func (h *Handler) assignIncident(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	var req struct {
		Assignee string `json:"assignee"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	inc, err := h.incidents.Assign(r.Context(), id, req.Assignee, actor)
	if err != nil {
		h.writeIncidentError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inc)
}

// writeIncidentError maps lifecycle errors to HTTP statuses.
func (h *Handler) writeIncidentError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invErr  *incident.InvalidTransitionError
		gateErr *incident.GateIncompleteError
		permErr *incident.PermissionDeniedError
		unkErr  *incident.UnknownGateError
	)
	switch {
	case errors.Is(err, incident.ErrUnknownIncident):
		h.writeError(w, r, http.StatusNotFound, "unknown_incident", err.Error())
	case errors.As(err, &invErr):
		h.writeError(w, r, http.StatusConflict, "invalid_transition", err.Error())
	case errors.As(err, &gateErr):
		h.writeError(w, r, http.StatusConflict, "gate_incomplete", err.Error())
	case errors.As(err, &permErr):
		h.writeError(w, r, http.StatusForbidden, "permission_denied", err.Error())
	case errors.As(err, &unkErr):
		h.writeError(w, r, http.StatusBadRequest, "unknown_gate", err.Error())
	default:
		h.writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
	}
}
