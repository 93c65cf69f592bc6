package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter constructs the ServeMux with all API routes registered.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.HealthCheck)
	mux.HandleFunc("/readyz", h.ReadyCheck)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/events", h.SubmitEvent)
	mux.HandleFunc("/api/v1/rules", h.ListRules)
	mux.HandleFunc("/api/v1/stats", h.Stats)
	mux.HandleFunc("/api/v1/deadletters", h.DeadLetters)

	mux.HandleFunc("/api/v1/incidents", h.IncidentsHandler)
	mux.HandleFunc("/api/v1/incidents/", h.IncidentRouteHandler)

	return RequestID(mux)
}
