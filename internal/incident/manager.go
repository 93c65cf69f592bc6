package incident

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opsrelay-systems/opsrelay/internal/logging"
	"github.com/opsrelay-systems/opsrelay/internal/metrics"
	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// TransitionNotifier receives every applied transition, after it has been
// persisted. Notification failures are logged, never rolled back.
type TransitionNotifier interface {
	NotifyTransition(ctx context.Context, inc *Incident, tr Transition) error
}

// Manager coordinates all incident mutation. Writers for the same incident
// are serialized on a per-ID lock, so checks against the state machine and
// the following store write are atomic with respect to each other.
type Manager struct {
	store    Store
	notifier TransitionNotifier
	logger   *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewManager creates a manager over the given store. notifier may be nil.
func NewManager(store Store, notifier TransitionNotifier, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		store:    store,
		notifier: notifier,
		logger:   logger.WithComponent("incident"),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// lockFor returns the mutex serializing writers for one incident ID.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Create opens an incident in the detecting state. Callers may supply their
// own ID; one is generated otherwise. Creation is recorded by created_at and
// created_by, not by a transition log entry.
func (m *Manager) Create(ctx context.Context, req CreateRequest, actor Actor) (*Incident, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("incident title is required")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = NewIncidentID()
	}

	now := m.now().UTC()
	inc := &Incident{
		ID:               id,
		Title:            title,
		Description:      req.Description,
		Severity:         req.Severity,
		State:            StateDetecting,
		Assignee:         req.Assignee,
		AffectedServices: append([]string(nil), req.AffectedServices...),
		CreatedBy:        actor.Name,
		CreatedAt:        now,
		UpdatedAt:        now,
		SourceEventIDs:   append([]string(nil), req.SourceEventIDs...),
		CompletedGates:   make(map[string]GateCompletion),
		TransitionLog:    []Transition{},
	}

	if err := m.store.Create(ctx, inc); err != nil {
		return nil, fmt.Errorf("create incident %s: %w", id, err)
	}

	metrics.IncidentsCreatedTotal.Inc()
	m.logger.Info("incident created",
		"incident_id", inc.ID, "severity", inc.Severity.String(),
		"created_by", actor.Name, "source_events", len(inc.SourceEventIDs))
	return inc.Clone(), nil
}

// Transition moves an incident along a declared edge. The gate and role
// checks run against the incident's persisted state under its writer lock.
func (m *Manager) Transition(ctx context.Context, id string, to State, actor Actor, note string) (*Incident, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := checkTransition(inc, to, actor); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	tr := Transition{
		Seq:   len(inc.TransitionLog) + 1,
		From:  inc.State,
		To:    to,
		Actor: actor.Name,
		Note:  note,
		At:    now,
	}
	inc.TransitionLog = append(inc.TransitionLog, tr)
	inc.State = to
	inc.UpdatedAt = now
	if to == StateClosed {
		inc.ClosedAt = &now
	}

	if err := m.store.Update(ctx, inc); err != nil {
		return nil, fmt.Errorf("persist transition: %w", err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(to)).Inc()
	m.logger.Info("incident transitioned",
		"incident_id", id, "from", tr.From, "to", tr.To, "actor", actor.Name)
	m.notify(ctx, inc, tr)
	return inc.Clone(), nil
}

// CompleteGate marks a gate done for an incident. Completing an already
// completed gate is a no-op that keeps the original completion record.
func (m *Manager) CompleteGate(ctx context.Context, id, gate string, actor Actor) (*Incident, error) {
	if !KnownGate(gate) {
		return nil, &UnknownGateError{Gate: gate}
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if inc.GateCompleted(gate) {
		return inc, nil
	}

	now := m.now().UTC()
	if inc.CompletedGates == nil {
		inc.CompletedGates = make(map[string]GateCompletion)
	}
	inc.CompletedGates[gate] = GateCompletion{
		Gate:        gate,
		CompletedBy: actor.Name,
		CompletedAt: now,
	}
	inc.UpdatedAt = now

	if err := m.store.Update(ctx, inc); err != nil {
		return nil, fmt.Errorf("persist gate completion: %w", err)
	}

	m.logger.Info("gate completed",
		"incident_id", id, "gate", gate, "actor", actor.Name)
	return inc.Clone(), nil
}

// Reassess changes an incident's severity as understanding of its impact
// evolves. Severity is not lifecycle state, so no transition log entry is
// written.
func (m *Manager) Reassess(ctx context.Context, id string, severity models.Severity, actor Actor) (*Incident, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := inc.Severity
	inc.Severity = severity
	inc.UpdatedAt = m.now().UTC()

	if err := m.store.Update(ctx, inc); err != nil {
		return nil, fmt.Errorf("persist severity change: %w", err)
	}

	m.logger.Info("incident severity reassessed",
		"incident_id", id, "from", previous.String(), "to", severity.String(),
		"actor", actor.Name)
	return inc.Clone(), nil
}

// Assign sets or clears the incident's assignee.
func (m *Manager) Assign(ctx context.Context, id, assignee string, actor Actor) (*Incident, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	inc.Assignee = strings.TrimSpace(assignee)
	inc.UpdatedAt = m.now().UTC()

	if err := m.store.Update(ctx, inc); err != nil {
		return nil, fmt.Errorf("persist assignment: %w", err)
	}

	m.logger.Info("incident assigned",
		"incident_id", id, "assignee", inc.Assignee, "actor", actor.Name)
	return inc.Clone(), nil
}

// Get returns a copy of an incident.
func (m *Manager) Get(ctx context.Context, id string) (*Incident, error) {
	return m.store.Get(ctx, id)
}

// List returns incidents matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Incident, error) {
	return m.store.List(ctx, filter)
}

func (m *Manager) notify(ctx context.Context, inc *Incident, tr Transition) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyTransition(ctx, inc, tr); err != nil {
		m.logger.Error("transition notification failed",
			"incident_id", inc.ID, "to", tr.To, "error", err)
	}
}
