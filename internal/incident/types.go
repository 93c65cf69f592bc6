// Package incident implements the incident lifecycle: a gated state machine
// whose transition log is the authoritative history of every incident.
package incident

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// State is a lifecycle phase. Incidents only move along declared edges.
type State string

const (
	StateDetecting  State = "detecting"
	StateTriaging   State = "triaging"
	StateResponding State = "responding"
	StateRecovering State = "recovering"
	StateResolved   State = "resolved"
	StatePostMortem State = "post_mortem"
	StateClosed     State = "closed"
)

// States lists every lifecycle state in progression order.
func States() []State {
	return []State{
		StateDetecting, StateTriaging, StateResponding, StateRecovering,
		StateResolved, StatePostMortem, StateClosed,
	}
}

// ParseState validates a state name.
func ParseState(value string) (State, bool) {
	s := State(value)
	switch s {
	case StateDetecting, StateTriaging, StateResponding, StateRecovering,
		StateResolved, StatePostMortem, StateClosed:
		return s, true
	}
	return "", false
}

// Actor identifies who performs an operation and with which roles.
type Actor struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the actor carries the named role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Transition is one entry in an incident's transition log. Seq is assigned
// in append order starting at 1; the log, not the State column, is the
// source of truth for an incident's history. Creation is not a transition:
// a new incident's log is empty until its first explicit state change.
type Transition struct {
	Seq   int       `json:"seq"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// GateCompletion records who completed a gate and when.
type GateCompletion struct {
	Gate        string    `json:"gate"`
	CompletedBy string    `json:"completed_by"`
	CompletedAt time.Time `json:"completed_at"`
}

// Incident is the mutable lifecycle record built over a stream of related
// events. All mutation goes through the Manager, which serializes writers
// per incident.
type Incident struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Severity         models.Severity `json:"severity"`
	State            State           `json:"state"`
	Assignee         string          `json:"assignee,omitempty"`
	AffectedServices []string        `json:"affected_services,omitempty"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	SourceEventIDs   []string        `json:"source_event_ids,omitempty"`

	TransitionLog  []Transition              `json:"transition_log"`
	CompletedGates map[string]GateCompletion `json:"completed_gates,omitempty"`
}

// GateCompleted reports whether the named gate has been completed.
func (i *Incident) GateCompleted(gate string) bool {
	_, ok := i.CompletedGates[gate]
	return ok
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (i *Incident) Clone() *Incident {
	out := *i
	out.AffectedServices = append([]string(nil), i.AffectedServices...)
	out.SourceEventIDs = append([]string(nil), i.SourceEventIDs...)
	out.TransitionLog = append([]Transition(nil), i.TransitionLog...)
	if i.CompletedGates != nil {
		out.CompletedGates = make(map[string]GateCompletion, len(i.CompletedGates))
		for k, v := range i.CompletedGates {
			out.CompletedGates[k] = v
		}
	}
	if i.ClosedAt != nil {
		closed := *i.ClosedAt
		out.ClosedAt = &closed
	}
	return &out
}

// CreateRequest carries the fields needed to open an incident. ID is
// optional; one is generated when the caller does not supply it.
type CreateRequest struct {
	ID               string          `json:"id,omitempty"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Severity         models.Severity `json:"severity"`
	Assignee         string          `json:"assignee,omitempty"`
	AffectedServices []string        `json:"affected_services,omitempty"`
	SourceEventIDs   []string        `json:"source_event_ids,omitempty"`
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	State    State
	Severity *models.Severity
	Limit    int
}

// NewIncidentID returns a time-ordered incident identifier.
func NewIncidentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "INC-" + id.String()
}
