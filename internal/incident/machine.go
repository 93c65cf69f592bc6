package incident

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Gate names. Each guards one forward edge of the lifecycle.
const (
	GateDetection  = "detection"
	GateTriage     = "triage"
	GateResponse   = "response"
	GateResolution = "resolution"
)

// RoleIncidentCommander is required to declare recovery underway.
const RoleIncidentCommander = "incident-commander"

// validTransitions is the lifecycle adjacency. Closed is terminal. The
// recovering -> responding edge is the reassessment path when recovery
// uncovers further impact.
var validTransitions = map[State][]State{
	StateDetecting:  {StateTriaging, StateClosed},
	StateTriaging:   {StateResponding, StateClosed},
	StateResponding: {StateRecovering, StateClosed},
	StateRecovering: {StateResolved, StateResponding},
	StateResolved:   {StatePostMortem},
	StatePostMortem: {StateClosed},
	StateClosed:     {},
}

// edge keys a single transition for the gate and role tables.
type edge struct {
	from State
	to   State
}

// gateRequirements maps guarded edges to the gate that must be completed
// before the transition is allowed.
var gateRequirements = map[edge]string{
	{StateDetecting, StateTriaging}:  GateDetection,
	{StateTriaging, StateResponding}: GateTriage,
	{StateRecovering, StateResolved}: GateResponse,
	{StatePostMortem, StateClosed}:   GateResolution,
}

// roleRequirements maps edges to the role the actor must hold.
var roleRequirements = map[edge]string{
	{StateResponding, StateRecovering}: RoleIncidentCommander,
}

// knownGates is the set of gate names accepted by CompleteGate.
var knownGates = map[string]bool{
	GateDetection:  true,
	GateTriage:     true,
	GateResponse:   true,
	GateResolution: true,
}

// AllowedTransitions returns the targets reachable from a state, sorted.
func AllowedTransitions(from State) []State {
	out := append([]State(nil), validTransitions[from]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RequiredGate returns the gate guarding an edge, or "" when unguarded.
func RequiredGate(from, to State) string {
	return gateRequirements[edge{from, to}]
}

// RequiredRole returns the role an edge demands, or "" when any actor may
// perform it.
func RequiredRole(from, to State) string {
	return roleRequirements[edge{from, to}]
}

// KnownGate reports whether the gate name exists in the lifecycle.
func KnownGate(gate string) bool {
	return knownGates[gate]
}

// ErrUnknownIncident is returned for operations on an ID that was never
// created.
var ErrUnknownIncident = errors.New("unknown incident")

// ErrDuplicateIncident is returned when creating with an ID already in use.
var ErrDuplicateIncident = errors.New("incident id already in use")

// InvalidTransitionError reports a move along an undeclared edge.
type InvalidTransitionError struct {
	From    State
	To      State
	Allowed []State
}

func (e *InvalidTransitionError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		names[i] = string(s)
	}
	allowed := strings.Join(names, ", ")
	if allowed == "" {
		allowed = "none (terminal state)"
	}
	return fmt.Sprintf("invalid transition %s -> %s (allowed: %s)", e.From, e.To, allowed)
}

// GateIncompleteError reports a guarded transition attempted before its gate
// was completed.
type GateIncompleteError struct {
	Gate string
	From State
	To   State
}

func (e *GateIncompleteError) Error() string {
	return fmt.Sprintf("gate %q must be completed before %s -> %s", e.Gate, e.From, e.To)
}

// PermissionDeniedError reports an actor missing the role an edge requires.
type PermissionDeniedError struct {
	Actor string
	Role  string
	From  State
	To    State
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("actor %q lacks role %q required for %s -> %s", e.Actor, e.Role, e.From, e.To)
}

// UnknownGateError reports a gate name outside the lifecycle.
type UnknownGateError struct {
	Gate string
}

func (e *UnknownGateError) Error() string {
	return fmt.Sprintf("unknown gate %q", e.Gate)
}

// checkTransition validates an edge against the adjacency, gate, and role
// tables. It does not mutate anything.
func checkTransition(inc *Incident, to State, actor Actor) error {
	from := inc.State

	allowed := false
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
	}

	if gate := RequiredGate(from, to); gate != "" && !inc.GateCompleted(gate) {
		return &GateIncompleteError{Gate: gate, From: from, To: to}
	}

	if role := RequiredRole(from, to); role != "" && !actor.HasRole(role) {
		return &PermissionDeniedError{Actor: actor.Name, Role: role, From: from, To: to}
	}

	return nil
}
