package incident

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		from    State
		allowed []State
	}{
		{StateDetecting, []State{StateClosed, StateTriaging}},
		{StateTriaging, []State{StateClosed, StateResponding}},
		{StateResponding, []State{StateClosed, StateRecovering}},
		{StateRecovering, []State{StateResolved, StateResponding}},
		{StateResolved, []State{StatePostMortem}},
		{StatePostMortem, []State{StateClosed}},
		{StateClosed, []State{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			assert.Equal(t, tt.allowed, AllowedTransitions(tt.from))
		})
	}
}

func TestRequiredGate(t *testing.T) {
	assert.Equal(t, GateDetection, RequiredGate(StateDetecting, StateTriaging))
	assert.Equal(t, GateTriage, RequiredGate(StateTriaging, StateResponding))
	assert.Equal(t, GateResponse, RequiredGate(StateRecovering, StateResolved))
	assert.Equal(t, GateResolution, RequiredGate(StatePostMortem, StateClosed))

	// Early closure and reassessment are not gated.
	assert.Empty(t, RequiredGate(StateDetecting, StateClosed))
	assert.Empty(t, RequiredGate(StateRecovering, StateResponding))
}

func TestRequiredRole(t *testing.T) {
	assert.Equal(t, RoleIncidentCommander, RequiredRole(StateResponding, StateRecovering))
	assert.Empty(t, RequiredRole(StateDetecting, StateTriaging))
}

func TestParseState(t *testing.T) {
	s, ok := ParseState("post_mortem")
	assert.True(t, ok)
	assert.Equal(t, StatePostMortem, s)

	_, ok = ParseState("on_fire")
	assert.False(t, ok)
}

func TestKnownGate(t *testing.T) {
	for _, gate := range []string{GateDetection, GateTriage, GateResponse, GateResolution} {
		assert.True(t, KnownGate(gate), gate)
	}
	assert.False(t, KnownGate("paperwork"))
}

func TestInvalidTransitionError_Message(t *testing.T) {
	err := &InvalidTransitionError{From: StateClosed, To: StateDetecting, Allowed: AllowedTransitions(StateClosed)}
	assert.Contains(t, err.Error(), "closed -> detecting")
	assert.Contains(t, err.Error(), "terminal state")
}
