package incident

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

var (
	responder = Actor{Name: "rivera", Roles: []string{"responder"}}
	commander = Actor{Name: "okafor", Roles: []string{"responder", RoleIncidentCommander}}
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewMemoryStore(), nil, nil)
}

func createTestIncident(t *testing.T, m *Manager) *Incident {
	t.Helper()
	inc, err := m.Create(context.Background(), CreateRequest{
		Title:            "API error rate spike",
		Description:      "5xx rate above threshold in us-east",
		Severity:         models.SeverityHigh,
		AffectedServices: []string{"api", "checkout"},
		SourceEventIDs:   []string{"EVT-1", "EVT-2", "EVT-3"},
	}, responder)
	require.NoError(t, err)
	return inc
}

func TestManager_Create(t *testing.T) {
	m := newTestManager(t)
	inc := createTestIncident(t, m)

	assert.Contains(t, inc.ID, "INC-")
	assert.Equal(t, StateDetecting, inc.State)
	assert.Equal(t, "rivera", inc.CreatedBy)
	assert.Equal(t, []string{"api", "checkout"}, inc.AffectedServices)

	// Creation is not a transition; the log starts empty.
	assert.Empty(t, inc.TransitionLog)
}

func TestManager_Create_ExplicitID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	inc, err := m.Create(ctx, CreateRequest{ID: "INC-1", Title: "payment gateway down"}, responder)
	require.NoError(t, err)
	assert.Equal(t, "INC-1", inc.ID)

	_, err = m.Create(ctx, CreateRequest{ID: "INC-1", Title: "something else"}, responder)
	assert.ErrorIs(t, err, ErrDuplicateIncident)
}

func TestManager_Create_RequiresTitle(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateRequest{Title: "   "}, responder)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title is required")
}

func TestManager_Get_Unknown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get(context.Background(), "INC-nope")
	assert.ErrorIs(t, err, ErrUnknownIncident)
}

func TestManager_Transition_GateBlocksThenPasses(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	inc := createTestIncident(t, m)

	// The detection gate guards the first forward edge.
	_, err := m.Transition(ctx, inc.ID, StateTriaging, responder, "")
	var gateErr *GateIncompleteError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, GateDetection, gateErr.Gate)

	// A failed transition leaves no trace in the log.
	got, err := m.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.TransitionLog)
	assert.Equal(t, StateDetecting, got.State)

	_, err = m.CompleteGate(ctx, inc.ID, GateDetection, responder)
	require.NoError(t, err)

	// The first explicit transition is the log's first entry.
	got, err = m.Transition(ctx, inc.ID, StateTriaging, responder, "confirmed real")
	require.NoError(t, err)
	assert.Equal(t, StateTriaging, got.State)
	require.Len(t, got.TransitionLog, 1)
	assert.Equal(t, 1, got.TransitionLog[0].Seq)
	assert.Equal(t, StateDetecting, got.TransitionLog[0].From)
	assert.Equal(t, "confirmed real", got.TransitionLog[0].Note)
}

func TestManager_Transition_InvalidEdge(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	inc := createTestIncident(t, m)

	_, err := m.Transition(ctx, inc.ID, StateResolved, responder, "")
	var invErr *InvalidTransitionError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, StateDetecting, invErr.From)
	assert.Equal(t, []State{StateClosed, StateTriaging}, invErr.Allowed)
}

func TestManager_Transition_RoleRequired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	inc := createTestIncident(t, m)

	_, err := m.CompleteGate(ctx, inc.ID, GateDetection, responder)
	require.NoError(t, err)
	_, err = m.Transition(ctx, inc.ID, StateTriaging, responder, "")
	require.NoError(t, err)
	_, err = m.CompleteGate(ctx, inc.ID, GateTriage, responder)
	require.NoError(t, err)
	_, err = m.Transition(ctx, inc.ID, StateResponding, responder, "")
	require.NoError(t, err)

	// Declaring recovery needs the incident commander role.
	_, err = m.Transition(ctx, inc.ID, StateRecovering, responder, "")
	var permErr *PermissionDeniedError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, RoleIncidentCommander, permErr.Role)
	assert.Equal(t, "rivera", permErr.Actor)

	got, err := m.Transition(ctx, inc.ID, StateRecovering, commander, "mitigation holding")
	require.NoError(t, err)
	assert.Equal(t, StateRecovering, got.State)
}

func TestManager_FullLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	inc := createTestIncident(t, m)

	steps := []struct {
		gate  string
		to    State
		actor Actor
	}{
		{GateDetection, StateTriaging, responder},
		{GateTriage, StateResponding, responder},
		{"", StateRecovering, commander},
		{GateResponse, StateResolved, commander},
		{"", StatePostMortem, responder},
		{GateResolution, StateClosed, responder},
	}

	for _, step := range steps {
		if step.gate != "" {
			_, err := m.CompleteGate(ctx, inc.ID, step.gate, step.actor)
			require.NoError(t, err)
		}
		_, err := m.Transition(ctx, inc.ID, step.to, step.actor, "")
		require.NoError(t, err, "to %s", step.to)
	}

	got, err := m.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)
	require.NotNil(t, got.ClosedAt)
	assert.Len(t, got.TransitionLog, 6)

	// Closed is terminal.
	_, err = m.Transition(ctx, inc.ID, StateDetecting, commander, "")
	var invErr *InvalidTransitionError
	assert.ErrorAs(t, err, &invErr)
}

func TestManager_Reassessment(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	inc := createTestIncident(t, m)

	_, err := m.CompleteGate(ctx, inc.ID, GateDetection, responder)
	require.NoError(t, err)
	_, err = m.Transition(ctx, inc.ID, StateTriaging, responder, "")
	require.NoError(t, err)
	_, err = m.CompleteGate(ctx, inc.ID, GateTriage, responder)
	require.NoError(t, err)
	_, err = m.Transition(ctx, inc.ID, StateResponding, responder, "")
	require.NoError(t, err)
	_, err = m.Transition(ctx, inc.ID, StateRecovering, commander, "")
	require.NoError(t, err)

	// Recovery uncovered more impact; no gate or role guards the way back.
	got, err := m.Transition(ctx, inc.ID, StateResponding, responder, "regression during recovery")
	require.NoError(t, err)
	assert.Equal(t, StateResponding, got.State)
}

func TestManager_CompleteGate_UnknownGate(t *testing.T) {
	m := newTestManager(t)
	inc := createTestIncident(t, m)

	_, err := m.CompleteGate(context.Background(), inc.ID, "signoff", responder)
	var gateErr *UnknownGateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, "signoff", gateErr.Gate)
}

func TestManager_CompleteGate_Idempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	inc := createTestIncident(t, m)

	first, err := m.CompleteGate(ctx, inc.ID, GateDetection, responder)
	require.NoError(t, err)
	second, err := m.CompleteGate(ctx, inc.ID, GateDetection, commander)
	require.NoError(t, err)

	// The original completion record survives.
	assert.Equal(t, first.CompletedGates[GateDetection].CompletedBy,
		second.CompletedGates[GateDetection].CompletedBy)
	assert.Equal(t, "rivera", second.CompletedGates[GateDetection].CompletedBy)
}

func TestManager_ConcurrentTransitions_ExactlyOneWins(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	inc := createTestIncident(t, m)

	_, err := m.CompleteGate(ctx, inc.ID, GateDetection, responder)
	require.NoError(t, err)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Transition(ctx, inc.ID, StateTriaging, responder, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			var invErr *InvalidTransitionError
			assert.ErrorAs(t, err, &invErr)
		}
	}
	assert.Equal(t, 1, succeeded, "per-incident lock admits exactly one writer")

	got, err := m.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Len(t, got.TransitionLog, 1)
}

func TestManager_List(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := createTestIncident(t, m)
	b := createTestIncident(t, m)

	_, err := m.Transition(ctx, b.ID, StateClosed, responder, "false alarm")
	require.NoError(t, err)

	open, err := m.List(ctx, ListFilter{State: StateDetecting})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)

	high := models.SeverityHigh
	bySev, err := m.List(ctx, ListFilter{Severity: &high})
	require.NoError(t, err)
	assert.Len(t, bySev, 2)

	limited, err := m.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
