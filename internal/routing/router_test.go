package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// captureDeliverer records deliveries and can refuse specific targets.
type captureDeliverer struct {
	mu          sync.Mutex
	deliveries  []string
	unavailable map[string]bool
}

func newCaptureDeliverer(unavailable ...string) *captureDeliverer {
	down := make(map[string]bool, len(unavailable))
	for _, t := range unavailable {
		down[t] = true
	}
	return &captureDeliverer{unavailable: down}
}

func (d *captureDeliverer) Deliver(ctx context.Context, target string, event *models.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unavailable[target] {
		return ErrDeliveryUnavailable
	}
	d.deliveries = append(d.deliveries, target)
	return nil
}

func (d *captureDeliverer) targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}

// captureDeadLetter records dead-lettered events.
type captureDeadLetter struct {
	mu      sync.Mutex
	entries []string
}

func (d *captureDeadLetter) DeadLetter(ctx context.Context, event *models.Event, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, event.EventID+": "+reason)
	return nil
}

func testEvent(eventType string, severity models.Severity, metadata map[string]interface{}) *models.Event {
	return &models.Event{
		EventID:   "EVT-test",
		EventType: eventType,
		Severity:  severity,
		Source:    "webhook",
		Timestamp: time.Now().UTC(),
		Title:     "test event",
		Metadata:  metadata,
	}
}

func mustRegistry(t *testing.T, rules []*Rule, defaultTarget string) *Registry {
	t.Helper()
	reg, err := NewRegistry(rules, defaultTarget)
	require.NoError(t, err)
	return reg
}

func TestRouter_FirstMatchWins(t *testing.T) {
	// Declaration order deliberately inverted relative to priority.
	reg := mustRegistry(t, []*Rule{
		{Name: "broad", Priority: 70, Pattern: `metric\..*`, Targets: []string{"anomaly-detector"}, Strategy: StrategySingle},
		{Name: "specific", Priority: 10, Pattern: `metric\.threshold`, Targets: []string{"threshold-evaluator"}, Strategy: StrategySingle},
	}, "event-classifier")

	deliverer := newCaptureDeliverer()
	router := NewRouter(reg, deliverer, nil, nil, nil, nil)

	decision, err := router.Route(context.Background(), testEvent("metric.threshold", models.SeverityHigh, nil))
	require.NoError(t, err)

	assert.Equal(t, "specific", decision.RuleName)
	assert.Equal(t, []string{"threshold-evaluator"}, decision.Delivered)
	assert.Equal(t, []string{"threshold-evaluator"}, deliverer.targets())
}

func TestRouter_SeverityFilter(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{
			Name: "critical-only", Priority: 10, Pattern: `.*`,
			Severity: []models.Severity{models.SeverityCritical},
			Targets:  []string{"incident-commander"}, Strategy: StrategySingle,
		},
		{Name: "threshold", Priority: 20, Pattern: `metric\.threshold`, Targets: []string{"threshold-evaluator"}, Strategy: StrategySingle},
	}, "event-classifier")

	router := NewRouter(reg, newCaptureDeliverer(), nil, nil, nil, nil)

	decision, err := router.Route(context.Background(), testEvent("metric.threshold", models.SeverityHigh, nil))
	require.NoError(t, err)
	assert.Equal(t, "threshold", decision.RuleName)

	decision, err = router.Route(context.Background(), testEvent("metric.threshold", models.SeverityCritical, nil))
	require.NoError(t, err)
	assert.Equal(t, "critical-only", decision.RuleName)
}

func TestRouter_MetadataConditions(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{
			Name: "payments-team", Priority: 10, Pattern: `.*`,
			Conditions: map[string]interface{}{"team": "payments"},
			Targets:    []string{"payments-oncall"}, Strategy: StrategySingle,
		},
		{
			Name: "regional", Priority: 20, Pattern: `.*`,
			Conditions: map[string]interface{}{"region": []interface{}{"eu-west-1", "eu-central-1"}},
			Targets:    []string{"eu-oncall"}, Strategy: StrategySingle,
		},
	}, "event-classifier")

	router := NewRouter(reg, newCaptureDeliverer(), nil, nil, nil, nil)
	ctx := context.Background()

	decision, err := router.Route(ctx, testEvent("log.error", models.SeverityLow, map[string]interface{}{"team": "payments"}))
	require.NoError(t, err)
	assert.Equal(t, "payments-team", decision.RuleName)

	decision, err = router.Route(ctx, testEvent("log.error", models.SeverityLow, map[string]interface{}{"region": "eu-central-1"}))
	require.NoError(t, err)
	assert.Equal(t, "regional", decision.RuleName)

	// No metadata at all: neither condition satisfied.
	decision, err = router.Route(ctx, testEvent("log.error", models.SeverityLow, nil))
	require.NoError(t, err)
	assert.Equal(t, "default", decision.RuleName)
}

func TestRouter_NoMatchRoutesToDefault(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{Name: "security", Priority: 10, Pattern: `security\..*`, Targets: []string{"security-monitor"}, Strategy: StrategySingle},
	}, "event-classifier")

	deliverer := newCaptureDeliverer()
	router := NewRouter(reg, deliverer, nil, nil, nil, nil)

	decision, err := router.Route(context.Background(), testEvent("deployment.failed", models.SeverityMedium, nil))
	require.NoError(t, err)

	assert.Equal(t, "default", decision.RuleName)
	assert.Equal(t, []string{"event-classifier"}, decision.Delivered)
	assert.False(t, decision.DeadLettered)
}

func TestRouter_Broadcast(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{
			Name: "security", Priority: 10, Pattern: `security\..*`,
			Targets:  []string{"security-monitor", "incident-commander", "audit-log"},
			Strategy: StrategyBroadcast,
		},
	}, "event-classifier")

	deliverer := newCaptureDeliverer()
	router := NewRouter(reg, deliverer, nil, nil, nil, nil)

	decision, err := router.Route(context.Background(), testEvent("security.event", models.SeverityHigh, nil))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"security-monitor", "incident-commander", "audit-log"}, decision.Delivered)
	assert.Len(t, deliverer.targets(), 3)
}

func TestRouter_BroadcastPartialFailure(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{
			Name: "security", Priority: 10, Pattern: `security\..*`,
			Targets:  []string{"security-monitor", "incident-commander"},
			Strategy: StrategyBroadcast,
		},
	}, "event-classifier")

	deliverer := newCaptureDeliverer("security-monitor")
	router := NewRouter(reg, deliverer, nil, nil, nil, nil)

	decision, err := router.Route(context.Background(), testEvent("security.event", models.SeverityHigh, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryUnavailable)

	assert.Equal(t, []string{"incident-commander"}, decision.Delivered)
	assert.Equal(t, []string{"security-monitor"}, decision.Failed)
	assert.False(t, decision.DeadLettered, "partial broadcast success is not dead-lettered")
}

func TestRouter_RoundRobinDistribution(t *testing.T) {
	targets := []string{"worker-a", "worker-b", "worker-c"}
	reg := mustRegistry(t, []*Rule{
		{Name: "pool", Priority: 10, Pattern: `log\..*`, Targets: targets, Strategy: StrategyRoundRobin},
	}, "event-classifier")

	deliverer := newCaptureDeliverer()
	router := NewRouter(reg, deliverer, nil, nil, nil, nil)
	ctx := context.Background()

	const rounds = 4
	for i := 0; i < rounds*len(targets); i++ {
		_, err := router.Route(ctx, testEvent("log.error", models.SeverityLow, nil))
		require.NoError(t, err)
	}

	counts := make(map[string]int)
	delivered := deliverer.targets()
	// No target repeats before all others have been visited once.
	for i, target := range delivered[:len(targets)] {
		for _, other := range delivered[:i] {
			assert.NotEqual(t, other, target, "target visited twice in first cycle")
		}
	}
	for _, target := range delivered {
		counts[target]++
	}
	for _, target := range targets {
		assert.Equal(t, rounds, counts[target])
	}
}

func TestRouter_RoundRobinConcurrentAdvance(t *testing.T) {
	targets := []string{"worker-a", "worker-b", "worker-c", "worker-d"}
	reg := mustRegistry(t, []*Rule{
		{Name: "pool", Priority: 10, Pattern: `log\..*`, Targets: targets, Strategy: StrategyRoundRobin},
	}, "event-classifier")

	deliverer := newCaptureDeliverer()
	router := NewRouter(reg, deliverer, nil, nil, nil, nil)

	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < len(targets); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := router.Route(context.Background(), testEvent("log.error", models.SeverityLow, nil))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	counts := make(map[string]int)
	for _, target := range deliverer.targets() {
		counts[target]++
	}
	// Exactly-once cursor advance: perfectly even distribution.
	for _, target := range targets {
		assert.Equal(t, perWorker, counts[target])
	}
}

func TestRouter_FallbackWalksTargets(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{
			Name: "remediation", Priority: 10, Pattern: `deployment\..*`,
			Targets:  []string{"auto-remediator", "deploy-oncall", "incident-commander"},
			Strategy: StrategyFallback,
		},
	}, "event-classifier")

	deliverer := newCaptureDeliverer("auto-remediator", "deploy-oncall")
	router := NewRouter(reg, deliverer, nil, nil, nil, nil)

	decision, err := router.Route(context.Background(), testEvent("deployment.failed", models.SeverityHigh, nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"incident-commander"}, decision.Delivered)
	assert.Equal(t, []string{"auto-remediator", "deploy-oncall"}, decision.Failed)
}

func TestRouter_FallbackSkipsKnownUnavailable(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{
			Name: "remediation", Priority: 10, Pattern: `deployment\..*`,
			Targets:  []string{"auto-remediator", "deploy-oncall"},
			Strategy: StrategyFallback,
		},
	}, "event-classifier")

	availability := NewMemoryAvailabilityStore()
	deliverer := newCaptureDeliverer("auto-remediator")
	router := NewRouter(reg, deliverer, nil, availability, nil, nil)
	ctx := context.Background()

	_, err := router.Route(ctx, testEvent("deployment.failed", models.SeverityHigh, nil))
	require.NoError(t, err)

	// Second event skips the marked-down primary without probing it.
	available, err := availability.IsAvailable(ctx, "auto-remediator")
	require.NoError(t, err)
	assert.False(t, available)

	decision, err := router.Route(ctx, testEvent("deployment.failed", models.SeverityHigh, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy-oncall"}, decision.Delivered)
}

func TestRouter_FallbackExhaustionDeadLetters(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{
			Name: "remediation", Priority: 10, Pattern: `deployment\..*`,
			Targets:  []string{"auto-remediator", "deploy-oncall"},
			Strategy: StrategyFallback,
		},
	}, "event-classifier")

	dlq := &captureDeadLetter{}
	deliverer := newCaptureDeliverer("auto-remediator", "deploy-oncall")
	router := NewRouter(reg, deliverer, nil, nil, dlq, nil)

	decision, err := router.Route(context.Background(), testEvent("deployment.failed", models.SeverityHigh, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryUnavailable)

	assert.Empty(t, decision.Delivered)
	assert.True(t, decision.DeadLettered)
	assert.Len(t, dlq.entries, 1)
}

func TestRouter_SingleDeliveryFailureDeadLetters(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{Name: "threshold", Priority: 10, Pattern: `metric\..*`, Targets: []string{"threshold-evaluator"}, Strategy: StrategySingle},
	}, "event-classifier")

	dlq := &captureDeadLetter{}
	deliverer := newCaptureDeliverer("threshold-evaluator")
	router := NewRouter(reg, deliverer, nil, nil, dlq, nil)

	decision, err := router.Route(context.Background(), testEvent("metric.threshold", models.SeverityHigh, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryUnavailable)
	assert.True(t, decision.DeadLettered)
	assert.Len(t, dlq.entries, 1)
}

func TestRouter_PatternAlsoMatchesTitle(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{Name: "security", Priority: 10, Pattern: `security|breach|unauthorized`, Targets: []string{"security-monitor"}, Strategy: StrategySingle},
	}, "event-classifier")

	router := NewRouter(reg, newCaptureDeliverer(), nil, nil, nil, nil)

	event := testEvent("log.error", models.SeverityHigh, nil)
	event.Title = "Unauthorized access attempt on admin panel"

	decision, err := router.Route(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, "security", decision.RuleName)
}

func TestRouter_Stats(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{Name: "threshold", Priority: 10, Pattern: `metric\..*`, Targets: []string{"threshold-evaluator"}, Strategy: StrategySingle},
	}, "event-classifier")

	router := NewRouter(reg, newCaptureDeliverer(), nil, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := router.Route(ctx, testEvent("metric.threshold", models.SeverityLow, nil))
		require.NoError(t, err)
	}
	_, err := router.Route(ctx, testEvent("trace.error", models.SeverityLow, nil))
	require.NoError(t, err)

	stats := router.Stats()
	assert.Equal(t, int64(4), stats.TotalRouted)
	assert.Equal(t, int64(3), stats.AgentDistribution["threshold-evaluator"])
	assert.Equal(t, int64(1), stats.AgentDistribution["event-classifier"])
}

func TestRouter_HistoryKeepsRecentDecisions(t *testing.T) {
	reg := mustRegistry(t, []*Rule{
		{Name: "threshold", Priority: 10, Pattern: `metric\..*`, Targets: []string{"threshold-evaluator"}, Strategy: StrategySingle},
	}, "event-classifier")

	router := NewRouter(reg, newCaptureDeliverer(), nil, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < historyLimit+5; i++ {
		event := testEvent("metric.threshold", models.SeverityLow, nil)
		event.EventID = fmt.Sprintf("EVT-%d", i)
		_, err := router.Route(ctx, event)
		require.NoError(t, err)
	}

	history := router.History()
	require.Len(t, history, historyLimit, "history is bounded")
	assert.Equal(t, "EVT-5", history[0].EventID, "oldest entries drop first")
	assert.Equal(t, fmt.Sprintf("EVT-%d", historyLimit+4), history[len(history)-1].EventID)
	assert.Equal(t, "threshold", history[0].RuleName)
}
