package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay-systems/opsrelay/internal/correlator"
	"github.com/opsrelay-systems/opsrelay/internal/deadletter"
	"github.com/opsrelay-systems/opsrelay/internal/models"
	"github.com/opsrelay-systems/opsrelay/internal/normalizer"
	"github.com/opsrelay-systems/opsrelay/internal/routing"
)

type capturingDeliverer struct {
	mu        sync.Mutex
	delivered map[string][]string // target -> event IDs
}

func newCapturingDeliverer() *capturingDeliverer {
	return &capturingDeliverer{delivered: make(map[string][]string)}
}

func (d *capturingDeliverer) Deliver(_ context.Context, target string, event *models.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered[target] = append(d.delivered[target], event.EventID)
	return nil
}

func (d *capturingDeliverer) targets(target string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.delivered[target]...)
}

const pipelineRules = `
default_target: event-classifier
rules:
  - name: threshold_breach
    priority: 70
    pattern: 'metric\.threshold'
    severity: [high, critical]
    strategy: single
    targets: [threshold-evaluator]
`

func newTestPipeline(t *testing.T) (*Pipeline, *capturingDeliverer, *deadletter.MemoryQueue) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineRules), 0o644))
	registry, err := routing.LoadFile(path)
	require.NoError(t, err)

	deliverer := newCapturingDeliverer()
	dlq := deadletter.NewMemoryQueue(100)
	router := routing.NewRouter(registry, deliverer, nil, nil, dlq, nil)
	corr := correlator.New(correlator.Config{SweepInterval: time.Hour}, nil, nil)

	p := New(Config{QueueSize: 64, Workers: 2}, normalizer.DefaultRegistry(), router, corr, nil, dlq, nil)
	return p, deliverer, dlq
}

func thresholdEnvelope(service string) *models.RawEventEnvelope {
	return &models.RawEventEnvelope{
		Source:     "webhook",
		ReceivedAt: time.Now(),
		Payload: map[string]interface{}{
			"title":      "error rate above threshold",
			"event_type": "metric.threshold",
			"severity":   "high",
			"metadata": map[string]interface{}{
				"service": service,
				"region":  "us-east",
			},
		},
	}
}

func TestPipeline_RoutesThresholdBreach(t *testing.T) {
	p, deliverer, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 2)

	event, err := p.Submit(ctx, thresholdEnvelope("api"))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "metric.threshold", event.EventType)
	assert.Equal(t, models.SeverityHigh, event.Severity)

	p.Stop()

	ids := deliverer.targets("threshold-evaluator")
	require.Len(t, ids, 1)
	assert.Equal(t, event.EventID, ids[0])
}

func TestPipeline_UnmatchedGoesToDefault(t *testing.T) {
	p, deliverer, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 2)

	_, err := p.Submit(ctx, &models.RawEventEnvelope{
		Source:     "webhook",
		ReceivedAt: time.Now(),
		Payload: map[string]interface{}{
			"title":      "something uncategorized",
			"event_type": "misc.note",
		},
	})
	require.NoError(t, err)

	p.Stop()
	assert.Len(t, deliverer.targets("event-classifier"), 1)
}

func TestPipeline_ValidationFailureDeadLetters(t *testing.T) {
	p, _, dlq := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 2)

	_, err := p.Submit(ctx, &models.RawEventEnvelope{
		Source:     "webhook",
		ReceivedAt: time.Now(),
		Payload:    map[string]interface{}{"event_type": "log.error"},
	})
	var valErr *normalizer.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "title", valErr.Field)

	p.Stop()

	entries, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "validation", entries[0].Reason)
	require.NotNil(t, entries[0].Envelope)
	assert.Equal(t, "webhook", entries[0].Envelope.Source)
}

func TestPipeline_SubmitNilEnvelope(t *testing.T) {
	p, _, dlq := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Submit(ctx, nil)
	var valErr *normalizer.ValidationError
	require.ErrorAs(t, err, &valErr)

	entries, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing to record for a nil envelope")
}

func TestPipeline_SubmitAfterStop(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 1)
	p.Stop()

	_, err := p.Submit(ctx, thresholdEnvelope("api"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPipeline_QueueOverflowDeadLetters(t *testing.T) {
	p, _, dlq := newTestPipeline(t)
	ctx := context.Background()
	// Workers never started, so the queue only drains by capacity.

	var overflowed bool
	for i := 0; i < 128; i++ {
		_, err := p.Submit(ctx, thresholdEnvelope(fmt.Sprintf("svc-%d", i)))
		if err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			overflowed = true
			break
		}
	}
	require.True(t, overflowed, "queue of 64 must overflow within 128 submissions")

	entries, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "queue full", entries[0].Reason)
}

func TestPipeline_CorrelationAcrossEvents(t *testing.T) {
	notified := make(chan *models.AggregateNotification, 1)
	notifier := correlator.NotifierFunc(func(_ context.Context, agg *models.AggregateNotification) error {
		notified <- agg
		return nil
	})

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineRules), 0o644))
	registry, err := routing.LoadFile(path)
	require.NoError(t, err)

	deliverer := newCapturingDeliverer()
	router := routing.NewRouter(registry, deliverer, nil, nil, nil, nil)
	corr := correlator.New(correlator.Config{
		MaxGroupSize:  3,
		MinEvents:     3,
		SweepInterval: time.Hour,
	}, notifier, nil)

	p := New(Config{QueueSize: 64, Workers: 2}, normalizer.DefaultRegistry(), router, corr, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 2)

	for i := 0; i < 3; i++ {
		_, err := p.Submit(ctx, thresholdEnvelope("api"))
		require.NoError(t, err)
	}
	p.Stop()

	select {
	case agg := <-notified:
		assert.Equal(t, 3, agg.MemberCount)
		assert.Equal(t, "service=api|region=us-east", agg.GroupKey)
	default:
		t.Fatal("expected an aggregate after three correlated events")
	}
}
