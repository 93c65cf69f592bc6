// Package pipeline wires the intake path: normalize, route, correlate,
// archive. Submission is synchronous through normalization so callers get
// validation errors; everything after rides a bounded worker queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opsrelay-systems/opsrelay/internal/archive"
	"github.com/opsrelay-systems/opsrelay/internal/correlator"
	"github.com/opsrelay-systems/opsrelay/internal/deadletter"
	"github.com/opsrelay-systems/opsrelay/internal/logging"
	"github.com/opsrelay-systems/opsrelay/internal/metrics"
	"github.com/opsrelay-systems/opsrelay/internal/models"
	"github.com/opsrelay-systems/opsrelay/internal/normalizer"
	"github.com/opsrelay-systems/opsrelay/internal/routing"
)

// ErrQueueFull is returned when the intake queue cannot accept more events.
var ErrQueueFull = errors.New("event queue full")

// ErrStopped is returned for submissions after shutdown began.
var ErrStopped = errors.New("pipeline stopped")

// Config sizes the pipeline.
type Config struct {
	QueueSize int
	Workers   int
}

// DefaultConfig returns standard pipeline sizing.
func DefaultConfig() Config {
	return Config{QueueSize: 10000, Workers: 4}
}

// Pipeline runs the normalize-route-correlate-archive path.
type Pipeline struct {
	normalizers *normalizer.Registry
	router      *routing.Router
	correlator  *correlator.Correlator
	archiver    archive.Archiver
	dlq         deadletter.Queue
	logger      *logging.Logger

	queue chan *models.Event
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New assembles a pipeline. archiver and dlq may be nil.
func New(cfg Config, normalizers *normalizer.Registry, router *routing.Router, corr *correlator.Correlator, archiver archive.Archiver, dlq deadletter.Queue, logger *logging.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if archiver == nil {
		archiver = archive.Noop{}
	}
	if logger == nil {
		logger = logging.Default()
	}

	metrics.QueueCapacity.Set(float64(cfg.QueueSize))

	return &Pipeline{
		normalizers: normalizers,
		router:      router,
		correlator:  corr,
		archiver:    archiver,
		dlq:         dlq,
		logger:      logger.WithComponent("pipeline"),
		queue:       make(chan *models.Event, cfg.QueueSize),
	}
}

// Start launches the workers and the correlation sweep. It returns
// immediately; Stop drains the queue.
func (p *Pipeline) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = DefaultConfig().Workers
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	go p.correlator.Run(ctx)
	p.logger.Info("pipeline started", "workers", workers, "queue_capacity", cap(p.queue))
}

// Submit normalizes an envelope and enqueues the event for processing. A
// validation failure is returned to the caller and recorded in the
// dead-letter queue; it is not a pipeline error.
func (p *Pipeline) Submit(ctx context.Context, env *models.RawEventEnvelope) (*models.Event, error) {
	event, err := p.normalizers.Normalize(ctx, env)
	if err != nil {
		// env may be nil; Normalize rejects that as a validation error.
		source := "unknown"
		if env != nil && env.Source != "" {
			source = env.Source
		}
		metrics.EventsTotal.WithLabelValues(source, "rejected").Inc()
		metrics.NormalizationErrors.Inc()
		if env != nil {
			p.writeDeadLetterEnvelope(ctx, env, err)
		}
		return nil, err
	}

	// The lock spans the enqueue so Stop cannot close the queue between
	// the stopped check and the send.
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}

	select {
	case p.queue <- event:
		p.mu.Unlock()
		metrics.EventsTotal.WithLabelValues(env.Source, "accepted").Inc()
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return event, nil
	default:
		p.mu.Unlock()
		metrics.EventsTotal.WithLabelValues(env.Source, "overflow").Inc()
		if p.dlq != nil {
			if dlqErr := p.dlq.DeadLetter(ctx, event, "queue full"); dlqErr != nil {
				p.logger.Error("dead-letter write failed", "event_id", event.EventID, "error", dlqErr)
			}
			metrics.DeadLettersTotal.Inc()
		}
		return nil, fmt.Errorf("event %s: %w", event.EventID, ErrQueueFull)
	}
}

func (p *Pipeline) writeDeadLetterEnvelope(ctx context.Context, env *models.RawEventEnvelope, cause error) {
	if p.dlq == nil {
		return
	}
	if err := p.dlq.WriteEnvelope(ctx, env, cause, "validation"); err != nil {
		p.logger.Error("dead-letter write failed", "source", env.Source, "error", err)
	}
	metrics.DeadLettersTotal.Inc()
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for event := range p.queue {
		metrics.QueueDepth.Set(float64(len(p.queue)))
		p.process(ctx, event)
	}
}

// process routes, correlates, and archives one event. Each stage is
// independent: a routing failure still correlates and archives.
func (p *Pipeline) process(ctx context.Context, event *models.Event) {
	start := time.Now()
	decision, err := p.router.Route(ctx, event)
	metrics.RoutingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.logger.Warn("routing incomplete",
			"event_id", event.EventID, "rule", decision.RuleName, "error", err)
	}
	p.recordDecision(decision)

	if err := p.correlator.Observe(ctx, event); err != nil {
		p.logger.Error("correlation failed", "event_id", event.EventID, "error", err)
	}

	if err := p.archiver.IndexEvent(ctx, event); err != nil {
		metrics.ArchiveErrors.Inc()
		p.logger.Error("archive write failed", "event_id", event.EventID, "error", err)
	}
}

func (p *Pipeline) recordDecision(decision *routing.Decision) {
	metrics.RoutedTotal.WithLabelValues(decision.RuleName, string(decision.Strategy)).Inc()
	for _, target := range decision.Delivered {
		metrics.DeliveriesTotal.WithLabelValues(target, "delivered").Inc()
	}
	for _, target := range decision.Failed {
		metrics.DeliveriesTotal.WithLabelValues(target, "failed").Inc()
	}
	if decision.DeadLettered {
		metrics.DeadLettersTotal.Inc()
	}
	metrics.ActiveGroups.Set(float64(len(p.correlator.ActiveGroups())))
}

// Stop refuses new submissions, drains the queue, and waits for workers.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("pipeline stopped")
}

// AggregateFanout archives flushed groups, counts them, and forwards the
// notification to an optional downstream notifier (typically the bus).
type AggregateFanout struct {
	archiver archive.Archiver
	next     correlator.Notifier
	logger   *logging.Logger
}

// NewAggregateFanout builds the standard aggregate notifier chain.
func NewAggregateFanout(archiver archive.Archiver, next correlator.Notifier, logger *logging.Logger) *AggregateFanout {
	if archiver == nil {
		archiver = archive.Noop{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AggregateFanout{archiver: archiver, next: next, logger: logger.WithComponent("aggregates")}
}

func (f *AggregateFanout) NotifyAggregate(ctx context.Context, agg *models.AggregateNotification) error {
	metrics.AggregatesTotal.Inc()

	if err := f.archiver.IndexAggregate(ctx, agg); err != nil {
		metrics.ArchiveErrors.Inc()
		f.logger.Error("aggregate archive failed", "group_key", agg.GroupKey, "error", err)
	}

	if f.next == nil {
		return nil
	}
	return f.next.NotifyAggregate(ctx, agg)
}
