package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opsrelay-systems/opsrelay/internal/logging"
	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// ErrDeliveryUnavailable is returned by a Deliverer when the target agent is
// unreachable or refuses the event. The router never retries; fallback rules
// walk to the next target, everything else dead-letters.
var ErrDeliveryUnavailable = errors.New("delivery target unavailable")

// Deliverer hands a routed event to a named agent target.
type Deliverer interface {
	Deliver(ctx context.Context, target string, event *models.Event) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, target string, event *models.Event) error

// Deliver calls the function.
func (f DelivererFunc) Deliver(ctx context.Context, target string, event *models.Event) error {
	return f(ctx, target, event)
}

// DeadLetterer records events whose delivery failed on every eligible target.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, event *models.Event, reason string) error
}

// Decision is the single routing outcome emitted per event.
type Decision struct {
	EventID      string   `json:"event_id"`
	RuleName     string   `json:"rule_name"` // "default" when no rule matched
	Strategy     Strategy `json:"strategy,omitempty"`
	Delivered    []string `json:"delivered,omitempty"`
	Failed       []string `json:"failed,omitempty"`
	DeadLettered bool     `json:"dead_lettered,omitempty"`
}

// Stats summarizes routing decisions since startup.
type Stats struct {
	TotalRouted       int64            `json:"total_routed"`
	AgentDistribution map[string]int64 `json:"agent_distribution"`
}

// unavailableTTL is how long a target stays skipped by fallback rules after
// refusing a delivery.
const unavailableTTL = 30 * time.Second

// historyLimit caps the recent-decision buffer exposed for inspection.
const historyLimit = 100

// Router evaluates the rule registry for each event and dispatches per the
// selected rule's strategy. Evaluation is stateless; the round-robin cursor
// and fallback availability markers are the only shared mutable state, both
// behind their store interfaces.
type Router struct {
	registry     *Registry
	deliverer    Deliverer
	cursors      CursorStore
	availability AvailabilityStore
	deadLetter   DeadLetterer
	logger       *logging.Logger

	mu      sync.Mutex
	total   int64
	counts  map[string]int64
	history []Decision
}

// NewRouter creates a router. deadLetter may be nil; cursors and availability
// default to in-memory stores when nil.
func NewRouter(registry *Registry, deliverer Deliverer, cursors CursorStore, availability AvailabilityStore, deadLetter DeadLetterer, logger *logging.Logger) *Router {
	if cursors == nil {
		cursors = NewMemoryCursorStore()
	}
	if availability == nil {
		availability = NewMemoryAvailabilityStore()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{
		registry:     registry,
		deliverer:    deliverer,
		cursors:      cursors,
		availability: availability,
		deadLetter:   deadLetter,
		logger:       logger.WithComponent("router"),
		counts:       make(map[string]int64),
	}
}

// Route evaluates rules in ascending priority order and delivers the event
// per the first matching rule. Absence of a match is a normal outcome: the
// event goes to the configured default target. The returned error is non-nil
// only for delivery failures; rule evaluation itself never fails.
func (r *Router) Route(ctx context.Context, event *models.Event) (*Decision, error) {
	rule := r.selectRule(event)

	if rule == nil {
		return r.routeDefault(ctx, event)
	}

	decision := &Decision{
		EventID:  event.EventID,
		RuleName: rule.Name,
		Strategy: rule.Strategy,
	}

	var err error
	switch rule.Strategy {
	case StrategySingle:
		err = r.deliverOne(ctx, event, rule.Targets[0], decision)
	case StrategyBroadcast:
		err = r.deliverBroadcast(ctx, event, rule, decision)
	case StrategyRoundRobin:
		err = r.deliverRoundRobin(ctx, event, rule, decision)
	case StrategyFallback:
		err = r.deliverFallback(ctx, event, rule, decision)
	}

	if len(decision.Delivered) == 0 {
		r.sendToDeadLetter(ctx, event, decision, "delivery failed: "+rule.Name)
	}
	r.record(decision)
	return decision, err
}

// selectRule returns the first matching rule by ascending priority, or nil.
func (r *Router) selectRule(event *models.Event) *Rule {
	for _, rule := range r.registry.List() {
		if rule.Matches(event) {
			return rule
		}
	}
	return nil
}

// routeDefault delivers an unmatched event to the default target.
func (r *Router) routeDefault(ctx context.Context, event *models.Event) (*Decision, error) {
	decision := &Decision{
		EventID:  event.EventID,
		RuleName: "default",
	}
	err := r.deliverOne(ctx, event, r.registry.DefaultTarget(), decision)
	if len(decision.Delivered) == 0 {
		r.sendToDeadLetter(ctx, event, decision, "default delivery failed")
	}
	r.record(decision)
	return decision, err
}

// deliverOne attempts a single delivery and records the outcome.
func (r *Router) deliverOne(ctx context.Context, event *models.Event, target string, decision *Decision) error {
	if err := r.deliverer.Deliver(ctx, target, event); err != nil {
		decision.Failed = append(decision.Failed, target)
		return fmt.Errorf("deliver to %s: %w", target, err)
	}
	decision.Delivered = append(decision.Delivered, target)
	return nil
}

// deliverBroadcast delivers to every target independently. There are no
// ordering guarantees between recipients; one failure does not stop the rest.
func (r *Router) deliverBroadcast(ctx context.Context, event *models.Event, rule *Rule, decision *Decision) error {
	var firstErr error
	for _, target := range rule.Targets {
		if err := r.deliverOne(ctx, event, target, decision); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deliverRoundRobin advances the per-rule cursor exactly once and delivers to
// the selected target.
func (r *Router) deliverRoundRobin(ctx context.Context, event *models.Event, rule *Rule, decision *Decision) error {
	idx, err := r.cursors.Next(ctx, rule.Name, len(rule.Targets))
	if err != nil {
		// Cursor state unreachable: fall back to the primary target
		// rather than dropping the event.
		r.logger.Warn("cursor advance failed, using primary target",
			"rule", rule.Name, "error", err)
		idx = 0
	}
	return r.deliverOne(ctx, event, rule.Targets[idx], decision)
}

// deliverFallback walks targets in order until one accepts. Targets recently
// marked unavailable are skipped without a probe.
func (r *Router) deliverFallback(ctx context.Context, event *models.Event, rule *Rule, decision *Decision) error {
	for _, target := range rule.Targets {
		available, err := r.availability.IsAvailable(ctx, target)
		if err != nil {
			r.logger.Warn("availability check failed, probing target anyway",
				"target", target, "error", err)
			available = true
		}
		if !available {
			decision.Failed = append(decision.Failed, target)
			continue
		}

		err = r.deliverer.Deliver(ctx, target, event)
		if err == nil {
			decision.Delivered = append(decision.Delivered, target)
			return nil
		}

		decision.Failed = append(decision.Failed, target)
		if errors.Is(err, ErrDeliveryUnavailable) {
			if markErr := r.availability.MarkUnavailable(ctx, target, unavailableTTL); markErr != nil {
				r.logger.Warn("failed to mark target unavailable",
					"target", target, "error", markErr)
			}
		}
	}
	return fmt.Errorf("all fallback targets exhausted for rule %s: %w", rule.Name, ErrDeliveryUnavailable)
}

// sendToDeadLetter records an undeliverable event.
func (r *Router) sendToDeadLetter(ctx context.Context, event *models.Event, decision *Decision, reason string) {
	decision.DeadLettered = true
	if r.deadLetter == nil {
		return
	}
	if err := r.deadLetter.DeadLetter(ctx, event, reason); err != nil {
		r.logger.Error("dead-letter write failed",
			"event_id", event.EventID, "error", err)
	}
}

// record updates routing statistics and the bounded decision history.
func (r *Router) record(decision *Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	for _, target := range decision.Delivered {
		r.counts[target]++
	}
	r.history = append(r.history, *decision)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
}

// History returns the most recent routing decisions, oldest first.
func (r *Router) History() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Decision(nil), r.history...)
}

// Stats returns routing totals since startup. Read-only.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	dist := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		dist[k] = v
	}
	return Stats{TotalRouted: r.total, AgentDistribution: dist}
}
