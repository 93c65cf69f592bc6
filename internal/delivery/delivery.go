// Package delivery publishes pipeline outputs onto the message bus: routed
// events to per-agent subjects, aggregates and incident transitions to their
// broadcast subjects.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/opsrelay-systems/opsrelay/internal/incident"
	"github.com/opsrelay-systems/opsrelay/internal/logging"
	"github.com/opsrelay-systems/opsrelay/internal/messaging"
	"github.com/opsrelay-systems/opsrelay/internal/models"
	"github.com/opsrelay-systems/opsrelay/internal/routing"
)

// JSONPublisher publishes JSON-encoded payloads. Satisfied by the NATS
// client.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, subject string, data interface{}) error
	IsConnected() bool
}

// BusDeliverer delivers routed events to agents.deliver.<target>.
type BusDeliverer struct {
	pub    JSONPublisher
	logger *logging.Logger
}

// NewBusDeliverer creates a bus-backed deliverer.
func NewBusDeliverer(pub JSONPublisher, logger *logging.Logger) *BusDeliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &BusDeliverer{pub: pub, logger: logger.WithComponent("delivery")}
}

// Deliver publishes the event to the target's subject. A disconnected bus
// reports ErrDeliveryUnavailable so fallback rules can walk on.
func (d *BusDeliverer) Deliver(ctx context.Context, target string, event *models.Event) error {
	if !d.pub.IsConnected() {
		return fmt.Errorf("bus disconnected: %w", routing.ErrDeliveryUnavailable)
	}
	subject := messaging.AgentDeliverSubject(target)
	if err := d.pub.PublishJSON(ctx, subject, event); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	d.logger.Debug("event delivered", "event_id", event.EventID, "target", target)
	return nil
}

// LogDeliverer logs deliveries instead of publishing. Used for dry runs.
type LogDeliverer struct {
	logger *logging.Logger
}

// NewLogDeliverer creates a log-only deliverer.
func NewLogDeliverer(logger *logging.Logger) *LogDeliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogDeliverer{logger: logger.WithComponent("delivery")}
}

func (d *LogDeliverer) Deliver(_ context.Context, target string, event *models.Event) error {
	d.logger.Info("event delivered (dry run)",
		"event_id", event.EventID, "target", target,
		"event_type", event.EventType, "severity", event.Severity.String())
	return nil
}

// AggregatePublisher emits flushed correlation groups on the bus.
type AggregatePublisher struct {
	pub JSONPublisher
}

// NewAggregatePublisher creates a bus-backed aggregate notifier.
func NewAggregatePublisher(pub JSONPublisher) *AggregatePublisher {
	return &AggregatePublisher{pub: pub}
}

func (p *AggregatePublisher) NotifyAggregate(ctx context.Context, agg *models.AggregateNotification) error {
	return p.pub.PublishJSON(ctx, messaging.SubjectCorrelationAggregates, agg)
}

// transitionEnvelope is the wire shape published per incident transition.
type transitionEnvelope struct {
	IncidentID string              `json:"incident_id"`
	Title      string              `json:"title"`
	Severity   string              `json:"severity"`
	Transition incident.Transition `json:"transition"`
	At         time.Time           `json:"at"`
}

// TransitionPublisher emits applied incident transitions on the bus.
type TransitionPublisher struct {
	pub JSONPublisher
}

// NewTransitionPublisher creates a bus-backed transition notifier.
func NewTransitionPublisher(pub JSONPublisher) *TransitionPublisher {
	return &TransitionPublisher{pub: pub}
}

func (p *TransitionPublisher) NotifyTransition(ctx context.Context, inc *incident.Incident, tr incident.Transition) error {
	return p.pub.PublishJSON(ctx, messaging.SubjectIncidentTransitions, transitionEnvelope{
		IncidentID: inc.ID,
		Title:      inc.Title,
		Severity:   inc.Severity.String(),
		Transition: tr,
		At:         tr.At,
	})
}
