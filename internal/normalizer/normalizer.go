// Package normalizer converts raw source-specific payloads into canonical
// events.
//
// Each source (webhook, prometheus, cloudwatch, manual) has its own
// Normalizer. The Registry holds them in order and picks the first one that
// supports the envelope's source tag; the generic webhook normalizer acts as
// the fallback for unknown sources.
package normalizer

import (
	"context"
	"fmt"
	"time"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// ValidationError reports a missing or malformed field in an inbound
// payload. Events failing validation are rejected, never partially ingested.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on field %q: %s", e.Field, e.Reason)
}

// Normalizer converts a raw event envelope from one source family into a
// canonical event.
type Normalizer interface {
	Normalize(ctx context.Context, envelope *models.RawEventEnvelope) (*models.Event, error)
	Supports(source string) bool
}

// Registry holds ordered normalizers and finds a match for a given envelope.
type Registry struct {
	items []Normalizer
}

// NewRegistry constructs a registry with provided normalizers.
func NewRegistry(items ...Normalizer) *Registry {
	return &Registry{items: items}
}

// DefaultRegistry returns a registry covering all built-in sources. The
// webhook normalizer is last so it catches unknown source tags.
func DefaultRegistry() *Registry {
	return NewRegistry(
		PrometheusNormalizer{},
		CloudWatchNormalizer{},
		ManualNormalizer{},
		WebhookNormalizer{},
	)
}

// Find returns the first normalizer that supports the envelope.
func (r *Registry) Find(envelope *models.RawEventEnvelope) Normalizer {
	if r == nil {
		return nil
	}
	for _, n := range r.items {
		if n.Supports(envelope.Source) {
			return n
		}
	}
	return nil
}

// Normalize dispatches the envelope to the first matching normalizer and
// validates the result. The returned event carries a fresh event_id and is
// immutable from the caller's perspective.
func (r *Registry) Normalize(ctx context.Context, envelope *models.RawEventEnvelope) (*models.Event, error) {
	if envelope == nil {
		return nil, &ValidationError{Field: "payload", Reason: "envelope is nil"}
	}
	if envelope.Source == "" {
		return nil, &ValidationError{Field: "source", Reason: "source tag is required"}
	}

	n := r.Find(envelope)
	if n == nil {
		return nil, &ValidationError{Field: "source", Reason: fmt.Sprintf("no normalizer for source %q", envelope.Source)}
	}

	event, err := n.Normalize(ctx, envelope)
	if err != nil {
		return nil, err
	}

	event.EventID = NewEventID()
	if event.Timestamp.IsZero() {
		if !envelope.ReceivedAt.IsZero() {
			event.Timestamp = envelope.ReceivedAt
		} else {
			event.Timestamp = time.Now().UTC()
		}
	}

	if err := validate(event); err != nil {
		return nil, err
	}
	return event, nil
}

// validate enforces the canonical required fields.
func validate(event *models.Event) error {
	if event.EventType == "" {
		return &ValidationError{Field: "event_type", Reason: "required"}
	}
	if event.Source == "" {
		return &ValidationError{Field: "source", Reason: "required"}
	}
	if event.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if event.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	return nil
}

// stringField reads a string from a payload map, returning fallback when the
// key is absent or not a string.
func stringField(payload map[string]interface{}, key, fallback string) string {
	if payload == nil {
		return fallback
	}
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// metadataField reads a nested map from a payload.
func metadataField(payload map[string]interface{}, key string) map[string]interface{} {
	if payload == nil {
		return nil
	}
	if m, ok := payload[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// severityField parses a severity name from a payload, defaulting when the
// key is absent. A present but unrecognized value is a validation error.
func severityField(payload map[string]interface{}, key string, fallback models.Severity) (models.Severity, error) {
	raw := stringField(payload, key, "")
	if raw == "" {
		return fallback, nil
	}
	sev, ok := models.ParseSeverity(raw)
	if !ok {
		return 0, &ValidationError{Field: key, Reason: fmt.Sprintf("unknown severity %q", raw)}
	}
	return sev, nil
}
