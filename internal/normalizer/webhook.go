package normalizer

import (
	"context"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// WebhookNormalizer handles generic webhook submissions. The payload carries
// the canonical fields directly:
//
//	{
//	    "type": "metric.anomaly",
//	    "severity": "critical",
//	    "title": "High error rate detected",
//	    "description": "...",
//	    "metadata": {...}
//	}
//
// It also serves as the fallback for source tags no other normalizer claims.
type WebhookNormalizer struct{}

// Supports accepts any non-empty source tag; register this normalizer last.
func (WebhookNormalizer) Supports(source string) bool {
	return source != ""
}

// Normalize converts a webhook payload into a canonical event.
func (WebhookNormalizer) Normalize(ctx context.Context, envelope *models.RawEventEnvelope) (*models.Event, error) {
	_ = ctx
	payload := envelope.Payload

	eventType := stringField(payload, "type", "")
	if eventType == "" {
		eventType = stringField(payload, "event_type", "")
	}
	if eventType == "" {
		return nil, &ValidationError{Field: "type", Reason: "required"}
	}

	severity, err := severityField(payload, "severity", models.SeverityMedium)
	if err != nil {
		return nil, err
	}

	title := stringField(payload, "title", "")
	if title == "" {
		return nil, &ValidationError{Field: "title", Reason: "required"}
	}

	return &models.Event{
		EventType:   eventType,
		Severity:    severity,
		Source:      envelope.Source,
		Title:       title,
		Description: stringField(payload, "description", ""),
		Metadata:    metadataField(payload, "metadata"),
	}, nil
}
