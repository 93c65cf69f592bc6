package normalizer

import (
	"context"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// ManualNormalizer handles reports entered by humans via CLI, API, or chat.
type ManualNormalizer struct{}

// Supports matches the manual source tag.
func (ManualNormalizer) Supports(source string) bool {
	return source == "manual"
}

// Normalize converts a manual report into a canonical event.
func (ManualNormalizer) Normalize(ctx context.Context, envelope *models.RawEventEnvelope) (*models.Event, error) {
	_ = ctx
	payload := envelope.Payload

	title := stringField(payload, "title", "")
	if title == "" {
		return nil, &ValidationError{Field: "title", Reason: "required"}
	}

	severity, err := severityField(payload, "severity", models.SeverityMedium)
	if err != nil {
		return nil, err
	}

	metadata := map[string]interface{}{
		"reported_by": stringField(payload, "reported_by", "unknown"),
	}
	if impact := stringField(payload, "impact", ""); impact != "" {
		metadata["impact"] = impact
	}
	if urgency := stringField(payload, "urgency", ""); urgency != "" {
		metadata["urgency"] = urgency
	}
	for k, v := range metadataField(payload, "metadata") {
		metadata[k] = v
	}

	return &models.Event{
		EventType:   stringField(payload, "type", "manual.report"),
		Severity:    severity,
		Source:      envelope.Source,
		Title:       title,
		Description: stringField(payload, "description", ""),
		Metadata:    metadata,
	}, nil
}
