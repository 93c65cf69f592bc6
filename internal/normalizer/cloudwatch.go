package normalizer

import (
	"context"
	"fmt"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// CloudWatchNormalizer converts CloudWatch alarm notifications as delivered
// via SNS.
type CloudWatchNormalizer struct{}

// Supports matches the cloudwatch source tag.
func (CloudWatchNormalizer) Supports(source string) bool {
	return source == "cloudwatch"
}

// Normalize converts a CloudWatch alarm into a canonical event.
func (CloudWatchNormalizer) Normalize(ctx context.Context, envelope *models.RawEventEnvelope) (*models.Event, error) {
	_ = ctx
	payload := envelope.Payload

	alarmName := stringField(payload, "AlarmName", "")
	if alarmName == "" {
		return nil, &ValidationError{Field: "AlarmName", Reason: "required"}
	}
	newState := stringField(payload, "NewStateValue", "")
	if newState == "" {
		return nil, &ValidationError{Field: "NewStateValue", Reason: "required"}
	}

	severity := models.SeverityLow
	switch newState {
	case "ALARM":
		severity = models.SeverityCritical
	case "INSUFFICIENT_DATA":
		severity = models.SeverityMedium
	case "OK":
		severity = models.SeverityInfo
	}

	trigger := metadataField(payload, "Trigger")
	metadata := map[string]interface{}{
		"alarm_name": alarmName,
		"metric":     stringField(trigger, "MetricName", ""),
		"namespace":  stringField(trigger, "Namespace", ""),
	}
	if trigger != nil {
		if dims, ok := trigger["Dimensions"]; ok {
			metadata["dimensions"] = dims
		}
	}

	return &models.Event{
		EventType:   "metric.threshold",
		Severity:    severity,
		Source:      envelope.Source,
		Title:       fmt.Sprintf("%s: %s", alarmName, newState),
		Description: stringField(payload, "NewStateReason", ""),
		Metadata:    metadata,
	}, nil
}
