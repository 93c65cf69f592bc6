package normalizer

import (
	"context"
	"strings"
	"time"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// PrometheusNormalizer converts Alertmanager webhook payloads:
//
//	{
//	    "receiver": "...",
//	    "status": "firing",
//	    "alerts": [{
//	        "status": "firing",
//	        "labels": {...},
//	        "annotations": {...},
//	        "startsAt": "..."
//	    }]
//	}
//
// Only the first alert in the batch is normalized; Alertmanager grouping
// already collapsed related alerts upstream.
type PrometheusNormalizer struct{}

// Supports matches the prometheus source tag.
func (PrometheusNormalizer) Supports(source string) bool {
	return source == "prometheus"
}

// Normalize converts an Alertmanager notification into a canonical event.
func (PrometheusNormalizer) Normalize(ctx context.Context, envelope *models.RawEventEnvelope) (*models.Event, error) {
	_ = ctx
	payload := envelope.Payload

	alerts, ok := payload["alerts"].([]interface{})
	if !ok || len(alerts) == 0 {
		return nil, &ValidationError{Field: "alerts", Reason: "at least one alert is required"}
	}
	alert, ok := alerts[0].(map[string]interface{})
	if !ok {
		return nil, &ValidationError{Field: "alerts", Reason: "alert entries must be objects"}
	}

	labels := metadataField(alert, "labels")
	annotations := metadataField(alert, "annotations")

	alertName := stringField(labels, "alertname", "")
	if alertName == "" {
		return nil, &ValidationError{Field: "alerts[0].labels.alertname", Reason: "required"}
	}

	eventType := "metric.threshold"
	if strings.Contains(strings.ToLower(alertName), "anomaly") {
		eventType = "metric.anomaly"
	}

	severity := prometheusSeverity(alert, labels)

	title := stringField(annotations, "summary", alertName)

	metadata := map[string]interface{}{}
	for k, v := range labels {
		metadata[k] = v
	}
	if v := stringField(annotations, "value", ""); v != "" {
		metadata["value"] = v
	}

	event := &models.Event{
		EventType:   eventType,
		Severity:    severity,
		Source:      envelope.Source,
		Title:       title,
		Description: stringField(annotations, "description", ""),
		Metadata:    metadata,
	}

	if startsAt := stringField(alert, "startsAt", ""); startsAt != "" {
		if ts, err := time.Parse(time.RFC3339, startsAt); err == nil {
			event.Timestamp = ts
		}
	}

	return event, nil
}

// prometheusSeverity maps Alertmanager status and severity labels onto the
// canonical scale. Resolved notifications are informational.
func prometheusSeverity(alert, labels map[string]interface{}) models.Severity {
	if stringField(alert, "status", "firing") != "firing" {
		return models.SeverityInfo
	}
	switch stringField(labels, "severity", "warning") {
	case "critical":
		return models.SeverityCritical
	case "warning":
		return models.SeverityHigh
	case "info":
		return models.SeverityInfo
	default:
		return models.SeverityMedium
	}
}
