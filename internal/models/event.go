// Package models provides the canonical data types shared across the
// opsrelay pipeline.
package models

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Severity is the ordered severity scale for events and incidents.
// Ordering matters: comparisons use the numeric rank, not the string.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

var severityValues = map[string]Severity{
	"info":     SeverityInfo,
	"low":      SeverityLow,
	"medium":   SeverityMedium,
	"high":     SeverityHigh,
	"critical": SeverityCritical,
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler so severities serialize as
// their lowercase names in JSON and YAML.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, ok := ParseSeverity(string(text))
	if !ok {
		return &InvalidSeverityError{Value: string(text)}
	}
	*s = parsed
	return nil
}

// MarshalYAML serializes severities as their lowercase names.
func (s Severity) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler; yaml.v3 does not consult
// encoding.TextUnmarshaler.
func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(name))
}

// ParseSeverity converts a severity name to its rank.
func ParseSeverity(value string) (Severity, bool) {
	s, ok := severityValues[value]
	return s, ok
}

// InvalidSeverityError reports an unrecognized severity name.
type InvalidSeverityError struct {
	Value string
}

func (e *InvalidSeverityError) Error() string {
	return "invalid severity: " + e.Value
}

// Event is the canonical, immutable record of an observed operational
// occurrence. All sources are converted to this shape by the normalizer.
// Once the normalizer returns an Event it is never mutated; downstream
// components treat it as read-only.
type Event struct {
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"` // dotted taxonomy, e.g. "metric.threshold"
	Severity    Severity               `json:"severity"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// MetadataString returns the metadata value for key as a string, or "" if
// absent or not a string.
func (e *Event) MetadataString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// RawEventEnvelope carries a source-specific payload into the normalizer.
// Source identifies which normalizer handles the payload.
type RawEventEnvelope struct {
	Source     string                 `json:"source"`
	ReceivedAt time.Time              `json:"received_at"`
	Payload    map[string]interface{} `json:"payload"`
}

// AggregateNotification is the single downstream signal emitted when a
// correlation group flushes with at least min_events members.
type AggregateNotification struct {
	GroupKey       string    `json:"group_key"`
	MemberCount    int       `json:"member_count"`
	MaxSeverity    Severity  `json:"max_severity"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	MemberEventIDs []string  `json:"member_event_ids"`
}
