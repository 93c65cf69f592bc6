// Package deadletter captures events that could not be processed: envelopes
// the normalizer rejected and events no target would accept.
package deadletter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// FailedEvent is one dead-letter entry. Exactly one of Event or Envelope is
// set, depending on how far the record got before failing.
type FailedEvent struct {
	Timestamp time.Time                `json:"timestamp"`
	Event     *models.Event            `json:"event,omitempty"`
	Envelope  *models.RawEventEnvelope `json:"envelope,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Reason    string                   `json:"reason"`
}

// Queue stores failed events for inspection and replay.
type Queue interface {
	// DeadLetter records a normalized event that could not be delivered.
	DeadLetter(ctx context.Context, event *models.Event, reason string) error

	// WriteEnvelope records a raw envelope the normalizer rejected.
	WriteEnvelope(ctx context.Context, env *models.RawEventEnvelope, cause error, reason string) error

	// List returns up to limit entries, oldest first.
	List(ctx context.Context, limit int) ([]FailedEvent, error)

	// Stats describes the queue for diagnostics endpoints.
	Stats(ctx context.Context) map[string]interface{}
}

// subjectToken reduces a free-form reason to a bus-safe subject token.
func subjectToken(reason string) string {
	token := strings.ToLower(reason)
	token = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, token)
	token = strings.Trim(token, "_")
	if token == "" {
		token = "unknown"
	}
	return token
}

// MemoryQueue is the bounded in-process queue used by tests and single-node
// runs. The oldest entry is dropped once the cap is reached.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []FailedEvent
	cap     int
	written uint64
}

// NewMemoryQueue creates a queue keeping at most capacity entries.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryQueue{cap: capacity}
}

func (q *MemoryQueue) DeadLetter(_ context.Context, event *models.Event, reason string) error {
	q.append(FailedEvent{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Reason:    reason,
	})
	return nil
}

func (q *MemoryQueue) WriteEnvelope(_ context.Context, env *models.RawEventEnvelope, cause error, reason string) error {
	entry := FailedEvent{
		Timestamp: time.Now().UTC(),
		Envelope:  env,
		Reason:    reason,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	q.append(entry)
	return nil
}

func (q *MemoryQueue) append(entry FailedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	if len(q.entries) > q.cap {
		q.entries = q.entries[len(q.entries)-q.cap:]
	}
	q.written++
}

func (q *MemoryQueue) List(_ context.Context, limit int) ([]FailedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.entries) {
		limit = len(q.entries)
	}
	return append([]FailedEvent(nil), q.entries[:limit]...), nil
}

func (q *MemoryQueue) Stats(_ context.Context) map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]interface{}{
		"backend":       "memory",
		"written_total": q.written,
		"held":          len(q.entries),
		"capacity":      q.cap,
	}
}
