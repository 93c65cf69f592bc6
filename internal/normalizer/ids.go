package normalizer

import "github.com/google/uuid"

// NewEventID returns a globally unique event identifier. UUIDv7 is
// time-ordered, so event ordering is approximately recoverable from the
// identifier alone.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4
		// rather than dropping the event.
		id = uuid.New()
	}
	return "EVT-" + id.String()
}
