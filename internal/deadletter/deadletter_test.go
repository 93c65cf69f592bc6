package deadletter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "delivery_failed_critical_rule", subjectToken("delivery failed: critical_rule"))
	assert.Equal(t, "validation", subjectToken("validation"))
	assert.Equal(t, "unknown", subjectToken("!!!"))
}

func TestMemoryQueue_EventAndEnvelope(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()

	event := &models.Event{EventID: "EVT-1", EventType: "log.error"}
	require.NoError(t, q.DeadLetter(ctx, event, "delivery failed"))

	env := &models.RawEventEnvelope{Source: "webhook", ReceivedAt: time.Now()}
	require.NoError(t, q.WriteEnvelope(ctx, env, errors.New("title: required field missing"), "validation"))

	entries, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "EVT-1", entries[0].Event.EventID)
	assert.Nil(t, entries[0].Envelope)
	assert.Equal(t, "delivery failed", entries[0].Reason)

	assert.Nil(t, entries[1].Event)
	assert.Equal(t, "webhook", entries[1].Envelope.Source)
	assert.Contains(t, entries[1].Error, "required field missing")
}

func TestMemoryQueue_DropsOldestAtCapacity(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := &models.Event{EventID: fmt.Sprintf("EVT-%d", i)}
		require.NoError(t, q.DeadLetter(ctx, event, "overflow"))
	}

	entries, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "EVT-2", entries[0].Event.EventID)
	assert.Equal(t, "EVT-4", entries[2].Event.EventID)

	stats := q.Stats(ctx)
	assert.Equal(t, uint64(5), stats["written_total"])
	assert.Equal(t, 3, stats["held"])
}

func TestMemoryQueue_ListLimit(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, q.DeadLetter(ctx, &models.Event{EventID: fmt.Sprintf("EVT-%d", i)}, "x"))
	}

	entries, err := q.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
