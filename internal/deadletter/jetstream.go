package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/opsrelay-systems/opsrelay/internal/logging"
	natsclient "github.com/opsrelay-systems/opsrelay/internal/messaging/nats"
	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// JetStreamQueue persists failed events in a NATS JetStream stream, shared
// across relay instances.
type JetStreamQueue struct {
	js      *natsclient.JetStreamClient
	stream  jetstream.Stream
	logger  *logging.Logger
	written uint64
}

// NewJetStreamQueue ensures the dead-letter stream exists and returns a
// queue over it.
func NewJetStreamQueue(ctx context.Context, js *natsclient.JetStreamClient, logger *logging.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, natsclient.DeadLetterStream)
	if err != nil {
		return nil, fmt.Errorf("create dead-letter stream: %w", err)
	}

	return &JetStreamQueue{
		js:     js,
		stream: stream,
		logger: logger.WithComponent("deadletter"),
	}, nil
}

func (q *JetStreamQueue) DeadLetter(ctx context.Context, event *models.Event, reason string) error {
	return q.publish(ctx, FailedEvent{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Reason:    reason,
	})
}

func (q *JetStreamQueue) WriteEnvelope(ctx context.Context, env *models.RawEventEnvelope, cause error, reason string) error {
	entry := FailedEvent{
		Timestamp: time.Now().UTC(),
		Envelope:  env,
		Reason:    reason,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return q.publish(ctx, entry)
}

func (q *JetStreamQueue) publish(ctx context.Context, entry FailedEvent) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	subject := "events.dlq." + subjectToken(entry.Reason)
	if _, err := q.js.PublishSync(ctx, subject, data); err != nil {
		return fmt.Errorf("publish dead-letter entry: %w", err)
	}

	atomic.AddUint64(&q.written, 1)
	q.logger.Debug("dead-letter entry written", "reason", entry.Reason)
	return nil
}

// List reads entries back through an ephemeral consumer.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: "events.dlq.>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var entries []FailedEvent
	for msg := range msgs.Messages() {
		var entry FailedEvent
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			q.logger.Warn("skipping unparseable dead-letter entry", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if msgs.Error() != nil {
		q.logger.Warn("dead-letter fetch ended with error", "error", msgs.Error())
	}

	return entries, nil
}

func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"backend":       "jetstream",
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}
	return map[string]interface{}{
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// Purge removes everything from the dead-letter stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dead-letter stream: %w", err)
	}
	q.logger.Info("dead-letter stream purged")
	return nil
}
