// Package messaging abstracts the message bus so pipeline components publish
// and subscribe without coupling to a specific broker.
package messaging

import (
	"context"
	"time"
)

// Message is a single bus message.
type Message struct {
	// Subject is the topic the message was published to.
	Subject string

	// Data is the raw payload.
	Data []byte

	// Reply is an optional subject for request/reply patterns.
	Reply string

	// Metadata carries optional header key-value pairs.
	Metadata map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time
}

// MessageHandler processes a received message. A returned error signals
// processing failure; redelivery depends on the implementation.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is an active subscription to a subject.
type Subscription interface {
	// Unsubscribe stops receiving messages on this subscription.
	Unsubscribe() error

	// Subject returns the subject this subscription listens to.
	Subject() string

	// IsValid reports whether the subscription is still active.
	IsValid() bool
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a fire-and-forget message.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg sends a Message with headers.
	PublishMsg(ctx context.Context, msg *Message) error

	// Request sends a message and waits for a reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error)

	// Close releases resources held by the publisher.
	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	// Subscribe fans out every message on the subject to the handler.
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe load-balances messages across subscribers sharing a
	// queue group. Use for worker pools where each message is processed
	// once.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)

	// Close unsubscribes everything and releases resources.
	Close() error
}

// Client combines Publisher and Subscriber.
type Client interface {
	Publisher
	Subscriber

	// Drain closes gracefully, letting in-flight messages complete.
	Drain() error

	// IsConnected reports whether the client is connected to the broker.
	IsConnected() bool
}
