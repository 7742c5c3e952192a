package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds
	SubjectPrefix     string `json:"subjectPrefix"`
}

// Event topics. The camelCase names are the ones dashboards listen on.
const (
	TopicNewTransaction       = "newTransaction"
	TopicTransactionUpdated   = "transactionUpdated"
	TopicNewAnomaly           = "newAnomaly"
	TopicAnomalyUpdated       = "anomalyUpdated"
	TopicAnomalyDeleted       = "anomalyDeleted"
	TopicTransactionsIngested = "transactionsIngested"
	TopicAnomaliesIngested    = "anomaliesIngested"

	// TopicTransactionSubmitted carries transactions queued for async scoring.
	TopicTransactionSubmitted = "transaction.submitted"
)

// EventTopics lists the topics forwarded to live observers.
var EventTopics = []string{
	TopicNewTransaction,
	TopicTransactionUpdated,
	TopicNewAnomaly,
	TopicAnomalyUpdated,
	TopicAnomalyDeleted,
	TopicTransactionsIngested,
	TopicAnomaliesIngested,
}

// Event is the envelope published on event topics.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}
