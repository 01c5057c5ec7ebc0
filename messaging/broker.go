package messaging

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/observability"
)

// Publisher sends messages to a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, message Message) error
}

// Broker defines the interface for a message broker that can publish and subscribe to topics
type Broker interface {
	Publisher

	// Subscribe registers a handler called for every message received on topic
	Subscribe(topic string, handler MessageHandler) error

	// Close shuts down the broker connection and cleans up resources
	Close() error
}

// MessageHandler is a function that processes received messages
type MessageHandler func(ctx context.Context, message Message) error

// NewBroker creates the broker selected by config
func NewBroker(
	config BrokerConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) (Broker, error) {
	if logger == nil {
		logger = observability.NoOpLogger()
	}
	if metrics == nil {
		metrics = observability.NoOpMetrics()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case BrokerTypeMemory:
		return NewMemoryBroker(), nil
	case BrokerTypeRabbitMQ:
		return NewRabbitMQBroker(config.RabbitMQ, logger, metrics)
	case BrokerTypeKafka:
		return NewKafkaBroker(config.Kafka, logger, metrics)
	default:
		return nil, errors.Newf("unsupported broker type: %s", config.Type)
	}
}

// brokerMetrics counts publishes per topic
type brokerMetrics struct {
	broker    string
	published observability.Counter
	failed    observability.Counter
}

func newBrokerMetrics(metrics observability.Metrics, broker BrokerType) *brokerMetrics {
	return &brokerMetrics{
		broker: string(broker),
		published: metrics.Counter(
			"messages_published_total",
			"Total number of messages published",
			"broker", "topic",
		),
		failed: metrics.Counter(
			"messages_publish_failed_total",
			"Total number of messages that could not be published",
			"broker", "topic",
		),
	}
}

func (m *brokerMetrics) record(topic string, err error) {
	labels := map[string]string{"broker": m.broker, "topic": topic}
	if err != nil {
		m.failed.WithLabels(labels).Inc()
		return
	}
	m.published.WithLabels(labels).Inc()
}
