package messaging

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/santif/jobsched/observability"
)

// RabbitMQBroker publishes scheduler events to a RabbitMQ exchange using the
// event topic as routing key. Lost connections are re-established in the
// background and existing subscriptions are declared again.
type RabbitMQBroker struct {
	config  RabbitMQConfig
	logger  observability.Logger
	metrics *brokerMetrics

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
	subs    []rabbitSubscription
}

type rabbitSubscription struct {
	topic   string
	queue   string
	handler MessageHandler
}

// NewRabbitMQBroker connects and declares the exchange before returning
func NewRabbitMQBroker(
	config RabbitMQConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) (*RabbitMQBroker, error) {
	if logger == nil {
		logger = observability.NoOpLogger()
	}
	if metrics == nil {
		metrics = observability.NoOpMetrics()
	}

	b := &RabbitMQBroker{
		config:  config,
		logger:  logger.With(observability.NewField("broker", "rabbitmq")),
		metrics: newBrokerMetrics(metrics, BrokerTypeRabbitMQ),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to RabbitMQ")
	}
	return b, nil
}

// connectLocked must be called with b.mu held
func (b *RabbitMQBroker) connectLocked() error {
	timeout := b.config.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := amqp.DialConfig(b.config.URI, amqp.Config{
		Dial:      amqp.DefaultDial(timeout),
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "failed to open channel")
	}

	err = channel.ExchangeDeclare(
		b.config.ExchangeName,
		b.config.ExchangeType,
		b.config.QueueDurable,
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "failed to declare exchange")
	}

	b.conn, b.channel = conn, channel
	for _, sub := range b.subs {
		if err := b.consumeLocked(sub); err != nil {
			b.logger.Error("Failed to restore subscription", err, observability.NewField("topic", sub.topic))
		}
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go b.watch(closed)

	b.logger.Info("Connected to RabbitMQ",
		observability.NewField("uri", maskURI(b.config.URI)),
		observability.NewField("exchange", b.config.ExchangeName))
	return nil
}

// watch waits for the connection to drop and reconnects unless Close was called
func (b *RabbitMQBroker) watch(closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	if !ok || amqpErr == nil {
		// graceful close
		return
	}
	b.logger.Error("RabbitMQ connection lost", amqpErr)

	for attempt := 1; ; attempt++ {
		if b.config.MaxReconnectAttempts > 0 && attempt > b.config.MaxReconnectAttempts {
			b.logger.Critical("Giving up reconnecting to RabbitMQ", amqpErr,
				observability.NewField("attempts", attempt-1))
			return
		}
		time.Sleep(b.config.ReconnectDelay)

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.conn, b.channel = nil, nil
		err := b.connectLocked()
		b.mu.Unlock()

		if err == nil {
			b.logger.Info("Reconnected to RabbitMQ", observability.NewField("attempt", attempt))
			return
		}
		b.logger.Warn("Reconnect to RabbitMQ failed",
			observability.NewField("attempt", attempt),
			observability.NewField("error", err.Error()))
	}
}

func (b *RabbitMQBroker) consumeLocked(sub rabbitSubscription) error {
	queue, err := b.channel.QueueDeclare(
		sub.queue,
		b.config.QueueDurable,
		b.config.QueueAutoDelete,
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "failed to declare queue")
	}
	if err := b.channel.QueueBind(queue.Name, sub.topic, b.config.ExchangeName, false, nil); err != nil {
		return errors.Wrap(err, "failed to bind queue")
	}
	deliveries, err := b.channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "failed to consume from queue")
	}
	go b.deliver(deliveries, sub)
	return nil
}

// deliver acks handled messages and requeues failed ones
func (b *RabbitMQBroker) deliver(deliveries <-chan amqp.Delivery, sub rabbitSubscription) {
	for d := range deliveries {
		headers := make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = fmt.Sprint(v)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := sub.handler(ctx, NewMessage(d.MessageId, d.Body, headers))
		cancel()

		if err != nil {
			b.logger.Error("Failed to process message", err,
				observability.NewField("message_id", d.MessageId),
				observability.NewField("topic", d.RoutingKey))
			err = d.Nack(false, true)
		} else {
			err = d.Ack(false)
		}
		if err != nil {
			b.logger.Error("Failed to acknowledge message", err, observability.NewField("message_id", d.MessageId))
		}
	}
}

// Publish sends message as a persistent delivery routed by topic
func (b *RabbitMQBroker) Publish(ctx context.Context, topic string, message Message) error {
	b.mu.Lock()
	channel, closed := b.channel, b.closed
	b.mu.Unlock()
	if closed {
		return ErrBrokerClosed
	}
	if channel == nil {
		return errors.New("not connected to RabbitMQ")
	}

	headers := make(amqp.Table, len(message.Headers()))
	contentType := "application/octet-stream"
	for k, v := range message.Headers() {
		headers[k] = v
		if k == HeaderContentType {
			contentType = v
		}
	}

	err := channel.PublishWithContext(ctx, b.config.ExchangeName, topic, false, false, amqp.Publishing{
		MessageId:    message.ID(),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  contentType,
		Headers:      headers,
		Body:         message.Body(),
	})
	b.metrics.record(topic, err)
	return errors.Wrapf(err, "failed to publish message %s to %s", message.ID(), topic)
}

// Subscribe binds a queue named after the exchange and topic
func (b *RabbitMQBroker) Subscribe(topic string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if b.channel == nil {
		return errors.New("not connected to RabbitMQ")
	}

	sub := rabbitSubscription{
		topic:   topic,
		queue:   fmt.Sprintf("%s.%s", b.config.ExchangeName, topic),
		handler: handler,
	}
	if err := b.consumeLocked(sub); err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *RabbitMQBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	if b.channel != nil {
		err = b.channel.Close()
	}
	if b.conn != nil {
		err = errors.CombineErrors(err, b.conn.Close())
	}
	b.conn, b.channel = nil, nil

	b.logger.Info("RabbitMQ broker closed")
	return err
}

// maskURI hides the password of an AMQP URI
func maskURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
