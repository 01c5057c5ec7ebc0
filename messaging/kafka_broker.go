package messaging

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/santif/jobsched/observability"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

const kafkaDialTimeout = 10 * time.Second

// KafkaBroker publishes scheduler events to Kafka, one writer per topic
type KafkaBroker struct {
	config  KafkaConfig
	logger  observability.Logger
	metrics *brokerMetrics
	dialer  *kafka.Dialer

	mu      sync.RWMutex
	writers map[string]*kafka.Writer
	readers map[string]*kafka.Reader
	closed  bool

	wg sync.WaitGroup
}

// NewKafkaBroker dials the first configured broker before returning
func NewKafkaBroker(
	config KafkaConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) (*KafkaBroker, error) {
	if logger == nil {
		logger = observability.NoOpLogger()
	}
	if metrics == nil {
		metrics = observability.NoOpMetrics()
	}
	if len(config.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	dialer, err := newKafkaDialer(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kafka dialer")
	}

	b := &KafkaBroker{
		config:  config,
		logger:  logger.With(observability.NewField("broker", "kafka")),
		metrics: newBrokerMetrics(metrics, BrokerTypeKafka),
		dialer:  dialer,
		writers: make(map[string]*kafka.Writer),
		readers: make(map[string]*kafka.Reader),
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaDialTimeout)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", config.Brokers[0])
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Kafka")
	}
	_ = conn.Close()

	b.logger.Info("Connected to Kafka",
		observability.NewField("brokers", strings.Join(config.Brokers, ",")),
		observability.NewField("client_id", config.ClientID))
	return b, nil
}

func newKafkaDialer(config KafkaConfig) (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		ClientID:  config.ClientID,
		Timeout:   kafkaDialTimeout,
		DualStack: true,
	}

	if config.EnableTLS || config.SecurityProtocol == "ssl" || config.SecurityProtocol == "sasl_ssl" {
		tlsConfig, err := kafkaTLSConfig(config)
		if err != nil {
			return nil, err
		}
		dialer.TLS = tlsConfig
	}

	if strings.HasPrefix(config.SecurityProtocol, "sasl") {
		mechanism, err := kafkaSASLMechanism(config)
		if err != nil {
			return nil, err
		}
		dialer.SASLMechanism = mechanism
	}
	return dialer, nil
}

func kafkaTLSConfig(config KafkaConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.TLSCertFile != "" && config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if config.TLSCAFile != "" {
		pem, err := os.ReadFile(config.TLSCAFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read CA certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func kafkaSASLMechanism(config KafkaConfig) (sasl.Mechanism, error) {
	switch config.SASLMechanism {
	case "plain":
		return plain.Mechanism{Username: config.SASLUsername, Password: config.SASLPassword}, nil
	case "scram-sha-256":
		m, err := scram.Mechanism(scram.SHA256, config.SASLUsername, config.SASLPassword)
		return m, errors.Wrap(err, "failed to create SASL mechanism")
	case "scram-sha-512":
		m, err := scram.Mechanism(scram.SHA512, config.SASLUsername, config.SASLPassword)
		return m, errors.Wrap(err, "failed to create SASL mechanism")
	default:
		return nil, errors.Newf("unsupported SASL mechanism: %s", config.SASLMechanism)
	}
}

func (b *KafkaBroker) writer(topic string) (*kafka.Writer, error) {
	b.mu.RLock()
	w, ok := b.writers[topic]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrBrokerClosed
	}
	if ok {
		return w, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if w, ok = b.writers[topic]; ok {
		return w, nil
	}

	w = &kafka.Writer{
		Addr:                   kafka.TCP(b.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Logger:                 kafka.LoggerFunc(b.debugf),
		ErrorLogger:            kafka.LoggerFunc(b.errorf),
		Transport: &kafka.Transport{
			ClientID: b.config.ClientID,
			Dial:     b.dialer.DialFunc,
			TLS:      b.dialer.TLS,
			SASL:     b.dialer.SASLMechanism,
		},
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	b.writers[topic] = w
	return w, nil
}

// Publish writes message keyed by its ID, retrying up to MaxRetries times
func (b *KafkaBroker) Publish(ctx context.Context, topic string, message Message) error {
	w, err := b.writer(topic)
	if err != nil {
		return err
	}

	headers := make([]kafka.Header, 0, len(message.Headers()))
	for k, v := range message.Headers() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	msg := kafka.Message{
		Key:     []byte(message.ID()),
		Value:   message.Body(),
		Headers: headers,
		Time:    time.Now(),
	}

	for attempt := 0; ; attempt++ {
		err = w.WriteMessages(ctx, msg)
		if err == nil || attempt >= b.config.MaxRetries {
			break
		}
		b.logger.Warn("Retrying message publish",
			observability.NewField("topic", topic),
			observability.NewField("message_id", message.ID()),
			observability.NewField("attempt", attempt+1),
			observability.NewField("error", err.Error()))

		select {
		case <-ctx.Done():
			err = errors.WithSecondaryError(err, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * b.config.RetryBackoff):
			continue
		}
		break
	}

	b.metrics.record(topic, err)
	if err != nil {
		return errors.Wrapf(err, "failed to publish message %s to %s", message.ID(), topic)
	}
	return nil
}

// Subscribe starts a consumer group reader for topic
func (b *KafkaBroker) Subscribe(topic string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if _, ok := b.readers[topic]; ok {
		return errors.Newf("already subscribed to %s", topic)
	}

	groupID := fmt.Sprintf("%s-%s", b.config.ConsumerGroup, topic)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.config.Brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		StartOffset:    kafka.FirstOffset,
		Logger:         kafka.LoggerFunc(b.debugf),
		ErrorLogger:    kafka.LoggerFunc(b.errorf),
		IsolationLevel: kafka.ReadCommitted,
		Dialer:         b.dialer,
	})
	b.readers[topic] = reader

	b.wg.Add(1)
	go b.consume(reader, topic, handler)

	b.logger.Info("Subscribed to Kafka topic",
		observability.NewField("topic", topic),
		observability.NewField("group_id", groupID))
	return nil
}

// consume runs until the reader is closed. Messages are committed even when
// the handler fails.
func (b *KafkaBroker) consume(reader *kafka.Reader, topic string, handler MessageHandler) {
	defer b.wg.Done()

	ctx := context.Background()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || b.isClosed() {
				return
			}
			b.logger.Error("Error fetching message from Kafka", err, observability.NewField("topic", topic))
			time.Sleep(time.Second)
			continue
		}

		id := string(msg.Key)
		if id == "" {
			id = uuid.NewString()
		}
		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}

		handleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := handler(handleCtx, NewMessage(id, msg.Value, headers)); err != nil {
			b.logger.Error("Failed to process message", err,
				observability.NewField("topic", topic),
				observability.NewField("message_id", id))
		}
		cancel()

		if err := reader.CommitMessages(ctx, msg); err != nil {
			b.logger.Error("Failed to commit message", err,
				observability.NewField("topic", topic),
				observability.NewField("message_id", id))
		}
	}
}

func (b *KafkaBroker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close flushes writers, stops readers and waits for consumers to exit
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	writers, readers := b.writers, b.readers
	b.writers = make(map[string]*kafka.Writer)
	b.readers = make(map[string]*kafka.Reader)
	b.mu.Unlock()

	var result error
	for topic, w := range writers {
		if err := w.Close(); err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "closing writer for %s", topic))
		}
	}
	for topic, r := range readers {
		if err := r.Close(); err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "closing reader for %s", topic))
		}
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		b.logger.Warn("Timed out waiting for Kafka consumers to stop")
	}

	b.logger.Info("Kafka broker closed")
	return result
}

func (b *KafkaBroker) debugf(msg string, args ...interface{}) {
	b.logger.Debug(fmt.Sprintf(msg, args...))
}

func (b *KafkaBroker) errorf(msg string, args ...interface{}) {
	b.logger.Error(fmt.Sprintf(msg, args...), nil)
}
