// Package events delivers domain events to the message bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Publisher sends one event. Payload values must be JSON encodable.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]interface{}) error
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event as a JSON message. The topic is the
// event topic with the configured prefix.
type KafkaPublisher struct {
	writer MessageWriter
	prefix string
	keyOf  string
	logger zerolog.Logger
}

const defaultWriteTimeout = 2 * time.Second

type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	// KeyField names the payload entry used as the partition key.
	KeyField string
	// WriteTimeout bounds one broker write; zero means two seconds.
	WriteTimeout time.Duration
}

// NewKafkaPublisher returns a publisher backed by an asynchronous writer:
// Publish only enqueues, and delivery failures are logged.
func NewKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	p := NewKafkaPublisherWithWriter(nil, cfg.TopicPrefix, cfg.KeyField, logger)
	p.writer = newKafkaWriter(cfg, p.logger)
	return p, nil
}

func newKafkaWriter(cfg KafkaConfig, logger zerolog.Logger) *kafka.Writer {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           timeout,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             deliveryLogger(logger),
	}
}

func deliveryLogger(logger zerolog.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range msgs {
			logger.Error().Err(err).Str("topic", m.Topic).Str("key", string(m.Key)).Msg("event delivery failed")
		}
	}
}

func NewKafkaPublisherWithWriter(w MessageWriter, prefix, keyField string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		prefix: prefix,
		keyOf:  keyField,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", topic, err)
	}
	msg := kafka.Message{
		Topic: p.prefix + topic,
		Value: body,
		Time:  time.Now().UTC(),
	}
	if k, ok := payload[p.keyOf].(string); ok && k != "" {
		msg.Key = []byte(k)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	p.logger.Debug().Str("topic", msg.Topic).Msg("event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, payload map[string]interface{}) error {
	p.logger.Info().Str("topic", topic).Fields(payload).Msg("event")
	return nil
}
