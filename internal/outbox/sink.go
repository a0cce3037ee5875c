// Package outbox forwards in-process events to external notifiers. Delivery
// failures are counted and logged and never reach the core.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"execution-core/internal/events"
)

// Sink delivers one envelope.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env events.Envelope) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaSink publishes envelopes as JSON, keyed by market:symbol so one
// instrument's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: w, topic: cfg.Topic}, nil
}

func (k *KafkaSink) Name() string { return "kafka:" + k.topic }

func (k *KafkaSink) Deliver(ctx context.Context, env events.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(partitionKey(env)),
		Value: value,
		Time:  env.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.Type)},
			{Key: "event_id", Value: []byte(env.ID)},
		},
	})
}

func (k *KafkaSink) Close() error { return k.writer.Close() }

func partitionKey(env events.Envelope) string {
	switch p := env.Payload.(type) {
	case events.OrderExecuted:
		return p.Market + ":" + p.Symbol
	case events.PositionClosed:
		return p.Market + ":" + p.Symbol
	case events.SignalRecorded:
		return p.Market + ":" + p.Symbol
	default:
		return string(env.Type)
	}
}

// LogSink writes each envelope as a structured log line. It is the default
// when no broker is configured.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink { return &LogSink{log: log} }

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(_ context.Context, env events.Envelope) error {
	l.log.Info().
		Str("event_id", env.ID).
		Str("type", string(env.Type)).
		Time("at", env.At).
		Interface("payload", env.Payload).
		Msg("event")
	return nil
}

func (l *LogSink) Close() error { return nil }
