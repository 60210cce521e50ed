// Package kafka publishes canonical events to a Kafka topic, keyed by actor
// so per-actor ordering survives partitioning.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/encdec"
	"github.com/skyrelay/skyrelay/src/message"
)

type SinkConfig struct {
	Brokers []string     `mapstructure:"brokers" validate:"required,min=1"`
	Topic   string       `mapstructure:"topic" validate:"required"`
	Codec   encdec.Codec `mapstructure:"codec" default:"json" validate:"oneof=json cbor"`
}

type Sink struct {
	name   string
	cfg    *SinkConfig
	logger *slog.Logger
	writer *kafka.Writer
}

// NewSink creates the Kafka sink.
func NewSink(name string, opts map[string]any) (connectors.Sink, error) {
	cfg, err := config.ParseOptions[SinkConfig](opts)
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	l := slog.Default().With("context", "Kafka Sink")
	l.Info("Kafka sink configured", "brokers", cfg.Brokers, "topic", cfg.Topic)

	return &Sink{
		name:   name,
		cfg:    cfg,
		logger: l,
		writer: writer,
	}, nil
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Publish(ctx context.Context, ev *message.CanonicalEvent) error {
	data, err := encdec.Encode(s.cfg.Codec, ev)
	if err != nil {
		return connectors.Permanent(s.name, err)
	}

	s.logger.Debug("publishing Kafka message", "topic", s.cfg.Topic, "event", ev.ID, "bodysize", len(data))

	kmsg := kafka.Message{
		Key:   []byte(ev.ActorID),
		Value: data,
	}
	if err := s.writer.WriteMessages(ctx, kmsg); err != nil {
		var tooLarge kafka.MessageTooLargeError
		if errors.As(err, &tooLarge) {
			return connectors.Permanent(s.name, err)
		}
		return connectors.Transient(s.name, fmt.Errorf("error publishing to Kafka: %w", err))
	}
	return nil
}

func (s *Sink) Close() error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}
