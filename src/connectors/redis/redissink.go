// Package redis publishes canonical events to a Redis pub/sub channel.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/encdec"
	"github.com/skyrelay/skyrelay/src/message"
)

type SinkConfig struct {
	Address string       `mapstructure:"address" validate:"required"`
	Channel string       `mapstructure:"channel" validate:"required"`
	Codec   encdec.Codec `mapstructure:"codec" default:"json" validate:"oneof=json cbor"`
}

type Sink struct {
	name   string
	cfg    *SinkConfig
	logger *slog.Logger
	client *redis.Client
}

// NewSink creates the Redis sink. The connection is verified lazily on the
// first publish.
func NewSink(name string, opts map[string]any) (connectors.Sink, error) {
	cfg, err := config.ParseOptions[SinkConfig](opts)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Address})

	l := slog.Default().With("context", "Redis Sink")
	l.Info("Redis sink configured", "address", cfg.Address, "channel", cfg.Channel)

	return &Sink{
		name:   name,
		cfg:    cfg,
		logger: l,
		client: client,
	}, nil
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Publish(ctx context.Context, ev *message.CanonicalEvent) error {
	data, err := encdec.Encode(s.cfg.Codec, ev)
	if err != nil {
		return connectors.Permanent(s.name, err)
	}

	s.logger.Debug("publishing Redis message", "channel", s.cfg.Channel, "event", ev.ID, "bodysize", len(data))

	if err := s.client.Publish(ctx, s.cfg.Channel, data).Err(); err != nil {
		return connectors.Transient(s.name, fmt.Errorf("error publishing to Redis: %w", err))
	}
	return nil
}

func (s *Sink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
