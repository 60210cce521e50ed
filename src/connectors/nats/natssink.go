// Package nats publishes canonical events to a NATS subject.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/encdec"
	"github.com/skyrelay/skyrelay/src/message"
)

type SinkConfig struct {
	Address string       `mapstructure:"address" validate:"required"`
	Subject string       `mapstructure:"subject" validate:"required"`
	Codec   encdec.Codec `mapstructure:"codec" default:"json" validate:"oneof=json cbor"`
}

type Sink struct {
	name   string
	cfg    *SinkConfig
	logger *slog.Logger
	conn   *nats.Conn
}

// NewSink connects to the NATS server and creates the sink.
func NewSink(name string, opts map[string]any) (connectors.Sink, error) {
	cfg, err := config.ParseOptions[SinkConfig](opts)
	if err != nil {
		return nil, err
	}

	conn, err := nats.Connect(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	l := slog.Default().With("context", "NATS Sink")
	l.Info("NATS sink connected", "address", cfg.Address, "subject", cfg.Subject)

	return &Sink{
		name:   name,
		cfg:    cfg,
		logger: l,
		conn:   conn,
	}, nil
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Publish(ctx context.Context, ev *message.CanonicalEvent) error {
	data, err := encdec.Encode(s.cfg.Codec, ev)
	if err != nil {
		return connectors.Permanent(s.name, err)
	}

	s.logger.Debug("publishing NATS message", "subject", s.cfg.Subject, "event", ev.ID, "bodysize", len(data))

	if err := s.conn.Publish(s.cfg.Subject, data); err != nil {
		if errors.Is(err, nats.ErrMaxPayload) {
			return connectors.Permanent(s.name, err)
		}
		return connectors.Transient(s.name, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil && s.conn.IsConnected() {
		s.conn.Close()
	}
	return nil
}
