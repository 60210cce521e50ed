// Package mqtt publishes canonical events to an MQTT topic.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/encdec"
	"github.com/skyrelay/skyrelay/src/message"
)

type SinkConfig struct {
	Address        string        `mapstructure:"address" validate:"required"`
	Topic          string        `mapstructure:"topic" validate:"required"`
	ClientID       string        `mapstructure:"clientId" default:"skyrelay"`
	QoS            byte          `mapstructure:"qos" default:"1" validate:"max=2"`
	Codec          encdec.Codec  `mapstructure:"codec" default:"json" validate:"oneof=json cbor"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout" default:"5s" validate:"gt=0"`
	PublishTimeout time.Duration `mapstructure:"publishTimeout" default:"5s" validate:"gt=0"`
}

type Sink struct {
	name   string
	cfg    *SinkConfig
	logger *slog.Logger
	client pahomqtt.Client
}

// NewSink connects to the broker and creates the sink.
func NewSink(name string, opts map[string]any) (connectors.Sink, error) {
	cfg, err := config.ParseOptions[SinkConfig](opts)
	if err != nil {
		return nil, err
	}

	clientOpts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Address).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout)

	client := pahomqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("timeout connecting to MQTT broker %s", cfg.Address)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	l := slog.Default().With("context", "MQTT Sink")
	l.Info("MQTT sink connected", "address", cfg.Address, "topic", cfg.Topic)

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

	s.logger.Debug("publishing MQTT message", "topic", s.cfg.Topic, "event", ev.ID, "bodysize", len(data))

	token := s.client.Publish(s.cfg.Topic, s.cfg.QoS, false, data)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return connectors.Transient(s.name, fmt.Errorf("timeout publishing to MQTT topic %s", s.cfg.Topic))
	}
	if err := token.Error(); err != nil {
		return connectors.Transient(s.name, fmt.Errorf("error publishing to MQTT: %w", err))
	}
	return nil
}

func (s *Sink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
