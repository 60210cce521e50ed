// Package pubsub publishes canonical events to a Google Cloud Pub/Sub
// topic.
package pubsub

import (
	"context"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"google.golang.org/api/option"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/encdec"
	"github.com/skyrelay/skyrelay/src/message"
)

type SinkConfig struct {
	ProjectID string `mapstructure:"projectId" validate:"required"`
	Topic     string `mapstructure:"topic" validate:"required"`
	// Path to a service account JSON file; empty means Application Default
	// Credentials.
	CredentialsFile string        `mapstructure:"credentialsFile"`
	Codec           encdec.Codec  `mapstructure:"codec" default:"json" validate:"oneof=json cbor"`
	PublishTimeout  time.Duration `mapstructure:"publishTimeout" default:"10s" validate:"gt=0"`
}

type Sink struct {
	name      string
	cfg       *SinkConfig
	logger    *slog.Logger
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// NewSink creates the Pub/Sub client and topic publisher.
func NewSink(name string, opts map[string]any) (connectors.Sink, error) {
	cfg, err := config.ParseOptions[SinkConfig](opts)
	if err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(context.Background(), cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, err
	}

	l := slog.Default().With("context", "PubSub Sink")
	l.Info("PubSub sink connected", "projectId", cfg.ProjectID, "topic", cfg.Topic)

	return &Sink{
		name:      name,
		cfg:       cfg,
		logger:    l,
		client:    client,
		publisher: client.Publisher(cfg.Topic),
	}, nil
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Publish(ctx context.Context, ev *message.CanonicalEvent) error {
	data, err := encdec.Encode(s.cfg.Codec, ev)
	if err != nil {
		return connectors.Permanent(s.name, err)
	}

	s.logger.Debug("publishing PubSub message", "topic", s.cfg.Topic, "event", ev.ID, "bodysize", len(data))

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	res := s.publisher.Publish(pctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":    string(ev.Kind),
			"actorId": ev.ActorID,
		},
	})
	if _, err := res.Get(pctx); err != nil {
		return connectors.Transient(s.name, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.publisher.Stop()
	return s.client.Close()
}
