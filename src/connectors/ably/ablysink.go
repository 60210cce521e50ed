// Package ably publishes canonical events to a hosted Ably REST channel,
// the downstream the relay was originally built for.
package ably

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/encdec"
	"github.com/skyrelay/skyrelay/src/message"
)

type SinkConfig struct {
	Endpoint       string        `mapstructure:"endpoint" default:"https://rest.ably.io" validate:"required,url"`
	APIKey         string        `mapstructure:"apiKey" validate:"required"`
	Channel        string        `mapstructure:"channel" default:"bsky-events" validate:"required"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout" default:"10s" validate:"gt=0"`
}

type publishBody struct {
	Name string                  `json:"name"`
	Data *message.CanonicalEvent `json:"data"`
}

type Sink struct {
	name   string
	cfg    *SinkConfig
	logger *slog.Logger
	http   *fasthttp.Client
	auth   string
}

// NewSink creates the Ably REST sink from an options map.
func NewSink(name string, opts map[string]any) (connectors.Sink, error) {
	cfg, err := config.ParseOptions[SinkConfig](opts)
	if err != nil {
		return nil, err
	}
	l := slog.Default().With("context", "Ably Sink")
	l.Info("Ably sink configured", "endpoint", cfg.Endpoint, "channel", cfg.Channel)
	return &Sink{
		name:   name,
		cfg:    cfg,
		logger: l,
		http:   &fasthttp.Client{Name: "skyrelay"},
		auth:   "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.APIKey)),
	}, nil
}

func (s *Sink) Name() string { return s.name }

// Publish posts one message to the channel. One network call per
// invocation; 4xx responses other than auth/rate limits are payload
// rejections.
func (s *Sink) Publish(ctx context.Context, ev *message.CanonicalEvent) error {
	body, err := encdec.EncodeJSON(&publishBody{Name: string(ev.Kind), Data: ev})
	if err != nil {
		return connectors.Permanent(s.name, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/channels/%s/messages", s.cfg.Endpoint, s.cfg.Channel))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", s.auth)
	req.SetBody(body)

	s.logger.Debug("publishing Ably message", "channel", s.cfg.Channel, "event", ev.ID, "bodysize", len(body))

	if err := s.http.DoTimeout(req, resp, s.cfg.RequestTimeout); err != nil {
		return connectors.Transient(s.name, err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == fasthttp.StatusRequestTimeout ||
		status == fasthttp.StatusTooManyRequests ||
		status >= 500:
		return connectors.Transient(s.name, fmt.Errorf("status %d", status))
	default:
		return connectors.Permanent(s.name, fmt.Errorf("status %d: %s", status, resp.Body()))
	}
}

func (s *Sink) Close() error { return nil }
