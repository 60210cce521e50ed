// Package bluesky implements the upstream source connectors: cursor-based
// polling of the posts and notifications streams over XRPC.
package bluesky

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/message"
	"github.com/skyrelay/skyrelay/src/normalize"
)

type SourceConfig struct {
	Service        string        `mapstructure:"service" default:"https://bsky.social" validate:"required,url"`
	Stream         string        `mapstructure:"stream" validate:"required,oneof=posts notifications"`
	Identifier     string        `mapstructure:"identifier"`
	Password       string        `mapstructure:"password"`
	PollInterval   time.Duration `mapstructure:"pollInterval" default:"3s" validate:"gt=0"`
	PageLimit      int           `mapstructure:"pageLimit" default:"50" validate:"min=1,max=100"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout" default:"10s" validate:"gt=0"`
}

type Source struct {
	cfg    *SourceConfig
	client *Client
	logger *slog.Logger

	mu            sync.Mutex
	seq           uint64
	cursor        string
	streamErr     error
	authenticated bool
}

// NewSource creates a bluesky stream source from an options map.
func NewSource(opts map[string]any) (connectors.Source, error) {
	cfg, err := config.ParseOptions[SourceConfig](opts)
	if err != nil {
		return nil, err
	}
	return &Source{
		cfg:    cfg,
		client: NewClient(cfg.Service, cfg.RequestTimeout),
		logger: slog.Default().With("context", "Bluesky", "stream", cfg.Stream),
	}, nil
}

func (s *Source) Name() string {
	return "bluesky-" + s.cfg.Stream
}

// Open authenticates if needed, verifies the stream with one synchronous
// page fetch, and starts the polling loop. The very first authentication
// failure is an *AuthError (fatal at startup); anything later is a
// *ConnectError handled by the supervisor.
func (s *Source) Open(ctx context.Context, cursor string) (<-chan message.RawEvent, error) {
	if !s.client.Authenticated() {
		err := s.client.CreateSession(s.cfg.Identifier, s.cfg.Password)
		if err != nil {
			s.mu.Lock()
			first := !s.authenticated
			s.mu.Unlock()
			if first {
				return nil, &connectors.AuthError{Service: s.cfg.Service, Err: err}
			}
			return nil, &connectors.ConnectError{Resource: s.Name(), Err: err}
		}
		s.mu.Lock()
		s.authenticated = true
		s.mu.Unlock()
		s.logger.Info("session created", "did", s.client.DID())
	}

	items, next, err := s.fetch(cursor)
	if err != nil {
		return nil, &connectors.ConnectError{Resource: s.Name(), Err: err}
	}

	s.mu.Lock()
	s.streamErr = nil
	s.mu.Unlock()

	ch := make(chan message.RawEvent)
	go s.poll(ctx, ch, items, next)
	return ch, nil
}

func (s *Source) fetch(cursor string) ([][]byte, string, error) {
	if s.cfg.Stream == normalize.StreamPosts {
		return s.client.FetchTimeline(cursor, s.cfg.PageLimit)
	}
	return s.client.FetchNotifications(cursor, s.cfg.PageLimit)
}

// poll emits the already-fetched first page, then keeps fetching on the
// poll interval until cancellation or a network fault. A fault closes the
// channel with a *StreamInterruptedError carrying the resume cursor.
func (s *Source) poll(ctx context.Context, ch chan<- message.RawEvent, items [][]byte, cursor string) {
	defer close(ch)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !s.emit(ctx, ch, items, cursor) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var err error
		items, cursor, err = s.fetch(cursor)
		if err != nil {
			s.mu.Lock()
			last := s.cursor
			s.streamErr = &connectors.StreamInterruptedError{Resource: s.Name(), LastCursor: last, Err: err}
			s.mu.Unlock()
			s.logger.Warn("stream interrupted", "error", err, "cursor", last)
			return
		}
	}
}

// emit sends one page of raw events; false means the context was cancelled.
func (s *Source) emit(ctx context.Context, ch chan<- message.RawEvent, items [][]byte, cursor string) bool {
	for _, item := range items {
		s.mu.Lock()
		s.seq++
		ev := message.RawEvent{
			Source:  s.cfg.Stream,
			Seq:     s.seq,
			Cursor:  cursor,
			Payload: item,
		}
		s.mu.Unlock()

		select {
		case ch <- ev:
			s.mu.Lock()
			s.cursor = cursor
			s.mu.Unlock()
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

func (s *Source) CurrentCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Source) Close() error {
	s.client.clearSession()
	return nil
}
