// Package connectors defines the contracts between the relay core and the
// upstream/downstream adapters, plus the error taxonomy shared by all of
// them.
package connectors

import (
	"context"

	"github.com/skyrelay/skyrelay/src/message"
)

// Source wraps one upstream stream as a lazy, restartable sequence of raw
// events. The channel returned by Open stays open for the lifetime of the
// subscription; it is closed on explicit shutdown (Err returns nil) or on a
// network fault (Err returns a *StreamInterruptedError carrying the last
// cursor). Open fails with *ConnectError or, on first use, *AuthError.
type Source interface {
	Name() string
	Open(ctx context.Context, cursor string) (<-chan message.RawEvent, error)
	// Err reports why the last stream ended. Valid after the Open channel
	// is closed, nil on clean shutdown.
	Err() error
	// CurrentCursor returns the opaque resumption token of the last event
	// handed out.
	CurrentCursor() string
	Close() error
}

// Sink wraps one downstream pub/sub channel. Publish performs exactly one
// network call and returns nil only when the sink acknowledged the event;
// failures are reported as *PublishError so the caller can tell transient
// faults from rejected payloads.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *message.CanonicalEvent) error
	Close() error
}

// SourceConfig selects and configures one source connector.
type SourceConfig struct {
	Type    string         `yaml:"type" json:"type" validate:"required"`
	Options map[string]any `yaml:"options" json:"options"`
}

// SinkConfig selects and configures one sink connector. Name identifies the
// sink in supervision state and health reporting; it defaults to Type.
type SinkConfig struct {
	Name    string         `yaml:"name" json:"name"`
	Type    string         `yaml:"type" json:"type" validate:"required"`
	Options map[string]any `yaml:"options" json:"options"`
}
