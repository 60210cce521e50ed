package config

import (
	"time"

	"github.com/skyrelay/skyrelay/src/connectors"
)

type EnvConfig struct {
	ConfigFilePath string `env:"SKYRELAY_CONFIG_FILE_PATH" envDefault:"/etc/skyrelay/config.yaml" validate:"omitempty,filepath"`
	// Optional: raw configuration content (YAML or JSON). If set, it takes precedence over ConfigFilePath.
	ConfigContent string `env:"SKYRELAY_CONFIG_CONTENT" validate:"omitempty"`
	// Optional: explicit config format when using ConfigContent. One of: yaml, yml, json.
	ConfigFormat string `env:"SKYRELAY_CONFIG_FORMAT" validate:"omitempty,oneof=yaml yml json"`

	// Upstream and sink credentials. Kept out of the config file on purpose;
	// rotation/storage is the deployment's problem.
	BskyUsername string `env:"BSKY_USERNAME"`
	BskyPassword string `env:"BSKY_PASSWORD"`
	AblyAPIKey   string `env:"ABLY_API_KEY"`
}

type Config struct {
	Sources    []connectors.SourceConfig `yaml:"sources" json:"sources" validate:"min=1,dive"`
	Sinks      []connectors.SinkConfig   `yaml:"sinks" json:"sinks" validate:"min=1,dive"`
	Relay      RelayConfig               `yaml:"relay" json:"relay"`
	Supervisor SupervisorConfig          `yaml:"supervisor" json:"supervisor"`
	Health     HealthConfig              `yaml:"health" json:"health"`
}

// RelayConfig bounds the per-sink queues and selects what happens when one
// fills up: "block" suspends upstream consumption, "dropOldest" evicts the
// oldest queued event and counts the drop.
type RelayConfig struct {
	QueueCapacity int    `yaml:"queueCapacity" json:"queueCapacity" default:"1000" validate:"min=1"`
	Backpressure  string `yaml:"backpressure" json:"backpressure" default:"block" validate:"oneof=block dropOldest"`
}

type SupervisorConfig struct {
	InitialBackoff time.Duration `yaml:"initialBackoff" json:"initialBackoff" default:"500ms" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" json:"maxBackoff" default:"5m" validate:"gt=0"`
	// StableReset is how long a resource must stay Active before its retry
	// count resets; shorter values would mask flapping connections.
	StableReset time.Duration `yaml:"stableReset" json:"stableReset" default:"60s" validate:"gt=0"`
	// PublishRetries bounds the in-cycle retry attempts for a transient
	// publish failure before the sink is sent to backoff.
	PublishRetries int `yaml:"publishRetries" json:"publishRetries" default:"5" validate:"min=0"`
}

type HealthConfig struct {
	Address string `yaml:"address" json:"address" default:":8089"`
}
