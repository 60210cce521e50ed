package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
sources:
  - type: bluesky
    options:
      stream: posts
sinks:
  - type: nats
    options:
      address: nats://127.0.0.1:4222
      subject: sky.events
`

func TestLoadConfigContentYAML(t *testing.T) {
	cfg, err := loadConfigContent(minimalYAML, "yaml")
	require.NoError(t, err)

	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "bluesky", cfg.Sources[0].Type)
	require.Len(t, cfg.Sinks, 1)
	assert.Equal(t, "nats", cfg.Sinks[0].Type)

	// defaults
	assert.Equal(t, 1000, cfg.Relay.QueueCapacity)
	assert.Equal(t, "block", cfg.Relay.Backpressure)
	assert.Equal(t, 500*time.Millisecond, cfg.Supervisor.InitialBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Supervisor.MaxBackoff)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.StableReset)
	assert.Equal(t, ":8089", cfg.Health.Address)
}

func TestLoadConfigContentJSONAutoDetect(t *testing.T) {
	content := `{"sources":[{"type":"bluesky"}],"sinks":[{"type":"redis","options":{"address":"127.0.0.1:6379","channel":"c"}}],"relay":{"queueCapacity":5,"backpressure":"dropOldest"}}`
	cfg, err := loadConfigContent(content, "")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Relay.QueueCapacity)
	assert.Equal(t, "dropOldest", cfg.Relay.Backpressure)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	cfg, err := loadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bluesky", cfg.Sources[0].Type)
}

func TestLoadConfigFileUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("a = 1"), 0o600))

	_, err := loadConfigFile(path)
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*UnsupportedExtensionError))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SKYRELAY_RELAY__BACKPRESSURE", "dropOldest")
	cfg, err := loadConfigContent(minimalYAML, "yaml")
	require.NoError(t, err)
	assert.Equal(t, "dropOldest", cfg.Relay.Backpressure)
}

func TestValidationRejectsEmptySinks(t *testing.T) {
	_, err := loadConfigContent(`
sources:
  - type: bluesky
sinks: []
`, "yaml")
	require.Error(t, err)
}

func TestValidationRejectsBadBackpressure(t *testing.T) {
	_, err := loadConfigContent(minimalYAML+`
relay:
  backpressure: dropNewest
`, "yaml")
	require.Error(t, err)
}

type sampleOptions struct {
	Address string        `mapstructure:"address" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" default:"5s" validate:"gt=0"`
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions[sampleOptions](map[string]any{"address": "x:1", "timeout": "2s"})
	require.NoError(t, err)
	assert.Equal(t, "x:1", opts.Address)
	assert.Equal(t, 2*time.Second, opts.Timeout)
}

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions[sampleOptions](map[string]any{"address": "x:1"})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, opts.Timeout)
}

func TestParseOptionsValidation(t *testing.T) {
	_, err := ParseOptions[sampleOptions](map[string]any{})
	require.Error(t, err)
}
