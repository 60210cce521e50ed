package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPubSubSinkInvalidOptions(t *testing.T) {
	_, err := NewSink("pubsub", map[string]any{"topic": "sky-events"})
	assert.Error(t, err, "missing projectId must be rejected")

	_, err = NewSink("pubsub", map[string]any{"projectId": "demo"})
	assert.Error(t, err, "missing topic must be rejected")

	_, err = NewSink("pubsub", map[string]any{
		"projectId":      "demo",
		"topic":          "sky-events",
		"publishTimeout": "0s",
	})
	assert.Error(t, err, "zero publish timeout must be rejected")
}
