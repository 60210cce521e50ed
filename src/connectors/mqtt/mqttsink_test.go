package mqtt

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrelay/skyrelay/src/encdec"
	"github.com/skyrelay/skyrelay/src/message"
)

// startMochi starts an in-process MQTT broker on an ephemeral port and
// returns its address.
func startMochi(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(new(auth.AllowHook), nil))

	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: ":" + strconv.Itoa(port)})
	require.NoError(t, broker.AddListener(tcp))

	go func() {
		_ = broker.Serve()
	}()
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() { _ = broker.Close() })
	return "127.0.0.1:" + strconv.Itoa(port)
}

func TestMQTTSinkPublish(t *testing.T) {
	addr := startMochi(t)

	received := make(chan []byte, 1)
	subOpts := pahomqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID("skyrelay-test-sub")
	subscriber := pahomqtt.NewClient(subOpts)
	token := subscriber.Connect()
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())
	defer subscriber.Disconnect(250)

	token = subscriber.Subscribe("sky/events", 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		received <- m.Payload()
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	sink, err := NewSink("mqtt", map[string]any{
		"address": "tcp://" + addr,
		"topic":   "sky/events",
	})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ev := message.NewCanonicalEvent(message.KindPost, "did:plc:abc", "at://did:plc:abc/post/1", map[string]string{"text": "hi"}, time.Now().UTC())
	require.NoError(t, sink.Publish(context.Background(), ev))

	select {
	case payload := <-received:
		var got message.CanonicalEvent
		require.NoError(t, encdec.DecodeJSON(payload, &got))
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, message.KindPost, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received on topic")
	}
}

func TestMQTTSinkConnectFailure(t *testing.T) {
	_, err := NewSink("mqtt", map[string]any{
		"address":        "tcp://127.0.0.1:1",
		"topic":          "sky/events",
		"connectTimeout": "200ms",
	})
	assert.Error(t, err)
}

func TestMQTTSinkInvalidOptions(t *testing.T) {
	_, err := NewSink("mqtt", map[string]any{"address": "tcp://127.0.0.1:1883"})
	assert.Error(t, err, "missing topic must be rejected")

	_, err = NewSink("mqtt", map[string]any{
		"address": "tcp://127.0.0.1:1883",
		"topic":   "sky/events",
		"qos":     3,
	})
	assert.Error(t, err, "qos above 2 must be rejected")
}
