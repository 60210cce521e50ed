package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/message"
	"github.com/skyrelay/skyrelay/src/normalize"
	"github.com/skyrelay/skyrelay/src/relay"
	"github.com/skyrelay/skyrelay/src/testutil"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func rawPost(seq uint64, cursor string) message.RawEvent {
	payload := fmt.Sprintf(`{
		"post": {
			"uri": "at://did:plc:abc/app.bsky.feed.post/%d",
			"author": {"did": "did:plc:abc"},
			"record": {"text": "n%d", "createdAt": "2024-05-01T10:00:00Z"},
			"indexedAt": "2024-05-01T10:00:01Z"
		}
	}`, seq, seq)
	return message.RawEvent{Source: normalize.StreamPosts, Seq: seq, Cursor: cursor, Payload: []byte(payload)}
}

func testSupervisorConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		StableReset:    60 * time.Second,
		PublishRetries: 5,
	}
}

func newHarness(cfg config.SupervisorConfig) (*Supervisor, *Store, *relay.Relay) {
	store := NewStore()
	rel := relay.New(newTestLogger(), 16, relay.PolicyBlock)
	return New(newTestLogger(), store, rel, cfg), store, rel
}

func waitForStatus(t *testing.T, store *Store, name string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := store.State(name); ok && st.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := store.State(name)
	t.Fatalf("resource %s never reached %s (last: %s)", name, want, st.Status)
}

func TestSupervisorRelaysEndToEndInOrder(t *testing.T) {
	sup, _, _ := newHarness(testSupervisorConfig())

	src := testutil.NewStubSource("posts-conn", testutil.StubScript{
		Events: []message.RawEvent{rawPost(1, "c1"), rawPost(2, "c2"), rawPost(3, "c3")},
	})
	sink := testutil.NewRecordingSink("rec")
	sup.AddSource(src)
	sup.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.True(t, sink.WaitPublished(3, 2*time.Second))
	got := sink.Published()
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorInterruptionIsolatesConnector(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.InitialBackoff = time.Minute
	cfg.MaxBackoff = time.Minute
	sup, store, _ := newHarness(cfg)

	flaky := testutil.NewStubSource("flaky", testutil.StubScript{
		Events:    []message.RawEvent{rawPost(1, "c1")},
		Interrupt: &connectors.StreamInterruptedError{Resource: "flaky", LastCursor: "c1", Err: errors.New("reset")},
	})
	steady := testutil.NewStubSource("steady", testutil.StubScript{})
	sink := testutil.NewRecordingSink("rec")
	sup.AddSource(flaky)
	sup.AddSource(steady)
	sup.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitForStatus(t, store, "flaky", StatusBackoff)
	st, ok := store.State("steady")
	require.True(t, ok)
	assert.Equal(t, StatusActive, st.Status, "interruption must not touch other connectors")

	fst, _ := store.State("flaky")
	assert.Equal(t, uint32(1), fst.RetryCount)
	assert.Equal(t, uint64(1), fst.LastSeq)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorResumesFromCursor(t *testing.T) {
	sup, store, _ := newHarness(testSupervisorConfig())

	src := testutil.NewStubSource("posts-conn",
		testutil.StubScript{
			Events:    []message.RawEvent{rawPost(1, "c1"), rawPost(2, "c2")},
			Interrupt: &connectors.StreamInterruptedError{Resource: "posts-conn", LastCursor: "c2", Err: errors.New("reset")},
		},
		testutil.StubScript{
			Events: []message.RawEvent{rawPost(4, "c4")},
		},
	)
	sink := testutil.NewRecordingSink("rec")
	sup.AddSource(src)
	sup.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.True(t, sink.WaitPublished(3, 2*time.Second))
	assert.Equal(t, 2, src.Opens())
	cursors := src.OpenCursors()
	assert.Equal(t, "", cursors[0])
	assert.Equal(t, "c2", cursors[1], "reconnect must resume from the interruption cursor")

	// gaps are allowed and the sequence keeps advancing
	st, _ := store.State("posts-conn")
	assert.Equal(t, uint64(4), st.LastSeq)

	cancel()
	require.NoError(t, <-done)
}

func waitForRetryCount(t *testing.T, store *Store, name string, want uint32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := store.State(name); ok && st.RetryCount == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := store.State(name)
	t.Fatalf("resource %s never reached retry count %d (last: %d)", name, want, st.RetryCount)
}

func TestSupervisorReportsSequenceRegression(t *testing.T) {
	sup, store, _ := newHarness(testSupervisorConfig())

	src := testutil.NewStubSource("posts-conn", testutil.StubScript{
		Events: []message.RawEvent{rawPost(5, "c1"), rawPost(3, "c2"), rawPost(6, "c3")},
	})
	sink := testutil.NewRecordingSink("rec")
	sup.AddSource(src)
	sup.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.True(t, sink.WaitPublished(3, 2*time.Second))

	st, _ := store.State("posts-conn")
	assert.Equal(t, uint64(1), st.SeqAnomalies, "the regression must be counted as an anomaly")
	assert.Equal(t, uint64(6), st.LastSeq, "lastSeq never decreases")

	// the regressing event is reported, not swallowed
	got := sink.Published()
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[1].Seq)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorRetryResetRequiresSustainedActive(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.StableReset = 100 * time.Millisecond
	sup, store, _ := newHarness(cfg)

	reset := &connectors.StreamInterruptedError{Resource: "flappy", Err: errors.New("reset")}
	src := testutil.NewStubSource("flappy",
		testutil.StubScript{Interrupt: reset},
		testutil.StubScript{Interrupt: reset},
		testutil.StubScript{Interrupt: reset, Hold: 300 * time.Millisecond},
		testutil.StubScript{},
	)
	sink := testutil.NewRecordingSink("rec")
	sup.AddSource(src)
	sup.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// rapid flaps keep escalating
	waitForRetryCount(t, store, "flappy", 2)

	// a sustained Active period resets the budget, so the next interruption
	// starts over at one
	waitForRetryCount(t, store, "flappy", 1)
	waitForStatus(t, store, "flappy", StatusActive)
	assert.Equal(t, 4, src.Opens())

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorRetriesTransientThenAcksOnce(t *testing.T) {
	sup, store, rel := newHarness(testSupervisorConfig())

	src := testutil.NewStubSource("posts-conn", testutil.StubScript{
		Events: []message.RawEvent{rawPost(1, "c1")},
	})
	transient := connectors.Transient("rec", errors.New("timeout"))
	sink := testutil.NewRecordingSink("rec", transient, transient, transient, nil)
	sup.AddSource(src)
	sup.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.True(t, sink.WaitPublished(1, 2*time.Second))
	assert.Equal(t, 4, sink.Calls(), "three transient failures then one success")

	st, _ := store.State("rec")
	assert.Equal(t, uint64(3), st.PublishRetries)
	assert.Equal(t, uint64(1), rel.Queue("rec").Stats().Delivered)
	assert.Len(t, sink.Published(), 1)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorDropsPermanentlyRejectedEvent(t *testing.T) {
	sup, _, rel := newHarness(testSupervisorConfig())

	src := testutil.NewStubSource("posts-conn", testutil.StubScript{
		Events: []message.RawEvent{rawPost(1, "c1"), rawPost(2, "c2")},
	})
	sink := testutil.NewRecordingSink("rec", connectors.Permanent("rec", errors.New("payload too large")))
	sup.AddSource(src)
	sup.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.True(t, sink.WaitPublished(1, 2*time.Second))
	got := sink.Published()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Seq, "the rejected event is dropped, the next one flows")

	stats := rel.Queue("rec").Stats()
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(1), stats.Delivered)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorSinkBackoffKeepsHeadForRedelivery(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.PublishRetries = 1
	sup, store, rel := newHarness(cfg)

	src := testutil.NewStubSource("posts-conn", testutil.StubScript{
		Events: []message.RawEvent{rawPost(1, "c1")},
	})
	transient := connectors.Transient("rec", errors.New("unreachable"))
	// exhaust the in-cycle retries (2 attempts), then succeed after backoff
	sink := testutil.NewRecordingSink("rec", transient, transient, nil)
	sup.AddSource(src)
	sup.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.True(t, sink.WaitPublished(1, 2*time.Second))
	assert.Equal(t, 3, sink.Calls())
	assert.Equal(t, uint64(1), rel.Queue("rec").Stats().Delivered)

	st, _ := store.State("rec")
	assert.GreaterOrEqual(t, st.RetryCount, uint32(1))

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorAuthFailureIsFatal(t *testing.T) {
	sup, store, _ := newHarness(testSupervisorConfig())

	authErr := &connectors.AuthError{Service: "https://bsky.social", Err: errors.New("bad credentials")}
	src := testutil.NewStubSource("posts-conn", testutil.StubScript{OpenErr: authErr})
	sink := testutil.NewRecordingSink("rec")
	sup.AddSource(src)
	sup.AddSink(sink)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		var got *connectors.AuthError
		require.True(t, errors.As(err, &got), "auth failure must surface from Run")
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor kept running after auth failure")
	}

	st, _ := store.State("posts-conn")
	assert.Equal(t, StatusStopped, st.Status)
	assert.Equal(t, 1, src.Opens(), "no reconnect attempts after a fatal auth failure")
}

func TestSupervisorCleanShutdown(t *testing.T) {
	sup, store, _ := newHarness(testSupervisorConfig())

	src := testutil.NewStubSource("posts-conn", testutil.StubScript{})
	sink := testutil.NewRecordingSink("rec")
	sup.AddSource(src)
	sup.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitForStatus(t, store, "posts-conn", StatusActive)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	waitForStatus(t, store, "posts-conn", StatusStopped)
	waitForStatus(t, store, "rec", StatusStopped)
}
