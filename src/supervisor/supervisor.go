// Package supervisor owns connector and publisher lifecycles. Each managed
// resource runs one state machine (Idle -> Connecting -> Active -> Backoff ->
// Connecting -> ... -> Stopped) with capped exponential backoff between
// reconnects; sink publishers connect in their constructors and skip the
// Connecting phase. Every transition is logged with its cause.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/retrier"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/relay"
)

const publishRetryInitial = 100 * time.Millisecond

type sinkEntry struct {
	sink  connectors.Sink
	queue *relay.Queue
}

type Supervisor struct {
	logger *slog.Logger
	store  *Store
	relay  *relay.Relay

	backoff        Backoff
	stableReset    time.Duration
	publishRetries int

	sources []connectors.Source
	sinks   []sinkEntry

	mu     sync.Mutex
	fatal  error
	cancel context.CancelFunc
}

func New(logger *slog.Logger, store *Store, rel *relay.Relay, cfg config.SupervisorConfig) *Supervisor {
	return &Supervisor{
		logger:         logger.With("context", "Supervisor"),
		store:          store,
		relay:          rel,
		backoff:        Backoff{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
		stableReset:    cfg.StableReset,
		publishRetries: cfg.PublishRetries,
	}
}

// AddSource registers a source connector for supervision.
func (s *Supervisor) AddSource(src connectors.Source) {
	s.store.Register(src.Name())
	s.sources = append(s.sources, src)
}

// AddSink registers a sink publisher and its relay queue.
func (s *Supervisor) AddSink(sink connectors.Sink) {
	s.store.Register(sink.Name())
	s.sinks = append(s.sinks, sinkEntry{sink: sink, queue: s.relay.AddSink(sink.Name())})
}

// Run starts the relay pipeline and one task per managed resource, then
// blocks until cooperative shutdown completes. The returned error is the
// relay's, with cancellation treated as a clean stop.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	relayErr := make(chan error, 1)
	go func() { relayErr <- s.relay.Run(ctx) }()

	var srcWG sync.WaitGroup
	for _, src := range s.sources {
		srcWG.Add(1)
		go func(src connectors.Source) {
			defer srcWG.Done()
			s.runSource(ctx, src)
		}(src)
	}

	var sinkWG sync.WaitGroup
	for _, e := range s.sinks {
		sinkWG.Add(1)
		go func(e sinkEntry) {
			defer sinkWG.Done()
			s.runSink(ctx, e.sink, e.queue)
		}(e)
	}

	srcWG.Wait()
	s.relay.CloseInput()

	err := <-relayErr
	sinkWG.Wait()

	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, relay.ErrQueueClosed)) {
		err = nil
	}

	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	return err
}

// abort records an unrecoverable error and tears the whole run down.
func (s *Supervisor) abort(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) transition(name string, st Status, cause error) {
	s.store.SetStatus(name, st, cause)
	if cause != nil {
		s.logger.Info("state transition", "resource", name, "state", st, "cause", cause)
		return
	}
	s.logger.Info("state transition", "resource", name, "state", st)
}

// sleepBackoff waits out the backoff delay for the given retry; false means
// the context was cancelled first.
func (s *Supervisor) sleepBackoff(ctx context.Context, name string, retry uint32) bool {
	delay := s.backoff.Delay(retry)
	s.logger.Debug("backoff scheduled", "resource", name, "retry", retry, "delay", delay)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// runSource drives one source connector: open from the last cursor, relay
// its events, and on interruption back off and resume. Sequence regressions
// are reported as protocol anomalies, never silently accepted.
func (s *Supervisor) runSource(ctx context.Context, src connectors.Source) {
	name := src.Name()
	var retry uint32
	var lastSeq uint64
	cursor := ""

	for {
		if ctx.Err() != nil {
			s.transition(name, StatusStopped, nil)
			return
		}

		s.transition(name, StatusConnecting, nil)
		ch, err := src.Open(ctx, cursor)
		if err != nil {
			var authErr *connectors.AuthError
			if errors.As(err, &authErr) {
				s.logger.Error("authentication failed", "resource", name, "error", err)
				s.transition(name, StatusStopped, err)
				s.abort(err)
				return
			}
			retry++
			s.store.SetRetryCount(name, retry)
			s.transition(name, StatusBackoff, err)
			if !s.sleepBackoff(ctx, name, retry) {
				s.transition(name, StatusStopped, nil)
				return
			}
			continue
		}

		s.transition(name, StatusActive, nil)
		activeSince := time.Now()

		for ev := range ch {
			if ev.Seq < lastSeq {
				s.store.AddSeqAnomaly(name)
				s.logger.Error("sequence regression detected", "resource", name, "seq", ev.Seq, "lastSeq", lastSeq)
			} else {
				lastSeq = ev.Seq
				s.store.SetSeq(name, lastSeq)
			}
			if err := s.relay.Ingest(ctx, ev); err != nil {
				break
			}
		}

		cursor = src.CurrentCursor()
		streamErr := src.Err()

		if ctx.Err() != nil || streamErr == nil {
			s.transition(name, StatusStopped, nil)
			return
		}

		// A sustained healthy period resets the retry budget; anything
		// shorter is a flapping connection and keeps escalating.
		if time.Since(activeSince) >= s.stableReset {
			retry = 0
		}
		retry++
		s.store.SetRetryCount(name, retry)
		s.transition(name, StatusBackoff, streamErr)
		if !s.sleepBackoff(ctx, name, retry) {
			s.transition(name, StatusStopped, nil)
			return
		}
	}
}

// publishClassifier maps the publish error taxonomy onto retrier actions:
// transient faults retry, rejected payloads fail fast.
type publishClassifier struct{}

func (publishClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	var pe *connectors.PublishError
	if errors.As(err, &pe) && !pe.Temporary {
		return retrier.Fail
	}
	return retrier.Retry
}

// runSink drives one sink publisher: deliver the queue head, ack on success,
// drop-and-alert on permanent rejection, and back off (keeping the head for
// redelivery) when transient faults persist.
func (s *Supervisor) runSink(ctx context.Context, sink connectors.Sink, q *relay.Queue) {
	name := sink.Name()
	var retry uint32

	// Sinks connect in their constructors, so there is no Connecting phase
	// to report here; Active means the delivery loop is draining the queue.
	s.transition(name, StatusActive, nil)
	activeSince := time.Now()

	for {
		ev, err := q.Peek(ctx)
		if err != nil {
			s.transition(name, StatusStopped, nil)
			return
		}

		r := retrier.New(retrier.ExponentialBackoff(s.publishRetries, publishRetryInitial), publishClassifier{})
		attempts := 0
		err = r.RunCtx(ctx, func(ctx context.Context) error {
			attempts++
			return sink.Publish(ctx, ev)
		})
		if attempts > 1 {
			s.store.AddPublishRetries(name, uint64(attempts-1))
		}

		if err == nil {
			q.Ack(ev)
			s.logger.Debug("event delivered", "sink", name, "event", ev.ID, "kind", ev.Kind)
			if time.Since(activeSince) >= s.stableReset {
				retry = 0
				s.store.SetRetryCount(name, retry)
			}
			continue
		}

		if ctx.Err() != nil {
			s.transition(name, StatusStopped, nil)
			return
		}

		var pe *connectors.PublishError
		if errors.As(err, &pe) && !pe.Temporary {
			q.Reject(ev)
			s.logger.Error("event rejected by sink, dropping", "sink", name, "event", ev.ID, "error", err)
			continue
		}

		// Transient retries exhausted: the connection is considered broken.
		// The head stays queued and is redelivered after backoff.
		retry++
		s.store.SetRetryCount(name, retry)
		s.transition(name, StatusBackoff, err)
		if !s.sleepBackoff(ctx, name, retry) {
			s.transition(name, StatusStopped, nil)
			return
		}
		s.transition(name, StatusActive, nil)
		activeSince = time.Now()
	}
}
