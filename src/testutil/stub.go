// Package testutil provides shared stubs for relay and supervisor tests: a
// scriptable source connector and a recording sink publisher.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/skyrelay/skyrelay/src/message"
)

// StubScript describes one Open cycle of a StubSource.
type StubScript struct {
	// OpenErr makes Open itself fail.
	OpenErr error
	// Events are emitted in order after a successful Open.
	Events []message.RawEvent
	// Interrupt, when set, ends the stream with this error after the last
	// event. When nil the stream stays open until the context is cancelled
	// and then ends cleanly.
	Interrupt error
	// Hold keeps the stream open this long before Interrupt fires, for
	// exercising sustained-Active behavior.
	Hold time.Duration
}

// StubSource replays scripted Open cycles. Each call to Open consumes the
// next script; once exhausted it behaves as an empty stream that stays open
// until cancellation.
type StubSource struct {
	SourceName string

	mu      sync.Mutex
	scripts []StubScript
	opens   int
	cursors []string
	cursor  string
	err     error
}

func NewStubSource(name string, scripts ...StubScript) *StubSource {
	return &StubSource{SourceName: name, scripts: scripts}
}

func (s *StubSource) Name() string { return s.SourceName }

func (s *StubSource) Open(ctx context.Context, cursor string) (<-chan message.RawEvent, error) {
	s.mu.Lock()
	s.opens++
	s.cursors = append(s.cursors, cursor)
	var script StubScript
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	s.err = nil
	s.mu.Unlock()

	if script.OpenErr != nil {
		return nil, script.OpenErr
	}

	ch := make(chan message.RawEvent)
	go func() {
		defer close(ch)
		for _, ev := range script.Events {
			select {
			case ch <- ev:
				s.mu.Lock()
				s.cursor = ev.Cursor
				s.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
		if script.Interrupt != nil {
			if script.Hold > 0 {
				select {
				case <-time.After(script.Hold):
				case <-ctx.Done():
					return
				}
			}
			s.mu.Lock()
			s.err = script.Interrupt
			s.mu.Unlock()
			return
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func (s *StubSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *StubSource) CurrentCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *StubSource) Close() error { return nil }

// Opens reports how many times Open was called.
func (s *StubSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// OpenCursors reports the cursor passed to each Open call.
func (s *StubSource) OpenCursors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.cursors))
	copy(out, s.cursors)
	return out
}

// RecordingSink records published events and can fail calls with scripted
// errors.
type RecordingSink struct {
	SinkName string

	mu        sync.Mutex
	errs      []error
	calls     int
	published []*message.CanonicalEvent
}

func NewRecordingSink(name string, errs ...error) *RecordingSink {
	return &RecordingSink{SinkName: name, errs: errs}
}

func (s *RecordingSink) Name() string { return s.SinkName }

func (s *RecordingSink) Publish(ctx context.Context, ev *message.CanonicalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.published = append(s.published, ev)
	return nil
}

func (s *RecordingSink) Close() error { return nil }

func (s *RecordingSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *RecordingSink) Published() []*message.CanonicalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*message.CanonicalEvent, len(s.published))
	copy(out, s.published)
	return out
}

// WaitPublished polls until n events were recorded or the timeout expires.
func (s *RecordingSink) WaitPublished(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.Published()) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return len(s.Published()) >= n
}
