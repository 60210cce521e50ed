// Package relay implements the fan-in/fan-out core: raw events from all
// source connectors are merged into one normalization pipeline, then fanned
// out to one bounded queue per sink. Ordering is FIFO per connector; no
// total order is guaranteed across connectors.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/destel/rill"

	"github.com/skyrelay/skyrelay/src/message"
	"github.com/skyrelay/skyrelay/src/normalize"
)

// ingestBuffer matches the hand-off capacity between source loops and the
// normalization stage.
const ingestBuffer = 100

type sinkQueue struct {
	name  string
	queue *Queue
}

type Relay struct {
	logger    *slog.Logger
	in        chan message.RawEvent
	closeOnce sync.Once

	capacity int
	policy   Policy
	sinks    []sinkQueue

	normalizeDrops atomic.Uint64
}

// Stats reports relay-wide and per-queue counters.
type Stats struct {
	NormalizeDrops uint64                `json:"normalizeDrops"`
	Queues         map[string]QueueStats `json:"queues"`
}

func New(logger *slog.Logger, queueCapacity int, policy Policy) *Relay {
	return &Relay{
		logger:   logger.With("context", "Relay"),
		in:       make(chan message.RawEvent, ingestBuffer),
		capacity: queueCapacity,
		policy:   policy,
	}
}

// AddSink registers a sink queue before Run is called and returns it for the
// sink's delivery loop.
func (r *Relay) AddSink(name string) *Queue {
	q := NewQueue(r.capacity, r.policy)
	r.sinks = append(r.sinks, sinkQueue{name: name, queue: q})
	return q
}

// Queue returns the queue registered for a sink, or nil.
func (r *Relay) Queue(name string) *Queue {
	for _, s := range r.sinks {
		if s.name == name {
			return s.queue
		}
	}
	return nil
}

// Ingest hands one raw event to the relay. It suspends when the
// normalization stage is backed up (block backpressure propagating to the
// source loop) and unblocks on cancellation.
func (r *Relay) Ingest(ctx context.Context, raw message.RawEvent) error {
	select {
	case r.in <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseInput marks the end of ingestion. Run returns after the pipeline
// drains.
func (r *Relay) CloseInput() {
	r.closeOnce.Do(func() { close(r.in) })
}

// NormalizeDrops reports how many malformed raw events were dropped.
func (r *Relay) NormalizeDrops() uint64 {
	return r.normalizeDrops.Load()
}

func (r *Relay) Stats() Stats {
	st := Stats{
		NormalizeDrops: r.normalizeDrops.Load(),
		Queues:         make(map[string]QueueStats, len(r.sinks)),
	}
	for _, s := range r.sinks {
		st.Queues[s.name] = s.queue.Stats()
	}
	return st
}

// Run consumes raw events until CloseInput and the pipeline drains, or until
// the context is cancelled. A normalization failure drops the single event
// and continues; an enqueue failure (cancellation) stops the relay.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.sinks) == 0 {
		return fmt.Errorf("no sink queues registered")
	}

	stream := rill.FromChan(r.in, nil)
	defer rill.Drain(stream)

	events := rill.OrderedFilterMap(stream, 1, func(raw message.RawEvent) (*message.CanonicalEvent, bool, error) {
		ev, err := normalize.Normalize(raw)
		if err != nil {
			r.normalizeDrops.Add(1)
			r.logger.Warn("dropping malformed event", "error", err, "source", raw.Source, "seq", raw.Seq)
			return nil, false, nil
		}
		return ev, true, nil
	})

	err := rill.ForEach(events, 1, func(ev *message.CanonicalEvent) error {
		for _, s := range r.sinks {
			if err := s.queue.Enqueue(ctx, ev); err != nil {
				return fmt.Errorf("enqueue for sink %s: %w", s.name, err)
			}
		}
		return nil
	})

	for _, s := range r.sinks {
		s.queue.Close()
	}
	return err
}
