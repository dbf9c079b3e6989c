// Package status carries the per-tick machine status away from the control
// tick. Publish never blocks: when the buffer is full the oldest status is
// dropped.
package status

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/itohio/gobrew/pkg/machine"
	"github.com/itohio/gobrew/pkg/snapshot"
)

// Exporter implements machine.Sink.
type Exporter struct {
	log    *slog.Logger
	queue  chan machine.Status
	latest *snapshot.Cell[machine.Status]

	published atomic.Uint64
	dropped   atomic.Uint64

	mu   sync.Mutex
	subs []*Subscription
}

var _ machine.Sink = (*Exporter)(nil)

// Subscription receives statuses fanned out by Run.
type Subscription struct {
	ch      chan machine.Status
	e       *Exporter
	dropped atomic.Uint64
}

// New creates an exporter buffering up to size statuses.
func New(size int, log *slog.Logger) *Exporter {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{
		log:    log.With(slog.String("component", "status")),
		queue:  make(chan machine.Status, size),
		latest: snapshot.New(machine.Status{}),
	}
}

// Publish enqueues st without blocking. It must be called from a single
// goroutine, the control tick.
func (e *Exporter) Publish(st machine.Status) {
	e.published.Add(1)
	if offer(e.queue, st) {
		e.dropped.Add(1)
	}
}

// offer sends v, dropping the oldest queued value when ch is full. It
// reports whether a value was dropped.
func offer[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
	return true
}

// Run moves queued statuses to the latest snapshot and to subscribers until
// ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.log.Debug("stopped",
				slog.Uint64("published", e.published.Load()),
				slog.Uint64("dropped", e.dropped.Load()))
			return nil
		case st := <-e.queue:
			e.latest.Store(st)
			e.fanOut(st)
		}
	}
}

func (e *Exporter) fanOut(st machine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.subs {
		if offer(s.ch, st) {
			s.dropped.Add(1)
		}
	}
}

// Latest returns the most recent status seen by Run.
func (e *Exporter) Latest() machine.Status { return e.latest.Load() }

// Cell exposes the read side of the latest status.
func (e *Exporter) Cell() snapshot.Reader[machine.Status] { return e.latest }

// Published returns the number of statuses handed to Publish.
func (e *Exporter) Published() uint64 { return e.published.Load() }

// Dropped returns the number of statuses dropped before Run picked them up.
func (e *Exporter) Dropped() uint64 { return e.dropped.Load() }

// Subscribe registers a subscriber with its own drop-oldest buffer.
func (e *Exporter) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = 1
	}
	s := &Subscription{ch: make(chan machine.Status, size), e: e}
	e.mu.Lock()
	e.subs = append(e.subs, s)
	e.mu.Unlock()
	return s
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan machine.Status { return s.ch }

// Dropped returns the number of statuses the subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close stops delivery. The channel is not closed.
func (s *Subscription) Close() {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.subs {
		if sub == s {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}
