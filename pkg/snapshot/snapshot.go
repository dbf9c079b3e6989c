// Package snapshot provides single-writer, multiple-reader value cells.
//
// A Cell holds the latest published value of a producer. Store replaces the
// value atomically and Load returns a copy, so readers never block the
// writer and never observe a partially written value.
package snapshot

import "sync/atomic"

// Reader is the read side of a Cell.
type Reader[T any] interface {
	Load() T
}

// Cell is a single-writer snapshot cell.
type Cell[T any] struct {
	p atomic.Pointer[T]
}

var _ Reader[int] = (*Cell[int])(nil)

// New creates a cell holding initial.
func New[T any](initial T) *Cell[T] {
	c := &Cell[T]{}
	c.Store(initial)
	return c
}

// Store publishes v. Only the owning producer may call Store.
func (c *Cell[T]) Store(v T) {
	c.p.Store(&v)
}

// Load returns a copy of the latest value, or the zero value if nothing was stored.
func (c *Cell[T]) Load() T {
	if p := c.p.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// Func adapts a function to the Reader interface.
type Func[T any] func() T

// Load calls f.
func (f Func[T]) Load() T { return f() }
