// Package task runs the controller's periodic activities as one group.
//
// Every task runs on its own goroutine. The first task to fail cancels the
// group context; Wait returns that error. A task returning context.Canceled
// after the group context is done counts as a clean exit.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrPanic wraps a panic recovered from a task.
var ErrPanic = errors.New("task panicked")

// Periodic is called once per period with the tick time.
type Periodic func(ctx context.Context, now time.Time)

// Group is a set of named tasks sharing one cancellation scope.
type Group struct {
	g   *errgroup.Group
	ctx context.Context
	log *slog.Logger
}

// NewGroup creates a task group bound to ctx.
func NewGroup(ctx context.Context, log *slog.Logger) *Group {
	if log == nil {
		log = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Group{
		g:   g,
		ctx: gctx,
		log: log.With(slog.String("component", "task")),
	}
}

// Context returns the group context. It is done once any task fails or the
// parent is cancelled.
func (g *Group) Context() context.Context { return g.ctx }

// Go starts fn as a named task.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %s: %v", ErrPanic, name, r)
				g.log.Error("task panicked", slog.String("task", name), slog.Any("panic", r))
			}
		}()

		g.log.Debug("task started", slog.String("task", name))
		err = fn(g.ctx)
		if err != nil && errors.Is(err, context.Canceled) && g.ctx.Err() != nil {
			err = nil
		}
		if err != nil {
			g.log.Error("task failed", slog.String("task", name), slog.Any("error", err))
			return fmt.Errorf("%s: %w", name, err)
		}
		g.log.Debug("task stopped", slog.String("task", name))
		return nil
	})
}

// Every runs fn once per period until the group context is done. A slow
// call drops the ticks it overran.
func (g *Group) Every(name string, period time.Duration, fn Periodic) {
	g.Go(name, func(ctx context.Context) error {
		if period <= 0 {
			return fmt.Errorf("invalid period %v", period)
		}
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				fn(ctx, now)
			}
		}
	})
}

// Wait blocks until every task has returned and reports the first failure.
func (g *Group) Wait() error {
	return g.g.Wait()
}
