package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/gobrew/pkg/config"
	"github.com/itohio/gobrew/pkg/snapshot"
)

// Channel acquires one physical signal on its own schedule and publishes
// the filtered Reading to a snapshot cell. Poll is called by exactly one
// task; Latest may be called from anywhere.
type Channel struct {
	name   string
	kind   Kind
	cfg    config.ChannelConfig
	reader Reader
	filter Filter
	log    *slog.Logger
	cell   *snapshot.Cell[Reading]

	// Owned by the polling task
	reading Reading
	started time.Time
}

// NewChannel creates an acquisition channel. The filter is chosen from the
// kind: low-pass for temperature, median for weight.
func NewChannel(name string, kind Kind, cfg config.ChannelConfig, r Reader, log *slog.Logger) (*Channel, error) {
	if r == nil {
		return nil, fmt.Errorf("channel %s: nil reader", name)
	}
	if cfg.Period <= 0 || cfg.ReadTimeout <= 0 || cfg.StaleTimeout <= 0 {
		return nil, fmt.Errorf("channel %s: period and timeouts must be positive", name)
	}
	if cfg.Max <= cfg.Min {
		return nil, fmt.Errorf("channel %s: invalid range [%g,%g]", name, cfg.Min, cfg.Max)
	}

	var (
		f   Filter
		err error
	)
	switch kind {
	case KindTemperature:
		f, err = NewLowPass(cfg.Alpha)
	case KindWeight:
		f, err = NewMedian(cfg.Window)
	default:
		err = fmt.Errorf("unknown kind %d", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", name, err)
	}

	if log == nil {
		log = slog.Default()
	}

	c := &Channel{
		name:    name,
		kind:    kind,
		cfg:     cfg,
		reader:  r,
		filter:  f,
		log:     log.With(slog.String("channel", name)),
		reading: Reading{Kind: kind, Err: ErrNoReading},
	}
	c.cell = snapshot.New(c.reading)
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Period returns the sampling period.
func (c *Channel) Period() time.Duration { return c.cfg.Period }

// StaleTimeout returns the staleness timeout consumers should apply.
func (c *Channel) StaleTimeout() time.Duration { return c.cfg.StaleTimeout }

// Latest returns a copy of the most recently published reading.
func (c *Channel) Latest() Reading { return c.cell.Load() }

// Cell exposes the read side of the published readings.
func (c *Channel) Cell() snapshot.Reader[Reading] { return c.cell }

// Poll performs one acquisition cycle at now and publishes the result.
func (c *Channel) Poll(ctx context.Context, now time.Time) Sample {
	if c.started.IsZero() {
		c.started = now
	}

	s := c.acquire(ctx, now)
	c.update(s, now)
	c.cell.Store(c.reading)
	return s
}

// acquire reads the driver under the channel read timeout and range checks the value.
func (c *Channel) acquire(ctx context.Context, now time.Time) Sample {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	s := Sample{Kind: c.kind, Timestamp: now}

	v, err := c.reader.Read(rctx)
	s.Value = v
	switch {
	case errors.Is(err, context.DeadlineExceeded) || (err == nil && rctx.Err() != nil):
		s.Err = ErrTimeout
	case err != nil:
		s.Err = err
	case math32.IsNaN(v) || math32.IsInf(v, 0) || v < c.cfg.Min || v > c.cfg.Max:
		s.Err = ErrOutOfRange
	default:
		s.Valid = true
	}
	return s
}

// update folds a sample into the channel reading and evaluates staleness.
func (c *Channel) update(s Sample, now time.Time) {
	r := &c.reading
	r.Seq++
	r.Timestamp = now
	r.Raw = s.Value
	r.Err = s.Err

	if s.Valid {
		r.Value = c.filter.Apply(s.Value)
		r.LastValid = now
		r.Valid = true
		if r.Stale {
			r.Stale = false
			c.log.Info("sensor recovered", slog.Float64("value", float64(r.Value)))
		}
		return
	}

	c.log.Debug("invalid sample", slog.Float64("raw", float64(s.Value)), slog.Any("err", s.Err))

	ref := r.LastValid
	if !r.Valid {
		ref = c.started
	}
	if !r.Stale && now.Sub(ref) > c.cfg.StaleTimeout {
		r.Stale = true
		// The next valid sample primes a fresh filter
		c.filter.Reset()
		c.log.Warn("sensor stale",
			slog.Duration("since_valid", now.Sub(ref)),
			slog.Any("err", s.Err))
	}
	if r.Stale {
		r.Err = fmt.Errorf("%w: %w", ErrStale, s.Err)
	}
}
