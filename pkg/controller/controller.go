// Package controller wires the board, the sensor channels, the weight/level
// monitor, the actuator bank and the mode state machine into one set of
// periodic tasks.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itohio/gobrew/pkg/actuator"
	"github.com/itohio/gobrew/pkg/board"
	"github.com/itohio/gobrew/pkg/config"
	"github.com/itohio/gobrew/pkg/level"
	"github.com/itohio/gobrew/pkg/machine"
	"github.com/itohio/gobrew/pkg/metrics"
	"github.com/itohio/gobrew/pkg/sensor"
	"github.com/itohio/gobrew/pkg/snapshot"
	"github.com/itohio/gobrew/pkg/status"
	"github.com/itohio/gobrew/pkg/task"
)

const diagnosticsPeriod = time.Second

// Controller owns every task of a running machine.
type Controller struct {
	cfg   *config.Config
	log   *slog.Logger
	board board.Board

	channels []*sensor.Channel
	requests *snapshot.Cell[level.Request]
	monitor  *level.Monitor
	bank     *actuator.Bank
	machine  *machine.Machine
	status   *status.Exporter
	metrics  *metrics.Metrics
}

// New builds a controller around b. m may be nil.
func New(cfg *config.Config, b board.Board, m *metrics.Metrics, log *slog.Logger) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("controller requires a config")
	}
	if b == nil {
		return nil, errors.New("controller requires a board")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{
		cfg:      cfg,
		log:      log.With(slog.String("component", "controller")),
		board:    b,
		requests: snapshot.New(level.Request{}),
		status:   status.New(cfg.Control.StatusBuffer, log),
		metrics:  m,
	}

	temperature, err := c.channel("temperature", sensor.KindTemperature, cfg.Sensors.Temperature, b.ReadTemperature, log)
	if err != nil {
		return nil, err
	}

	var scale snapshot.Reader[sensor.Reading] = snapshot.New(sensor.Reading{Kind: sensor.KindWeight, Err: sensor.ErrNoReading})
	if cfg.Sensors.Scale.Enabled {
		ch, err := c.channel("scale", sensor.KindWeight, cfg.Sensors.Scale, b.ReadWeight, log)
		if err != nil {
			return nil, err
		}
		scale = ch.Cell()
	}

	// A nil tank reader tells the monitor no reservoir sensor is fitted
	var tank snapshot.Reader[sensor.Reading]
	if cfg.Sensors.Tank.Enabled {
		ch, err := c.channel("tank", sensor.KindWeight, cfg.Sensors.Tank, b.ReadTank, log)
		if err != nil {
			return nil, err
		}
		tank = ch.Cell()
	}

	c.monitor = level.New(cfg, scale, tank, c.requests, log)
	c.bank = actuator.NewBank(b, cfg.Actuators, log)

	c.machine, err = machine.New(cfg, machine.Deps{
		Temperature: temperature.Cell(),
		Level:       c.monitor.Cell(),
		Requests:    c.requests,
		Actuators:   c.bank,
		Sink:        c.status,
		Log:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}

	return c, nil
}

func (c *Controller) channel(name string, kind sensor.Kind, cfg config.ChannelConfig, read sensor.ReaderFunc, log *slog.Logger) (*sensor.Channel, error) {
	ch, err := sensor.NewChannel(name, kind, cfg, read, log.With(slog.String("component", "sensor")))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s channel: %w", name, err)
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Run connects the board and runs every task until ctx is done or a task
// fails. On return the actuators are in the safe state and the board is
// closed.
func (c *Controller) Run(ctx context.Context) error {
	if !c.board.IsConnected() {
		if err := c.board.Connect(); err != nil {
			return fmt.Errorf("failed to connect board: %w", err)
		}
	}

	g := task.NewGroup(ctx, c.log)

	for _, ch := range c.channels {
		g.Every(ch.Name(), ch.Period(), func(ctx context.Context, now time.Time) {
			ch.Poll(ctx, now)
		})
	}
	g.Every("level", c.monitorPeriod(), func(_ context.Context, now time.Time) {
		c.monitor.Update(now)
	})
	g.Every("control", c.cfg.Control.TickPeriod, func(_ context.Context, now time.Time) {
		c.machine.Tick(now)
	})
	g.Go("status", c.status.Run)

	if c.metrics != nil {
		sub := c.status.Subscribe(c.cfg.Control.StatusBuffer)
		g.Go("metrics", func(ctx context.Context) error {
			defer sub.Close()
			return c.metrics.Consume(ctx, sub.C())
		})
		g.Every("diagnostics", diagnosticsPeriod, func(_ context.Context, _ time.Time) {
			c.metrics.SetDropped(c.status.Dropped() + sub.Dropped())
		})
	}

	c.log.Info("controller running",
		slog.Duration("tick", c.cfg.Control.TickPeriod),
		slog.Int("channels", len(c.channels)))

	err := g.Wait()
	return errors.Join(err, c.shutdown())
}

// monitorPeriod follows the fastest weight channel.
func (c *Controller) monitorPeriod() time.Duration {
	p := c.cfg.Sensors.Scale.Period
	if c.cfg.Sensors.Tank.Enabled && (p <= 0 || c.cfg.Sensors.Tank.Period < p) {
		p = c.cfg.Sensors.Tank.Period
	}
	if p <= 0 {
		p = c.cfg.Control.TickPeriod
	}
	return p
}

func (c *Controller) shutdown() error {
	var errs []error
	if err := c.machine.Shutdown(time.Now()); err != nil {
		errs = append(errs, fmt.Errorf("failed to reach safe state: %w", err))
	}
	if err := c.board.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close board: %w", err))
	}
	c.log.Info("controller stopped", slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Submit queues an operator command for the next tick.
func (c *Controller) Submit(cmd machine.Command) error {
	return c.machine.Submit(cmd)
}

// Status returns the latest exported status.
func (c *Controller) Status() machine.Status {
	return c.status.Latest()
}

// Subscribe returns a status subscription with a buffer of size.
func (c *Controller) Subscribe(size int) *status.Subscription {
	return c.status.Subscribe(size)
}

// Step runs one acquisition, monitor and control cycle at now without
// spawning tasks. It must not be used while Run is active.
func (c *Controller) Step(ctx context.Context, now time.Time) machine.Status {
	for _, ch := range c.channels {
		ch.Poll(ctx, now)
	}
	c.monitor.Update(now)
	return c.machine.Tick(now)
}
