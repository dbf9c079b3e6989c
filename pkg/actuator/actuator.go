// Package actuator is the thin layer between control intents and the
// actuator drivers. It clamps, debounces relays and remembers what was
// commanded. It contains no control or safety logic.
package actuator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/gobrew/pkg/config"
)

// ErrDriver wraps every failure reported by an actuator driver.
var ErrDriver = errors.New("actuator driver failure")

// Driver is the actuator driver boundary. Each call must be applied before
// the next control tick or return an error.
type Driver interface {
	DriveHeater(duty float32) error
	DrivePump(on bool) error
	DriveValve(open bool) error
}

// Intent is the actuator command produced once per control tick.
type Intent struct {
	HeaterDuty float32 // 0..100 %
	Pump       bool
	Valve      bool // true = open
}

// Safe returns the safe state: heater off, pump off, valve closed.
func Safe() Intent { return Intent{} }

// IsSafe reports whether the intent equals the safe state.
func (i Intent) IsSafe() bool { return i == Intent{} }

// State is the last commanded state, for diagnostics.
type State struct {
	Heater        float32
	Pump          bool
	Valve         bool
	PumpPending   bool // A pump flip is waiting for the dwell window
	ValvePending  bool
	HeaterFailure int // Consecutive driver failures per output
	PumpFailure   int
	ValveFailure  int
}

// Failures returns the highest consecutive failure count of all outputs.
func (s State) Failures() int {
	return max(s.HeaterFailure, s.PumpFailure, s.ValveFailure)
}

// Bank drives the heater, pump and valve. It is owned by the control tick.
type Bank struct {
	drv    Driver
	log    *slog.Logger
	heater heater
	pump   relay
	valve  relay
}

// NewBank creates an actuator bank. Nothing is driven until the first command.
func NewBank(drv Driver, cfg config.ActuatorsConfig, log *slog.Logger) *Bank {
	if log == nil {
		log = slog.Default()
	}
	b := &Bank{
		drv: drv,
		log: log.With(slog.String("component", "actuator")),
	}
	b.heater = heater{drive: drv.DriveHeater}
	b.pump = relay{name: "pump", dwell: cfg.PumpDwell, drive: drv.DrivePump}
	b.valve = relay{name: "valve", dwell: cfg.ValveDwell, drive: drv.DriveValve}
	return b
}

// SetHeater commands the heater duty, clamped to 0..100.
func (b *Bank) SetHeater(duty float32) error {
	return b.heater.set(duty)
}

// SetPump commands the pump. A flip inside the dwell window is queued.
func (b *Bank) SetPump(now time.Time, on bool) error {
	return b.pump.set(now, on, false)
}

// SetValve commands the valve. A flip inside the dwell window is queued.
func (b *Bank) SetValve(now time.Time, open bool) error {
	return b.valve.set(now, open, false)
}

// Apply commands all outputs from intent. With force set, switching a relay
// off bypasses its dwell window. Errors of all outputs are joined.
func (b *Bank) Apply(now time.Time, intent Intent, force bool) error {
	errH := b.heater.set(intent.HeaterDuty)
	errP := b.pump.set(now, intent.Pump, force)
	errV := b.valve.set(now, intent.Valve, force)
	if errH == nil && errP == nil && errV == nil {
		return nil
	}
	err := errors.Join(errH, errP, errV)
	b.log.Warn("actuator command failed", slog.Any("err", err))
	return err
}

// Flush applies queued relay flips whose dwell window has expired.
func (b *Bank) Flush(now time.Time) error {
	errP := b.pump.flush(now)
	errV := b.valve.flush(now)
	if errP == nil && errV == nil {
		return nil
	}
	return errors.Join(errP, errV)
}

// State returns the last commanded state.
func (b *Bank) State() State {
	return State{
		Heater:        b.heater.duty,
		Pump:          b.pump.state,
		Valve:         b.valve.state,
		PumpPending:   b.pump.pending,
		ValvePending:  b.valve.pending,
		HeaterFailure: b.heater.failures,
		PumpFailure:   b.pump.failures,
		ValveFailure:  b.valve.failures,
	}
}

type heater struct {
	drive    func(float32) error
	duty     float32
	applied  bool
	failures int
}

func (h *heater) set(duty float32) error {
	switch {
	case math32.IsNaN(duty) || duty < 0:
		duty = 0
	case duty > 100:
		duty = 100
	}
	if h.applied && duty == h.duty {
		return nil
	}
	if err := h.drive(duty); err != nil {
		h.failures++
		h.applied = false
		return fmt.Errorf("%w: heater %.1f%%: %w", ErrDriver, duty, err)
	}
	h.duty = duty
	h.applied = true
	h.failures = 0
	return nil
}

type relay struct {
	name  string
	dwell time.Duration
	drive func(bool) error

	state    bool
	changed  time.Time // Last time state flipped
	applied  bool      // state reached the driver
	pending  bool      // want differs from state, waiting for dwell
	want     bool
	failures int
}

func (r *relay) set(now time.Time, want bool, force bool) error {
	if r.applied && want == r.state {
		r.pending = false
		return nil
	}
	bypass := force && !want
	if r.applied && !bypass && now.Sub(r.changed) < r.dwell {
		r.pending = true
		r.want = want
		return nil
	}
	return r.commit(now, want)
}

func (r *relay) flush(now time.Time) error {
	if !r.pending || now.Sub(r.changed) < r.dwell {
		return nil
	}
	return r.commit(now, r.want)
}

func (r *relay) commit(now time.Time, want bool) error {
	r.pending = false
	if err := r.drive(want); err != nil {
		r.failures++
		r.applied = false
		return fmt.Errorf("%w: %s %t: %w", ErrDriver, r.name, want, err)
	}
	if !r.applied || want != r.state {
		r.changed = now
	}
	r.state = want
	r.applied = true
	r.failures = 0
	return nil
}
