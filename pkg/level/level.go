// Package level turns filtered load-cell readings into reservoir level
// classification and brew-by-weight progress.
package level

import (
	"log/slog"
	"time"

	"github.com/itohio/gobrew/pkg/config"
	"github.com/itohio/gobrew/pkg/sensor"
	"github.com/itohio/gobrew/pkg/snapshot"
)

// TankLevel classifies the reservoir content.
type TankLevel uint8

const (
	TankUnknown TankLevel = iota // Sensor stale or no reading yet
	TankEmpty
	TankLow
	TankSufficient
)

// String returns the level name.
func (l TankLevel) String() string {
	switch l {
	case TankEmpty:
		return "empty"
	case TankLow:
		return "low"
	case TankSufficient:
		return "sufficient"
	default:
		return "unknown"
	}
}

// Request is published by the mode state machine to steer the monitor.
type Request struct {
	ShotID      uint64  // Non-zero while a shot is dispensing
	StartWeight float32 // Net scale weight when the shot started, 0 after a shot-start tare
	Target      float32 // Grams, 0 = no weight target
	TareSeq     uint64  // Incremented once per tare request
}

// Dispensing reports whether a shot is active.
func (r Request) Dispensing() bool { return r.ShotID != 0 }

// State is the monitor output consumed by the control tick.
type State struct {
	Timestamp time.Time

	Tank       TankLevel
	TankWeight float32

	Gross      float32 // Filtered scale weight
	Zero       float32 // Tare reference
	Net        float32 // Gross - Zero
	ScaleFresh bool

	ShotID        uint64
	Dispensed     float32 // Net - StartWeight of the active shot
	TargetReached bool    // Latched per ShotID
	TareSeq       uint64  // Last applied tare request
}

// Monitor is the weight/level task. Update is called by exactly one
// periodic task; the published State is read through Cell.
type Monitor struct {
	tank     config.TankConfig
	scaleTTL time.Duration
	tankTTL  time.Duration
	log      *slog.Logger

	scale    snapshot.Reader[sensor.Reading]
	tankIn   snapshot.Reader[sensor.Reading] // nil when no tank sensor is fitted
	requests snapshot.Reader[Request]
	out      *snapshot.Cell[State]

	// Owned by the monitor task
	state   State
	reached uint64 // ShotID whose target was reached
}

// New creates a monitor. tank may be nil when the machine has no reservoir
// load cell, in which case the tank is always reported sufficient.
func New(cfg *config.Config, scale, tank snapshot.Reader[sensor.Reading], requests snapshot.Reader[Request], log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		tank:     cfg.Tank,
		scaleTTL: cfg.Sensors.Scale.StaleTimeout,
		tankTTL:  cfg.Sensors.Tank.StaleTimeout,
		log:      log.With(slog.String("component", "level")),
		scale:    scale,
		tankIn:   tank,
		requests: requests,
	}
	m.out = snapshot.New(m.state)
	return m
}

// Cell exposes the read side of the published state.
func (m *Monitor) Cell() snapshot.Reader[State] { return m.out }

// Latest returns the most recently published state.
func (m *Monitor) Latest() State { return m.out.Load() }

// Update recomputes and publishes the monitor state at now.
func (m *Monitor) Update(now time.Time) State {
	req := m.requests.Load()
	st := &m.state
	st.Timestamp = now

	m.updateTank(now)

	scale := m.scale.Load()
	st.ScaleFresh = scale.Fresh(now, m.scaleTTL)
	if scale.Valid {
		st.Gross = scale.Value
	}

	if req.TareSeq != st.TareSeq {
		m.tare(req)
	}
	st.Net = st.Gross - st.Zero

	m.updateShot(req)

	m.out.Store(*st)
	return *st
}

// tare sets the zero reference to the current gross weight. Re-taring an
// unchanged load yields the same reference. A tare that arrives together
// with a new shot is applied before the shot is measured, against the last
// known gross weight, so that the shot starts from a zero net weight.
func (m *Monitor) tare(req Request) {
	st := &m.state
	switch {
	case req.Dispensing():
		st.Zero = st.Gross
		m.log.Info("tare at shot start",
			slog.Uint64("shot", req.ShotID),
			slog.Float64("zero", float64(st.Zero)),
			slog.Bool("fresh", st.ScaleFresh))
	case !st.ScaleFresh:
		m.log.Warn("tare ignored, scale not fresh")
	default:
		st.Zero = st.Gross
		m.log.Info("tare", slog.Float64("zero", float64(st.Zero)))
	}
	st.TareSeq = req.TareSeq
}

func (m *Monitor) updateShot(req Request) {
	st := &m.state
	if !req.Dispensing() {
		st.ShotID = 0
		st.Dispensed = 0
		st.TargetReached = false
		return
	}

	st.ShotID = req.ShotID
	st.Dispensed = st.Net - req.StartWeight
	if m.reached == req.ShotID {
		st.TargetReached = true
		return
	}
	st.TargetReached = false
	if req.Target > 0 && st.ScaleFresh && st.Dispensed >= req.Target {
		m.reached = req.ShotID
		st.TargetReached = true
		m.log.Info("target reached",
			slog.Uint64("shot", req.ShotID),
			slog.Float64("dispensed", float64(st.Dispensed)))
	}
}

func (m *Monitor) updateTank(now time.Time) {
	st := &m.state
	if m.tankIn == nil {
		st.Tank = TankSufficient
		return
	}

	r := m.tankIn.Load()
	if !r.Fresh(now, m.tankTTL) {
		if st.Tank != TankUnknown {
			m.log.Warn("tank level unknown", slog.Any("err", r.Problem(now, m.tankTTL)))
		}
		st.Tank = TankUnknown
		return
	}

	st.TankWeight = r.Value
	next := Classify(st.Tank, r.Value, m.tank)
	if next != st.Tank {
		m.log.Info("tank level", slog.String("level", next.String()), slog.Float64("weight", float64(r.Value)))
	}
	st.Tank = next
}

// Classify returns the tank level for weight given the current level.
// Levels drop as soon as a threshold is crossed and rise only once the
// weight clears the threshold by the hysteresis margin.
func Classify(current TankLevel, weight float32, cfg config.TankConfig) TankLevel {
	empty, low, h := cfg.EmptyBelow, cfg.LowBelow, cfg.Hysteresis

	switch current {
	case TankEmpty:
		switch {
		case weight >= low+h:
			return TankSufficient
		case weight >= empty+h:
			return TankLow
		}
		return TankEmpty
	case TankLow:
		switch {
		case weight < empty:
			return TankEmpty
		case weight >= low+h:
			return TankSufficient
		}
		return TankLow
	case TankSufficient:
		switch {
		case weight < empty:
			return TankEmpty
		case weight < low:
			return TankLow
		}
		return TankSufficient
	default:
		switch {
		case weight < empty:
			return TankEmpty
		case weight < low:
			return TankLow
		}
		return TankSufficient
	}
}
