// Package safety arbitrates every actuator command. Evaluate is a pure
// function of the latest snapshot; its verdict is the single enforcement
// point between the controllers and the actuator bank.
package safety

import (
	"log/slog"
	"time"

	"github.com/itohio/gobrew/pkg/actuator"
	"github.com/itohio/gobrew/pkg/config"
	"github.com/itohio/gobrew/pkg/level"
	"github.com/itohio/gobrew/pkg/sensor"
)

// FaultCode identifies a latched fault.
type FaultCode uint8

const (
	FaultNone FaultCode = iota
	FaultTemperatureStale
	FaultOverTemperature
	FaultActuator
)

func (c FaultCode) String() string {
	switch c {
	case FaultNone:
		return "none"
	case FaultTemperatureStale:
		return "temperature_stale"
	case FaultOverTemperature:
		return "over_temperature"
	case FaultActuator:
		return "actuator"
	default:
		return "unknown"
	}
}

// Action is the controlled response requested by a verdict.
type Action uint8

const (
	ActionNone           Action = iota
	ActionFault                 // Veto: enter Fault with all outputs safe
	ActionStopDispensing        // Pump off, valve closed, back to Ready
	ActionTimeCutoff            // Finish the shot on time instead of weight
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionFault:
		return "fault"
	case ActionStopDispensing:
		return "stop_dispensing"
	case ActionTimeCutoff:
		return "time_cutoff"
	default:
		return "unknown"
	}
}

const (
	conditionTemperatureStale = "temperature sensor stale or invalid"
	conditionOverTemperature  = "temperature above hard ceiling"
	conditionTankEmpty        = "tank empty while dispensing"
	conditionScaleStale       = "scale stale during brew-by-weight"
	conditionActuator         = "actuator driver failing"
)

// Override forces outputs to their safe state.
type Override struct {
	HeaterOff   bool
	PumpOff     bool
	ValveClosed bool
}

// Active reports whether the override changes anything.
func (o Override) Active() bool { return o.HeaterOff || o.PumpOff || o.ValveClosed }

// Apply returns intent with the override enforced.
func (o Override) Apply(intent actuator.Intent) actuator.Intent {
	if o.HeaterOff {
		intent.HeaterDuty = 0
	}
	if o.PumpOff {
		intent.Pump = false
	}
	if o.ValveClosed {
		intent.Valve = false
	}
	return intent
}

var all = Override{HeaterOff: true, PumpOff: true, ValveClosed: true}

// Verdict is the supervisor decision for one tick.
type Verdict struct {
	Action    Action
	Code      FaultCode // Set for ActionFault
	Override  Override
	Condition string
	Value     float32 // Offending measurement
}

// Veto reports whether the verdict forces the machine into Fault.
func (v Verdict) Veto() bool { return v.Action == ActionFault }

// Input is the snapshot the supervisor judges.
type Input struct {
	Now                time.Time
	Armed              time.Time // Start of supervision
	Temperature        sensor.Reading
	TemperatureTimeout time.Duration
	Dispensing         bool // Brewing or Steaming
	BrewByWeight       bool // Brewing towards a weight target
	ScaleFresh         bool
	Tank               level.TankLevel
	ActuatorFailures   int
}

// Evaluate applies the safety rules in priority order; the first match wins.
// A temperature channel that has not produced yet is tolerated for one
// timeout after Armed.
func Evaluate(cfg config.SafetyConfig, in Input) Verdict {
	t := in.Temperature
	booting := !t.Valid && in.Now.Sub(in.Armed) <= in.TemperatureTimeout
	switch {
	case !booting && t.Problem(in.Now, in.TemperatureTimeout) != nil:
		return Verdict{
			Action:    ActionFault,
			Code:      FaultTemperatureStale,
			Override:  all,
			Condition: conditionTemperatureStale,
			Value:     t.Value,
		}
	case t.Value > cfg.MaxTemperature:
		return Verdict{
			Action:    ActionFault,
			Code:      FaultOverTemperature,
			Override:  all,
			Condition: conditionOverTemperature,
			Value:     t.Value,
		}
	case cfg.MaxActuatorFailures > 0 && in.ActuatorFailures >= cfg.MaxActuatorFailures:
		return Verdict{
			Action:    ActionFault,
			Code:      FaultActuator,
			Override:  all,
			Condition: conditionActuator,
			Value:     float32(in.ActuatorFailures),
		}
	case in.Dispensing && in.Tank == level.TankEmpty:
		// Tank empty outranks a stale scale: dispensing stops either way
		return Verdict{
			Action:    ActionStopDispensing,
			Override:  Override{PumpOff: true, ValveClosed: true},
			Condition: conditionTankEmpty,
		}
	case in.BrewByWeight && !in.ScaleFresh:
		return Verdict{
			Action:    ActionTimeCutoff,
			Condition: conditionScaleStale,
		}
	}
	return Verdict{}
}

// Record is a latched fault.
type Record struct {
	Code      FaultCode
	Condition string
	Value     float32
	Timestamp time.Time
}

// Supervisor evaluates the rules and keeps the latched fault log. The log
// is a fixed-size ring allocated at construction. It is owned by the
// control tick.
type Supervisor struct {
	cfg config.SafetyConfig
	log *slog.Logger

	records []Record
	next    int
	count   int
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg config.SafetyConfig, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	size := cfg.FaultLog
	if size <= 0 {
		size = 1
	}
	return &Supervisor{
		cfg:     cfg,
		log:     log.With(slog.String("component", "safety")),
		records: make([]Record, size),
	}
}

// Evaluate judges the snapshot with the supervisor limits.
func (s *Supervisor) Evaluate(in Input) Verdict {
	return Evaluate(s.cfg, in)
}

// Latch appends the fault of a vetoing verdict to the log.
func (s *Supervisor) Latch(now time.Time, v Verdict) Record {
	rec := Record{
		Code:      v.Code,
		Condition: v.Condition,
		Value:     v.Value,
		Timestamp: now,
	}
	s.records[s.next] = rec
	s.next = (s.next + 1) % len(s.records)
	if s.count < len(s.records) {
		s.count++
	}
	s.log.Error("fault latched",
		slog.String("code", rec.Code.String()),
		slog.String("condition", rec.Condition),
		slog.Float64("value", float64(rec.Value)))
	return rec
}

// Latched reports whether any fault is latched.
func (s *Supervisor) Latched() bool { return s.count > 0 }

// Last returns the most recent latched fault.
func (s *Supervisor) Last() (Record, bool) {
	if s.count == 0 {
		return Record{}, false
	}
	i := (s.next - 1 + len(s.records)) % len(s.records)
	return s.records[i], true
}

// Records copies the latched faults, oldest first, into dst and returns it.
// dst is reused when it has enough capacity.
func (s *Supervisor) Records(dst []Record) []Record {
	dst = dst[:0]
	start := (s.next - s.count + len(s.records)) % len(s.records)
	for i := 0; i < s.count; i++ {
		dst = append(dst, s.records[(start+i)%len(s.records)])
	}
	return dst
}

// Clear drops all latched faults. Only an operator reset may call it.
func (s *Supervisor) Clear() {
	if s.count > 0 {
		s.log.Info("faults cleared", slog.Int("count", s.count))
	}
	s.next = 0
	s.count = 0
}
