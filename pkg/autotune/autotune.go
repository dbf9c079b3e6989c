// Package autotune identifies PID gains with relay feedback.
//
// The heater is switched between a high and a low duty around the target
// temperature. The boiler settles into a limit cycle whose amplitude and
// period give the ultimate gain Ku and period Tu, from which a tuning rule
// derives the gains.
package autotune

import (
	"errors"
	"fmt"
	"time"

	"github.com/itohio/gobrew/pkg/pid"
)

var (
	// ErrTuningFailure is the root of every auto-tune failure.
	ErrTuningFailure = errors.New("autotune failed")

	ErrCeiling       = fmt.Errorf("%w: temperature above ceiling", ErrTuningFailure)
	ErrUnstable      = fmt.Errorf("%w: oscillation did not stabilize", ErrTuningFailure)
	ErrNoOscillation = fmt.Errorf("%w: relay did not switch in time", ErrTuningFailure)
	ErrSensor        = fmt.Errorf("%w: invalid temperature", ErrTuningFailure)
	ErrAborted       = fmt.Errorf("%w: aborted", ErrTuningFailure)

	// ErrNotRunning is returned by Step when no session is active.
	ErrNotRunning = errors.New("autotune session not running")
)

// Phase is the stage of a tuning session.
type Phase uint8

const (
	PhaseIdle     Phase = iota // No session
	PhaseSettling              // Relay running, transient cycles discarded
	PhaseRelaying              // Relay running, cycles measured
	PhaseComputed              // Gains derived
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSettling:
		return "settling"
	case PhaseRelaying:
		return "relaying"
	case PhaseComputed:
		return "computed"
	default:
		return "unknown"
	}
}

// Rule maps the ultimate gain and period to PID gains.
type Rule uint8

const (
	RuleZieglerNichols Rule = iota
	RuleTyreusLuyben
	RuleSomeOvershoot
)

// ParseRule parses a rule name as used in configuration.
func ParseRule(s string) (Rule, error) {
	switch s {
	case "", "ziegler-nichols":
		return RuleZieglerNichols, nil
	case "tyreus-luyben":
		return RuleTyreusLuyben, nil
	case "some-overshoot":
		return RuleSomeOvershoot, nil
	}
	return 0, fmt.Errorf("unknown tuning rule %q", s)
}

// String returns the rule name.
func (r Rule) String() string {
	switch r {
	case RuleZieglerNichols:
		return "ziegler-nichols"
	case RuleTyreusLuyben:
		return "tyreus-luyben"
	case RuleSomeOvershoot:
		return "some-overshoot"
	default:
		return "unknown"
	}
}

// Gains derives PID gains from the ultimate gain (%/°C) and period (s).
func (r Rule) Gains(ku, tu float32) pid.Gains {
	var kp, ti, td float32
	switch r {
	case RuleTyreusLuyben:
		kp, ti, td = ku/2.2, 2.2*tu, tu/6.3
	case RuleSomeOvershoot:
		kp, ti, td = ku/3, tu/2, tu/3
	default:
		kp, ti, td = 0.6*ku, tu/2, tu/8
	}
	return pid.Gains{Kp: kp, Ki: kp / ti, Kd: kp * td}
}

// Cycle is one relay period, from a switch-on to the next switch-on.
type Cycle struct {
	Start  time.Time
	Period time.Duration
	Max    float32
	Min    float32
}

// Amplitude returns half the peak to peak swing of the cycle.
func (c Cycle) Amplitude() float32 { return (c.Max - c.Min) / 2 }

// Result is the outcome of a successful session.
type Result struct {
	Gains     pid.Gains
	Ku        float32 // Ultimate gain (%/°C)
	Tu        float32 // Ultimate period (s)
	Amplitude float32 // Mean oscillation amplitude (°C)
	Cycles    int     // Relay cycles observed, including discarded ones
	Duration  time.Duration
}
