package machine

import (
	"time"

	"github.com/google/uuid"
	"github.com/itohio/gobrew/pkg/safety"
)

// Kind enumerates the machine modes.
type Kind uint8

const (
	KindIdle Kind = iota
	KindHeating
	KindReady
	KindBrewing
	KindSteaming
	KindAutoTuning
	KindFault
)

func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindHeating:
		return "heating"
	case KindReady:
		return "ready"
	case KindBrewing:
		return "brewing"
	case KindSteaming:
		return "steaming"
	case KindAutoTuning:
		return "autotuning"
	case KindFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Mode is the live machine mode. Each variant carries only its own data.
type Mode interface {
	Kind() Kind
}

// Idle has the heater off. HeatPending moves it to Heating on the next tick.
type Idle struct {
	HeatPending bool
}

// Heating drives the boiler towards the brew setpoint.
type Heating struct {
	InBand bool
	Since  time.Time // Entry into the tolerance band
}

// Ready holds the brew setpoint and accepts shots.
type Ready struct{}

// Stage is the phase of a shot.
type Stage uint8

const (
	StagePreinfusion Stage = iota // Pump on at low pressure
	StageSoak                     // Pump off, puck soaking
	StageExtraction
)

func (s Stage) String() string {
	switch s {
	case StagePreinfusion:
		return "preinfusion"
	case StageSoak:
		return "soak"
	case StageExtraction:
		return "extraction"
	default:
		return "unknown"
	}
}

// Brewing runs one shot.
type Brewing struct {
	Shot         uint64
	Stage        Stage
	Started      time.Time
	StageStarted time.Time
	StartWeight  float32 // Net scale weight at shot start
	Target       float32 // Grams, 0 = time-based shot
	Cutoff       bool    // Scale lost, finishing on time
}

// Steaming holds the steam setpoint with the valve open.
type Steaming struct {
	Started time.Time
}

// AutoTuning runs a relay-feedback session.
type AutoTuning struct {
	Session uuid.UUID
}

// Fault holds every output safe until an operator reset.
type Fault struct {
	Record safety.Record
}

func (*Idle) Kind() Kind       { return KindIdle }
func (*Heating) Kind() Kind    { return KindHeating }
func (*Ready) Kind() Kind      { return KindReady }
func (*Brewing) Kind() Kind    { return KindBrewing }
func (*Steaming) Kind() Kind   { return KindSteaming }
func (*AutoTuning) Kind() Kind { return KindAutoTuning }
func (*Fault) Kind() Kind      { return KindFault }

var (
	_ Mode = (*Idle)(nil)
	_ Mode = (*Heating)(nil)
	_ Mode = (*Ready)(nil)
	_ Mode = (*Brewing)(nil)
	_ Mode = (*Steaming)(nil)
	_ Mode = (*AutoTuning)(nil)
	_ Mode = (*Fault)(nil)
)
