package machine

import (
	"time"

	"github.com/google/uuid"
	"github.com/itohio/gobrew/pkg/actuator"
	"github.com/itohio/gobrew/pkg/autotune"
	"github.com/itohio/gobrew/pkg/level"
	"github.com/itohio/gobrew/pkg/pid"
	"github.com/itohio/gobrew/pkg/safety"
)

// Sink receives one status snapshot per tick. Publish must not block.
type Sink interface {
	Publish(Status)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Status)

// Publish calls f.
func (f SinkFunc) Publish(s Status) { f(s) }

// Rejection describes the last rejected command.
type Rejection struct {
	Command CommandKind
	Reason  error
	At      time.Time
}

// ShotStatus describes the active or the last finished shot.
type ShotStatus struct {
	ID        uint64
	Active    bool
	Stage     Stage
	Elapsed   time.Duration
	Dispensed float32
	Target    float32 // 0 = time-based
	Cutoff    bool    // Finished or finishing on the fallback time
}

// AutotuneStatus describes the current or last tuning run.
type AutotuneStatus struct {
	Session  uuid.UUID
	Phase    autotune.Phase
	Progress float32 // Percent
	Cycles   int
	Last     autotune.Result // Result of the last successful run
	Err      error           // Failure of the last run
}

// Status is the per-tick snapshot exported to collaborators.
type Status struct {
	Seq  uint64
	Time time.Time
	Mode Kind

	Temperature      float32
	TemperatureFresh bool
	Setpoint         float32
	Gains            pid.Gains

	Weight       float32 // Net scale weight
	ScaleFresh   bool
	Tank         level.TankLevel
	TankWeight   float32
	WeightTarget float32
	Shot         ShotStatus

	Intent    actuator.Intent // After safety enforcement
	Actuators actuator.State
	Action    safety.Action // Supervisor action this tick

	Faulted bool
	Fault   safety.Record

	Autotune AutotuneStatus

	Rejected   Rejection
	Rejections uint64
}
