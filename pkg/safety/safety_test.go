package safety

import (
	"testing"
	"time"

	"github.com/itohio/gobrew/pkg/actuator"
	"github.com/itohio/gobrew/pkg/config"
	"github.com/itohio/gobrew/pkg/level"
	"github.com/itohio/gobrew/pkg/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

func limits() config.SafetyConfig {
	return config.SafetyConfig{MaxTemperature: 150, MaxActuatorFailures: 3, FaultLog: 4}
}

func healthy() Input {
	return Input{
		Now:   t0,
		Armed: t0.Add(-time.Minute),
		Temperature: sensor.Reading{
			Kind:      sensor.KindTemperature,
			Value:     93,
			Timestamp: t0,
			LastValid: t0,
			Valid:     true,
		},
		TemperatureTimeout: 2 * time.Second,
		ScaleFresh:         true,
		Tank:               level.TankSufficient,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Input)
		action Action
		code   FaultCode
	}{
		{
			name:   "healthy",
			mutate: func(in *Input) {},
			action: ActionNone,
		},
		{
			name:   "no temperature reading yet",
			mutate: func(in *Input) { in.Temperature = sensor.Reading{} },
			action: ActionFault,
			code:   FaultTemperatureStale,
		},
		{
			name: "no reading during boot grace",
			mutate: func(in *Input) {
				in.Temperature = sensor.Reading{}
				in.Armed = t0.Add(-time.Second)
			},
			action: ActionNone,
		},
		{
			name:   "temperature flagged stale",
			mutate: func(in *Input) { in.Temperature.Stale = true },
			action: ActionFault,
			code:   FaultTemperatureStale,
		},
		{
			name:   "temperature not refreshed",
			mutate: func(in *Input) { in.Now = t0.Add(2*time.Second + time.Millisecond) },
			action: ActionFault,
			code:   FaultTemperatureStale,
		},
		{
			name:   "over temperature",
			mutate: func(in *Input) { in.Temperature.Value = 151 },
			action: ActionFault,
			code:   FaultOverTemperature,
		},
		{
			name:   "at ceiling is fine",
			mutate: func(in *Input) { in.Temperature.Value = 150 },
			action: ActionNone,
		},
		{
			name:   "tank empty while dispensing",
			mutate: func(in *Input) { in.Dispensing = true; in.Tank = level.TankEmpty },
			action: ActionStopDispensing,
		},
		{
			name:   "tank empty while idle",
			mutate: func(in *Input) { in.Tank = level.TankEmpty },
			action: ActionNone,
		},
		{
			name: "tank empty outranks stale scale",
			mutate: func(in *Input) {
				in.Dispensing, in.BrewByWeight, in.ScaleFresh = true, true, false
				in.Tank = level.TankEmpty
			},
			action: ActionStopDispensing,
		},
		{
			name: "scale stale during weight shot",
			mutate: func(in *Input) {
				in.Dispensing, in.BrewByWeight, in.ScaleFresh = true, true, false
			},
			action: ActionTimeCutoff,
		},
		{
			name:   "scale stale without weight shot",
			mutate: func(in *Input) { in.ScaleFresh = false },
			action: ActionNone,
		},
		{
			name:   "actuator failures below limit",
			mutate: func(in *Input) { in.ActuatorFailures = 2 },
			action: ActionNone,
		},
		{
			name:   "actuator failures at limit",
			mutate: func(in *Input) { in.ActuatorFailures = 3 },
			action: ActionFault,
			code:   FaultActuator,
		},
		{
			name: "actuator failures outrank stale scale",
			mutate: func(in *Input) {
				in.Dispensing, in.BrewByWeight, in.ScaleFresh = true, true, false
				in.ActuatorFailures = 10
			},
			action: ActionFault,
			code:   FaultActuator,
		},
		{
			name: "actuator failures outrank empty tank",
			mutate: func(in *Input) {
				in.Dispensing = true
				in.Tank = level.TankEmpty
				in.ActuatorFailures = 3
			},
			action: ActionFault,
			code:   FaultActuator,
		},
		{
			name: "stale temperature outranks everything",
			mutate: func(in *Input) {
				in.Temperature.Stale = true
				in.Temperature.Value = 200
				in.Dispensing = true
				in.Tank = level.TankEmpty
				in.ActuatorFailures = 10
			},
			action: ActionFault,
			code:   FaultTemperatureStale,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := healthy()
			tt.mutate(&in)
			v := Evaluate(limits(), in)
			assert.Equal(t, tt.action, v.Action)
			assert.Equal(t, tt.code, v.Code)
			assert.Equal(t, tt.action == ActionFault, v.Veto())
			if v.Veto() {
				assert.True(t, v.Override.Apply(actuator.Intent{HeaterDuty: 100, Pump: true, Valve: true}).IsSafe())
				assert.NotEmpty(t, v.Condition)
			}
		})
	}
}

func TestEvaluate_Pure(t *testing.T) {
	in := healthy()
	in.Temperature.Value = 160
	a := Evaluate(limits(), in)
	b := Evaluate(limits(), in)
	assert.Equal(t, a, b)
}

func TestOverride_Apply(t *testing.T) {
	full := actuator.Intent{HeaterDuty: 80, Pump: true, Valve: true}

	stop := Override{PumpOff: true, ValveClosed: true}
	got := stop.Apply(full)
	assert.Equal(t, actuator.Intent{HeaterDuty: 80}, got)
	assert.True(t, stop.Active())

	assert.Equal(t, full, Override{}.Apply(full))
	assert.False(t, Override{}.Active())
}

func TestSupervisor_Latch(t *testing.T) {
	s := NewSupervisor(limits(), nil)
	assert.False(t, s.Latched())
	_, ok := s.Last()
	assert.False(t, ok)

	in := healthy()
	in.Temperature.Value = 155
	v := s.Evaluate(in)
	require.True(t, v.Veto())

	rec := s.Latch(t0, v)
	assert.Equal(t, FaultOverTemperature, rec.Code)
	assert.Equal(t, float32(155), rec.Value)
	assert.Equal(t, t0, rec.Timestamp)
	assert.True(t, s.Latched())

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, rec, last)

	s.Clear()
	assert.False(t, s.Latched())
	assert.Empty(t, s.Records(nil))
}

func TestSupervisor_RecordsRing(t *testing.T) {
	s := NewSupervisor(limits(), nil)
	for i := 0; i < 6; i++ {
		s.Latch(t0.Add(time.Duration(i)*time.Second), Verdict{
			Action: ActionFault,
			Code:   FaultActuator,
			Value:  float32(i),
		})
	}

	recs := s.Records(nil)
	require.Len(t, recs, 4)
	for i, r := range recs {
		assert.Equal(t, float32(i+2), r.Value, "oldest first")
	}

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, float32(5), last.Value)

	dst := make([]Record, 0, 8)
	out := s.Records(dst)
	assert.Len(t, out, 4)
	assert.Equal(t, cap(dst), cap(out))
}

func TestEvaluate_NoAllocations(t *testing.T) {
	s := NewSupervisor(limits(), nil)
	in := healthy()
	in.Dispensing, in.BrewByWeight = true, true
	allocs := testing.AllocsPerRun(100, func() {
		_ = s.Evaluate(in)
	})
	assert.Zero(t, allocs)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "over_temperature", FaultOverTemperature.String())
	assert.Equal(t, "temperature_stale", FaultTemperatureStale.String())
	assert.Equal(t, "stop_dispensing", ActionStopDispensing.String())
	assert.Equal(t, "unknown", FaultCode(99).String())
}
