package autotune

import (
	"math"
	"testing"
	"time"

	"github.com/itohio/gobrew/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const step = 100 * time.Millisecond

// fopdt is a first order plus dead time boiler:
// dT/dt = (ambient + gain*u(t-delay) - T) / tau
type fopdt struct {
	ambient, gain, tau float64
	temp               float64
	pending            []float64 // duty commands in flight, oldest first
}

func newFOPDT(ambient, gain, tau float64, delay time.Duration) *fopdt {
	return &fopdt{
		ambient: ambient,
		gain:    gain,
		tau:     tau,
		temp:    ambient,
		pending: make([]float64, int(delay/step)),
	}
}

func (p *fopdt) advance(duty float64) float32 {
	u := p.pending[0]
	copy(p.pending, p.pending[1:])
	p.pending[len(p.pending)-1] = duty
	p.temp += (p.ambient + p.gain*u - p.temp) / p.tau * step.Seconds()
	return float32(p.temp)
}

func tuneConfig() config.AutotuneConfig {
	return config.AutotuneConfig{
		Target:             93,
		Hysteresis:         0,
		HighDuty:           100,
		LowDuty:            0,
		SettleCycles:       2,
		MeasureCycles:      4,
		MaxCycles:          20,
		MaxHalfCycle:       10 * time.Minute,
		Ceiling:            110,
		StabilityTolerance: 0.05,
		Rule:               "ziegler-nichols",
	}
}

// run drives the session against the plant until it stops or maxSteps elapse.
func run(t *testing.T, s *Session, plant *fopdt, maxSteps int) (time.Time, error) {
	t.Helper()
	now := time.Unix(0, 0)
	s.Start(now)
	temp := float32(plant.temp)
	for i := 0; i < maxSteps; i++ {
		duty, err := s.Step(now, temp)
		if err != nil {
			assert.Zero(t, duty, "failed sessions must leave the heater off")
			return now, err
		}
		if !s.Active() {
			assert.Zero(t, duty)
			return now, nil
		}
		now = now.Add(step)
		temp = plant.advance(float64(duty))
	}
	t.Fatalf("session still running after %d steps", maxSteps)
	return now, nil
}

func TestSession_ConvergesOnFOPDTBoiler(t *testing.T) {
	const (
		ambient = 20.0
		target  = 93.0
		tau     = 60.0
		dead    = 10.0
		d       = 50.0 // half relay swing in %
	)
	// Equilibrium at 50% duty sits exactly on the target, giving a symmetric limit cycle
	gain := (target - ambient) / 50.0

	s, err := New(tuneConfig(), nil)
	require.NoError(t, err)

	plant := newFOPDT(ambient, gain, tau, dead*time.Second)
	_, err = run(t, s, plant, 20000)
	require.NoError(t, err)

	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, PhaseComputed, s.Phase())
	assert.LessOrEqual(t, res.Cycles, tuneConfig().MaxCycles)
	assert.Equal(t, float32(100), s.Progress())

	// Exact relay limit cycle of a FOPDT plant with a symmetric relay and no hysteresis
	wantAmp := gain * d * (1 - math.Exp(-dead/tau))
	wantTu := 2 * tau * math.Log(2*math.Exp(dead/tau)-1)
	wantKu := 4 * d / (math.Pi * wantAmp)

	assert.InEpsilon(t, wantAmp, res.Amplitude, 0.05)
	assert.InEpsilon(t, wantTu, res.Tu, 0.05)
	assert.InEpsilon(t, wantKu, res.Ku, 0.05)

	want := RuleZieglerNichols.Gains(float32(wantKu), float32(wantTu))
	assert.InEpsilon(t, want.Kp, res.Gains.Kp, 0.05)
	assert.InEpsilon(t, want.Ki, res.Gains.Ki, 0.1)
	assert.InEpsilon(t, want.Kd, res.Gains.Kd, 0.1)

	s.Close()
	assert.Equal(t, PhaseIdle, s.Phase())
	_, ok = s.Result()
	assert.False(t, ok)
}

func TestSession_CeilingAborts(t *testing.T) {
	s, err := New(tuneConfig(), nil)
	require.NoError(t, err)

	// Hot element with a long lag overshoots far past the ceiling
	plant := newFOPDT(20, 3, 60, 20*time.Second)
	_, err = run(t, s, plant, 20000)
	assert.ErrorIs(t, err, ErrCeiling)
	assert.ErrorIs(t, err, ErrTuningFailure)
	assert.Equal(t, PhaseIdle, s.Phase())
	_, ok := s.Result()
	assert.False(t, ok)
}

func TestSession_NoOscillation(t *testing.T) {
	cfg := tuneConfig()
	cfg.MaxHalfCycle = time.Minute
	s, err := New(cfg, nil)
	require.NoError(t, err)

	// Element too weak to ever reach the target
	plant := newFOPDT(20, 0.5, 60, time.Second)
	_, err = run(t, s, plant, 20000)
	assert.ErrorIs(t, err, ErrNoOscillation)
}

func TestSession_UnstableOscillation(t *testing.T) {
	cfg := tuneConfig()
	cfg.Hysteresis = 0.5
	cfg.MaxCycles = 10
	s, err := New(cfg, nil)
	require.NoError(t, err)

	// Synthetic signal whose swing changes every third period
	const period = 40.0
	now := time.Unix(0, 0)
	s.Start(now)
	var failure error
	for i := 0; i < 100000 && failure == nil && s.Active(); i++ {
		sec := float64(i) * step.Seconds()
		amp := 2.0
		if int(sec/period)%3 == 0 {
			amp = 6.0
		}
		temp := float32(float64(cfg.Target) + amp*math.Sin(2*math.Pi*sec/period))
		_, failure = s.Step(now.Add(time.Duration(i)*step), temp)
	}
	assert.ErrorIs(t, failure, ErrUnstable)
	assert.Equal(t, PhaseIdle, s.Phase())
}

func TestSession_InvalidTemperature(t *testing.T) {
	s, err := New(tuneConfig(), nil)
	require.NoError(t, err)

	now := time.Unix(0, 0)
	s.Start(now)
	duty, err := s.Step(now, float32(math.NaN()))
	assert.ErrorIs(t, err, ErrSensor)
	assert.Zero(t, duty)
}

func TestSession_AbortLeavesHeaterOff(t *testing.T) {
	s, err := New(tuneConfig(), nil)
	require.NoError(t, err)

	now := time.Unix(0, 0)
	s.Start(now)
	duty, err := s.Step(now, 40)
	require.NoError(t, err)
	assert.Equal(t, float32(100), duty)
	assert.True(t, s.Active())

	assert.Zero(t, s.Abort())
	assert.False(t, s.Active())
	assert.Equal(t, PhaseIdle, s.Phase())

	_, err = s.Step(now, 40)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSession_StartIssuesNewID(t *testing.T) {
	s, err := New(tuneConfig(), nil)
	require.NoError(t, err)

	first := s.Start(time.Unix(0, 0))
	s.Abort()
	second := s.Start(time.Unix(10, 0))
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, s.ID())
}

func TestSession_SettlingBeforeRelaying(t *testing.T) {
	s, err := New(tuneConfig(), nil)
	require.NoError(t, err)

	plant := newFOPDT(20, 73.0/50.0, 60, 10*time.Second)
	now := time.Unix(0, 0)
	s.Start(now)
	temp := float32(plant.temp)

	seenRelaying := false
	for i := 0; i < 20000 && s.Active(); i++ {
		duty, err := s.Step(now, temp)
		require.NoError(t, err)
		switch s.Phase() {
		case PhaseSettling:
			require.False(t, seenRelaying, "settling must precede relaying")
			require.LessOrEqual(t, s.Cycles(), tuneConfig().SettleCycles)
		case PhaseRelaying:
			seenRelaying = true
			require.Greater(t, s.Cycles(), tuneConfig().SettleCycles)
		}
		now = now.Add(step)
		temp = plant.advance(float64(duty))
	}
	assert.True(t, seenRelaying)
	assert.Equal(t, PhaseComputed, s.Phase())
}

func TestRules(t *testing.T) {
	tests := []struct {
		name string
		rule string
		want Rule
		kp   float32
		ki   float32
		kd   float32
	}{
		{name: "default", rule: "", want: RuleZieglerNichols, kp: 6, ki: 0.6, kd: 15},
		{name: "ziegler-nichols", rule: "ziegler-nichols", want: RuleZieglerNichols, kp: 6, ki: 0.6, kd: 15},
		{name: "tyreus-luyben", rule: "tyreus-luyben", want: RuleTyreusLuyben, kp: 10 / 2.2, ki: 10 / 2.2 / 44, kd: 10 / 2.2 * 20 / 6.3},
		{name: "some-overshoot", rule: "some-overshoot", want: RuleSomeOvershoot, kp: 10.0 / 3, ki: 10.0 / 3 / 10, kd: 10.0 / 3 * 20 / 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRule(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r)

			g := r.Gains(10, 20)
			assert.InDelta(t, tt.kp, g.Kp, 1e-4)
			assert.InDelta(t, tt.ki, g.Ki, 1e-4)
			assert.InDelta(t, tt.kd, g.Kd, 1e-3)
		})
	}

	_, err := ParseRule("cohen-coon")
	assert.Error(t, err)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.AutotuneConfig)
	}{
		{name: "unknown rule", mutate: func(c *config.AutotuneConfig) { c.Rule = "magic" }},
		{name: "inverted duty", mutate: func(c *config.AutotuneConfig) { c.HighDuty = 0 }},
		{name: "too few measured cycles", mutate: func(c *config.AutotuneConfig) { c.MeasureCycles = 1 }},
		{name: "max cycles too small", mutate: func(c *config.AutotuneConfig) { c.MaxCycles = 3 }},
		{name: "no half cycle bound", mutate: func(c *config.AutotuneConfig) { c.MaxHalfCycle = 0 }},
		{name: "negative hysteresis", mutate: func(c *config.AutotuneConfig) { c.Hysteresis = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tuneConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, nil)
			assert.Error(t, err)
		})
	}
}
