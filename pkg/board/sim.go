package board

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/gobrew/pkg/config"
)

// waterHeatCapacity is the specific heat of water in J/(g·°C).
const waterHeatCapacity = 4.186

// Faults selects failures injected into a simulated board.
type Faults struct {
	Temperature bool // Temperature reads report a sensor failure
	Scale       bool
	Tank        bool
	Hang        bool // Reads block until their context expires
	Driver      bool // Actuator commands fail
}

// SimState is a snapshot of the simulated plant.
type SimState struct {
	Boiler float32 // Water temperature, °C
	Probe  float32 // Probe temperature, °C
	Cup    float32 // Weight on the cup scale, g
	Tank   float32 // Reservoir content, g
	Duty   float32
	Pump   bool
	Valve  bool
}

// Sim simulates a single-boiler machine: a lumped thermal mass heated by the
// element and losing heat to ambient, a lagging temperature probe, and a pump
// that moves water from the tank into the cup while the valve is open.
//
// With cfg.SampleRate > 0, Connect starts a goroutine that advances the
// physics in real time. With SampleRate == 0 the plant only moves on Advance.
type Sim struct {
	cfg config.SimConfig
	log *slog.Logger

	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	faults    Faults
	rng       *rand.Rand
	state     SimState
}

// NewSim creates a simulated board at ambient temperature.
func NewSim(cfg config.SimConfig, log *slog.Logger) *Sim {
	if log == nil {
		log = slog.Default()
	}
	return &Sim{
		cfg: cfg,
		log: log.With(slog.String("component", "sim")),
		rng: rand.New(rand.NewPCG(1, 2)),
		state: SimState{
			Boiler: cfg.Ambient,
			Probe:  cfg.Ambient,
			Tank:   cfg.TankWeight,
		},
	}
}

// Connect starts the simulation.
func (s *Sim) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return ErrAlreadyConnected
	}
	s.connected = true

	if s.cfg.SampleRate > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.run(ctx, s.done)
	}

	s.log.Info("simulator started", slog.Float64("ambient", float64(s.cfg.Ambient)))
	return nil
}

// Close stops the simulation and waits for the physics goroutine.
func (s *Sim) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// IsConnected returns whether the simulation is running.
func (s *Sim) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Sim) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Advance(s.cfg.SampleRate)
		}
	}
}

// Advance integrates the plant by dt.
func (s *Sim) Advance(dt time.Duration) {
	step := s.cfg.SampleRate
	if step <= 0 {
		step = 50 * time.Millisecond
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for dt > 0 {
		h := min(dt, step)
		s.integrate(float32(h.Seconds()))
		dt -= h
	}
}

func (s *Sim) integrate(dt float32) {
	st := &s.state

	flow := float32(0)
	if st.Pump && st.Valve && st.Tank > 0 {
		flow = min(s.cfg.FlowRate*dt, st.Tank)
		st.Tank -= flow
		st.Cup += flow
	}

	// Fresh inlet water displaces the heated water leaving the boiler
	q := st.Duty / 100 * s.cfg.Wattage
	q -= s.cfg.HeatLoss * (st.Boiler - s.cfg.Ambient)
	q -= flow / dt * waterHeatCapacity * (st.Boiler - s.cfg.InletTemperature)
	if s.cfg.ThermalMass > 0 {
		st.Boiler += q / s.cfg.ThermalMass * dt
	}

	lag := float32(s.cfg.ProbeLag.Seconds())
	if lag <= dt {
		st.Probe = st.Boiler
	} else {
		st.Probe += (st.Boiler - st.Probe) / lag * dt
	}
}

// State returns the current plant state.
func (s *Sim) State() SimState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Inject replaces the active fault set.
func (s *Sim) Inject(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f != s.faults {
		s.log.Info("faults injected",
			slog.Bool("temperature", f.Temperature),
			slog.Bool("scale", f.Scale),
			slog.Bool("tank", f.Tank),
			slog.Bool("hang", f.Hang),
			slog.Bool("driver", f.Driver))
	}
	s.faults = f
}

// SetBoiler forces boiler and probe temperature.
func (s *Sim) SetBoiler(temp float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Boiler = temp
	s.state.Probe = temp
}

// SetTank sets the reservoir content.
func (s *Sim) SetTank(grams float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Tank = max(grams, 0)
}

// ClearCup empties the cup scale.
func (s *Sim) ClearCup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Cup = 0
}

// ReadTemperature returns the probe temperature.
func (s *Sim) ReadTemperature(ctx context.Context) (float32, error) {
	return s.read(ctx, func(f Faults) bool { return f.Temperature }, func(st SimState) float32 {
		return st.Probe
	})
}

// ReadWeight returns the cup scale weight with configured noise.
func (s *Sim) ReadWeight(ctx context.Context) (float32, error) {
	return s.read(ctx, func(f Faults) bool { return f.Scale }, func(st SimState) float32 {
		return st.Cup + s.noise()
	})
}

// ReadTank returns the reservoir weight.
func (s *Sim) ReadTank(ctx context.Context) (float32, error) {
	return s.read(ctx, func(f Faults) bool { return f.Tank }, func(st SimState) float32 {
		return st.Tank
	})
}

func (s *Sim) read(ctx context.Context, failed func(Faults) bool, value func(SimState) float32) (float32, error) {
	s.mu.RLock()
	connected, faults, st := s.connected, s.faults, s.state
	s.mu.RUnlock()

	switch {
	case !connected:
		return 0, ErrNotConnected
	case faults.Hang:
		<-ctx.Done()
		return 0, ctx.Err()
	case failed(faults):
		return math32.NaN(), ErrSensor
	}
	return value(st), nil
}

func (s *Sim) noise() float32 {
	if s.cfg.WeightNoise == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.rng.Float32()*2 - 1) * s.cfg.WeightNoise
}

// DriveHeater sets the element duty in percent.
func (s *Sim) DriveHeater(duty float32) error {
	return s.drive(func(st *SimState) { st.Duty = min(max(duty, 0), 100) })
}

// DrivePump switches the pump.
func (s *Sim) DrivePump(on bool) error {
	return s.drive(func(st *SimState) { st.Pump = on })
}

// DriveValve switches the group valve.
func (s *Sim) DriveValve(open bool) error {
	return s.drive(func(st *SimState) { st.Valve = open })
}

func (s *Sim) drive(apply func(*SimState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.connected:
		return ErrNotConnected
	case s.faults.Driver:
		return ErrLink
	}
	apply(&s.state)
	return nil
}
