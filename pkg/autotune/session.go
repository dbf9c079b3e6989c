package autotune

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chewxy/math32"
	"github.com/google/uuid"
	"github.com/itohio/gobrew/pkg/config"
)

// Session runs relay-feedback tuning. A single Session is allocated up
// front and reused: Start opens a run, and completion or abort discards
// the run by returning the session to PhaseIdle. It is owned by the
// control tick and is not safe for concurrent use.
type Session struct {
	cfg  config.AutotuneConfig
	rule Rule
	log  *slog.Logger

	id      uuid.UUID
	phase   Phase
	started time.Time

	heating    bool
	lastSwitch time.Time

	// Cycle being recorded
	open       bool
	cycleStart time.Time
	hi, lo     float32

	// Ring of the most recent measured cycles
	window []Cycle
	next   int
	filled int

	cycles int
	result Result
}

// New creates an idle session.
func New(cfg config.AutotuneConfig, log *slog.Logger) (*Session, error) {
	rule, err := ParseRule(cfg.Rule)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.HighDuty <= cfg.LowDuty:
		return nil, fmt.Errorf("autotune high duty %g must exceed low duty %g", cfg.HighDuty, cfg.LowDuty)
	case cfg.MeasureCycles < 2:
		return nil, fmt.Errorf("autotune needs at least 2 measured cycles, got %d", cfg.MeasureCycles)
	case cfg.MaxCycles < cfg.SettleCycles+cfg.MeasureCycles:
		return nil, fmt.Errorf("autotune max cycles %d below settle+measure cycles", cfg.MaxCycles)
	case cfg.MaxHalfCycle <= 0:
		return nil, fmt.Errorf("autotune max half cycle must be positive")
	case cfg.Hysteresis < 0:
		return nil, fmt.Errorf("autotune hysteresis must not be negative")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		rule:   rule,
		log:    log,
		window: make([]Cycle, cfg.MeasureCycles),
	}, nil
}

// Start opens a new run at now. The heater starts full on.
func (s *Session) Start(now time.Time) uuid.UUID {
	s.reset()
	s.id = uuid.New()
	s.phase = PhaseSettling
	s.started = now
	s.heating = true
	s.lastSwitch = now

	s.log.Info("autotune started",
		slog.String("session", s.id.String()),
		slog.Float64("target", float64(s.cfg.Target)),
		slog.String("rule", s.rule.String()))
	return s.id
}

// Active reports whether the relay is running.
func (s *Session) Active() bool {
	return s.phase == PhaseSettling || s.phase == PhaseRelaying
}

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// ID returns the identifier of the current or last run.
func (s *Session) ID() uuid.UUID { return s.id }

// Cycles returns the number of complete relay cycles of the current run.
func (s *Session) Cycles() int { return s.cycles }

// Progress returns an estimate of completion in percent.
func (s *Session) Progress() float32 {
	switch s.phase {
	case PhaseComputed:
		return 100
	case PhaseIdle:
		return 0
	}
	p := float32(s.cycles) / float32(s.cfg.SettleCycles+s.cfg.MeasureCycles) * 100
	return math32.Min(p, 99)
}

// Result returns the computed gains once the session reached PhaseComputed.
func (s *Session) Result() (Result, bool) {
	return s.result, s.phase == PhaseComputed
}

// Close discards a computed run.
func (s *Session) Close() {
	s.reset()
}

// Abort discards the run and returns the safe heater duty.
func (s *Session) Abort() float32 {
	if s.Active() {
		s.log.Warn("autotune aborted", slog.String("session", s.id.String()), slog.Int("cycles", s.cycles))
	}
	s.reset()
	return 0
}

// Step feeds a filtered temperature at now and returns the heater duty.
// On failure the run is discarded, the error wraps ErrTuningFailure and the
// duty is 0.
func (s *Session) Step(now time.Time, temp float32) (float32, error) {
	if !s.Active() {
		return 0, ErrNotRunning
	}

	switch {
	case math32.IsNaN(temp) || math32.IsInf(temp, 0):
		return s.fail(ErrSensor, temp)
	case temp > s.cfg.Ceiling:
		return s.fail(ErrCeiling, temp)
	case now.Sub(s.lastSwitch) > s.cfg.MaxHalfCycle:
		return s.fail(ErrNoOscillation, temp)
	}

	if s.open {
		s.hi = math32.Max(s.hi, temp)
		s.lo = math32.Min(s.lo, temp)
	}

	switch {
	case s.heating && temp >= s.cfg.Target+s.cfg.Hysteresis:
		s.heating = false
		s.lastSwitch = now
	case !s.heating && temp <= s.cfg.Target-s.cfg.Hysteresis:
		s.heating = true
		s.lastSwitch = now
		if err := s.switchedOn(now, temp); err != nil {
			return s.fail(err, temp)
		}
		if s.phase == PhaseComputed {
			return 0, nil
		}
	}

	if s.heating {
		return s.cfg.HighDuty, nil
	}
	return s.cfg.LowDuty, nil
}

// switchedOn closes the running cycle and opens the next one.
func (s *Session) switchedOn(now time.Time, temp float32) error {
	if s.open {
		c := Cycle{
			Start:  s.cycleStart,
			Period: now.Sub(s.cycleStart),
			Max:    s.hi,
			Min:    s.lo,
		}
		s.cycles++
		s.log.Debug("autotune cycle",
			slog.String("session", s.id.String()),
			slog.Int("cycle", s.cycles),
			slog.Duration("period", c.Period),
			slog.Float64("amplitude", float64(c.Amplitude())))

		if s.cycles > s.cfg.SettleCycles {
			s.phase = PhaseRelaying
			s.window[s.next] = c
			s.next = (s.next + 1) % len(s.window)
			if s.filled < len(s.window) {
				s.filled++
			}
			if s.filled == len(s.window) && s.stable() {
				return s.compute(now)
			}
		}
		if s.cycles >= s.cfg.MaxCycles {
			return ErrUnstable
		}
	}

	s.open = true
	s.cycleStart = now
	s.hi, s.lo = temp, temp
	return nil
}

// stable reports whether period and amplitude of all windowed cycles lie
// within the stability tolerance of their mean.
func (s *Session) stable() bool {
	period, amp := s.means()
	if period <= 0 || amp <= 0 {
		return false
	}
	tol := s.cfg.StabilityTolerance
	for _, c := range s.window {
		if math32.Abs(float32(c.Period.Seconds())-period) > tol*period {
			return false
		}
		if math32.Abs(c.Amplitude()-amp) > tol*amp {
			return false
		}
	}
	return true
}

func (s *Session) means() (period, amp float32) {
	for _, c := range s.window {
		period += float32(c.Period.Seconds())
		amp += c.Amplitude()
	}
	n := float32(len(s.window))
	return period / n, amp / n
}

// compute derives Ku, Tu and gains from the window:
// Ku = 4d / (pi * sqrt(a^2 - eps^2)), d being half the relay swing.
func (s *Session) compute(now time.Time) error {
	tu, a := s.means()
	eps := s.cfg.Hysteresis
	if a <= eps {
		return ErrUnstable
	}
	d := (s.cfg.HighDuty - s.cfg.LowDuty) / 2
	ku := 4 * d / (math32.Pi * math32.Sqrt(a*a-eps*eps))

	s.result = Result{
		Gains:     s.rule.Gains(ku, tu),
		Ku:        ku,
		Tu:        tu,
		Amplitude: a,
		Cycles:    s.cycles,
		Duration:  now.Sub(s.started),
	}
	s.phase = PhaseComputed
	s.log.Info("autotune computed",
		slog.String("session", s.id.String()),
		slog.Float64("ku", float64(ku)),
		slog.Float64("tu", float64(tu)),
		slog.String("gains", s.result.Gains.String()))
	return nil
}

func (s *Session) fail(err error, temp float32) (float32, error) {
	s.log.Warn("autotune failed",
		slog.String("session", s.id.String()),
		slog.Int("cycles", s.cycles),
		slog.Float64("temperature", float64(temp)),
		slog.Any("err", err))
	s.reset()
	return 0, err
}

func (s *Session) reset() {
	s.phase = PhaseIdle
	s.heating = false
	s.open = false
	s.next = 0
	s.filled = 0
	s.cycles = 0
	s.result = Result{}
}
