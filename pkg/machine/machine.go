// Package machine is the top-level sequencer of the espresso machine.
//
// Every tick drains the operator commands, advances the mode, asks the
// active controller (PID or auto-tune) for an actuator intent, lets the
// safety supervisor arbitrate and drives the actuator bank. The machine is
// a function of (mode, latest snapshots, pending commands); it never waits
// on a sensor and allocates nothing in a steady-state tick.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/gobrew/pkg/actuator"
	"github.com/itohio/gobrew/pkg/autotune"
	"github.com/itohio/gobrew/pkg/config"
	"github.com/itohio/gobrew/pkg/level"
	"github.com/itohio/gobrew/pkg/pid"
	"github.com/itohio/gobrew/pkg/safety"
	"github.com/itohio/gobrew/pkg/sensor"
	"github.com/itohio/gobrew/pkg/snapshot"
)

// RequestPublisher receives the requests steering the weight/level monitor.
type RequestPublisher interface {
	Store(level.Request)
}

// Actuators is the actuator bank as seen by the machine.
type Actuators interface {
	Apply(now time.Time, intent actuator.Intent, force bool) error
	Flush(now time.Time) error
	State() actuator.State
}

var _ Actuators = (*actuator.Bank)(nil)

// Deps are the collaborators of a Machine.
type Deps struct {
	Temperature snapshot.Reader[sensor.Reading]
	Level       snapshot.Reader[level.State]
	Requests    RequestPublisher
	Actuators   Actuators
	Sink        Sink // Optional
	Log         *slog.Logger
}

// Machine is the mode state machine. Tick, Shutdown and the accessors are
// owned by the control task; only Submit is safe for concurrent use.
type Machine struct {
	cfg *config.Config
	log *slog.Logger

	temp     snapshot.Reader[sensor.Reading]
	level    snapshot.Reader[level.State]
	requests RequestPublisher
	act      Actuators
	sink     Sink

	pid    *pid.Controller
	tuner  *autotune.Session
	safety *safety.Supervisor
	cmds   chan Command

	// Mode variants are allocated once; mode points at one of them.
	idle     Idle
	heating  Heating
	ready    Ready
	brewing  Brewing
	steaming Steaming
	tuning   AutoTuning
	fault    Fault
	mode     Mode

	armed      time.Time
	levelStale bool
	hold       float32 // Setpoint of Heating and Ready
	target     float32 // Weight target of the next shot
	pidActive  bool
	forceOff   bool // Dispensing stopped this tick, relays switch off now
	shots      uint64
	req        level.Request
	lastShot   ShotStatus
	tune       AutotuneStatus
	intent     actuator.Intent
	verdict    safety.Verdict

	rejected   Rejection
	rejections uint64
	seq        uint64
}

// New creates a machine in Idle. With Control.AutoPowerOn it starts heating
// on the first tick.
func New(cfg *config.Config, deps Deps) (*Machine, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("machine requires a config")
	case deps.Temperature == nil:
		return nil, errors.New("machine requires a temperature reading")
	case deps.Level == nil:
		return nil, errors.New("machine requires a level state")
	case deps.Requests == nil:
		return nil, errors.New("machine requires a request publisher")
	case deps.Actuators == nil:
		return nil, errors.New("machine requires actuators")
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	ctl, err := pid.New(pid.GainsFrom(cfg.PID), cfg.Control.TickPeriod, cfg.PID.AntiWindup)
	if err != nil {
		return nil, fmt.Errorf("failed to create pid controller: %w", err)
	}
	tuner, err := autotune.New(cfg.Autotune, log.With(slog.String("component", "autotune")))
	if err != nil {
		return nil, fmt.Errorf("failed to create autotune session: %w", err)
	}

	queue := cfg.Control.CommandQueue
	if queue <= 0 {
		queue = 1
	}

	m := &Machine{
		cfg:      cfg,
		log:      log.With(slog.String("component", "machine")),
		temp:     deps.Temperature,
		level:    deps.Level,
		requests: deps.Requests,
		act:      deps.Actuators,
		sink:     deps.Sink,
		pid:      ctl,
		tuner:    tuner,
		safety:   safety.NewSupervisor(cfg.Safety, log),
		cmds:     make(chan Command, queue),
		target:   cfg.Brew.TargetWeight,
		hold:     cfg.Setpoints.Brew,
	}
	m.idle.HeatPending = cfg.Control.AutoPowerOn
	m.mode = &m.idle
	return m, nil
}

// Submit queues an operator command for the next tick. It never blocks.
func (m *Machine) Submit(cmd Command) error {
	select {
	case m.cmds <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Tick runs one control cycle at now and returns the published status.
func (m *Machine) Tick(now time.Time) Status {
	if m.armed.IsZero() {
		m.armed = now
	}
	m.forceOff = false

	temp := m.temp.Load()
	lvl := m.levelAt(now)

	// Only commands queued before the tick started are consumed.
	for n := len(m.cmds); n > 0; n-- {
		m.handle(now, <-m.cmds, lvl)
	}

	m.advance(now, temp, lvl)
	intent := m.control(now, temp)

	m.verdict = m.safety.Evaluate(safety.Input{
		Now:                now,
		Armed:              m.armed,
		Temperature:        temp,
		TemperatureTimeout: m.cfg.Sensors.Temperature.StaleTimeout,
		Dispensing:         m.dispensing(),
		BrewByWeight:       m.mode.Kind() == KindBrewing && m.brewing.Target > 0,
		ScaleFresh:         lvl.ScaleFresh,
		Tank:               lvl.Tank,
		ActuatorFailures:   m.act.State().Failures(),
	})
	intent = m.enforce(now, m.verdict, intent, lvl)

	m.actuate(now, intent)
	return m.publish(now, temp, lvl)
}

// Shutdown aborts any activity and commits the safe state, bypassing relay
// dwell. A latched fault stays latched.
func (m *Machine) Shutdown(now time.Time) error {
	switch m.mode.Kind() {
	case KindBrewing:
		m.finishShot(now, m.level.Load(), "shutdown")
	case KindSteaming:
		m.stopSteam(now, "shutdown")
	case KindAutoTuning:
		m.abortTuning(autotune.ErrAborted)
	}
	if m.mode.Kind() != KindFault {
		m.toIdle(false)
	}
	m.intent = actuator.Safe()
	return m.act.Apply(now, m.intent, true)
}

// Mode returns the current mode kind.
func (m *Machine) Mode() Kind { return m.mode.Kind() }

// Gains returns the active PID gains.
func (m *Machine) Gains() pid.Gains { return m.pid.Gains() }

// Target returns the weight target of the next shot.
func (m *Machine) Target() float32 { return m.target }

// Faults copies the latched fault log into dst, oldest first.
func (m *Machine) Faults(dst []safety.Record) []safety.Record {
	return m.safety.Records(dst)
}

func (m *Machine) handle(now time.Time, cmd Command, lvl level.State) {
	err := m.apply(now, cmd, lvl)
	if err == nil {
		return
	}
	m.rejected = Rejection{Command: cmd.Kind, Reason: err, At: now}
	m.rejections++
	m.log.Warn("command rejected",
		slog.String("command", cmd.Kind.String()),
		slog.String("mode", m.mode.Kind().String()),
		slog.Any("reason", err))
}

func (m *Machine) apply(now time.Time, cmd Command, lvl level.State) error {
	kind := m.mode.Kind()

	switch cmd.Kind {
	case CmdStartBrew, CmdStartSteam, CmdStop, CmdStartAutotune, CmdPowerOn, CmdPowerOff:
		if kind == KindFault {
			return ErrFaultLatched
		}
	}

	switch cmd.Kind {
	case CmdStartBrew:
		if kind != KindReady || m.hold != m.cfg.Setpoints.Brew {
			return ErrNotApplicable
		}
		if lvl.Tank != level.TankSufficient {
			return ErrTankLow
		}
		m.startShot(now, lvl)

	case CmdStartSteam:
		if kind != KindReady {
			return ErrNotApplicable
		}
		if lvl.Tank != level.TankSufficient {
			return ErrTankLow
		}
		m.steaming = Steaming{Started: now}
		m.setMode(&m.steaming)

	case CmdStop:
		switch kind {
		case KindBrewing:
			m.finishShot(now, lvl, "stopped")
		case KindSteaming:
			m.stopSteam(now, "stopped")
		case KindAutoTuning:
			m.abortTuning(autotune.ErrAborted)
			m.toIdle(false)
		case KindHeating, KindReady:
			if m.hold == m.cfg.Setpoints.Brew {
				return ErrNotApplicable
			}
			m.log.Info("back to brew temperature", slog.Float64("setpoint", float64(m.cfg.Setpoints.Brew)))
			m.heatFor(m.cfg.Setpoints.Brew)
		default:
			return ErrNotApplicable
		}

	case CmdStartAutotune:
		if kind != KindIdle {
			return ErrNotApplicable
		}
		m.tune.Err = nil
		m.tuning.Session = m.tuner.Start(now)
		m.setMode(&m.tuning)

	case CmdResetFault:
		if kind != KindFault {
			return ErrNotApplicable
		}
		m.safety.Clear()
		m.fault = Fault{}
		m.toIdle(true)

	case CmdSetWeightTarget:
		g := cmd.Grams
		if math32.IsNaN(g) || g < 0 || g > MaxWeightTarget {
			return ErrInvalidTarget
		}
		m.target = g

	case CmdTare:
		if m.dispensing() {
			return ErrDispensing
		}
		m.req.TareSeq++
		m.requests.Store(m.req)

	case CmdPowerOn:
		if kind != KindIdle || m.idle.HeatPending {
			return ErrNotApplicable
		}
		m.idle.HeatPending = true

	case CmdPowerOff:
		switch kind {
		case KindBrewing:
			m.finishShot(now, lvl, "power off")
		case KindSteaming:
			m.stopSteam(now, "power off")
		case KindAutoTuning:
			m.abortTuning(autotune.ErrAborted)
		}
		m.toIdle(false)

	default:
		return ErrUnknownCommand
	}
	return nil
}

// advance applies the mode transitions driven by time and sensor state.
func (m *Machine) advance(now time.Time, temp sensor.Reading, lvl level.State) {
	fresh := temp.Fresh(now, m.cfg.Sensors.Temperature.StaleTimeout)
	sp := m.cfg.Setpoints

	switch md := m.mode.(type) {
	case *Idle:
		if md.HeatPending && !m.safety.Latched() {
			md.HeatPending = false
			m.heating = Heating{}
			m.setMode(&m.heating)
		}

	case *Heating:
		if !fresh || math32.Abs(temp.Value-m.hold) > sp.EnterBand {
			md.InBand = false
			return
		}
		if !md.InBand {
			md.InBand = true
			md.Since = now
		}
		if now.Sub(md.Since) >= sp.ReadyDwell {
			m.setMode(&m.ready)
		}

	case *Ready:
		if fresh && math32.Abs(temp.Value-m.hold) > sp.ExitBand {
			m.heating = Heating{}
			m.setMode(&m.heating)
		}

	case *Brewing:
		m.advanceShot(now, md, lvl)

	case *Steaming:
		if now.Sub(md.Started) >= m.cfg.Brew.SteamTimeout {
			m.stopSteam(now, "timeout")
		}
	}
}

func (m *Machine) advanceShot(now time.Time, b *Brewing, lvl level.State) {
	brew := m.cfg.Brew
	elapsed := now.Sub(b.Started)

	switch {
	case b.Target > 0 && lvl.ShotID == b.Shot && lvl.TargetReached:
		m.finishShot(now, lvl, "target reached")
		return
	case b.Target == 0 && elapsed >= brew.ShotTime:
		m.finishShot(now, lvl, "shot time")
		return
	case b.Cutoff && elapsed >= brew.FallbackShotTime:
		m.finishShot(now, lvl, "fallback time")
		return
	case elapsed >= brew.Timeout:
		m.finishShot(now, lvl, "timeout")
		return
	}

	switch b.Stage {
	case StagePreinfusion:
		if now.Sub(b.StageStarted) >= brew.Preinfusion {
			next := StageSoak
			if brew.Soak <= 0 {
				next = StageExtraction
			}
			m.setStage(now, b, next)
		}
	case StageSoak:
		if now.Sub(b.StageStarted) >= brew.Soak {
			m.setStage(now, b, StageExtraction)
		}
	}
}

// control returns the intent of the active controller.
func (m *Machine) control(now time.Time, temp sensor.Reading) actuator.Intent {
	fresh := temp.Fresh(now, m.cfg.Sensors.Temperature.StaleTimeout)
	sp := m.cfg.Setpoints

	switch md := m.mode.(type) {
	case *Heating, *Ready:
		return actuator.Intent{HeaterDuty: m.regulate(fresh, temp, m.hold)}
	case *Brewing:
		return actuator.Intent{
			HeaterDuty: m.regulate(fresh, temp, m.brewSetpoint(md.Stage)),
			Pump:       md.Stage != StageSoak,
			Valve:      true,
		}
	case *Steaming:
		return actuator.Intent{HeaterDuty: m.regulate(fresh, temp, sp.Steam), Valve: true}
	case *AutoTuning:
		m.pidActive = false
		return actuator.Intent{HeaterDuty: m.stepTuning(now, temp, fresh)}
	}
	m.pidActive = false
	return actuator.Safe()
}

// regulate runs the PID, resetting it when it takes over the heater.
func (m *Machine) regulate(fresh bool, temp sensor.Reading, setpoint float32) float32 {
	if !m.pidActive {
		m.pid.Reset()
		m.pidActive = true
	}
	if !fresh {
		return 0
	}
	return m.pid.Update(setpoint, temp.Value)
}

func (m *Machine) stepTuning(now time.Time, temp sensor.Reading, fresh bool) float32 {
	if !fresh {
		m.abortTuning(autotune.ErrSensor)
		m.toIdle(false)
		return 0
	}

	duty, err := m.tuner.Step(now, temp.Value)
	if err != nil {
		m.tune.Err = err
		m.toIdle(false)
		return 0
	}

	res, ok := m.tuner.Result()
	if !ok {
		return duty
	}
	m.tuner.Close()
	if err := m.pid.SetGains(res.Gains); err != nil {
		m.log.Warn("autotune gains refused", slog.Any("err", err))
		m.tune.Err = fmt.Errorf("%w: %w", autotune.ErrTuningFailure, err)
		m.toIdle(false)
		return 0
	}
	m.tune.Last = res
	m.log.Info("gains updated", slog.String("gains", res.Gains.String()))
	m.toIdle(true)
	return 0
}

// enforce applies the supervisor verdict. It is the only place where the
// mode is forced by safety.
func (m *Machine) enforce(now time.Time, v safety.Verdict, intent actuator.Intent, lvl level.State) actuator.Intent {
	switch v.Action {
	case safety.ActionFault:
		if m.mode.Kind() != KindFault {
			m.enterFault(now, v, lvl)
		}

	case safety.ActionStopDispensing:
		switch m.mode.Kind() {
		case KindBrewing:
			m.finishShot(now, lvl, "tank empty")
		case KindSteaming:
			m.stopSteam(now, "tank empty")
		}

	case safety.ActionTimeCutoff:
		b, ok := m.mode.(*Brewing)
		if !ok {
			break
		}
		if !b.Cutoff {
			b.Cutoff = true
			m.log.Warn("scale stale, finishing shot on time",
				slog.Uint64("shot", b.Shot),
				slog.Duration("fallback", m.cfg.Brew.FallbackShotTime))
		}
		if now.Sub(b.Started) >= m.cfg.Brew.FallbackShotTime {
			m.finishShot(now, lvl, "fallback time")
		}
	}

	intent = v.Override.Apply(intent)
	if m.mode.Kind() == KindFault {
		m.forceOff = true
		return actuator.Safe()
	}
	if !m.dispensing() {
		intent.Pump = false
		intent.Valve = false
	}
	return intent
}

func (m *Machine) enterFault(now time.Time, v safety.Verdict, lvl level.State) {
	switch m.mode.Kind() {
	case KindBrewing:
		m.finishShot(now, lvl, "fault")
	case KindAutoTuning:
		m.abortTuning(autotune.ErrAborted)
	}
	m.fault = Fault{Record: m.safety.Latch(now, v)}
	m.forceOff = true
	m.setMode(&m.fault)
}

func (m *Machine) actuate(now time.Time, intent actuator.Intent) {
	m.intent = intent
	// Failures are counted by the bank and judged by the supervisor.
	_ = m.act.Apply(now, intent, m.forceOff)
	_ = m.act.Flush(now)
}

func (m *Machine) publish(now time.Time, temp sensor.Reading, lvl level.State) Status {
	m.seq++
	st := Status{
		Seq:              m.seq,
		Time:             now,
		Mode:             m.mode.Kind(),
		Temperature:      temp.Value,
		TemperatureFresh: temp.Fresh(now, m.cfg.Sensors.Temperature.StaleTimeout),
		Setpoint:         m.setpoint(),
		Gains:            m.pid.Gains(),
		Weight:           lvl.Net,
		ScaleFresh:       lvl.ScaleFresh,
		Tank:             lvl.Tank,
		TankWeight:       lvl.TankWeight,
		WeightTarget:     m.target,
		Shot:             m.lastShot,
		Intent:           m.intent,
		Actuators:        m.act.State(),
		Action:           m.verdict.Action,
		Autotune: AutotuneStatus{
			Session:  m.tuner.ID(),
			Phase:    m.tuner.Phase(),
			Progress: m.tuner.Progress(),
			Cycles:   m.tuner.Cycles(),
			Last:     m.tune.Last,
			Err:      m.tune.Err,
		},
		Rejected:   m.rejected,
		Rejections: m.rejections,
	}
	if m.mode.Kind() == KindBrewing {
		st.Shot = m.shotStatus(now, lvl)
	}
	if m.mode.Kind() == KindFault {
		st.Faulted = true
		st.Fault = m.fault.Record
	}
	if m.sink != nil {
		m.sink.Publish(st)
	}
	return st
}

func (m *Machine) setpoint() float32 {
	switch m.mode.Kind() {
	case KindHeating, KindReady:
		return m.hold
	case KindBrewing:
		return m.brewSetpoint(m.brewing.Stage)
	case KindSteaming:
		return m.cfg.Setpoints.Steam
	case KindAutoTuning:
		return m.cfg.Autotune.Target
	}
	return 0
}

// levelAt returns the monitor state as seen at now. A snapshot older than
// the sensor stale timeouts reports a stale scale and an unknown tank.
func (m *Machine) levelAt(now time.Time) level.State {
	lvl := m.level.Load()
	age := now.Sub(lvl.Timestamp)
	stale := age > m.cfg.Sensors.Scale.StaleTimeout
	if stale {
		lvl.ScaleFresh = false
	}
	if age > m.cfg.Sensors.Tank.StaleTimeout {
		lvl.Tank = level.TankUnknown
	}
	if stale != m.levelStale {
		m.levelStale = stale
		if stale {
			m.log.Warn("level state stale", slog.Duration("age", age))
		}
	}
	return lvl
}

func (m *Machine) dispensing() bool {
	k := m.mode.Kind()
	return k == KindBrewing || k == KindSteaming
}

func (m *Machine) setMode(next Mode) {
	prev := m.mode.Kind()
	m.mode = next
	m.log.Info("mode", slog.String("from", prev.String()), slog.String("to", next.Kind().String()))
}

func (m *Machine) toIdle(heat bool) {
	m.hold = m.cfg.Setpoints.Brew
	m.idle = Idle{HeatPending: heat}
	m.setMode(&m.idle)
}

// heatFor moves Heating and Ready to a new setpoint, restarting the
// approach to the band.
func (m *Machine) heatFor(setpoint float32) {
	m.hold = setpoint
	m.heating = Heating{}
	m.setMode(&m.heating)
}

// brewSetpoint returns the boiler setpoint of a shot stage.
func (m *Machine) brewSetpoint(s Stage) float32 {
	sp := m.cfg.Setpoints
	var v float32
	switch s {
	case StagePreinfusion:
		v = sp.Preinfusion
	case StageSoak:
		v = sp.Soak
	case StageExtraction:
		v = sp.Extraction
	}
	if v <= 0 {
		return sp.Brew
	}
	return v
}

func (m *Machine) startShot(now time.Time, lvl level.State) {
	// A tare queued earlier in this tick zeroes the scale before the
	// monitor measures the shot.
	start := lvl.Net
	if m.req.TareSeq != lvl.TareSeq {
		start = 0
	}

	m.shots++
	m.brewing = Brewing{
		Shot:         m.shots,
		Stage:        StageExtraction,
		Started:      now,
		StageStarted: now,
		StartWeight:  start,
		Target:       m.target,
	}
	if m.cfg.Brew.Preinfusion > 0 {
		m.brewing.Stage = StagePreinfusion
	}

	m.req.ShotID = m.shots
	m.req.StartWeight = start
	m.req.Target = m.target
	m.requests.Store(m.req)

	m.log.Info("shot started",
		slog.Uint64("shot", m.shots),
		slog.Float64("target", float64(m.target)),
		slog.String("stage", m.brewing.Stage.String()))
	m.setMode(&m.brewing)
}

func (m *Machine) setStage(now time.Time, b *Brewing, next Stage) {
	m.log.Info("shot stage",
		slog.Uint64("shot", b.Shot),
		slog.String("from", b.Stage.String()),
		slog.String("to", next.String()))
	b.Stage = next
	b.StageStarted = now
}

func (m *Machine) finishShot(now time.Time, lvl level.State, reason string) {
	b := &m.brewing
	m.lastShot = m.shotStatus(now, lvl)
	m.lastShot.Active = false

	m.req.ShotID = 0
	m.req.StartWeight = 0
	m.req.Target = 0
	m.requests.Store(m.req)
	m.forceOff = true

	m.log.Info("shot finished",
		slog.Uint64("shot", b.Shot),
		slog.String("reason", reason),
		slog.Duration("elapsed", m.lastShot.Elapsed),
		slog.Float64("dispensed", float64(m.lastShot.Dispensed)))
	m.setMode(&m.ready)

	switch m.cfg.Brew.AfterShot {
	case config.AfterShotSteam:
		m.heatFor(m.cfg.Setpoints.Steam)
	case config.AfterShotWater:
		m.heatFor(m.cfg.Setpoints.Water)
	}
}

func (m *Machine) shotStatus(now time.Time, lvl level.State) ShotStatus {
	b := &m.brewing
	return ShotStatus{
		ID:        b.Shot,
		Active:    true,
		Stage:     b.Stage,
		Elapsed:   now.Sub(b.Started),
		Dispensed: m.dispensed(lvl),
		Target:    b.Target,
		Cutoff:    b.Cutoff,
	}
}

// dispensed is the weight of the active shot. Until the monitor has caught
// up with the shot and its tare, nothing has been measured yet.
func (m *Machine) dispensed(lvl level.State) float32 {
	switch {
	case lvl.ShotID == m.brewing.Shot:
		return lvl.Dispensed
	case lvl.TareSeq != m.req.TareSeq:
		return 0
	}
	return lvl.Net - m.brewing.StartWeight
}

func (m *Machine) stopSteam(now time.Time, reason string) {
	m.forceOff = true
	m.log.Info("steam finished",
		slog.String("reason", reason),
		slog.Duration("elapsed", now.Sub(m.steaming.Started)))
	m.hold = m.cfg.Setpoints.Brew
	m.setMode(&m.ready)
}

func (m *Machine) abortTuning(err error) {
	m.tuner.Abort()
	m.tune.Err = err
}
