package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate when the configuration cannot drive the machine safely.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the controller configuration. It is loaded once at
// startup and handed to the core as an immutable snapshot.
type Config struct {
	Board     BoardConfig     `yaml:"board"`
	Control   ControlConfig   `yaml:"control"`
	PID       PIDConfig       `yaml:"pid"`
	Setpoints SetpointsConfig `yaml:"setpoints"`
	Brew      BrewConfig      `yaml:"brew"`
	Tank      TankConfig      `yaml:"tank"`
	Safety    SafetyConfig    `yaml:"safety"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Actuators ActuatorsConfig `yaml:"actuators"`
	Autotune  AutotuneConfig  `yaml:"autotune"`
	Sim       SimConfig       `yaml:"sim"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// BoardConfig contains the I/O co-processor serial link configuration.
type BoardConfig struct {
	Port       string `yaml:"port"`
	BaudRate   int    `yaml:"baud_rate"`
	BufferSize int    `yaml:"buffer_size"`
}

// ControlConfig contains control tick parameters.
type ControlConfig struct {
	TickPeriod   time.Duration `yaml:"tick_period"`
	CommandQueue int           `yaml:"command_queue"`
	StatusBuffer int           `yaml:"status_buffer"`
	AutoPowerOn  bool          `yaml:"auto_power_on"` // Start heating on boot
}

// PIDConfig contains static PID gains. Units: duty % per °C, per °C·s and %·s/°C.
type PIDConfig struct {
	Kp         float32 `yaml:"kp"`
	Ki         float32 `yaml:"ki"`
	Kd         float32 `yaml:"kd"`
	AntiWindup float32 `yaml:"anti_windup"` // Integral bound as a fraction of the output range
}

// MaxShotTemperature bounds the per-stage brew setpoints (°C).
const MaxShotTemperature = 105

// SetpointsConfig contains temperature setpoints per mode (°C).
type SetpointsConfig struct {
	Brew       float32       `yaml:"brew"`
	Steam      float32       `yaml:"steam"`
	Water      float32       `yaml:"water"`      // Held after a shot with after_shot: water
	EnterBand  float32       `yaml:"enter_band"` // Heating -> Ready when within this band
	ExitBand   float32       `yaml:"exit_band"`  // Ready -> Heating when outside this band
	ReadyDwell time.Duration `yaml:"ready_dwell"`

	// Brew setpoint per shot stage, 0 = brew
	Preinfusion float32 `yaml:"preinfusion"`
	Soak        float32 `yaml:"soak"`
	Extraction  float32 `yaml:"extraction"`
}

// AfterShot selects what the boiler holds once a shot has finished.
type AfterShot string

const (
	AfterShotIdle  AfterShot = "idle"  // Stay on the brew setpoint
	AfterShotSteam AfterShot = "steam" // Heat for steam
	AfterShotWater AfterShot = "water" // Heat for hot water
)

// BrewConfig contains shot parameters.
type BrewConfig struct {
	TargetWeight     float32       `yaml:"target_weight"`      // Grams, 0 = time-based shots
	ShotTime         time.Duration `yaml:"shot_time"`          // Used for time-based shots
	Timeout          time.Duration `yaml:"timeout"`            // Hard limit for any shot
	FallbackShotTime time.Duration `yaml:"fallback_shot_time"` // Used when the scale goes stale mid-shot
	Preinfusion      time.Duration `yaml:"preinfusion"`        // 0 = disabled
	Soak             time.Duration `yaml:"soak"`
	SteamTimeout     time.Duration `yaml:"steam_timeout"`
	AfterShot        AfterShot     `yaml:"after_shot"`
}

// TankConfig contains reservoir level thresholds (grams of water).
type TankConfig struct {
	EmptyBelow float32 `yaml:"empty_below"`
	LowBelow   float32 `yaml:"low_below"`
	Hysteresis float32 `yaml:"hysteresis"`
}

// SafetyConfig contains hard safety limits.
type SafetyConfig struct {
	MaxTemperature      float32 `yaml:"max_temperature"`
	MaxActuatorFailures int     `yaml:"max_actuator_failures"`
	FaultLog            int     `yaml:"fault_log"`
}

// SensorsConfig contains one section per acquisition channel.
type SensorsConfig struct {
	Temperature ChannelConfig `yaml:"temperature"`
	Scale       ChannelConfig `yaml:"scale"`
	Tank        ChannelConfig `yaml:"tank"`
}

// ChannelConfig contains acquisition parameters for a single sensor channel.
type ChannelConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Period       time.Duration `yaml:"period"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	StaleTimeout time.Duration `yaml:"stale_timeout"`
	Min          float32       `yaml:"min"`
	Max          float32       `yaml:"max"`
	Alpha        float32       `yaml:"alpha"`  // Low-pass smoothing factor, temperature only
	Window       int           `yaml:"window"` // Median window, weight channels only
}

// ActuatorsConfig contains relay protection parameters.
type ActuatorsConfig struct {
	PumpDwell  time.Duration `yaml:"pump_dwell"`
	ValveDwell time.Duration `yaml:"valve_dwell"`
}

// AutotuneConfig contains relay-feedback tuning parameters.
type AutotuneConfig struct {
	Target             float32       `yaml:"target"`
	Hysteresis         float32       `yaml:"hysteresis"`
	HighDuty           float32       `yaml:"high_duty"`
	LowDuty            float32       `yaml:"low_duty"`
	SettleCycles       int           `yaml:"settle_cycles"`
	MeasureCycles      int           `yaml:"measure_cycles"`
	MaxCycles          int           `yaml:"max_cycles"`
	MaxHalfCycle       time.Duration `yaml:"max_half_cycle"`
	Ceiling            float32       `yaml:"ceiling"`
	StabilityTolerance float32       `yaml:"stability_tolerance"`
	Rule               string        `yaml:"rule"` // ziegler-nichols, tyreus-luyben, some-overshoot
}

// SimConfig contains simulated boiler, scale and tank parameters.
type SimConfig struct {
	Ambient          float32       `yaml:"ambient"`           // °C
	Wattage          float32       `yaml:"wattage"`           // Element power at 100% duty (W)
	ThermalMass      float32       `yaml:"thermal_mass"`      // J/°C
	HeatLoss         float32       `yaml:"heat_loss"`         // W/°C to ambient
	ProbeLag         time.Duration `yaml:"probe_lag"`         // Probe time constant
	FlowRate         float32       `yaml:"flow_rate"`         // g/s with pump on and valve open
	TankWeight       float32       `yaml:"tank_weight"`       // Initial reservoir content (g)
	WeightNoise      float32       `yaml:"weight_noise"`      // Peak noise on scale readings (g)
	SampleRate       time.Duration `yaml:"sample_rate"`       // Physics step in real-time mode
	InletTemperature float32       `yaml:"inlet_temperature"` // Water entering the boiler (°C)
}

// MetricsConfig contains the diagnostics HTTP server configuration.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // Empty disables the server
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Board: BoardConfig{
			Port:       "/dev/ttyACM0",
			BaudRate:   115200,
			BufferSize: 64,
		},
		Control: ControlConfig{
			TickPeriod:   100 * time.Millisecond,
			CommandQueue: 32,
			StatusBuffer: 16,
			AutoPowerOn:  true,
		},
		PID: PIDConfig{
			Kp:         6.0,
			Ki:         0.06,
			Kd:         30.0,
			AntiWindup: 0.5,
		},
		Setpoints: SetpointsConfig{
			Brew:       93.0,
			Steam:      125.0,
			Water:      98.0,
			EnterBand:  1.0,
			ExitBand:   3.0,
			ReadyDwell: 5 * time.Second,
		},
		Brew: BrewConfig{
			TargetWeight:     36.0,
			ShotTime:         28 * time.Second,
			Timeout:          60 * time.Second,
			FallbackShotTime: 30 * time.Second,
			SteamTimeout:     120 * time.Second,
			AfterShot:        AfterShotIdle,
		},
		Tank: TankConfig{
			EmptyBelow: 150,
			LowBelow:   400,
			Hysteresis: 50,
		},
		Safety: SafetyConfig{
			MaxTemperature:      150,
			MaxActuatorFailures: 3,
			FaultLog:            16,
		},
		Sensors: SensorsConfig{
			Temperature: ChannelConfig{
				Enabled:      true,
				Period:       250 * time.Millisecond,
				ReadTimeout:  800 * time.Millisecond,
				StaleTimeout: 2 * time.Second,
				Min:          -20,
				Max:          200,
				Alpha:        0.3,
			},
			Scale: ChannelConfig{
				Enabled:      true,
				Period:       100 * time.Millisecond,
				ReadTimeout:  200 * time.Millisecond,
				StaleTimeout: time.Second,
				Min:          -500,
				Max:          5000,
				Window:       3,
			},
			Tank: ChannelConfig{
				Enabled:      true,
				Period:       500 * time.Millisecond,
				ReadTimeout:  400 * time.Millisecond,
				StaleTimeout: 3 * time.Second,
				Min:          -200,
				Max:          5000,
				Window:       5,
			},
		},
		Actuators: ActuatorsConfig{
			PumpDwell:  500 * time.Millisecond,
			ValveDwell: 500 * time.Millisecond,
		},
		Autotune: AutotuneConfig{
			Target:             94.0,
			Hysteresis:         0.5,
			HighDuty:           100,
			LowDuty:            0,
			SettleCycles:       2,
			MeasureCycles:      4,
			MaxCycles:          20,
			MaxHalfCycle:       10 * time.Minute,
			Ceiling:            110,
			StabilityTolerance: 0.15,
			Rule:               "ziegler-nichols",
		},
		Sim: SimConfig{
			Ambient:          20,
			Wattage:          1150,
			ThermalMass:      4186 * 0.5,
			HeatLoss:         0.8,
			ProbeLag:         4 * time.Second,
			FlowRate:         2.0,
			TankWeight:       1500,
			WeightNoise:      0,
			SampleRate:       50 * time.Millisecond,
			InletTemperature: 20,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks relations between fields that ensureDefaults cannot repair.
func (c *Config) Validate() error {
	switch {
	case c.Setpoints.ExitBand < c.Setpoints.EnterBand:
		return fmt.Errorf("%w: setpoints.exit_band (%g) must not be narrower than enter_band (%g)",
			ErrInvalid, c.Setpoints.ExitBand, c.Setpoints.EnterBand)
	case c.Safety.MaxTemperature <= c.Setpoints.Steam:
		return fmt.Errorf("%w: safety.max_temperature (%g) must be above the steam setpoint (%g)",
			ErrInvalid, c.Safety.MaxTemperature, c.Setpoints.Steam)
	case c.Sensors.Temperature.Max <= c.Safety.MaxTemperature:
		return fmt.Errorf("%w: sensors.temperature.max (%g) must be above safety.max_temperature (%g)",
			ErrInvalid, c.Sensors.Temperature.Max, c.Safety.MaxTemperature)
	case c.Safety.MaxTemperature <= c.Setpoints.Water:
		return fmt.Errorf("%w: safety.max_temperature (%g) must be above the water setpoint (%g)",
			ErrInvalid, c.Safety.MaxTemperature, c.Setpoints.Water)
	case !validShotTemperature(c.Setpoints.Preinfusion),
		!validShotTemperature(c.Setpoints.Soak),
		!validShotTemperature(c.Setpoints.Extraction):
		return fmt.Errorf("%w: stage setpoints must be within 0..%d °C", ErrInvalid, MaxShotTemperature)
	case !c.Brew.AfterShot.valid():
		return fmt.Errorf("%w: brew.after_shot %q is not one of idle, steam, water", ErrInvalid, c.Brew.AfterShot)
	case c.Autotune.Ceiling <= c.Autotune.Target+c.Autotune.Hysteresis:
		return fmt.Errorf("%w: autotune.ceiling (%g) must be above the relay band", ErrInvalid, c.Autotune.Ceiling)
	case c.Autotune.Ceiling > c.Safety.MaxTemperature:
		return fmt.Errorf("%w: autotune.ceiling (%g) exceeds safety.max_temperature", ErrInvalid, c.Autotune.Ceiling)
	case c.Autotune.HighDuty <= c.Autotune.LowDuty:
		return fmt.Errorf("%w: autotune.high_duty must be above low_duty", ErrInvalid)
	case c.Tank.LowBelow < c.Tank.EmptyBelow:
		return fmt.Errorf("%w: tank.low_below must not be below empty_below", ErrInvalid)
	case c.Sensors.Temperature.Alpha <= 0 || c.Sensors.Temperature.Alpha > 1:
		return fmt.Errorf("%w: sensors.temperature.alpha must be in (0,1]", ErrInvalid)
	case !c.Sensors.Temperature.Enabled:
		return fmt.Errorf("%w: the temperature channel cannot be disabled", ErrInvalid)
	}
	return nil
}

func validShotTemperature(v float32) bool {
	return v >= 0 && v <= MaxShotTemperature
}

func (a AfterShot) valid() bool {
	switch a {
	case AfterShotIdle, AfterShotSteam, AfterShotWater:
		return true
	}
	return false
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Board.Port == "" {
		c.Board.Port = def.Board.Port
	}
	if c.Board.BaudRate == 0 {
		c.Board.BaudRate = def.Board.BaudRate
	}
	if c.Board.BufferSize == 0 {
		c.Board.BufferSize = def.Board.BufferSize
	}

	if c.Control.TickPeriod == 0 {
		c.Control.TickPeriod = def.Control.TickPeriod
	}
	if c.Control.CommandQueue == 0 {
		c.Control.CommandQueue = def.Control.CommandQueue
	}
	if c.Control.StatusBuffer == 0 {
		c.Control.StatusBuffer = def.Control.StatusBuffer
	}

	if c.PID.AntiWindup == 0 {
		c.PID.AntiWindup = def.PID.AntiWindup
	}

	if c.Setpoints.Brew == 0 {
		c.Setpoints.Brew = def.Setpoints.Brew
	}
	if c.Setpoints.Steam == 0 {
		c.Setpoints.Steam = def.Setpoints.Steam
	}
	if c.Setpoints.Water == 0 {
		c.Setpoints.Water = def.Setpoints.Water
	}
	if c.Setpoints.EnterBand == 0 {
		c.Setpoints.EnterBand = def.Setpoints.EnterBand
	}
	if c.Setpoints.ExitBand == 0 {
		c.Setpoints.ExitBand = def.Setpoints.ExitBand
	}

	if c.Brew.ShotTime == 0 {
		c.Brew.ShotTime = def.Brew.ShotTime
	}
	if c.Brew.Timeout == 0 {
		c.Brew.Timeout = def.Brew.Timeout
	}
	if c.Brew.FallbackShotTime == 0 {
		c.Brew.FallbackShotTime = def.Brew.FallbackShotTime
	}
	if c.Brew.SteamTimeout == 0 {
		c.Brew.SteamTimeout = def.Brew.SteamTimeout
	}
	if c.Brew.AfterShot == "" {
		c.Brew.AfterShot = def.Brew.AfterShot
	}

	if c.Safety.MaxTemperature == 0 {
		c.Safety.MaxTemperature = def.Safety.MaxTemperature
	}
	if c.Safety.MaxActuatorFailures == 0 {
		c.Safety.MaxActuatorFailures = def.Safety.MaxActuatorFailures
	}
	if c.Safety.FaultLog == 0 {
		c.Safety.FaultLog = def.Safety.FaultLog
	}

	c.Sensors.Temperature.ensureDefaults(def.Sensors.Temperature)
	c.Sensors.Scale.ensureDefaults(def.Sensors.Scale)
	c.Sensors.Tank.ensureDefaults(def.Sensors.Tank)

	if c.Autotune.Target == 0 {
		c.Autotune.Target = def.Autotune.Target
	}
	if c.Autotune.HighDuty == 0 {
		c.Autotune.HighDuty = def.Autotune.HighDuty
	}
	if c.Autotune.MeasureCycles == 0 {
		c.Autotune.MeasureCycles = def.Autotune.MeasureCycles
	}
	if c.Autotune.MaxCycles == 0 {
		c.Autotune.MaxCycles = def.Autotune.MaxCycles
	}
	if c.Autotune.MaxHalfCycle == 0 {
		c.Autotune.MaxHalfCycle = def.Autotune.MaxHalfCycle
	}
	if c.Autotune.Ceiling == 0 {
		c.Autotune.Ceiling = def.Autotune.Ceiling
	}
	if c.Autotune.StabilityTolerance == 0 {
		c.Autotune.StabilityTolerance = def.Autotune.StabilityTolerance
	}
	if c.Autotune.Rule == "" {
		c.Autotune.Rule = def.Autotune.Rule
	}

	if c.Sim.Wattage == 0 {
		c.Sim.Wattage = def.Sim.Wattage
	}
	if c.Sim.ThermalMass == 0 {
		c.Sim.ThermalMass = def.Sim.ThermalMass
	}
	if c.Sim.HeatLoss == 0 {
		c.Sim.HeatLoss = def.Sim.HeatLoss
	}
	if c.Sim.SampleRate == 0 {
		c.Sim.SampleRate = def.Sim.SampleRate
	}
	if c.Sim.FlowRate == 0 {
		c.Sim.FlowRate = def.Sim.FlowRate
	}
}

func (c *ChannelConfig) ensureDefaults(def ChannelConfig) {
	if c.Period == 0 {
		c.Period = def.Period
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = def.StaleTimeout
	}
	if c.Min == 0 && c.Max == 0 {
		c.Min, c.Max = def.Min, def.Max
	}
	if c.Alpha == 0 {
		c.Alpha = def.Alpha
	}
	if c.Window == 0 {
		c.Window = def.Window
	}
}
