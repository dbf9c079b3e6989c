// Package pid implements the boiler temperature controller.
package pid

import (
	"fmt"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/gobrew/pkg/config"
)

const (
	// OutputMin and OutputMax bound the heater duty cycle in percent.
	OutputMin float32 = 0
	OutputMax float32 = 100
)

// Gains holds the controller gains.
// Kp is in %/°C, Ki in %/(°C·s) and Kd in %·s/°C.
type Gains struct {
	Kp float32 `yaml:"kp"`
	Ki float32 `yaml:"ki"`
	Kd float32 `yaml:"kd"`
}

// String formats gains for logs.
func (g Gains) String() string {
	return fmt.Sprintf("kp=%.4g ki=%.4g kd=%.4g", g.Kp, g.Ki, g.Kd)
}

// Valid reports whether all gains are finite and non-negative.
func (g Gains) Valid() bool {
	for _, v := range [...]float32{g.Kp, g.Ki, g.Kd} {
		if v < 0 || math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// GainsFrom extracts static gains from configuration.
func GainsFrom(cfg config.PIDConfig) Gains {
	return Gains{Kp: cfg.Kp, Ki: cfg.Ki, Kd: cfg.Kd}
}

// State is a copy of the controller internals for diagnostics.
type State struct {
	Gains     Gains
	Integral        float32 // Integral term contribution to the output (%)
	PrevError       float32
	PrevMeasurement float32
	Output          float32
}

// Controller is a fixed-period PID controller with conditional
// integration anti-windup. The derivative acts on the measurement, so a
// setpoint change moves the output through P and I only. It is owned by the control tick and is not
// safe for concurrent use.
type Controller struct {
	gains Gains
	dt    float32 // seconds
	limit float32 // bound on |integral|

	integral  float32
	prevError float32
	prevMeas  float32
	output    float32
	primed    bool
}

// New creates a controller running every period. antiWindup scales the
// output range into the bound on the integral term.
func New(gains Gains, period time.Duration, antiWindup float32) (*Controller, error) {
	if period <= 0 {
		return nil, fmt.Errorf("pid period must be positive, got %v", period)
	}
	if !gains.Valid() {
		return nil, fmt.Errorf("invalid pid gains: %v", gains)
	}
	if antiWindup <= 0 {
		return nil, fmt.Errorf("pid anti-windup factor must be positive, got %g", antiWindup)
	}
	return &Controller{
		gains: gains,
		dt:    float32(period.Seconds()),
		limit: antiWindup * (OutputMax - OutputMin),
	}, nil
}

// Update computes the duty cycle for the filtered measurement.
func (c *Controller) Update(setpoint, measurement float32) float32 {
	e := setpoint - measurement

	p := c.gains.Kp * e

	var d float32
	if c.primed {
		d = -c.gains.Kd * (measurement - c.prevMeas) / c.dt
	}

	i := clamp(c.integral+c.gains.Ki*e*c.dt, -c.limit, c.limit)
	u := p + i + d
	// Freeze the integral while the output is saturated in the direction of the error
	if (u > OutputMax && e > 0) || (u < OutputMin && e < 0) {
		i = c.integral
		u = p + i + d
	}

	c.integral = i
	c.prevError = e
	c.prevMeas = measurement
	c.primed = true
	c.output = clamp(u, OutputMin, OutputMax)
	return c.output
}

// Reset clears the integral and the derivative history. The first update
// after a reset has no derivative kick.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevError = 0
	c.prevMeas = 0
	c.output = 0
	c.primed = false
}

// SetGains swaps gains at runtime and resets accumulated state.
func (c *Controller) SetGains(g Gains) error {
	if !g.Valid() {
		return fmt.Errorf("invalid pid gains: %v", g)
	}
	c.gains = g
	c.Reset()
	return nil
}

// Gains returns the active gains.
func (c *Controller) Gains() Gains { return c.gains }

// IntegralLimit returns the bound on the integral term.
func (c *Controller) IntegralLimit() float32 { return c.limit }

// State returns a copy of the controller state.
func (c *Controller) State() State {
	return State{
		Gains:           c.gains,
		Integral:        c.integral,
		PrevError:       c.prevError,
		PrevMeasurement: c.prevMeas,
		Output:          c.output,
	}
}

func clamp(v, lo, hi float32) float32 {
	if math32.IsNaN(v) {
		return lo
	}
	return math32.Max(lo, math32.Min(hi, v))
}
