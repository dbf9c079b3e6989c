// Package sensor implements the acquisition pipeline: periodic reads from
// the sensor drivers, range checks, filtering and staleness tracking.
package sensor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is reported when a driver read exceeds its maximum wait.
	ErrTimeout = errors.New("sensor read timed out")
	// ErrOutOfRange is reported for physically implausible values.
	ErrOutOfRange = errors.New("sensor value out of range")
	// ErrStale is reported when a channel has produced no valid sample within its timeout.
	ErrStale = errors.New("sensor channel stale")
	// ErrNoReading is reported before a channel produced its first valid sample.
	ErrNoReading = errors.New("no valid sensor reading")
)

// Kind identifies the physical quantity of a channel.
type Kind uint8

const (
	KindTemperature Kind = iota // °C
	KindWeight                  // grams
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindWeight:
		return "weight"
	default:
		return "unknown"
	}
}

// Sample is a single raw acquisition result. It is immutable once produced.
type Sample struct {
	Kind      Kind
	Value     float32
	Timestamp time.Time
	Valid     bool
	Err       error // Why the sample is invalid
}

// Reading is the filtered output of a channel. Value holds the last known
// good filtered value; invalid samples never change it.
type Reading struct {
	Kind      Kind
	Value     float32   // Filtered last-known-good value
	Raw       float32   // Last raw value, valid or not
	Timestamp time.Time // Time of the last acquisition attempt
	LastValid time.Time // Time of the last valid sample
	Valid     bool      // At least one valid sample was seen
	Stale     bool      // No valid sample within the staleness timeout
	Err       error     // Error of the last acquisition attempt
	Seq       uint64    // Acquisition counter
}

// Fresh reports whether the reading can feed control math at now.
// A reading that stops being updated goes stale here even if the producing
// task never ran again.
func (r Reading) Fresh(now time.Time, timeout time.Duration) bool {
	return r.Valid && !r.Stale && now.Sub(r.LastValid) <= timeout
}

// Problem returns the sensor error that makes the reading unusable at now, or nil.
func (r Reading) Problem(now time.Time, timeout time.Duration) error {
	switch {
	case !r.Valid:
		return ErrNoReading
	case r.Stale || now.Sub(r.LastValid) > timeout:
		return ErrStale
	}
	return nil
}

// Reader is the sensor driver boundary. Implementations must honor ctx
// cancellation so that a read never blocks past its deadline.
type Reader interface {
	Read(ctx context.Context) (float32, error)
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(ctx context.Context) (float32, error)

// Read calls f.
func (f ReaderFunc) Read(ctx context.Context) (float32, error) { return f(ctx) }
