// Package board is the hardware boundary of the controller: the serial link
// to the I/O co-processor and a simulated boiler for bench runs.
package board

import (
	"context"
	"errors"
	"fmt"

	"github.com/itohio/gobrew/pkg/actuator"
	"go.bug.st/serial"
)

var (
	// ErrNotConnected is returned by reads and drives on a closed board.
	ErrNotConnected = errors.New("board not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("board already connected")
	// ErrSensor is returned when the board reports a sensor as failed.
	ErrSensor = errors.New("board reported sensor failure")
	// ErrLink wraps failures to deliver an actuator command.
	ErrLink = errors.New("board link failure")
)

// Board is a sensor source and actuator driver (real or simulated).
type Board interface {
	Connect() error
	Close() error
	IsConnected() bool

	ReadTemperature(ctx context.Context) (float32, error)
	ReadWeight(ctx context.Context) (float32, error)
	ReadTank(ctx context.Context) (float32, error)

	actuator.Driver
}

var (
	_ Board = (*Serial)(nil)
	_ Board = (*Sim)(nil)
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}
