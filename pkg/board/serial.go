package board

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/gobrew/pkg/config"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the co-processor link speed.
	DefaultBaudRate = 115200
	// DefaultBufferSize is the initial line buffer size.
	DefaultBufferSize = 64

	maxLineLength = 4096
)

// Field is one telemetry value. Err is set when the board flags the sensor.
type Field struct {
	Value float32
	Err   error
}

// Frame is one telemetry line from the co-processor.
type Frame struct {
	Timestamp   time.Time
	Temperature Field // °C
	Weight      Field // cup scale, g
	Tank        Field // reservoir, g
}

// Serial talks to the I/O co-processor over a serial port.
//
// The board streams one telemetry line per sample period:
//
//	unix_micros,temperature,scale,tank
//
// A field reading "nan", "err" or empty marks that sensor as failed.
// Actuator commands are single lines: "H,<duty>", "P,<0|1>", "V,<0|1>".
//
// Each Read* method waits for a frame it has not returned yet. Every Read*
// method must have a single caller at a time.
type Serial struct {
	port     string
	baudRate int
	bufSize  int
	log      *slog.Logger

	mu        sync.RWMutex
	conn      io.ReadWriteCloser
	connected bool
	frame     Frame
	seq       uint64
	wake      chan struct{}

	wmu sync.Mutex
	cmd []byte

	seenTemperature atomic.Uint64
	seenWeight      atomic.Uint64
	seenTank        atomic.Uint64
}

// NewSerial creates a serial board. Nothing is opened until Connect.
func NewSerial(cfg config.BoardConfig, log *slog.Logger) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if log == nil {
		log = slog.Default()
	}

	return &Serial{
		port:     cfg.Port,
		baudRate: cfg.BaudRate,
		bufSize:  cfg.BufferSize,
		log:      log.With(slog.String("component", "board"), slog.String("port", cfg.Port)),
		cmd:      make([]byte, 0, 16),
	}
}

// Connect opens the serial port and starts reading telemetry.
func (d *Serial) Connect() error {
	d.mu.RLock()
	connected := d.connected
	d.mu.RUnlock()
	if connected {
		return ErrAlreadyConnected
	}

	port, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}
	if err := d.attach(port); err != nil {
		port.Close()
		return err
	}

	d.log.Info("board connected", slog.Int("baud", d.baudRate))
	return nil
}

func (d *Serial) attach(conn io.ReadWriteCloser) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return ErrAlreadyConnected
	}
	d.conn = conn
	d.connected = true
	d.wake = make(chan struct{})

	go d.readLines(conn)
	return nil
}

// Close closes the port. Pending reads return ErrNotConnected.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	conn := d.conn
	d.disconnectLocked()

	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", d.port, err)
	}
	return nil
}

func (d *Serial) disconnectLocked() {
	d.connected = false
	d.conn = nil
	close(d.wake)
}

// IsConnected returns whether the port is open.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Latest returns the most recent telemetry frame.
func (d *Serial) Latest() Frame {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.frame
}

// ReadTemperature returns the boiler temperature from the next frame.
func (d *Serial) ReadTemperature(ctx context.Context) (float32, error) {
	f, err := d.await(ctx, &d.seenTemperature)
	if err != nil {
		return 0, err
	}
	return f.Temperature.Value, f.Temperature.Err
}

// ReadWeight returns the cup scale weight from the next frame.
func (d *Serial) ReadWeight(ctx context.Context) (float32, error) {
	f, err := d.await(ctx, &d.seenWeight)
	if err != nil {
		return 0, err
	}
	return f.Weight.Value, f.Weight.Err
}

// ReadTank returns the reservoir weight from the next frame.
func (d *Serial) ReadTank(ctx context.Context) (float32, error) {
	f, err := d.await(ctx, &d.seenTank)
	if err != nil {
		return 0, err
	}
	return f.Tank.Value, f.Tank.Err
}

func (d *Serial) await(ctx context.Context, seen *atomic.Uint64) (Frame, error) {
	for {
		d.mu.RLock()
		connected, frame, seq, wake := d.connected, d.frame, d.seq, d.wake
		d.mu.RUnlock()

		if !connected {
			return Frame{}, ErrNotConnected
		}
		if seq > seen.Load() {
			seen.Store(seq)
			return frame, nil
		}

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-wake:
		}
	}
}

// DriveHeater sends the heater duty in percent.
func (d *Serial) DriveHeater(duty float32) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	d.cmd = append(d.cmd[:0], 'H', ',')
	d.cmd = strconv.AppendFloat(d.cmd, float64(duty), 'f', 1, 32)
	d.cmd = append(d.cmd, '\n')
	return d.send()
}

// DrivePump switches the pump relay.
func (d *Serial) DrivePump(on bool) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	d.cmd = appendSwitch(d.cmd[:0], 'P', on)
	return d.send()
}

// DriveValve switches the group valve.
func (d *Serial) DriveValve(open bool) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	d.cmd = appendSwitch(d.cmd[:0], 'V', open)
	return d.send()
}

func appendSwitch(b []byte, id byte, on bool) []byte {
	state := byte('0')
	if on {
		state = '1'
	}
	return append(b, id, ',', state, '\n')
}

// send writes d.cmd. Callers hold wmu.
func (d *Serial) send() error {
	d.mu.RLock()
	conn, connected := d.conn, d.connected
	d.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	if _, err := conn.Write(d.cmd); err != nil {
		return fmt.Errorf("%w: send %q: %w", ErrLink, bytes.TrimSpace(d.cmd), err)
	}
	return nil
}

// readLines parses telemetry until the port fails or is closed.
func (d *Serial) readLines(conn io.Reader) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in telemetry reader", slog.Any("panic", r))
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, d.bufSize), maxLineLength)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] == '#' {
			d.log.Debug("board message", slog.String("message", strings.TrimSpace(line[1:])))
			continue
		}

		frame, err := parseLine(line)
		if err != nil {
			d.log.Warn("failed to parse telemetry", slog.String("line", line), slog.Any("error", err))
			continue
		}
		if !d.publish(frame) {
			return
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected && d.conn == conn {
		d.log.Error("board link lost", slog.Any("error", scanner.Err()))
		d.disconnectLocked()
	}
}

func (d *Serial) publish(f Frame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return false
	}
	d.frame = f
	d.seq++
	close(d.wake)
	d.wake = make(chan struct{})
	return true
}

// parseLine parses a telemetry line.
// Format: unix_micros,temperature,scale,tank
// Example: 1700000000000000,93.25,18.4,1210.5
func parseLine(line string) (Frame, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 {
		return Frame{}, fmt.Errorf("invalid line format: expected 4 comma-separated values, got %d", len(parts))
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	f := Frame{Timestamp: time.UnixMicro(micros)}
	if f.Temperature, err = parseField(parts[1]); err != nil {
		return Frame{}, fmt.Errorf("invalid temperature: %w", err)
	}
	if f.Weight, err = parseField(parts[2]); err != nil {
		return Frame{}, fmt.Errorf("invalid scale: %w", err)
	}
	if f.Tank, err = parseField(parts[3]); err != nil {
		return Frame{}, fmt.Errorf("invalid tank: %w", err)
	}
	return f, nil
}

func parseField(s string) (Field, error) {
	switch strings.ToLower(s) {
	case "", "nan", "err":
		return Field{Err: ErrSensor}, nil
	}

	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return Field{}, err
	}
	f := float32(v)
	if math32.IsInf(f, 0) {
		return Field{Err: ErrSensor}, nil
	}
	return Field{Value: f}, nil
}
