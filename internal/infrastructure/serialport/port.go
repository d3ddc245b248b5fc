package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Line framing limits.
const (
	// DefaultBaudRate is the rate the Diskovery controller is fixed at.
	DefaultBaudRate = 115200

	// MaxLineLength bounds a buffered line. A longer run of bytes without a
	// newline is handed back as-is so the caller can reject it as malformed.
	MaxLineLength = 512

	readChunkSize = 256
)

// portHandle is the subset of serial.Port used here. Tests substitute a fake.
type portHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Overridable for tests.
var (
	openPort = func(name string, mode *serial.Mode) (portHandle, error) {
		return serial.Open(name, mode)
	}
	getPortsList = serial.GetPortsList
)

// Config describes how to open a port.
type Config struct {
	// Name is the OS device name, e.g. "/dev/ttyUSB0" or "COM3".
	Name string

	// BaudRate defaults to DefaultBaudRate when zero.
	BaudRate int
}

// Port is a line-oriented serial connection.
//
// Framing: lines are terminated by '\n'; a preceding '\r' is stripped.
// Hardware handshaking is left off and writes go out as one buffer, so
// there is no inter-character delay.
//
// Thread Safety:
//   - Read-side methods (ReadLine, Purge) must not be called concurrently
//     with each other. The caller serialises them.
//   - Write may run concurrently with ReadLine.
//   - Close may be called from any goroutine and unblocks a pending read.
type Port struct {
	name    string
	handle  portHandle
	pending []byte
	chunk   []byte

	closed    atomic.Bool
	closeOnce sync.Once

	bytesRx atomic.Uint64
	bytesTx atomic.Uint64
	linesRx atomic.Uint64
}

// Stats contains port counters.
type Stats struct {
	BytesRx uint64
	BytesTx uint64
	LinesRx uint64
}

// Open opens the named port at 8N1 with the configured baud rate.
//
// Parameters:
//   - cfg: Port name and baud rate
//
// Returns:
//   - *Port: Open port ready for ReadLine/Write
//   - error: ErrNoPortName, or the wrapped driver error
func Open(cfg Config) (*Port, error) {
	if cfg.Name == "" {
		return nil, ErrNoPortName
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	h, err := openPort(cfg.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, cfg.Name, err)
	}

	return newPort(cfg.Name, h), nil
}

func newPort(name string, h portHandle) *Port {
	return &Port{
		name:    name,
		handle:  h,
		pending: make([]byte, 0, MaxLineLength),
		chunk:   make([]byte, readChunkSize),
	}
}

// Name returns the OS device name.
func (p *Port) Name() string {
	return p.name
}

// ReadLine returns the next complete line without its terminator.
//
// It blocks for at most timeout. Bytes that arrive after the returned
// line are kept for the next call.
//
// Returns:
//   - string: Line content with "\r\n" stripped
//   - error: ErrTimeout if no full line arrived in time, ErrClosed after
//     Close, or the wrapped driver error
func (p *Port) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		if p.closed.Load() {
			return "", ErrClosed
		}

		if line, ok := p.takeLine(); ok {
			p.linesRx.Add(1)
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}

		if err := p.handle.SetReadTimeout(remaining); err != nil {
			return "", p.mapError(err)
		}

		n, err := p.handle.Read(p.chunk)
		if err != nil {
			return "", p.mapError(err)
		}
		if n == 0 {
			// go.bug.st/serial reports an expired read timeout as (0, nil).
			continue
		}
		p.bytesRx.Add(uint64(n))
		p.pending = append(p.pending, p.chunk[:n]...)
	}
}

// takeLine pops one line from the pending buffer.
func (p *Port) takeLine() (string, bool) {
	idx := bytes.IndexByte(p.pending, '\n')
	if idx < 0 {
		if len(p.pending) >= MaxLineLength {
			line := string(p.pending)
			p.pending = p.pending[:0]
			return line, true
		}
		return "", false
	}

	line := string(bytes.TrimRight(p.pending[:idx], "\r"))
	rest := copy(p.pending, p.pending[idx+1:])
	p.pending = p.pending[:rest]
	return line, true
}

// Write sends p as a single buffer.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	written := 0
	for written < len(data) {
		n, err := p.handle.Write(data[written:])
		written += n
		p.bytesTx.Add(uint64(n))
		if err != nil {
			return written, p.mapError(err)
		}
		if n == 0 {
			return written, fmt.Errorf("%w: short write", ErrWriteFailed)
		}
	}
	return written, nil
}

// Purge discards buffered input, both in the driver and locally.
func (p *Port) Purge() error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.pending = p.pending[:0]
	if err := p.handle.ResetInputBuffer(); err != nil {
		return p.mapError(err)
	}
	return nil
}

// Close releases the port. Safe to call more than once.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		err = p.handle.Close()
	})
	return err
}

// Stats returns a snapshot of port counters.
func (p *Port) Stats() Stats {
	return Stats{
		BytesRx: p.bytesRx.Load(),
		BytesTx: p.bytesTx.Load(),
		LinesRx: p.linesRx.Load(),
	}
}

// mapError folds driver errors into this package's sentinels.
func (p *Port) mapError(err error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if isPortClosed(err) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, p.name, err)
}

// isPortClosed reports whether the driver says the port is gone. The driver
// returns *PortError on unix and PortError values elsewhere.
func isPortClosed(err error) bool {
	var ptr *serial.PortError
	if errors.As(err, &ptr) {
		return ptr.Code() == serial.PortClosed
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code() == serial.PortClosed
	}
	return false
}

// ListPorts returns the serial devices the OS currently reports.
func ListPorts() ([]string, error) {
	ports, err := getPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return ports, nil
}
