package serialport

import "errors"

// Domain-specific errors for serial port operations.
var (
	// ErrNoPortName is returned when Open is called without a device name.
	ErrNoPortName = errors.New("serialport: port name is required")

	// ErrOpenFailed is returned when the driver refuses to open the port.
	ErrOpenFailed = errors.New("serialport: open failed")

	// ErrTimeout is returned by ReadLine when no full line arrived in time.
	// It is an expected, non-fatal condition.
	ErrTimeout = errors.New("serialport: read timeout")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("serialport: port closed")

	// ErrWriteFailed is returned when the driver accepts no bytes.
	ErrWriteFailed = errors.New("serialport: write failed")

	// ErrIO wraps any other driver error.
	ErrIO = errors.New("serialport: i/o error")
)
