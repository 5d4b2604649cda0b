package serialmux

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialPorter is the byte stream a SerialMux drives. Real ports come from
// go.bug.st/serial; tests use TestableSerialPort.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is implemented by ports whose reads can be bounded.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens the port at path with opts.
type Opener func(path string, opts PortOptions) (SerialPorter, error)

// OpenHardware is the Opener for physical ports.
func OpenHardware(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// Open opens path through open, or OpenHardware when open is nil, and wraps
// the port in a SerialMux.
func Open(path string, opts PortOptions, open Opener) (*SerialMux[SerialPorter], error) {
	if open == nil {
		open = OpenHardware
	}
	if _, err := opts.Normalize(); err != nil {
		return nil, err
	}
	port, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
