package transport

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// Ports implementing it have their read timeout set to the poll interval of
// the transport reader so that Close is observed promptly.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// PortOpener opens a serial port at path with the given options. It is
// injected wherever ports are opened so tests and dev mode can substitute a
// simulated module.
type PortOpener func(path string, opts PortOptions) (SerialPorter, error)
