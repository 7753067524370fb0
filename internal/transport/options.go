package transport

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Defaults for the module UART.
const (
	DefaultBaudRate = 115200
	DefaultTimeout  = 2 * time.Second
)

// PortOptions describes the serial connection parameters used when opening a
// real serial port. JSON names follow the gateway openSerial command.
type PortOptions struct {
	BaudRate int           `json:"baudrate" toml:"baudrate"`
	DataBits int           `json:"data_bits" toml:"data_bits"`
	StopBits int           `json:"stop_bits" toml:"stop_bits"`
	Parity   string        `json:"parity" toml:"parity"`
	RTSCTS   *bool         `json:"rtscts" toml:"rtscts"`
	Timeout  time.Duration `json:"-" toml:"-"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate < 0 {
		return opts, fmt.Errorf("invalid baud rate %d", opts.BaudRate)
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	opts.Parity = parity

	if opts.RTSCTS == nil {
		on := true
		opts.RTSCTS = &on
	}

	if opts.Timeout < 0 {
		return opts, fmt.Errorf("invalid timeout %v", opts.Timeout)
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	return opts, nil
}

// FlowControl reports whether RTS/CTS flow control is requested.
func (o PortOptions) FlowControl() bool {
	return o.RTSCTS == nil || *o.RTSCTS
}

// SerialMode converts the port options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}

	// go.bug.st/serial has no hardware handshake setting; asserting RTS at
	// open is what the module needs to start talking.
	if opts.FlowControl() {
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}

	return mode, nil
}
