package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenPort opens the real serial port at path using the provided options.
// It satisfies PortOpener.
func OpenPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	return port, nil
}

var _ PortOpener = OpenPort
