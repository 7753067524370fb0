package device

import "errors"

// State is the lifecycle state of a Device.
type State int

const (
	Unknown State = iota
	Stopped
	Created
	Activated
	Faulted

	// Streaming labels an Activated device whose stream is being read. The
	// Device itself never enters it; callers report it.
	Streaming
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Stopped:
		return "stopped"
	case Created:
		return "created"
	case Activated:
		return "activated"
	case Faulted:
		return "faulted"
	case Streaming:
		return "streaming"
	default:
		return "invalid"
	}
}

var (
	ErrInvalidState    = errors.New("invalid device state")
	ErrInvalidConfig   = errors.New("invalid module configuration")
	ErrStopTimeout     = errors.New("module did not stop")
	ErrCreateTimeout   = errors.New("module was not created")
	ErrActivateTimeout = errors.New("module was not activated")
	ErrModule          = errors.New("module reported an error")
	ErrClosed          = errors.New("device closed")
)
