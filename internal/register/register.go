// Package register provides typed accessors for the module's register map.
// A Register knows its address, access rights and optional enumeration, and
// confirms writes by reading the value back.
package register

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/presence.report/internal/timeutil"
)

const (
	// MaxValue is the largest value a 32-bit register holds.
	MaxValue = math.MaxUint32

	// PollInterval is the delay between confirmation reads.
	PollInterval = 100 * time.Millisecond

	// ConfirmTimeout bounds write confirmation.
	ConfirmTimeout = 2 * time.Second
)

var (
	ErrNotReadable      = errors.New("register is not readable")
	ErrNotWritable      = errors.New("register is not writable")
	ErrInvalidValue     = errors.New("value is not in the register enumeration")
	ErrOutOfRange       = errors.New("value out of range")
	ErrUnconfirmedWrite = errors.New("write sent but not confirmed")
	ErrPollTimeout      = errors.New("poll deadline elapsed")
	ErrNoEnumeration    = errors.New("register has no enumeration")
	ErrUnknownName      = errors.New("no enumeration mapping")
	ErrUnknownRegister  = errors.New("unknown register")
)

// Access describes which operations a register permits.
type Access uint8

const (
	Read Access = 1 << iota
	Write

	ReadWrite = Read | Write
)

func (a Access) String() string {
	switch a {
	case Read:
		return "r"
	case Write:
		return "w"
	case ReadWrite:
		return "rw"
	default:
		return "none"
	}
}

// Readable reports whether reads are permitted.
func (a Access) Readable() bool { return a&Read != 0 }

// Writable reports whether writes are permitted.
func (a Access) Writable() bool { return a&Write != 0 }

// Backend performs the raw register I/O. *transport.Transport satisfies it.
type Backend interface {
	ReadRegister(ctx context.Context, addr uint8) (uint32, error)
	WriteRegister(ctx context.Context, addr uint8, value uint32) error
}

// Def describes one register of a module variant.
type Def struct {
	Name    string
	Address uint8
	Access  Access
	Enum    *Enumeration
}

// Register is a Def bound to a backend.
type Register struct {
	def     Def
	backend Backend
	clock   timeutil.Clock
}

// Name returns the register name.
func (r *Register) Name() string { return r.def.Name }

// Address returns the register address.
func (r *Register) Address() uint8 { return r.def.Address }

// Access returns the register access rights.
func (r *Register) Access() Access { return r.def.Access }

// Enum returns the bound enumeration, or nil.
func (r *Register) Enum() *Enumeration { return r.def.Enum }

func (r *Register) String() string {
	return fmt.Sprintf("%s(0x%02X)", r.def.Name, r.def.Address)
}

func (r *Register) errorf(err error) error {
	return fmt.Errorf("%s: %w", r.def.Name, err)
}

// Get performs a single read. Zero is returned as-is.
func (r *Register) Get(ctx context.Context) (uint32, error) {
	if !r.def.Access.Readable() {
		return 0, r.errorf(ErrNotReadable)
	}
	v, err := r.backend.ReadRegister(ctx, r.def.Address)
	if err != nil {
		return 0, r.errorf(err)
	}
	return v, nil
}

// Poll reads the register every PollInterval until done reports true, done
// returns an error, or timeout elapses (ErrPollTimeout). The last value read
// is returned in every case.
func (r *Register) Poll(ctx context.Context, timeout time.Duration, done func(uint32) (bool, error)) (uint32, error) {
	start := r.clock.Now()
	for {
		v, err := r.Get(ctx)
		if err != nil {
			return v, err
		}
		ok, err := done(v)
		if err != nil {
			return v, err
		}
		if ok {
			return v, nil
		}
		if r.clock.Since(start) >= timeout {
			return v, fmt.Errorf("%s: %w after %v (last value 0x%08X)", r.def.Name, ErrPollTimeout, timeout, v)
		}
		if err := timeutil.Sleep(ctx, r.clock, PollInterval); err != nil {
			return v, err
		}
	}
}

// ReadUntil polls until the register reads want.
func (r *Register) ReadUntil(ctx context.Context, want uint32, timeout time.Duration) error {
	_, err := r.Poll(ctx, timeout, func(v uint32) (bool, error) { return v == want, nil })
	return err
}

// Check validates v against the register contract without any I/O.
func (r *Register) Check(v int64) error {
	if !r.def.Access.Writable() {
		return r.errorf(ErrNotWritable)
	}
	if r.def.Enum != nil && !r.def.Enum.Contains(v) {
		return fmt.Errorf("%s: %w: %d", r.def.Name, ErrInvalidValue, v)
	}
	if v < 0 || v > MaxValue {
		return fmt.Errorf("%s: %w: %d", r.def.Name, ErrOutOfRange, v)
	}
	return nil
}

// Set writes v and confirms it landed. Readable registers are read back until
// they equal v or ConfirmTimeout elapses, which yields ErrUnconfirmedWrite.
// Write-only registers are confirmed by the acknowledgment alone.
func (r *Register) Set(ctx context.Context, v int64) error {
	if err := r.Check(v); err != nil {
		return err
	}
	want := uint32(v)
	if err := r.backend.WriteRegister(ctx, r.def.Address, want); err != nil {
		return r.errorf(err)
	}
	if !r.def.Access.Readable() {
		return nil
	}
	err := r.ReadUntil(ctx, want, ConfirmTimeout)
	if errors.Is(err, ErrPollTimeout) {
		return fmt.Errorf("%s: %w: wrote %d", r.def.Name, ErrUnconfirmedWrite, want)
	}
	return err
}

// SetByName writes the enumeration value bound to name.
func (r *Register) SetByName(ctx context.Context, name string) error {
	v, err := r.Lookup(name)
	if err != nil {
		return err
	}
	return r.Set(ctx, int64(v))
}

// Lookup translates name through the enumeration without I/O.
func (r *Register) Lookup(name string) (uint32, error) {
	if r.def.Enum == nil {
		return 0, r.errorf(ErrNoEnumeration)
	}
	v, ok := r.def.Enum.Value(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w for %q", r.def.Name, ErrUnknownName, name)
	}
	return v, nil
}

// GetName reads the register and translates the value through the
// enumeration.
func (r *Register) GetName(ctx context.Context) (string, error) {
	if r.def.Enum == nil {
		return "", r.errorf(ErrNoEnumeration)
	}
	v, err := r.Get(ctx)
	if err != nil {
		return "", err
	}
	name, ok := r.def.Enum.Name(v)
	if !ok {
		return "", fmt.Errorf("%s: %w for value %d", r.def.Name, ErrUnknownName, v)
	}
	return name, nil
}
