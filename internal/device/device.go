// Package device runs the lifecycle of a radar module: stop and clear,
// configure and create, activate. It decodes the status register and tracks
// the resulting state. Module variants differ only in their register set.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/register"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// ConfirmTimeout bounds each lifecycle confirmation.
const ConfirmTimeout = 2 * time.Second

// Info is the identification read by Device.Info.
type Info struct {
	Identification uint32 `json:"product_identification"`
	Version        uint32 `json:"product_version"`
	Status         Status `json:"status"`
}

// Device drives one module over one connection. Lifecycle operations are
// serialized; State and LastStatus never block on I/O.
type Device struct {
	variant Variant
	regs    *register.Set
	backend register.Backend

	opMu sync.Mutex

	mu         sync.RWMutex
	state      State
	lastStatus *Status
	closed     bool
}

// New builds a Device for variant on backend. A nil clock selects
// timeutil.RealClock. Close closes backend when it implements io.Closer.
func New(backend register.Backend, variant Variant, clock timeutil.Clock) (*Device, error) {
	regs, err := register.NewSet(backend, clock, variant.Registers...)
	if err != nil {
		return nil, fmt.Errorf("variant %s: %w", variant.Name, err)
	}
	for _, name := range []string{RegMainControl, RegStatus, RegStreamingControl, RegProductID, RegProductVersion} {
		if _, err := regs.Lookup(name); err != nil {
			return nil, fmt.Errorf("variant %s: %w", variant.Name, err)
		}
	}
	return &Device{variant: variant, regs: regs, backend: backend}, nil
}

// Variant returns the module variant.
func (d *Device) Variant() Variant { return d.variant }

// Registers returns the bound register set.
func (d *Device) Registers() *register.Set { return d.regs }

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// LastStatus returns the most recent status register value, if one has been
// read.
func (d *Device) LastStatus() (Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastStatus == nil {
		return 0, false
	}
	return *d.lastStatus, true
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		monitoring.Debugf("device %s: %v -> %v", d.variant.Name, prev, s)
	}
}

func (d *Device) recordStatus(s Status) {
	d.mu.Lock()
	d.lastStatus = &s
	d.mu.Unlock()
}

func (d *Device) begin() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// fault moves to Faulted and returns err.
func (d *Device) fault(err error) error {
	d.setState(Faulted)
	return err
}

// ReadStatus reads the status register once.
func (d *Device) ReadStatus(ctx context.Context) (Status, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.begin(); err != nil {
		return 0, err
	}
	return d.readStatus(ctx)
}

func (d *Device) readStatus(ctx context.Context) (Status, error) {
	v, err := d.regs.Must(RegStatus).Get(ctx)
	if err != nil {
		return 0, err
	}
	s := Status(v)
	d.recordStatus(s)
	return s, nil
}

// awaitStatus polls the status register until ok accepts it. A non-zero
// error mask fails immediately.
func (d *Device) awaitStatus(ctx context.Context, ok func(Status) bool) (Status, error) {
	v, err := d.regs.Must(RegStatus).Poll(ctx, ConfirmTimeout, func(v uint32) (bool, error) {
		s := Status(v)
		d.recordStatus(s)
		if err := s.Err(); err != nil {
			return true, err
		}
		return ok(s), nil
	})
	return Status(v), err
}

func (d *Device) control(ctx context.Context, cmd uint32) error {
	return d.regs.Must(RegMainControl).Set(ctx, int64(cmd))
}

// StopAndClear stops the module, clears its status and waits for the status
// register to read zero. It is valid from any state and ends in Stopped, or
// Faulted with ErrStopTimeout.
func (d *Device) StopAndClear(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.begin(); err != nil {
		return err
	}
	return d.stopAndClear(ctx)
}

func (d *Device) stopAndClear(ctx context.Context) error {
	if err := d.control(ctx, ControlStop); err != nil {
		return d.fault(fmt.Errorf("stop: %w", err))
	}
	if err := d.control(ctx, ControlClear); err != nil {
		return d.fault(fmt.Errorf("clear status: %w", err))
	}
	s, err := d.awaitStatus(ctx, func(s Status) bool { return s == 0 })
	if err != nil {
		return d.fault(confirmError(ErrStopTimeout, s, err))
	}
	d.setState(Stopped)
	return nil
}

// Create applies cfg register by register and creates the service. It
// requires Stopped. An invalid cfg is rejected before any write and leaves
// the state unchanged; any later failure moves the device to Faulted.
func (d *Device) Create(ctx context.Context, cfg ModuleConfig) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.begin(); err != nil {
		return err
	}
	return d.create(ctx, cfg)
}

func (d *Device) create(ctx context.Context, cfg ModuleConfig) error {
	if st := d.State(); st != Stopped {
		return fmt.Errorf("create: %w: %v, want %v", ErrInvalidState, st, Stopped)
	}
	settings, err := cfg.Resolve(d.regs)
	if err != nil {
		return err
	}
	if err := d.apply(ctx, settings); err != nil {
		return d.fault(err)
	}
	if err := d.control(ctx, ControlCreate); err != nil {
		return d.fault(fmt.Errorf("create: %w", err))
	}
	s, err := d.awaitStatus(ctx, Status.Created)
	if err != nil {
		return d.fault(confirmError(ErrCreateTimeout, s, err))
	}
	d.setState(Created)
	return nil
}

func (d *Device) apply(ctx context.Context, settings []Setting) error {
	for _, s := range settings {
		if err := s.Register.Set(ctx, int64(s.Value)); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
		monitoring.Debugf("configured %s = %d", s.Register.Name(), s.Value)
	}
	return nil
}

// Activate starts the created service. It requires Created and ends in
// Activated, or Faulted with ErrActivateTimeout.
func (d *Device) Activate(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.begin(); err != nil {
		return err
	}
	return d.activate(ctx)
}

func (d *Device) activate(ctx context.Context) error {
	if st := d.State(); st != Created {
		return fmt.Errorf("activate: %w: %v, want %v", ErrInvalidState, st, Created)
	}
	if err := d.control(ctx, ControlActivate); err != nil {
		return d.fault(fmt.Errorf("activate: %w", err))
	}
	s, err := d.awaitStatus(ctx, Status.Activated)
	if err != nil {
		return d.fault(confirmError(ErrActivateTimeout, s, err))
	}
	d.setState(Activated)
	return nil
}

// Initialize runs StopAndClear, Create and Activate, stopping at the first
// failure. cfg is validated before anything is written.
func (d *Device) Initialize(ctx context.Context, cfg ModuleConfig) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.begin(); err != nil {
		return err
	}
	if err := cfg.Validate(d.regs); err != nil {
		return err
	}
	if err := d.stopAndClear(ctx); err != nil {
		return err
	}
	if err := d.create(ctx, cfg); err != nil {
		return err
	}
	return d.activate(ctx)
}

// Info enables streaming control and reads identification, version and
// status. The lifecycle state is unchanged.
func (d *Device) Info(ctx context.Context) (Info, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.begin(); err != nil {
		return Info{}, err
	}

	var info Info
	if err := d.regs.Must(RegStreamingControl).Set(ctx, 1); err != nil {
		return info, err
	}
	id, err := d.regs.Must(RegProductID).Get(ctx)
	if err != nil {
		return info, err
	}
	version, err := d.regs.Must(RegProductVersion).Get(ctx)
	if err != nil {
		return info, err
	}
	status, err := d.readStatus(ctx)
	if err != nil {
		return info, err
	}
	info = Info{Identification: id, Version: version, Status: status}
	return info, nil
}

// Close releases the backend. Further operations fail with ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if c, ok := d.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// confirmError maps a failed confirmation onto the lifecycle sentinel while
// keeping the cause reachable through errors.Is.
func confirmError(sentinel error, s Status, err error) error {
	if errors.Is(err, register.ErrPollTimeout) {
		return fmt.Errorf("%w within %v (status 0x%08X: %v)", sentinel, ConfirmTimeout, uint32(s), s)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
