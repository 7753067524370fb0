// Package presence implements the presence detector service of the radar
// module: its register map, default configuration, stream decoding and the
// detection loop.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/presence.report/internal/device"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/transport"
)

// ErrRunning is returned when a detection run is started while one is active.
var ErrRunning = errors.New("detection already running")

// StreamReader yields stream frame bodies. *transport.Transport satisfies it.
type StreamReader interface {
	ReadStream(ctx context.Context) ([]byte, error)
}

// Link is what a Detector needs from the serial connection.
type Link interface {
	StreamReader
	ReadRegister(ctx context.Context, addr uint8) (uint32, error)
	WriteRegister(ctx context.Context, addr uint8, value uint32) error
}

// Detector is a presence service Device plus its stream loop.
type Detector struct {
	dev    *device.Device
	stream StreamReader

	runMu     sync.Mutex
	streaming atomic.Bool
	samples   atomic.Uint64
}

// NewDetector builds a Detector on link. A nil clock selects
// timeutil.RealClock.
func NewDetector(link Link, clock timeutil.Clock) (*Detector, error) {
	dev, err := device.New(link, Variant, clock)
	if err != nil {
		return nil, err
	}
	return &Detector{dev: dev, stream: link}, nil
}

// Device returns the underlying Device.
func (d *Detector) Device() *device.Device { return d.dev }

// Streaming reports whether a detection loop is reading frames.
func (d *Detector) Streaming() bool { return d.streaming.Load() }

// Samples returns the number of samples decoded since the Detector was
// built.
func (d *Detector) Samples() uint64 { return d.samples.Load() }

// State returns the device state, reported as device.Streaming while the
// detection loop runs.
func (d *Detector) State() device.State {
	if d.Streaming() {
		return device.Streaming
	}
	return d.dev.State()
}

// StartDetection runs Initialize and then Stream, holding the detector for
// the whole run.
func (d *Detector) StartDetection(ctx context.Context, cfg device.ModuleConfig, duration time.Duration, onSample func(Sample)) error {
	if !d.runMu.TryLock() {
		return ErrRunning
	}
	defer d.runMu.Unlock()

	if err := d.initialize(ctx, cfg); err != nil {
		return err
	}
	return d.readLoop(ctx, duration, onSample)
}

// Initialize validates cfg (DefaultConfig when nil) and takes the module
// through stop, create and activate. The module is Activated when it
// returns nil.
func (d *Detector) Initialize(ctx context.Context, cfg device.ModuleConfig) error {
	if !d.runMu.TryLock() {
		return ErrRunning
	}
	defer d.runMu.Unlock()
	return d.initialize(ctx, cfg)
}

func (d *Detector) initialize(ctx context.Context, cfg device.ModuleConfig) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	if err := d.dev.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// Stream calls onSample for every decoded frame of an initialized module
// until duration elapses or ctx ends, both of which return nil. A zero
// duration runs until ctx ends. Stream read timeouts are logged and the
// loop continues; framing and decode errors end the run.
func (d *Detector) Stream(ctx context.Context, duration time.Duration, onSample func(Sample)) error {
	if !d.runMu.TryLock() {
		return ErrRunning
	}
	defer d.runMu.Unlock()
	return d.readLoop(ctx, duration, onSample)
}

func (d *Detector) readLoop(ctx context.Context, duration time.Duration, onSample func(Sample)) error {
	if st := d.dev.State(); st != device.Activated {
		return fmt.Errorf("read stream: %w: %v, want %v", device.ErrInvalidState, st, device.Activated)
	}
	runCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	d.streaming.Store(true)
	defer d.streaming.Store(false)

	for {
		body, err := d.stream.ReadStream(runCtx)
		if runCtx.Err() != nil {
			return nil
		}
		if errors.Is(err, transport.ErrTimeout) {
			monitoring.Debugf("presence: no stream frame: %v", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		sample, _, err := Decode(body)
		if err != nil {
			return err
		}
		d.samples.Add(1)
		if onSample != nil {
			onSample(sample)
		}
	}
}

// Stop stops and clears the module. It is safe to call repeatedly.
func (d *Detector) Stop(ctx context.Context) error {
	return d.dev.StopAndClear(ctx)
}

// Close releases the device and its connection.
func (d *Detector) Close() error {
	return d.dev.Close()
}
