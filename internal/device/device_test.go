package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/presence.report/internal/register"
	"github.com/banshee-data/presence.report/internal/simulator"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/transport"
)

const addrMainControl = 0x03

var testVariant = NewVariant("test",
	register.Def{Name: "range_start", Address: 0x20, Access: register.ReadWrite},
)

func newTestDevice(t *testing.T, m *simulator.Module) *Device {
	t.Helper()
	tr := transport.New(m.Port(), time.Second)
	d, err := New(tr, testVariant, timeutil.NewAutoClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestStatus_ErrorMaskOverridesActivated(t *testing.T) {
	s := Status(0x00010002)
	if !s.Activated() {
		t.Error("activated bit should be set")
	}
	if s.Created() {
		t.Error("created bit should be clear")
	}
	if s.ErrorMask() == 0 {
		t.Fatal("error mask should be non-zero")
	}
	err := s.Err()
	if !errors.Is(err, ErrModule) {
		t.Fatalf("Err() = %v, want ErrModule", err)
	}
	if diff := cmp.Diff([]string{"RSS register error"}, s.Errors()); diff != "" {
		t.Errorf("Errors() mismatch (-want +got):\n%s", diff)
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{0, "stopped"},
		{0x1, "created"},
		{0x103, "created, activated, data ready"},
		{0x80000000, "unknown error bit 31"},
		{0x00060001, "created, configuration create error, sensor create error"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(0x%X).String() = %q, want %q", uint32(tt.status), got, tt.want)
		}
	}
	if Status(0x103).Err() != nil {
		t.Error("no error bits should mean no error")
	}
}

func TestNew_RequiresControlRegisters(t *testing.T) {
	v := Variant{Name: "broken", Registers: []register.Def{{Name: RegStatus, Address: 0x06, Access: register.Read}}}
	if _, err := New(nil, v, nil); !errors.Is(err, register.ErrUnknownRegister) {
		t.Errorf("New() error = %v, want ErrUnknownRegister", err)
	}
}

func TestInitialize(t *testing.T) {
	m := simulator.New()
	d := newTestDevice(t, m)

	if d.State() != Unknown {
		t.Fatalf("initial state %v", d.State())
	}
	cfg := ModuleConfig{"range_start": Num(500), RegModeSelection: Named("presence")}
	if err := d.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if d.State() != Activated {
		t.Errorf("state = %v, want activated", d.State())
	}
	if diff := cmp.Diff([]uint32{0, 4, 1, 2}, m.WritesTo(addrMainControl)); diff != "" {
		t.Errorf("main control writes (-want +got):\n%s", diff)
	}
	if got := m.Register(0x02); got != 0x400 {
		t.Errorf("mode_selection = 0x%X, want 0x400", got)
	}
	if got := m.Register(0x20); got != 500 {
		t.Errorf("range_start = %d, want 500", got)
	}
	if s, ok := d.LastStatus(); !ok || !s.Activated() {
		t.Errorf("LastStatus() = %v, %v", s, ok)
	}
}

func TestCreate_WhileActivatedLeavesMainControlAlone(t *testing.T) {
	m := simulator.New()
	d := newTestDevice(t, m)
	ctx := context.Background()

	if err := d.Initialize(ctx, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := len(m.WritesTo(addrMainControl))

	err := d.Create(ctx, ModuleConfig{"range_start": Num(1)})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Create() error = %v, want ErrInvalidState", err)
	}
	if after := len(m.WritesTo(addrMainControl)); after != before {
		t.Errorf("main control written %d more times", after-before)
	}
	if len(m.WritesTo(0x20)) != 0 {
		t.Error("config applied despite precondition failure")
	}
	if d.State() != Activated {
		t.Errorf("state = %v, want activated", d.State())
	}
}

func TestActivate_RequiresCreated(t *testing.T) {
	m := simulator.New()
	d := newTestDevice(t, m)
	ctx := context.Background()

	if err := d.StopAndClear(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Activate(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Activate() error = %v, want ErrInvalidState", err)
	}
	if d.State() != Stopped {
		t.Errorf("state = %v, want stopped", d.State())
	}
}

func TestCreate_Timeout(t *testing.T) {
	m := simulator.New()
	m.FailCreate()
	d := newTestDevice(t, m)

	err := d.Initialize(context.Background(), nil)
	if !errors.Is(err, ErrCreateTimeout) {
		t.Fatalf("Initialize() error = %v, want ErrCreateTimeout", err)
	}
	if d.State() != Faulted {
		t.Errorf("state = %v, want faulted", d.State())
	}
	if got := m.WritesTo(addrMainControl); len(got) != 3 {
		t.Errorf("activate attempted after failed create: %v", got)
	}
}

func TestActivate_ErrorBitsFailEvenWhenActivated(t *testing.T) {
	m := simulator.New()
	m.InjectActivateError(1 << 19)
	d := newTestDevice(t, m)

	err := d.Initialize(context.Background(), nil)
	if !errors.Is(err, ErrActivateTimeout) || !errors.Is(err, ErrModule) {
		t.Fatalf("Initialize() error = %v, want ErrActivateTimeout wrapping ErrModule", err)
	}
	if !m.Activated() {
		t.Fatal("simulator should report activated")
	}
	if d.State() != Faulted {
		t.Errorf("state = %v, want faulted", d.State())
	}
}

func TestStopAndClear_Timeout(t *testing.T) {
	m := simulator.New()
	m.SetStatus(0x3)
	m.FailStop()
	d := newTestDevice(t, m)

	err := d.StopAndClear(context.Background())
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("StopAndClear() error = %v, want ErrStopTimeout", err)
	}
	if d.State() != Faulted {
		t.Errorf("state = %v, want faulted", d.State())
	}
}

func TestStopAndClear_RecoversFromFault(t *testing.T) {
	m := simulator.New()
	m.FailActivate()
	d := newTestDevice(t, m)
	ctx := context.Background()

	if err := d.Initialize(ctx, nil); err == nil {
		t.Fatal("expected activation failure")
	}
	if err := d.StopAndClear(ctx); err != nil {
		t.Fatalf("StopAndClear: %v", err)
	}
	if d.State() != Stopped {
		t.Errorf("state = %v, want stopped", d.State())
	}
}

func TestInitialize_InvalidConfigTouchesNothing(t *testing.T) {
	tests := []struct {
		name string
		cfg  ModuleConfig
	}{
		{"unknown register", ModuleConfig{"range_end": Num(1)}},
		{"unknown name", ModuleConfig{RegModeSelection: Named("sonar")}},
		{"not in enumeration", ModuleConfig{RegModeSelection: Num(7)}},
		{"read only", ModuleConfig{RegStatus: Num(1)}},
		{"out of range", ModuleConfig{"range_start": Num(-5)}},
		{"name for plain register", ModuleConfig{"range_start": Named("presence")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := simulator.New()
			d := newTestDevice(t, m)

			err := d.Initialize(context.Background(), tt.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Initialize() error = %v, want ErrInvalidConfig", err)
			}
			if w := m.Writes(); len(w) != 0 {
				t.Errorf("writes issued: %v", w)
			}
			if d.State() != Unknown {
				t.Errorf("state = %v, want unknown", d.State())
			}
		})
	}
}

func TestCreate_UnconfirmedConfigWriteFaults(t *testing.T) {
	m := simulator.New()
	m.NeverConfirm(0x20)
	d := newTestDevice(t, m)

	err := d.Initialize(context.Background(), ModuleConfig{"range_start": Num(500)})
	if !errors.Is(err, register.ErrUnconfirmedWrite) {
		t.Fatalf("Initialize() error = %v, want ErrUnconfirmedWrite", err)
	}
	if d.State() != Faulted {
		t.Errorf("state = %v, want faulted", d.State())
	}
	if got := m.WritesTo(addrMainControl); len(got) != 2 {
		t.Errorf("create issued after failed configuration: %v", got)
	}
}

func TestInfo(t *testing.T) {
	m := simulator.New()
	d := newTestDevice(t, m)

	info, err := d.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	want := Info{Identification: simulator.DefaultProductID, Version: simulator.DefaultVersion}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Info mismatch (-want +got):\n%s", diff)
	}
	if got := m.WritesTo(0x05); len(got) != 1 || got[0] != 1 {
		t.Errorf("streaming control writes = %v", got)
	}
	if d.State() != Unknown {
		t.Errorf("Info changed state to %v", d.State())
	}
}

func TestClose(t *testing.T) {
	m := simulator.New()
	d := newTestDevice(t, m)

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !m.Port().Closed() {
		t.Error("port left open")
	}
	if err := d.StopAndClear(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("StopAndClear after Close = %v, want ErrClosed", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
