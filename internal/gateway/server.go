// Package gateway publishes presence samples to many websocket clients and
// lets those clients drive the radar module. All state lives on a Server:
// the consumer set and at most one open module session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/presence.report/internal/device"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/transport"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyOpen    = errors.New("serial port already open")
	ErrBusy           = errors.New("detector is running")
	ErrBadMessage     = errors.New("malformed message")
	ErrUnknownCommand = errors.New("unknown command")
)

// recentSamples is how many samples the server keeps for Recent.
const recentSamples = 512

// Display receives every sample with a one line status.
type Display interface {
	Show(sample presence.Sample, status string)
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(sample presence.Sample, status string)

func (f DisplayFunc) Show(sample presence.Sample, status string) { f(sample, status) }

// SampleRecorder persists detection runs.
type SampleRecorder interface {
	StartRun(ctx context.Context, port string, cfg device.ModuleConfig) (string, error)
	RecordSample(ctx context.Context, runID string, rec presence.TimedSample) error
	FinishRun(ctx context.Context, runID string, samples int, runErr error) error
}

// Options configures a Server. Only Opener is required.
type Options struct {
	Opener   transport.PortOpener
	Clock    timeutil.Clock
	Display  Display
	Recorder SampleRecorder

	// Config is used when startDetector carries no config. Nil selects
	// presence.DefaultConfig.
	Config device.ModuleConfig
}

// session is one open serial connection and its detector.
type session struct {
	port string
	det  *presence.Detector

	cancel  context.CancelFunc
	done    chan struct{}
	closing bool
}

func (s *session) running() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Server routes client messages to the module and fans samples out.
type Server struct {
	opts        Options
	broadcaster *Broadcaster

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *session

	recentMu sync.Mutex
	recent   []presence.TimedSample
}

// NewServer returns a Server with no open session.
func NewServer(opts Options) *Server {
	if opts.Opener == nil {
		opts.Opener = transport.OpenPort
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:        opts,
		broadcaster: NewBroadcaster(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Broadcaster returns the consumer set.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Detector returns the detector of the open session, or nil.
func (s *Server) Detector() *presence.Detector {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.active(); sess != nil {
		return sess.det
	}
	return nil
}

// active returns the open session unless it is closing. Callers hold s.mu.
func (s *Server) active() *session {
	if s.session == nil || s.session.closing {
		return nil
	}
	return s.session
}

// Handle processes one client message and replies to c only.
func (s *Server) Handle(ctx context.Context, c Consumer, raw []byte) {
	reply, err := s.dispatch(ctx, c, raw)
	if err != nil {
		monitoring.Logf("client %s: %v", c.ID(), err)
		reply = EncodeError(err)
	}
	if err := c.Send(reply); err != nil {
		monitoring.Debugf("reply to %s: %v", c.ID(), err)
	}
}

func (s *Server) dispatch(ctx context.Context, c Consumer, raw []byte) ([]byte, error) {
	in, err := ParseInbound(raw)
	if err != nil {
		return nil, err
	}
	if in.Req != "" {
		switch in.Req {
		case ReqStatus:
			return s.status(), nil
		default:
			return nil, fmt.Errorf("%w: request %q", ErrUnknownCommand, in.Req)
		}
	}

	switch in.Cmd {
	case CmdOpenSerial:
		var data OpenSerialData
		if err := in.decodeData(&data); err != nil {
			return nil, err
		}
		if err := s.OpenSerial(data); err != nil {
			return nil, err
		}
		return EncodeAck(fmt.Sprintf("serial port %s opened", data.Port)), nil

	case CmdStartDetector:
		var data StartDetectorData
		if err := in.decodeData(&data); err != nil {
			return nil, err
		}
		if data.Duration < 0 {
			return nil, fmt.Errorf("%w: negative duration", ErrBadMessage)
		}
		dur := time.Duration(data.Duration * float64(time.Second))
		if err := s.StartDetector(c, data.Config, dur); err != nil {
			return nil, err
		}
		return EncodeAck("detector started"), nil

	case CmdStopDetector:
		if err := s.StopDetector(ctx); err != nil {
			return nil, err
		}
		return EncodeAck("detector stopped"), nil

	case CmdGetInfo:
		info, err := s.Info(ctx)
		if err != nil {
			return nil, err
		}
		return EncodeInfo(info), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, in.Cmd)
}

// OpenSerial opens the named port and builds a detector on it.
func (s *Server) OpenSerial(data OpenSerialData) error {
	opts, err := data.PortOptions()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, s.session.port)
	}

	port, err := s.opts.Opener(data.Port, opts)
	if err != nil {
		return err
	}
	det, err := presence.NewDetector(transport.New(port, opts.Timeout), s.opts.Clock)
	if err != nil {
		port.Close()
		return err
	}
	s.session = &session{port: data.Port, det: det}
	monitoring.Logf("opened %s at %d baud (rtscts=%v, timeout %v)", data.Port, opts.BaudRate, opts.FlowControl(), opts.Timeout)
	return nil
}

// StartDetector validates cfg and initializes the module before returning,
// then reads the stream in the background. Failures after that are logged
// and reported to requester only.
func (s *Server) StartDetector(requester Consumer, cfg device.ModuleConfig, duration time.Duration) error {
	if cfg == nil {
		cfg = s.opts.Config
	}
	if cfg == nil {
		cfg = presence.DefaultConfig()
	}
	if err := presence.ValidateConfig(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	sess := s.active()
	if sess == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if sess.running() {
		s.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	sess.cancel = cancel
	sess.done = done
	s.mu.Unlock()

	// StopDetector may cancel ctx while the module is initializing.
	cfg = cfg.Clone()
	if err := sess.det.Initialize(ctx, cfg); err != nil {
		cancel()
		close(done)
		monitoring.Logf("detection on %s not started: %v", sess.port, err)
		return err
	}
	go s.run(ctx, sess, requester, cfg, duration)
	return nil
}

func (s *Server) run(ctx context.Context, sess *session, requester Consumer, cfg device.ModuleConfig, duration time.Duration) {
	defer close(sess.done)

	var runID string
	if rec := s.opts.Recorder; rec != nil {
		id, err := rec.StartRun(ctx, sess.port, cfg)
		if err != nil {
			monitoring.Logf("recording disabled for this run: %v", err)
		}
		runID = id
	}

	count := 0
	err := sess.det.Stream(ctx, duration, func(sample presence.Sample) {
		count++
		s.publish(ctx, runID, sample)
	})

	if rec := s.opts.Recorder; rec != nil && runID != "" {
		// the run context may already be cancelled
		if ferr := rec.FinishRun(context.Background(), runID, count, err); ferr != nil {
			monitoring.Logf("finish run %s: %v", runID, ferr)
		}
	}
	if err != nil {
		monitoring.Logf("detection on %s ended: %v", sess.port, err)
		if requester != nil {
			requester.Send(EncodeError(fmt.Errorf("detection ended: %w", err)))
		}
		return
	}
	monitoring.Logf("detection on %s finished after %d samples", sess.port, count)
}

func (s *Server) publish(ctx context.Context, runID string, sample presence.Sample) {
	rec := presence.TimedSample{Time: s.opts.Clock.Now(), Sample: sample}
	s.remember(rec)

	s.broadcaster.Broadcast(EncodeSample(sample))
	if s.opts.Display != nil {
		s.opts.Display.Show(sample, StatusLine(sample))
	}
	if s.opts.Recorder != nil && runID != "" {
		if err := s.opts.Recorder.RecordSample(ctx, runID, rec); err != nil {
			monitoring.Debugf("record sample: %v", err)
		}
	}
}

func (s *Server) remember(rec presence.TimedSample) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	s.recent = append(s.recent, rec)
	if len(s.recent) > recentSamples {
		s.recent = append(s.recent[:0], s.recent[len(s.recent)-recentSamples:]...)
	}
}

// Recent returns up to limit of the latest samples, oldest first.
func (s *Server) Recent(_ context.Context, limit int) ([]presence.TimedSample, error) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	n := len(s.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]presence.TimedSample, n)
	copy(out, s.recent[len(s.recent)-n:])
	return out, nil
}

// StatusLine is the display text for a sample.
func StatusLine(sample presence.Sample) string {
	if !sample.Presence {
		return "no presence"
	}
	return fmt.Sprintf("presence at %.2f m", sample.Distance)
}

// StopDetector cancels any run, stops and clears the module and closes the
// session. The run is observed to end within one stream read timeout. The
// port stays claimed until it is closed, so openSerial is refused meanwhile.
func (s *Server) StopDetector(ctx context.Context) error {
	s.mu.Lock()
	sess := s.active()
	if sess != nil {
		sess.closing = true
	}
	s.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	err := s.teardown(ctx, sess)
	s.release(sess)
	return err
}

func (s *Server) release(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == sess {
		s.session = nil
	}
}

func (s *Server) teardown(ctx context.Context, sess *session) error {
	if sess.cancel != nil {
		sess.cancel()
		<-sess.done
	}
	stopErr := sess.det.Stop(ctx)
	if err := sess.det.Close(); err != nil {
		monitoring.Logf("close %s: %v", sess.port, err)
	}
	monitoring.Logf("closed %s", sess.port)
	return stopErr
}

// Info reads module identification. It is refused while a run is active.
func (s *Server) Info(ctx context.Context) (device.Info, error) {
	s.mu.Lock()
	sess := s.active()
	busy := sess != nil && sess.running()
	s.mu.Unlock()
	switch {
	case sess == nil:
		return device.Info{}, ErrNotConnected
	case busy:
		return device.Info{}, ErrBusy
	}
	return sess.det.Device().Info(ctx)
}

// Status describes the session without any I/O.
func (s *Server) Status() (*uint32, string) {
	det := s.Detector()
	if det == nil {
		return nil, ErrNotConnected.Error()
	}
	state := det.State()
	st, ok := det.Device().LastStatus()
	if !ok {
		return nil, state.String()
	}
	v := uint32(st)
	return &v, fmt.Sprintf("%s: %s", state, st)
}

func (s *Server) status() []byte {
	return EncodeStatus(s.Status())
}

// Close stops any session and disconnects every client.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	sess := s.active()
	if sess != nil {
		sess.closing = true
	}
	s.mu.Unlock()

	var err error
	if sess != nil {
		err = s.teardown(ctx, sess)
		s.release(sess)
	}
	for _, c := range s.broadcaster.snapshot() {
		if s.broadcaster.Remove(c.ID()) {
			c.Close()
		}
	}
	return err
}

// Handler returns the websocket endpoint mounted at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	return mux
}

type gatewayState struct {
	Version   string   `json:"version"`
	Port      string   `json:"port,omitempty"`
	State     string   `json:"state"`
	Status    *uint32  `json:"status"`
	StatusDef string   `json:"status_def"`
	Samples   uint64   `json:"samples"`
	Consumers []string `json:"consumers"`
}

// AttachDebugRoutes mounts gateway inspection pages under /debug/.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("gateway", "Gateway session and connected clients", s.serveState)
	debug.HandleFunc("registers", "Read every readable module register", s.serveRegisters)
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	st := gatewayState{
		Version:   version.String(),
		State:     ErrNotConnected.Error(),
		Consumers: s.broadcaster.IDs(),
	}
	st.Status, st.StatusDef = s.Status()
	s.mu.Lock()
	if sess := s.active(); sess != nil {
		st.Port = sess.port
		st.State = sess.det.State().String()
		st.Samples = sess.det.Samples()
	}
	s.mu.Unlock()
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) serveRegisters(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.active()
	busy := sess != nil && sess.running()
	s.mu.Unlock()
	if sess == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "%v", ErrNotConnected)
		return
	}
	if busy {
		httputil.WriteJSONError(w, http.StatusConflict, "%v", ErrBusy)
		return
	}
	values := make(map[string]uint32)
	for _, reg := range sess.det.Device().Registers().All() {
		if !reg.Access().Readable() {
			continue
		}
		v, err := reg.Get(r.Context())
		if err != nil {
			httputil.WriteJSONError(w, http.StatusBadGateway, "%v", err)
			return
		}
		values[reg.Name()] = v
	}
	httputil.WriteJSON(w, http.StatusOK, values)
}
