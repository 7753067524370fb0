// Package monitor serves charts and JSON views of recent presence samples.
package monitor

import (
	"context"
	"net/http"
	"strconv"

	"tailscale.com/tsweb"

	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/presence"
)

const (
	defaultLimit = 300
	maxLimit     = 10000
)

// Source supplies recent samples, oldest first.
type Source interface {
	Recent(ctx context.Context, limit int) ([]presence.TimedSample, error)
}

// Monitor renders samples from a Source.
type Monitor struct {
	src   Source
	title string
}

// New returns a Monitor reading from src.
func New(src Source, title string) *Monitor {
	if title == "" {
		title = "Presence"
	}
	return &Monitor{src: src, title: title}
}

// Attach mounts the chart pages under /debug/ and the sample feed at
// /api/samples.
func (m *Monitor) Attach(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("presence-chart", "Presence score and distance (HTML chart)", http.HandlerFunc(m.handleChart))
	debug.Handle("presence-plot.png", "Presence score and distance (PNG)", http.HandlerFunc(m.handlePlot))
	mux.HandleFunc("/api/samples", m.handleSamples)
}

// limit parses the limit query parameter.
func limit(r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > maxLimit {
		return 0, false
	}
	return n, true
}

func (m *Monitor) samples(w http.ResponseWriter, r *http.Request) ([]presence.TimedSample, bool) {
	n, ok := limit(r)
	if !ok {
		httputil.WriteJSONError(w, http.StatusBadRequest, "invalid limit %q", r.URL.Query().Get("limit"))
		return nil, false
	}
	samples, err := m.src.Recent(r.Context(), n)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "%v", err)
		return nil, false
	}
	return samples, true
}

func (m *Monitor) handleSamples(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	samples, ok := m.samples(w, r)
	if !ok {
		return
	}
	if samples == nil {
		samples = []presence.TimedSample{}
	}
	httputil.WriteJSON(w, http.StatusOK, samples)
}
