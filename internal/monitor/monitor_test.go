package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/presence.report/internal/presence"
)

type fakeSource struct {
	samples []presence.TimedSample
	err     error
	limits  []int
}

func (f *fakeSource) Recent(_ context.Context, limit int) ([]presence.TimedSample, error) {
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.samples) {
		return f.samples[len(f.samples)-limit:], nil
	}
	return f.samples, nil
}

func testSamples(n int) []presence.TimedSample {
	base := time.Unix(1700000000, 0)
	out := make([]presence.TimedSample, n)
	for i := range out {
		out[i] = presence.TimedSample{
			Time:   base.Add(time.Duration(i) * 100 * time.Millisecond),
			Sample: presence.Sample{Presence: i%2 == 1, Score: float32(i) / 10, Distance: 1.5},
		}
	}
	return out
}

func TestHandleSamples(t *testing.T) {
	src := &fakeSource{samples: testSamples(5)}
	m := New(src, "")

	w := httptest.NewRecorder()
	m.handleSamples(w, httptest.NewRequest(http.MethodGet, "/api/samples?limit=3", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body %q", w.Code, w.Body.String())
	}
	var got []presence.TimedSample
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if !got[2].Time.Equal(src.samples[4].Time) || got[2].Sample != src.samples[4].Sample {
		t.Errorf("last sample = %+v, want %+v", got[2], src.samples[4])
	}
	if src.limits[0] != 3 {
		t.Errorf("limit passed = %d, want 3", src.limits[0])
	}
}

func TestHandleSamples_Defaults(t *testing.T) {
	src := &fakeSource{}
	m := New(src, "")

	w := httptest.NewRecorder()
	m.handleSamples(w, httptest.NewRequest(http.MethodGet, "/api/samples", nil))
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", w.Body.String())
	}
	if src.limits[0] != defaultLimit {
		t.Errorf("limit = %d, want %d", src.limits[0], defaultLimit)
	}
}

func TestHandleSamples_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		err    error
		want   int
	}{
		{"bad limit", http.MethodGet, "/api/samples?limit=abc", nil, http.StatusBadRequest},
		{"zero limit", http.MethodGet, "/api/samples?limit=0", nil, http.StatusBadRequest},
		{"huge limit", http.MethodGet, "/api/samples?limit=1000000", nil, http.StatusBadRequest},
		{"post", http.MethodPost, "/api/samples", nil, http.StatusMethodNotAllowed},
		{"source error", http.MethodGet, "/api/samples", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(&fakeSource{err: tt.err}, "")
			w := httptest.NewRecorder()
			m.handleSamples(w, httptest.NewRequest(tt.method, tt.url, nil))
			if w.Code != tt.want {
				t.Errorf("code = %d, want %d", w.Code, tt.want)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
		})
	}
}

func TestHandleChart(t *testing.T) {
	m := New(&fakeSource{samples: testSamples(10)}, "Hallway")

	w := httptest.NewRecorder()
	m.handleChart(w, httptest.NewRequest(http.MethodGet, "/debug/presence-chart", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Hallway") {
		t.Error("chart is missing its title")
	}
	if !strings.Contains(body, "10 samples, 5 present") {
		t.Error("chart is missing the sample summary")
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
		t.Errorf("content type = %q", w.Header().Get("Content-Type"))
	}
}

func TestHandleChart_Empty(t *testing.T) {
	m := New(&fakeSource{}, "")
	w := httptest.NewRecorder()
	m.handleChart(w, httptest.NewRequest(http.MethodGet, "/debug/presence-chart", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no samples") {
		t.Error("empty chart should say so")
	}
}

func TestHandlePlot(t *testing.T) {
	for _, n := range []int{0, 1, 20} {
		m := New(&fakeSource{samples: testSamples(n)}, "")
		w := httptest.NewRecorder()
		m.handlePlot(w, httptest.NewRequest(http.MethodGet, "/debug/presence-plot.png", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%d samples: code = %d body %q", n, w.Code, w.Body.String())
		}
		if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
			t.Errorf("%d samples: response is not a PNG", n)
		}
	}
}

func TestPlot_NoPresence(t *testing.T) {
	samples := testSamples(4)
	for i := range samples {
		samples[i].Presence = false
	}
	p, err := Plot(samples, "hall")
	if err != nil {
		t.Fatalf("Plot: %v", err)
	}
	if p.Title.Text != "hall" {
		t.Errorf("title = %q", p.Title.Text)
	}
	if p.X.Max < 0.3 {
		t.Errorf("x range ends at %v, want the last sample at 0.3 s", p.X.Max)
	}
}

func TestAttach(t *testing.T) {
	mux := http.NewServeMux()
	New(&fakeSource{samples: testSamples(2)}, "").Attach(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/samples", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/api/samples: code = %d", w.Code)
	}
	for _, path := range []string{"/debug/presence-chart", "/debug/presence-plot.png"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code == http.StatusNotFound {
			t.Errorf("%s should be registered, got 404", path)
		}
	}
}
