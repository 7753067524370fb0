package monitor

import (
	"bytes"
	"image/color"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/presence"
)

var (
	scoreColor    = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	distanceColor = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
)

// Plot draws score and distance against seconds since the first sample.
func Plot(samples []presence.TimedSample, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Score / Distance (m)"

	if len(samples) == 0 {
		return p, nil
	}

	t0 := samples[0].Time
	scorePts := make(plotter.XYs, 0, len(samples))
	distPts := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		x := s.Time.Sub(t0).Seconds()
		scorePts = append(scorePts, plotter.XY{X: x, Y: float64(s.Score)})
		if s.Presence {
			distPts = append(distPts, plotter.XY{X: x, Y: float64(s.Distance)})
		}
	}

	scoreLine, err := plotter.NewLine(scorePts)
	if err != nil {
		return nil, err
	}
	scoreLine.Color = scoreColor
	scoreLine.Width = vg.Points(1)
	p.Add(scoreLine)
	p.Legend.Add("score", scoreLine)

	if len(distPts) > 0 {
		distScatter, err := plotter.NewScatter(distPts)
		if err != nil {
			return nil, err
		}
		distScatter.GlyphStyle.Color = distanceColor
		distScatter.GlyphStyle.Radius = vg.Points(2)
		p.Add(distScatter)
		p.Legend.Add("distance", distScatter)
	}
	p.Add(plotter.NewGrid())
	return p, nil
}

func (m *Monitor) handlePlot(w http.ResponseWriter, r *http.Request) {
	samples, ok := m.samples(w, r)
	if !ok {
		return
	}
	p, err := Plot(samples, m.title)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to build plot: %v", err)
		return
	}
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to render plot: %v", err)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to render plot: %v", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
