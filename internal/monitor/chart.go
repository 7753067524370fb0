package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/presence.report/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleChart renders score and distance as an interactive line chart.
// Absent samples are plotted at distance zero.
func (m *Monitor) handleChart(w http.ResponseWriter, r *http.Request) {
	samples, ok := m.samples(w, r)
	if !ok {
		return
	}

	x := make([]string, 0, len(samples))
	scores := make([]opts.LineData, 0, len(samples))
	distances := make([]opts.LineData, 0, len(samples))
	present := 0
	for _, s := range samples {
		x = append(x, s.Time.Format("15:04:05.000"))
		scores = append(scores, opts.LineData{Value: s.Score})
		d := float32(0)
		if s.Presence {
			d = s.Distance
			present++
		}
		distances = append(distances, opts.LineData{Value: d})
	}

	subtitle := "no samples"
	if len(samples) > 0 {
		subtitle = fmt.Sprintf("%d samples, %d present, last %s",
			len(samples), present, samples[len(samples)-1].Time.Format(time.RFC3339))
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: m.title, Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: m.title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "score / distance (m)"}),
	)
	line.SetXAxis(x).
		AddSeries("score", scores).
		AddSeries("distance", distances)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to render chart: %v", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
