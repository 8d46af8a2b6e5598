// Package report renders finished sessions as charts.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/models"
)

var (
	ErrNoReport  = errors.New("session has no report")
	ErrNoSamples = errors.New("session report has no sampled frames")
)

var heatColors = []string{"#313695", "#4575b4", "#74add1", "#abd9e9", "#fee090", "#fdae61", "#f46d43", "#d73027", "#a50026"}

// HTML writes an interactive page with the per-frame occupancy line and the
// average occupancy per grid cell.
func HTML(w io.Writer, s *models.Session) error {
	if s.Report == nil {
		return ErrNoReport
	}

	page := components.NewPage()
	page.AddCharts(occupancyLine(s), cellHeatMap(s))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render chart page: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func occupancyLine(s *models.Session) *charts.Line {
	counts := s.Report.FrameWiseCount
	xs := make([]string, len(counts))
	people := make([]opts.LineData, len(counts))
	limit := make([]opts.LineData, len(counts))
	for i, c := range counts {
		xs[i] = fmt.Sprintf("%d", i+1)
		people[i] = opts.LineData{Value: c}
		limit[i] = opts.LineData{Value: s.Capacity}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "People per sampled frame",
			Subtitle: fmt.Sprintf("%s  state=%s  peak=%d  avg=%.2f", s.Filename, s.State, s.Report.PeakPeople, s.Report.AveragePeoplePerFrame),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Sample", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "People"}),
	)
	line.SetXAxis(xs).
		AddSeries("people", people, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)})).
		AddSeries("capacity", limit)
	return line
}

func cellHeatMap(s *models.Session) *charts.HeatMap {
	g := analysis.Grid{Rows: s.GridRows, Cols: s.GridCols}
	cols := make([]string, g.Cols)
	for c := range cols {
		cols[c] = fmt.Sprintf("col %d", c+1)
	}
	rows := make([]string, g.Rows)
	for r := range rows {
		rows[r] = fmt.Sprintf("row %d", r+1)
	}

	data := make([]opts.HeatMapData, 0, g.Cells())
	var hottest float64
	for _, id := range g.IDs() {
		v := s.Report.AvgQuadrantCounts[id.Name()]
		if v > hottest {
			hottest = v
		}
		idx := int(id) - 1
		data = append(data, opts.HeatMapData{
			Name:  id.Name(),
			Value: [3]interface{}{idx % g.Cols, idx / g.Cols, models.Round2(v)},
		})
	}
	if hottest == 0 {
		hottest = 1
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Average people per cell", Subtitle: dangerSubtitle(s.Report)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: cols, SplitArea: &opts.SplitArea{Show: opts.Bool(true)}}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: rows, SplitArea: &opts.SplitArea{Show: opts.Bool(true)}}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(hottest),
			InRange:    &opts.VisualMapInRange{Color: heatColors},
		}),
	)
	hm.SetXAxis(cols).AddSeries("avg", data, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true)}))
	return hm
}

func dangerSubtitle(r *models.SessionReport) string {
	n := 0
	for _, flagged := range r.QuadrantAlerts {
		if flagged {
			n++
		}
	}
	return fmt.Sprintf("%d danger cells", n)
}

// PNG draws the per-frame occupancy with the capacity limit as a static image.
func PNG(w io.Writer, s *models.Session, width, height vg.Length) error {
	if s.Report == nil {
		return ErrNoReport
	}
	counts := s.Report.FrameWiseCount
	if len(counts) == 0 {
		return ErrNoSamples
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s (%s)", s.ID, s.State)
	p.X.Label.Text = "Sample"
	p.Y.Label.Text = "People"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(counts))
	for i, c := range counts {
		pts[i] = plotter.XY{X: float64(i + 1), Y: float64(c)}
	}
	people, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("people line: %w", err)
	}
	people.Width = vg.Points(1.5)
	people.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}

	limit, err := plotter.NewLine(plotter.XYs{
		{X: 1, Y: float64(s.Capacity)},
		{X: float64(len(counts)), Y: float64(s.Capacity)},
	})
	if err != nil {
		return fmt.Errorf("capacity line: %w", err)
	}
	limit.Width = vg.Points(1)
	limit.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	limit.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}

	p.Add(people, limit)
	p.Legend.Add("people", people)
	p.Legend.Add("capacity", limit)
	p.Legend.Top = true

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("png writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// Size of the PNG served over HTTP.
const (
	DefaultPNGWidth  = 10 * vg.Inch
	DefaultPNGHeight = 4 * vg.Inch
)
