package pipeline

import (
	"image"

	"CROWD_MONITOR/go-backend/internal/analysis"
)

// Thresholds are the per-frame analysis settings shared by the session loop
// and the single-frame endpoint.
type Thresholds struct {
	Grid             analysis.Grid
	Capacity         int
	CellThreshold    int
	ScatterThreshold int
	RenderHeatmap    bool
}

// FrameAnalysis is everything derived from one frame's detections.
type FrameAnalysis struct {
	Detections  []analysis.Detection
	PersonCount int
	Cells       analysis.CellCounts
	Deltas      analysis.CellDeltas
	Alerts      analysis.AlertState
	Heatmap     *image.RGBA
}

// AnalyzeFrame bins the detections, compares them to previous and evaluates
// alerts. A nil previous skips the scatter check and leaves Deltas empty.
func AnalyzeFrame(frame image.Image, dets []analysis.Detection, previous analysis.CellCounts, t Thresholds) (*FrameAnalysis, error) {
	b := frame.Bounds()
	cells, err := analysis.Bin(dets, b.Dx(), b.Dy(), t.Grid)
	if err != nil {
		return nil, err
	}

	fa := &FrameAnalysis{
		Detections:  dets,
		PersonCount: cells.Total(),
		Cells:       cells,
	}

	var scatter *analysis.ScatterCheck
	if previous != nil {
		fa.Deltas = analysis.Delta(cells, previous)
		scatter = &analysis.ScatterCheck{Deltas: fa.Deltas, Threshold: t.ScatterThreshold}
	}
	fa.Alerts = analysis.Evaluate(fa.PersonCount, t.Capacity, cells, t.CellThreshold, scatter)

	if t.RenderHeatmap {
		fa.Heatmap = analysis.RenderHeatmap(frame, dets)
	}
	return fa, nil
}
