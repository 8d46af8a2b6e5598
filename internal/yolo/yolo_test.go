package yolo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CROWD_MONITOR/go-backend/internal/analysis"
)

// tensor builds a channel-major output with the given candidate columns.
func tensor(classes int, cols ...[]float32) []float32 {
	channels := 4 + classes
	out := make([]float32, channels*len(cols))
	for i, col := range cols {
		for c, v := range col {
			out[c*len(cols)+i] = v
		}
	}
	return out
}

func TestDecodeScalesAndFilters(t *testing.T) {
	out := tensor(2,
		[]float32{320, 320, 64, 128, 0.9, 0.1},
		[]float32{100, 100, 20, 20, 0.1, 0.2},
		[]float32{630, 40, 40, 40, 0.05, 0.8},
	)
	dets, err := Decode(out, 6, 3, 1280, 720, 0.25)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	p := dets[0]
	assert.Equal(t, "person", p.Label)
	assert.InDelta(t, 0.9, p.Confidence, 1e-6)
	assert.InDelta(t, 576, p.X1, 1e-6)
	assert.InDelta(t, 704, p.X2, 1e-6)
	assert.InDelta(t, 288, p.Y1, 1e-6)
	assert.InDelta(t, 432, p.Y2, 1e-6)

	assert.Equal(t, "bicycle", dets[1].Label)
	assert.InDelta(t, 1280, dets[1].X2, 1e-6, "clamped to frame")
}

func TestDecodeRejectsShortOutput(t *testing.T) {
	_, err := Decode(make([]float32, 10), 84, 8400, 640, 640, 0.25)
	assert.Error(t, err)
}

func TestNMSSuppressesOverlapsPerLabel(t *testing.T) {
	dets := []analysis.Detection{
		{Label: "person", Confidence: 0.6, X1: 0, Y1: 0, X2: 10, Y2: 10},
		{Label: "person", Confidence: 0.9, X1: 1, Y1: 1, X2: 11, Y2: 11},
		{Label: "person", Confidence: 0.8, X1: 50, Y1: 50, X2: 60, Y2: 60},
		{Label: "dog", Confidence: 0.7, X1: 0, Y1: 0, X2: 10, Y2: 10},
	}
	kept := NMS(dets, IOUThreshold)
	require.Len(t, kept, 3)
	assert.InDelta(t, 0.9, kept[0].Confidence, 1e-9)
	assert.InDelta(t, 0.8, kept[1].Confidence, 1e-9)
	assert.Equal(t, "dog", kept[2].Label)
}

func TestIoU(t *testing.T) {
	a := analysis.Detection{X1: 0, Y1: 0, X2: 10, Y2: 10}
	assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	assert.InDelta(t, 25.0/175.0, IoU(a, analysis.Detection{X1: 5, Y1: 5, X2: 15, Y2: 15}), 1e-9)
	assert.Zero(t, IoU(a, analysis.Detection{X1: 20, Y1: 20, X2: 30, Y2: 30}))
	assert.Zero(t, IoU(analysis.Detection{}, analysis.Detection{}))
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "person", className(0))
	assert.Equal(t, "toothbrush", className(79))
	assert.Equal(t, "class_99", className(99))
}
