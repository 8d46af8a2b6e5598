// Package yolo turns raw YOLOv8 output tensors into detections.
package yolo

import (
	"fmt"
	"math"
	"sort"

	"CROWD_MONITOR/go-backend/internal/analysis"
)

const (
	InputSize    = 640
	IOUThreshold = 0.45
)

// COCO class names in model output order.
var ClassNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog",
	"horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone",
	"microwave", "oven", "toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors",
	"teddy bear", "hair drier", "toothbrush",
}

func className(id int) string {
	if id >= 0 && id < len(ClassNames) {
		return ClassNames[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// Decode reads a [1, 4+classes, boxes] tensor laid out channel-major, keeps
// candidates scoring at least confThreshold and maps them back to a
// width x height frame. NMS is applied per class.
func Decode(out []float32, channels, boxes, width, height int, confThreshold float64) ([]analysis.Detection, error) {
	if channels < 5 || boxes <= 0 || len(out) < channels*boxes {
		return nil, fmt.Errorf("unexpected output shape: %d values for %dx%d", len(out), channels, boxes)
	}
	sx := float64(width) / InputSize
	sy := float64(height) / InputSize

	var cands []analysis.Detection
	for i := 0; i < boxes; i++ {
		classID, best := -1, float32(0)
		for c := 4; c < channels; c++ {
			if s := out[c*boxes+i]; s > best {
				best, classID = s, c-4
			}
		}
		if classID < 0 || float64(best) < confThreshold {
			continue
		}
		cx, cy := float64(out[i]), float64(out[boxes+i])
		w, h := float64(out[2*boxes+i]), float64(out[3*boxes+i])
		cands = append(cands, analysis.Detection{
			Label:      className(classID),
			Confidence: float64(best),
			X1:         clamp((cx-w/2)*sx, float64(width)),
			Y1:         clamp((cy-h/2)*sy, float64(height)),
			X2:         clamp((cx+w/2)*sx, float64(width)),
			Y2:         clamp((cy+h/2)*sy, float64(height)),
		})
	}
	return NMS(cands, IOUThreshold), nil
}

func clamp(v, hi float64) float64 {
	return math.Max(0, math.Min(v, hi))
}

// NMS greedily keeps the highest-confidence box and drops same-label boxes
// overlapping it by more than iouThreshold.
func NMS(dets []analysis.Detection, iouThreshold float64) []analysis.Detection {
	sorted := append([]analysis.Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]analysis.Detection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && sorted[j].Label == sorted[i].Label && IoU(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func IoU(a, b analysis.Detection) float64 {
	x1 := math.Max(a.X1, b.X1)
	y1 := math.Max(a.Y1, b.Y1)
	x2 := math.Min(a.X2, b.X2)
	y2 := math.Min(a.Y2, b.Y2)

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
