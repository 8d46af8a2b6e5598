package opencv

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/yolo"
)

// YOLODetector runs a YOLOv8 ONNX model on the CPU. gocv.Net is not safe for
// concurrent use, so calls are serialized.
type YOLODetector struct {
	mu         sync.Mutex
	net        gocv.Net
	path       string
	confidence float64
	log        *logrus.Entry
}

func NewYOLODetector(modelPath string, confidence float64, log *logrus.Entry) (*YOLODetector, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("could not load ONNX model %s", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}
	log.WithFields(logrus.Fields{"model": modelPath, "confidence": confidence}).Info("YOLO model loaded")
	return &YOLODetector{net: net, path: modelPath, confidence: confidence, log: log}, nil
}

func (d *YOLODetector) Detect(ctx context.Context, frame image.Image) ([]analysis.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(yolo.InputSize, yolo.InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	sizes := out.Size()
	if len(sizes) != 3 {
		return nil, fmt.Errorf("unexpected output rank %d", len(sizes))
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	b := frame.Bounds()
	return yolo.Decode(data, sizes[1], sizes[2], b.Dx(), b.Dy(), d.confidence)
}

// HealthCheck reports whether the model is loaded.
func (d *YOLODetector) HealthCheck() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.net.Empty()
}

func (d *YOLODetector) Kind() string {
	return "onnx:" + d.path
}

func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
