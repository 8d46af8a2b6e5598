package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"CROWD_MONITOR/go-backend/internal/analysis"
)

// Opener opens a frame source by path.
type Opener interface {
	Open(path string) (FrameSource, error)
}

// FrameSource yields decoded frames one at a time. Next returns io.EOF once
// the source is exhausted, including when the container is truncated.
type FrameSource interface {
	FrameCount() int
	Dimensions() (width, height int, fps float64)
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// Detector returns the objects found in one frame. Implementations must be
// safe to call repeatedly.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]analysis.Detection, error)
}

// FrameUpdate is the per-frame bundle handed to the transport.
type FrameUpdate struct {
	SessionID   string
	FrameIndex  int
	PersonCount int
	Cells       analysis.CellCounts
	Deltas      analysis.CellDeltas
	Alerts      analysis.AlertState
	Progress    float64
	Heatmap     *image.RGBA
}

// Publisher delivers per-frame updates. Failures are reported back but never
// stop the session.
type Publisher interface {
	Publish(ctx context.Context, update *FrameUpdate) error
}

// ReportPublisher is implemented by publishers that also forward the final
// report of a session.
type ReportPublisher interface {
	PublishReport(ctx context.Context, sessionID string, state State, report *analysis.Report) error
}

// Publishers fans one update out to several transports.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, update *FrameUpdate) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ps Publishers) PublishReport(ctx context.Context, sessionID string, state State, report *analysis.Report) error {
	var errs []error
	for _, p := range ps {
		rp, ok := p.(ReportPublisher)
		if !ok {
			continue
		}
		if err := rp.PublishReport(ctx, sessionID, state, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Metrics receives pipeline counters.
type Metrics interface {
	IncrementFrames()
	IncrementSampled()
	IncrementErrors()
	IncrementPublishErrors()
	IncrementAlerts()
	RecordLatency(d time.Duration)
	RecordSession(state string)
}

type noopMetrics struct{}

func (noopMetrics) IncrementFrames() {}
func (noopMetrics) IncrementSampled() {}
func (noopMetrics) IncrementErrors() {}
func (noopMetrics) IncrementPublishErrors() {}
func (noopMetrics) IncrementAlerts() {}
func (noopMetrics) RecordLatency(time.Duration) {}
func (noopMetrics) RecordSession(string) {}
