package pipeline

import (
	"errors"
	"fmt"
	"time"

	"CROWD_MONITOR/go-backend/internal/analysis"
)

// Options tunes one orchestrator. Zero values are not defaults; start from
// DefaultOptions.
type Options struct {
	Grid             analysis.Grid
	Stride           int
	Timeout          time.Duration
	Capacity         int
	CellThreshold    int
	ScatterThreshold int
	DangerRatio      float64
	PublishTimeout   time.Duration
	RenderHeatmap    bool
}

func DefaultOptions() Options {
	return Options{
		Grid:             analysis.DefaultGrid(),
		Stride:           5,
		Timeout:          60 * time.Second,
		Capacity:         50,
		CellThreshold:    5,
		ScatterThreshold: 3,
		DangerRatio:      analysis.DefaultDangerRatio,
		PublishTimeout:   2 * time.Second,
		RenderHeatmap:    true,
	}
}

func (o Options) Validate() error {
	if err := o.Grid.Validate(); err != nil {
		return err
	}
	if o.Stride <= 0 {
		return fmt.Errorf("sampling stride must be positive, got %d", o.Stride)
	}
	if o.Timeout <= 0 {
		return errors.New("session timeout must be positive")
	}
	if o.Capacity < 0 || o.CellThreshold < 0 || o.ScatterThreshold < 0 {
		return errors.New("thresholds must not be negative")
	}
	if o.DangerRatio < 0 || o.DangerRatio > 1 {
		return fmt.Errorf("danger ratio must be within [0,1], got %v", o.DangerRatio)
	}
	return nil
}

// Thresholds returns the alerting part of the options.
func (o Options) Thresholds() Thresholds {
	return Thresholds{
		Grid:             o.Grid,
		Capacity:         o.Capacity,
		CellThreshold:    o.CellThreshold,
		ScatterThreshold: o.ScatterThreshold,
		RenderHeatmap:    o.RenderHeatmap,
	}
}
