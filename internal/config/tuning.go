package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/pipeline"
)

const maxTuningFileSize = 1 << 20

// Tuning holds the analysis thresholds. It is read from YAML; keys left out
// of the file keep their defaults.
type Tuning struct {
	Grid             analysis.Grid `yaml:"grid"`
	SamplingStride   int           `yaml:"sampling_stride"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
	GlobalCapacity   int           `yaml:"global_capacity"`
	CellThreshold    int           `yaml:"cell_threshold"`
	ScatterThreshold int           `yaml:"scatter_threshold"`
	DangerRatio      float64       `yaml:"danger_ratio"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	RenderHeatmap    bool          `yaml:"render_heatmap"`
	PreviewWidth     int           `yaml:"preview_width"`
	JPEGQuality      int           `yaml:"jpeg_quality"`
}

func DefaultTuning() *Tuning {
	opts := pipeline.DefaultOptions()
	return &Tuning{
		Grid:             opts.Grid,
		SamplingStride:   opts.Stride,
		SessionTimeout:   opts.Timeout,
		GlobalCapacity:   opts.Capacity,
		CellThreshold:    opts.CellThreshold,
		ScatterThreshold: opts.ScatterThreshold,
		DangerRatio:      opts.DangerRatio,
		PublishTimeout:   opts.PublishTimeout,
		RenderHeatmap:    opts.RenderHeatmap,
		PreviewWidth:     640,
		JPEGQuality:      80,
	}
}

// LoadTuning reads path over the defaults. An empty path returns the
// defaults unchanged.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("tuning file must have .yaml or .yml extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat tuning file: %w", err)
	}
	if info.Size() > maxTuningFileSize {
		return nil, fmt.Errorf("tuning file too large: %d bytes (max %d)", info.Size(), maxTuningFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse tuning YAML: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	return t, nil
}

func (t *Tuning) Validate() error {
	if err := t.PipelineOptions().Validate(); err != nil {
		return err
	}
	if t.PreviewWidth < 0 {
		return fmt.Errorf("preview_width must be non-negative, got %d", t.PreviewWidth)
	}
	if t.JPEGQuality < 1 || t.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", t.JPEGQuality)
	}
	return nil
}

func (t *Tuning) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Grid:             t.Grid,
		Stride:           t.SamplingStride,
		Timeout:          t.SessionTimeout,
		Capacity:         t.GlobalCapacity,
		CellThreshold:    t.CellThreshold,
		ScatterThreshold: t.ScatterThreshold,
		DangerRatio:      t.DangerRatio,
		PublishTimeout:   t.PublishTimeout,
		RenderHeatmap:    t.RenderHeatmap,
	}
}
