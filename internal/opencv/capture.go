// Package opencv adapts gocv video decoding and DNN inference to the
// pipeline's frame source and detector contracts.
package opencv

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"gocv.io/x/gocv"

	"CROWD_MONITOR/go-backend/internal/pipeline"
)

// FileOpener opens video files with the OpenCV backend.
type FileOpener struct{}

func (FileOpener) Open(path string) (pipeline.FrameSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open %s: no decodable video stream", path)
	}
	return &Capture{
		vc:    vc,
		mat:   gocv.NewMat(),
		count: int(vc.Get(gocv.VideoCaptureFrameCount)),
		w:     int(vc.Get(gocv.VideoCaptureFrameWidth)),
		h:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
		fps:   vc.Get(gocv.VideoCaptureFPS),
	}, nil
}

// Capture reads frames from an open video file.
type Capture struct {
	vc    *gocv.VideoCapture
	mat   gocv.Mat
	count int
	w, h  int
	fps   float64

	closeOnce sync.Once
	closeErr  error
}

func (c *Capture) FrameCount() int {
	return c.count
}

func (c *Capture) Dimensions() (int, int, float64) {
	return c.w, c.h, c.fps
}

// Next decodes the next frame. A failed read or an empty frame ends the
// stream, which also covers truncated files.
func (c *Capture) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, io.EOF
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		c.mat.Close()
		c.closeErr = c.vc.Close()
	})
	return c.closeErr
}
