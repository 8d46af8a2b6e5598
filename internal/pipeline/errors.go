package pipeline

import "errors"

var (
	ErrSourceUnreadable = errors.New("frame source cannot be opened")
	ErrEmptySource      = errors.New("frame source has no frames")
	ErrDecodeFailure    = errors.New("frame decode failed")
	ErrDetectorFailure  = errors.New("detector failed")
	ErrCancelled        = errors.New("session cancelled")
)
