package task

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTaskKind  = errors.New("unknown task kind")
	ErrTaskNotFound     = errors.New("task not found")
	ErrUnreadableSource = errors.New("unreadable source")
	ErrConsumerStalled  = errors.New("frame consumer stalled")
	ErrPollTimeout      = errors.New("timed out waiting for a frame")

	ErrIncompleteFrameOptions = errors.New("frame task needs a source, an annotator and an encoder")
)

// FrameProcessingError reports that a single frame could not be annotated or encoded.
type FrameProcessingError struct {
	Frame int
	Err   error
}

func (e *FrameProcessingError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Frame, e.Err)
}

func (e *FrameProcessingError) Unwrap() error { return e.Err }
