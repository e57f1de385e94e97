package task

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync/atomic"
	"time"

	"framestream/annotate"
	"framestream/mjpeg"
)

// Video is an opened source: its geometry, frame count and a forward-only
// frame iterator. Next returns io.EOF after the last frame.
type Video interface {
	Width() int
	Height() int
	FrameCount() int
	Next() (image.Image, error)
	Close() error
}

// Source opens videos for decoding. Open fails when the path is missing or
// cannot be decoded; the returned Video is bound to ctx.
type Source interface {
	Open(ctx context.Context, path string) (Video, error)
}

type FrameOptions struct {
	Source   Source
	Renderer annotate.Renderer
	// Boundary defaults to mjpeg.DefaultBoundary.
	Boundary      string
	QueueCapacity int
	// StallTimeout bounds how long a push may block on a full queue. Zero
	// waits forever.
	StallTimeout time.Duration
	// MaxFrameErrors is the number of consecutive failed frames that ends
	// the task. Zero means 1.
	MaxFrameErrors int
}

// FrameTask decodes a video, annotates every frame and feeds the framed
// JPEGs to a bounded queue for a single stream consumer.
type FrameTask struct {
	*runner
	opts     FrameOptions
	filePath string
	fileID   string

	queue    *FrameQueue
	progress atomic.Int32
	attached atomic.Bool
}

// NewFrameTask builds a task for the video at filePath. fileID is the
// logical name of the source, used for logging and protection checks.
func NewFrameTask(id, filePath, fileID string, opts FrameOptions) *FrameTask {
	if opts.Boundary == "" {
		opts.Boundary = mjpeg.DefaultBoundary
	}
	if opts.MaxFrameErrors < 1 {
		opts.MaxFrameErrors = 1
	}
	t := &FrameTask{
		opts:     opts,
		filePath: filePath,
		fileID:   fileID,
		queue:    NewFrameQueue(opts.QueueCapacity),
	}
	logger := taskLogger(id, KindProcessFrames).With().Str("file_id", fileID).Logger()
	t.runner = newRunner(id, KindProcessFrames, t, logger)
	return t
}

// FrameFactory returns a Factory building frame tasks from Params.
func FrameFactory(opts FrameOptions) Factory {
	return func(id string, p Params) (Task, error) {
		if opts.Source == nil || opts.Renderer.Annotator == nil || opts.Renderer.Encoder == nil {
			return nil, ErrIncompleteFrameOptions
		}
		if p.FilePath == "" {
			return nil, fmt.Errorf("%w: empty file path", ErrUnreadableSource)
		}
		fileID := p.FileID
		if fileID == "" {
			fileID = id
		}
		return NewFrameTask(id, p.FilePath, fileID, opts), nil
	}
}

func (t *FrameTask) FilePath() string { return t.filePath }

func (t *FrameTask) FileID() string { return t.fileID }

func (t *FrameTask) Queue() *FrameQueue { return t.queue }

// Progress is the completion percentage in [0, 100].
func (t *FrameTask) Progress() int { return int(t.progress.Load()) }

// Attach claims the task for a stream consumer. Only the first call succeeds.
func (t *FrameTask) Attach() bool { return t.attached.CompareAndSwap(false, true) }

func (t *FrameTask) Startup() error {
	t.log.Info().Str("path", t.filePath).Msg("starting frame processing")
	return nil
}

func (t *FrameTask) Shutdown() error {
	t.log.Info().Int("progress", t.Progress()).Msg("stopping frame processing")
	return nil
}

// Handle processes the whole video in one call and always stops the task.
func (t *FrameTask) Handle() error {
	defer t.Stop()
	return t.produce()
}

func (t *FrameTask) produce() error {
	video, err := t.opts.Source.Open(t.Context(), t.filePath)
	if err != nil {
		t.finish()
		return fmt.Errorf("%w: %v", ErrUnreadableSource, err)
	}
	defer video.Close()

	total := video.FrameCount()
	if total <= 0 {
		t.finish()
		return fmt.Errorf("%w: %s has no frames", ErrUnreadableSource, t.filePath)
	}
	width, height := video.Width(), video.Height()

	read, failed := 0, 0
	for {
		if t.IsStopped() {
			t.log.Info().Int("frames", read).Msg("frame processing cancelled")
			return nil
		}

		frame, err := video.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if t.IsStopped() {
				return nil
			}
			t.finish()
			return fmt.Errorf("decode frame %d: %w", read+1, err)
		}
		read++

		data, err := t.render(frame, width, height)
		if err != nil {
			failed++
			ferr := &FrameProcessingError{Frame: read, Err: err}
			t.log.Warn().Err(ferr).Int("consecutive", failed).Msg("skipping frame")
			if failed >= t.opts.MaxFrameErrors {
				t.finish()
				return fmt.Errorf("giving up after %d consecutive frame failures: %w", failed, ferr)
			}
			t.setProgress(read, total)
			continue
		}
		failed = 0

		t.setProgress(read, total)
		if err := t.push(Payload(mjpeg.Part(t.opts.Boundary, data))); err != nil {
			return err
		}
	}

	t.progress.Store(100)
	if err := t.push(Payload(mjpeg.Closing(t.opts.Boundary))); err != nil {
		return err
	}
	if err := t.push(Sentinel); err != nil {
		return err
	}
	t.log.Info().Int("frames", read).Msg("processing complete")
	return nil
}

// render runs the renderer on one frame, reporting a panic as an error so
// it counts as a single failed frame.
func (t *FrameTask) render(frame image.Image, width, height int) (data []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("render panicked: %v", p)
		}
	}()
	return t.opts.Renderer.Render(frame, width, height)
}

// setProgress stores floor(read/total*100), clamped to 100 when the probed
// frame count was short. The value never moves backwards.
func (t *FrameTask) setProgress(read, total int) {
	p := int32(read * 100 / total)
	if p > 100 {
		p = 100
	}
	if p > t.progress.Load() {
		t.progress.Store(p)
	}
}

// push enqueues c, giving up when the task is stopped or the consumer has
// not made room within StallTimeout.
func (t *FrameTask) push(c Chunk) error {
	ctx := t.Context()
	if t.opts.StallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.StallTimeout)
		defer cancel()
	}
	err := t.queue.Push(ctx, c)
	switch {
	case err == nil:
		return nil
	case t.IsStopped():
		t.log.Info().Msg("frame processing cancelled while queue was full")
		return nil
	default:
		return fmt.Errorf("%w: no room for %s", ErrConsumerStalled, t.opts.StallTimeout)
	}
}

// finish ends the stream early with only the sentinel, unless the task was
// cancelled and nobody is left to read it.
func (t *FrameTask) finish() {
	if t.IsStopped() {
		return
	}
	if err := t.push(Sentinel); err != nil {
		t.log.Warn().Err(err).Msg("could not queue end of stream")
	}
}
