// Package stream drains a frame task's queue into an HTTP response and tears
// the task down when the response ends.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"framestream/task"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStreamTransport = errors.New("stream transport error")

// Deleter removes a task from its registry, stopping it first.
type Deleter interface {
	Delete(id string) error
}

type Options struct {
	// PollTimeout is how long one wait on the queue lasts before re-polling.
	PollTimeout time.Duration
	// Protected reports whether the source named by a file id must be kept.
	Protected func(fileID string) bool
	// KeepSource keeps the source regardless of Protected.
	KeepSource bool
	// Remove deletes the source file. Defaults to os.Remove.
	Remove func(path string) error
}

// Adapter is a single-pass sequence of multipart chunks read from one task.
type Adapter struct {
	tasks Deleter
	task  *task.FrameTask
	opts  Options
	log   zerolog.Logger

	once sync.Once
	done bool
}

func New(tasks Deleter, t *task.FrameTask, opts Options) *Adapter {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 3 * time.Second
	}
	if opts.Remove == nil {
		opts.Remove = os.Remove
	}
	return &Adapter{
		tasks: tasks,
		task:  t,
		opts:  opts,
		log:   log.With().Str("task_id", t.ID()).Str("file_id", t.FileID()).Logger(),
	}
}

// Next returns the next chunk. It returns io.EOF once the stream is complete
// and ErrStreamTransport when ctx (the client connection) ends first. Either
// way the task is torn down before Next returns.
func (a *Adapter) Next(ctx context.Context) ([]byte, error) {
	if a.done {
		return nil, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			a.done = true
			a.Close()
			return nil, fmt.Errorf("%w: %v", ErrStreamTransport, err)
		}
		c, err := a.task.Queue().Pop(ctx, a.opts.PollTimeout)
		switch {
		case err == nil && c.IsSentinel():
			a.done = true
			a.Close()
			return nil, io.EOF
		case err == nil:
			return c.Bytes(), nil
		case errors.Is(err, task.ErrPollTimeout):
			if a.task.State() == task.StateTerminated && a.task.Queue().Len() == 0 {
				a.log.Warn().Msg("producer ended without closing the stream")
				a.done = true
				a.Close()
				return nil, io.EOF
			}
			a.log.Debug().Dur("timeout", a.opts.PollTimeout).Msg("waiting for frames")
		default:
			a.done = true
			a.Close()
			return nil, fmt.Errorf("%w: %v", ErrStreamTransport, err)
		}
	}
}

// WriteTo copies every chunk to w, calling flush after each one, until the
// stream completes or fails.
func (a *Adapter) WriteTo(ctx context.Context, w io.Writer, flush func()) error {
	defer a.Close()
	for {
		chunk, err := a.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamTransport, err)
		}
		if flush != nil {
			flush()
		}
	}
}

// Close stops and deregisters the task and deletes its source unless it is
// protected. Only the first call has any effect.
func (a *Adapter) Close() {
	a.once.Do(func() {
		if err := a.tasks.Delete(a.task.ID()); err != nil && !errors.Is(err, task.ErrTaskNotFound) {
			a.log.Error().Err(err).Msg("failed to delete task")
		}
		a.removeSource()
	})
}

func (a *Adapter) removeSource() {
	if a.opts.KeepSource || (a.opts.Protected != nil && a.opts.Protected(a.task.FileID())) {
		return
	}
	if err := a.opts.Remove(a.task.FilePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.log.Error().Err(err).Str("path", a.task.FilePath()).Msg("failed to delete source")
		return
	}
	a.log.Info().Str("path", a.task.FilePath()).Msg("source deleted")
}
