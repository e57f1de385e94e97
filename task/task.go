package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindCleanup       Kind = "cleanup"
	KindProcessFrames Kind = "process_frames"
)

type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

// Task is a cancellable unit of background work.
type Task interface {
	ID() string
	Kind() Kind
	// Start runs the task on its own goroutine. Calling it again is a no-op.
	Start()
	// Stop requests cooperative cancellation and returns immediately.
	Stop()
	IsStopped() bool
	State() State
	// Done is closed once Shutdown has returned.
	Done() <-chan struct{}
	// Wait blocks until the task terminates or ctx ends. Tasks that were
	// never started count as finished.
	Wait(ctx context.Context) bool
	FinishedAt() time.Time
}

// Hooks are the per-kind callbacks driven by the run loop.
//
// Handle is called repeatedly until the task is stopped; it must return in
// bounded time since cancellation is only observed between calls.
type Hooks interface {
	Startup() error
	Handle() error
	Shutdown() error
}

// runner carries the lifecycle shared by every kind. The cancellation flag
// is its context: Stop cancels it, IsStopped reads it.
type runner struct {
	id    string
	kind  Kind
	hooks Hooks
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce  sync.Once
	started    atomic.Bool
	done       chan struct{}
	finishedAt atomic.Int64
}

func newRunner(id string, kind Kind, hooks Hooks, logger zerolog.Logger) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &runner{
		id:     id,
		kind:   kind,
		hooks:  hooks,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func taskLogger(id string, kind Kind) zerolog.Logger {
	return log.With().Str("task_id", id).Str("task_kind", string(kind)).Logger()
}

func (r *runner) ID() string { return r.id }

func (r *runner) Kind() Kind { return r.kind }

func (r *runner) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
}

func (r *runner) Stop() { r.cancel() }

func (r *runner) IsStopped() bool { return r.ctx.Err() != nil }

// Context is cancelled when the task is stopped.
func (r *runner) Context() context.Context { return r.ctx }

func (r *runner) Done() <-chan struct{} { return r.done }

func (r *runner) State() State {
	select {
	case <-r.done:
		return StateTerminated
	default:
	}
	switch {
	case !r.started.Load():
		return StateCreated
	case r.IsStopped():
		return StateStopping
	default:
		return StateRunning
	}
}

func (r *runner) Wait(ctx context.Context) bool {
	if !r.started.Load() {
		return true
	}
	select {
	case <-r.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *runner) FinishedAt() time.Time {
	ns := r.finishedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (r *runner) run() {
	defer close(r.done)
	defer r.cancel()
	defer func() { r.finishedAt.Store(time.Now().UnixNano()) }()
	defer func() {
		if err := call(r.hooks.Shutdown); err != nil {
			r.log.Error().Err(err).Msg("task shutdown failed")
		}
	}()

	if err := call(r.hooks.Startup); err != nil {
		r.log.Error().Err(err).Msg("task startup failed")
		return
	}
	for !r.IsStopped() {
		if err := call(r.hooks.Handle); err != nil {
			r.log.Error().Err(err).Msg("task iteration failed")
		}
	}
}

// call runs a hook and turns a panic into an error.
func call(hook func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return hook()
}
