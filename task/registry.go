package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"
)

// Params are the owner-supplied inputs of a task.
type Params struct {
	FilePath string
	FileID   string
}

// Factory builds a task of one kind under the given identifier.
type Factory func(id string, p Params) (Task, error)

// ProgressReporter is implemented by tasks that track completion.
type ProgressReporter interface {
	Progress() int
}

// Registry creates, looks up and deletes tasks. It owns their cancellation
// and removal; every access to the map goes through mu.
type Registry struct {
	mu        sync.Mutex
	tasks     map[string]Task
	factories map[Kind]Factory
	newID     func() string
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:     make(map[string]Task),
		factories: make(map[Kind]Factory),
		newID:     shortuuid.New,
	}
}

// Register makes kind available to Create.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// Create builds and stores a task of the requested kind. It does not start it.
func (r *Registry) Create(kind Kind, p Params) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskKind, kind)
	}

	id := r.newID()
	for _, taken := r.tasks[id]; taken; _, taken = r.tasks[id] {
		id = r.newID()
	}

	t, err := factory(id, p)
	if err != nil {
		log.Warn().Err(err).Str("task_kind", string(kind)).Msg("failed to create task")
		return nil, fmt.Errorf("create %s task: %w", kind, err)
	}
	r.tasks[id] = t
	log.Debug().Str("task_id", id).Str("task_kind", string(kind)).Msg("task created")
	return t, nil
}

func (r *Registry) Get(id string) (Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// Delete stops the task if it is still running and removes the entry.
// Removal happens either way; an unknown id is still reported.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.IsStopped() {
		t.Stop()
	}
	log.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

// Progress returns the completion percentage of the task, or 0 when the
// task is unknown or does not report progress.
func (r *Registry) Progress(id string) int {
	t, err := r.Get(id)
	if err != nil {
		return 0
	}
	if pr, ok := t.(ProgressReporter); ok {
		return pr.Progress()
	}
	return 0
}

// List returns a snapshot of all tasks ordered by id.
func (r *Registry) List() []Task {
	r.mu.Lock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Prune removes tasks that terminated more than olderThan ago and returns
// how many were removed.
func (r *Registry) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, t := range r.tasks {
		finished := t.FinishedAt()
		if t.State() == StateTerminated && finished.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}

// Shutdown stops every task and waits for their goroutines until ctx ends.
// It reports whether all tasks finished in time.
func (r *Registry) Shutdown(ctx context.Context) bool {
	tasks := r.List()
	for _, t := range tasks {
		t.Stop()
	}
	all := true
	for _, t := range tasks {
		if !t.Wait(ctx) {
			log.Warn().Str("task_id", t.ID()).Msg("task did not finish before timeout")
			all = false
		}
	}
	return all
}
