package task

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type CleanupOptions struct {
	Dir      string
	Interval time.Duration
	MaxAge   time.Duration
	// Prune, when set, is called after each sweep to drop terminated tasks
	// older than MaxAge from the registry.
	Prune func(olderThan time.Duration) int
}

// CleanupTask periodically removes files older than MaxAge from Dir.
type CleanupTask struct {
	*runner
	opts  CleanupOptions
	timer *time.Timer
	now   func() time.Time
}

func NewCleanupTask(id string, opts CleanupOptions) *CleanupTask {
	t := &CleanupTask{opts: opts, now: time.Now}
	t.runner = newRunner(id, KindCleanup, t, taskLogger(id, KindCleanup))
	return t
}

func CleanupFactory(opts CleanupOptions) Factory {
	return func(id string, _ Params) (Task, error) {
		if opts.Dir == "" || opts.Interval <= 0 {
			return nil, fmt.Errorf("cleanup task needs a directory and a positive interval")
		}
		return NewCleanupTask(id, opts), nil
	}
}

func (t *CleanupTask) Startup() error {
	t.log.Info().Str("dir", t.opts.Dir).Dur("interval", t.opts.Interval).Msg("starting cleanup task scheduler")
	if err := os.MkdirAll(t.opts.Dir, 0o750); err != nil {
		return fmt.Errorf("ensure temp dir: %w", err)
	}
	t.timer = time.NewTimer(t.opts.Interval)
	return nil
}

// Handle waits for the next tick, or returns early when the task is stopped.
func (t *CleanupTask) Handle() error {
	select {
	case <-t.Context().Done():
		return nil
	case <-t.timer.C:
	}
	defer t.timer.Reset(t.opts.Interval)

	removed, err := t.Sweep()
	if t.opts.Prune != nil {
		if n := t.opts.Prune(t.opts.MaxAge); n > 0 {
			t.log.Info().Int("tasks", n).Msg("pruned finished tasks")
		}
	}
	if removed > 0 {
		t.log.Info().Int("files", removed).Msg("removed old files")
	}
	return err
}

func (t *CleanupTask) Shutdown() error {
	t.log.Info().Msg("stopping cleanup task scheduler")
	if t.timer != nil {
		t.timer.Stop()
	}
	return nil
}

// Sweep deletes regular files in Dir last modified more than MaxAge ago.
// Failures on single files are logged and skipped.
func (t *CleanupTask) Sweep() (int, error) {
	entries, err := os.ReadDir(t.opts.Dir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	cutoff := t.now().Add(-t.opts.MaxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		fullPath := filepath.Join(t.opts.Dir, entry.Name())
		if err := os.Remove(fullPath); err != nil {
			t.log.Error().Err(err).Str("path", fullPath).Msg("failed to delete file")
			continue
		}
		t.log.Info().Str("path", fullPath).Msg("deleted file")
		removed++
	}
	return removed, nil
}
