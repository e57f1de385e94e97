package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"framestream/annotate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.Register(KindProcessFrames, FrameFactory(FrameOptions{
		Source: &fakeSource{newVideo: func() *fakeVideo {
			return &fakeVideo{frames: 3, frameCount: 3}
		}},
		Renderer:      annotate.Renderer{Annotator: annotate.Passthrough, Encoder: indexEncoder},
		QueueCapacity: 8,
	}))
	reg.Register(KindCleanup, CleanupFactory(CleanupOptions{
		Dir:      t.TempDir(),
		Interval: time.Hour,
		MaxAge:   time.Hour,
	}))
	return reg
}

func TestRegistry_Create(t *testing.T) {
	reg := testRegistry(t)

	tk, err := reg.Create(KindProcessFrames, Params{FilePath: "/tmp/a.mp4", FileID: "a.mp4"})
	require.NoError(t, err)
	assert.NotEmpty(t, tk.ID())
	assert.Equal(t, StateCreated, tk.State(), "create does not start the task")

	got, err := reg.Get(tk.ID())
	require.NoError(t, err)
	assert.Same(t, tk, got)

	cleanup, err := reg.Create(KindCleanup, Params{})
	require.NoError(t, err)
	assert.Equal(t, KindCleanup, cleanup.Kind())
	assert.NotEqual(t, tk.ID(), cleanup.ID())
	assert.Len(t, reg.List(), 2)
}

func TestRegistry_CreateUnknownKind(t *testing.T) {
	reg := testRegistry(t)

	_, err := reg.Create(Kind("transcode"), Params{})
	assert.ErrorIs(t, err, ErrUnknownTaskKind)
	assert.Empty(t, reg.List())
}

func TestRegistry_CreateFactoryError(t *testing.T) {
	reg := testRegistry(t)

	_, err := reg.Create(KindProcessFrames, Params{})
	assert.Error(t, err)
	assert.Empty(t, reg.List())
}

func TestRegistry_IDsAreNotReused(t *testing.T) {
	reg := testRegistry(t)
	ids := []string{"dup", "dup", "fresh"}
	reg.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first, err := reg.Create(KindProcessFrames, Params{FilePath: "/tmp/a.mp4"})
	require.NoError(t, err)
	second, err := reg.Create(KindProcessFrames, Params{FilePath: "/tmp/b.mp4"})
	require.NoError(t, err)

	assert.Equal(t, "dup", first.ID())
	assert.Equal(t, "fresh", second.ID())
}

func TestRegistry_Delete(t *testing.T) {
	reg := testRegistry(t)
	tk, err := reg.Create(KindCleanup, Params{})
	require.NoError(t, err)

	t.Run("running task is stopped and removed", func(t *testing.T) {
		tk.Start()
		require.NoError(t, reg.Delete(tk.ID()))
		assert.True(t, tk.IsStopped())
		waitTerminated(t, tk)

		_, err := reg.Get(tk.ID())
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("unknown id is reported and registry stays usable", func(t *testing.T) {
		err := reg.Delete("missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.ErrorIs(t, reg.Delete(tk.ID()), ErrTaskNotFound)

		next, err := reg.Create(KindProcessFrames, Params{FilePath: "/tmp/c.mp4"})
		require.NoError(t, err)
		_, err = reg.Get(next.ID())
		assert.NoError(t, err)
	})
}

func TestRegistry_Progress(t *testing.T) {
	reg := testRegistry(t)
	assert.Equal(t, 0, reg.Progress("nope"))

	tk, err := reg.Create(KindProcessFrames, Params{FilePath: "/tmp/a.mp4"})
	require.NoError(t, err)
	tk.Start()
	waitTerminated(t, tk)
	assert.Equal(t, 100, reg.Progress(tk.ID()))

	cleanup, err := reg.Create(KindCleanup, Params{})
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Progress(cleanup.ID()))

	require.NoError(t, reg.Delete(tk.ID()))
	assert.Equal(t, 0, reg.Progress(tk.ID()))
}

func TestRegistry_Prune(t *testing.T) {
	reg := testRegistry(t)
	done, err := reg.Create(KindProcessFrames, Params{FilePath: "/tmp/a.mp4"})
	require.NoError(t, err)
	done.Start()
	waitTerminated(t, done)

	pending, err := reg.Create(KindProcessFrames, Params{FilePath: "/tmp/b.mp4"})
	require.NoError(t, err)

	assert.Equal(t, 0, reg.Prune(time.Hour))
	assert.Equal(t, 1, reg.Prune(0))

	_, err = reg.Get(done.ID())
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = reg.Get(pending.ID())
	assert.NoError(t, err)
}

func TestRegistry_Shutdown(t *testing.T) {
	reg := testRegistry(t)
	var tasks []Task
	for i := 0; i < 3; i++ {
		tk, err := reg.Create(KindCleanup, Params{})
		require.NoError(t, err)
		tk.Start()
		tasks = append(tasks, tk)
	}
	idle, err := reg.Create(KindCleanup, Params{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, reg.Shutdown(ctx))
	for _, tk := range tasks {
		assert.Equal(t, StateTerminated, tk.State())
	}
	assert.True(t, idle.IsStopped())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := testRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := reg.Create(KindProcessFrames, Params{FilePath: fmt.Sprintf("/tmp/%d.mp4", i)})
			if err != nil {
				t.Error(err)
				return
			}
			_, _ = reg.Get(tk.ID())
			_ = reg.Progress(tk.ID())
			if err := reg.Delete(tk.ID()); err != nil && !errors.Is(err, ErrTaskNotFound) {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, reg.List())
}
