package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameQueue_FIFO(t *testing.T) {
	q := NewFrameQueue(8)
	ctx := context.Background()

	go func() {
		for i := 0; i < 20; i++ {
			_ = q.Push(ctx, Payload([]byte(fmt.Sprint(i))))
		}
		_ = q.Push(ctx, Sentinel)
	}()

	for i := 0; i < 20; i++ {
		c, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.False(t, c.IsSentinel(), "sentinel before frame %d", i)
		assert.Equal(t, fmt.Sprint(i), string(c.Bytes()))
	}
	c, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, c.IsSentinel())
	assert.Nil(t, c.Bytes())
}

func TestFrameQueue_Backpressure(t *testing.T) {
	const k = 3
	q := NewFrameQueue(k)
	ctx := context.Background()

	for i := 0; i < k; i++ {
		require.NoError(t, q.Push(ctx, Payload([]byte{byte(i)})))
	}
	assert.Equal(t, k, q.Len())

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(ctx, Payload([]byte{k})) }()

	select {
	case <-pushed:
		t.Fatal("push on a full queue returned before a pop")
	case <-time.After(50 * time.Millisecond):
	}

	c, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, c.Bytes())

	select {
	case err := <-pushed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer did not resume after a pop")
	}
}

func TestFrameQueue_PushCancelled(t *testing.T) {
	q := NewFrameQueue(1)
	require.NoError(t, q.Push(context.Background(), Payload(nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := q.Push(ctx, Payload(nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFrameQueue_PopTimeout(t *testing.T) {
	q := NewFrameQueue(0)
	assert.Equal(t, 1, q.Cap())

	start := time.Now()
	_, err := q.Pop(context.Background(), 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrPollTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
