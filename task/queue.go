package task

import (
	"context"
	"time"
)

// Chunk is one item of a frame queue: a framed payload, or the terminal
// sentinel that no payload can be mistaken for.
type Chunk struct {
	data []byte
	last bool
}

// Payload wraps framed bytes for the queue.
func Payload(b []byte) Chunk { return Chunk{data: b} }

// Sentinel marks the end of a stream. Nothing is queued after it.
var Sentinel = Chunk{last: true}

func (c Chunk) Bytes() []byte { return c.data }

func (c Chunk) IsSentinel() bool { return c.last }

// FrameQueue is a bounded FIFO between one producing task and one consumer.
// A full queue blocks the producer.
type FrameQueue struct {
	items chan Chunk
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{items: make(chan Chunk, capacity)}
}

// Push blocks until there is room or ctx ends.
func (q *FrameQueue) Push(ctx context.Context, c Chunk) error {
	select {
	case q.items <- c:
		return nil
	default:
	}
	select {
	case q.items <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop waits up to timeout for the next chunk. It returns ErrPollTimeout when
// nothing arrived in time, or ctx's error when ctx ends first.
func (q *FrameQueue) Pop(ctx context.Context, timeout time.Duration) (Chunk, error) {
	select {
	case c := <-q.items:
		return c, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-q.items:
		return c, nil
	case <-timer.C:
		return Chunk{}, ErrPollTimeout
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

func (q *FrameQueue) Len() int { return len(q.items) }

func (q *FrameQueue) Cap() int { return cap(q.items) }
