// Package retry moves failed post-commit ledger steps out of the request path.
package retry

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueClosed = errors.New("retry queue closed")
	// ErrQueueFull means the job was dropped. The failure row stays open and
	// is picked up by the next requeue or a manual retry.
	ErrQueueFull = errors.New("retry queue full")
)

// Job points at a recorded ledger failure. The failure row carries the
// payload; the job only schedules another attempt.
type Job struct {
	FailureID string    `json:"failure_id"`
	Kind      string    `json:"kind"`
	OrderID   string    `json:"order_id"`
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before"`
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume blocks, handing jobs to handler until ctx ends.
	Consume(ctx context.Context, handler func(ctx context.Context, job Job) error) error
	Close() error
}

// MemoryQueue is a process-local Queue. Jobs do not survive a restart; the
// failure rows do, and are re-enqueued on startup. Enqueue never blocks.
type MemoryQueue struct {
	jobs   chan Job
	closed chan struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		jobs:   make(chan Job, capacity),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler func(ctx context.Context, job Job) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return ErrQueueClosed
		case job := <-q.jobs:
			if err := handler(ctx, job); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Len reports queued jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}
