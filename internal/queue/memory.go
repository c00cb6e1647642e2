package queue

import (
	"context"
	"sync"

	"github.com/atlasreg/carte-extractor/internal/model"
)

// MemoryQueue is an in-process Queue for single-binary deployments and
// tests. Tasks live in a buffered channel; Ack is a no-op because an
// in-process crash loses the process anyway.
type MemoryQueue struct {
	tasks chan model.Task

	// mu guards closed. Enqueue holds the read side across the channel send
	// so Close cannot close the channel mid-send; Close takes the write side
	// and therefore waits out in-flight sends.
	mu     sync.RWMutex
	closed bool
}

// NewMemory creates a MemoryQueue with the given buffer capacity.
func NewMemory(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemoryQueue{tasks: make(chan model.Task, capacity)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task model.Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (model.Task, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return model.Task{}, ErrClosed
		}
		return task, nil
	case <-ctx.Done():
		return model.Task{}, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, task model.Task) error {
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	return nil
}
