// Package queue provides the job hand-off between the submission path and
// the workers: at-least-once delivery, no ordering guarantee across jobs.
package queue

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/atlasreg/carte-extractor/internal/model"
)

// ErrClosed is returned by Dequeue when the queue has been shut down.
var ErrClosed = eris.New("queue: closed")

// Queue is the transport contract the pipeline relies on. Delivery is
// at-least-once: a task not acknowledged before a worker crash will be
// redelivered, so consumers must tolerate duplicates (the orchestrator's
// claim check makes redelivery a no-op).
type Queue interface {
	// Enqueue hands a task to the transport.
	Enqueue(ctx context.Context, task model.Task) error

	// Dequeue blocks until a task is available or the context is done.
	Dequeue(ctx context.Context) (model.Task, error)

	// Ack marks a delivered task as fully handled. Unacked tasks are
	// eligible for redelivery.
	Ack(ctx context.Context, task model.Task) error

	Close() error
}
