package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasreg/carte-extractor/internal/queue"
)

// Worker consumes tasks from the queue and runs them through the pipeline.
// Each delivered task is handled by exactly one goroutine at a time; the
// queue's per-message delivery contract provides cross-process exclusivity.
type Worker struct {
	queue       queue.Queue
	pipeline    *Pipeline
	concurrency int
}

// NewWorker creates a Worker with the given consumer concurrency.
func NewWorker(q queue.Queue, p *Pipeline, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{queue: q, pipeline: p, concurrency: concurrency}
}

// Run blocks consuming the queue until the context is cancelled or the
// queue closes. One bad job never stops the loop: domain failures are
// already absorbed into failed job records by Process, and transport
// errors are logged and leave the delivery unacknowledged for redelivery.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "worker"))
	log.Info("worker: starting consumers", zap.Int("concurrency", w.concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				task, err := w.queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil || eris.Is(err, queue.ErrClosed) {
						return nil
					}
					log.Error("worker: dequeue failed", zap.Error(err))
					continue
				}

				if err := w.pipeline.Process(ctx, task); err != nil {
					// Could not record the job's fate; leave the delivery
					// unacknowledged so the transport redelivers it.
					log.Error("worker: processing failed, leaving task for redelivery",
						zap.String("job_id", task.JobID),
						zap.Error(err),
					)
					continue
				}

				if err := w.queue.Ack(ctx, task); err != nil {
					log.Warn("worker: ack failed",
						zap.String("job_id", task.JobID),
						zap.Error(err),
					)
				}
			}
		})
	}
	return g.Wait()
}
