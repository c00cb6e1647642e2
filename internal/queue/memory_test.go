package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasreg/carte-extractor/internal/model"
)

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemory(4)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck
	ctx := context.Background()

	task := model.Task{JobID: "job-1", CountryCode: "FR", ImageBase64: "aW1hZ2U="}
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task, got)

	assert.NoError(t, q.Ack(ctx, got))
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemory(4)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, model.Task{JobID: id}))
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.JobID)
	}
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory(1)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck
	ctx := context.Background()

	done := make(chan model.Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err == nil {
			done <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, model.Task{JobID: "late"}))

	select {
	case task := <-done:
		assert.Equal(t, "late", task.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not unblock after enqueue")
	}
}

func TestMemoryQueue_DequeueRespectsContext(t *testing.T) {
	q := NewMemory(1)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_EnqueueAfterClose(t *testing.T) {
	q := NewMemory(1)
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), model.Task{JobID: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryQueue_DequeueAfterCloseDrains(t *testing.T) {
	q := NewMemory(2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.Task{JobID: "queued"}))
	require.NoError(t, q.Close())

	// Buffered tasks remain consumable after close; then ErrClosed.
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "queued", got.JobID)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryQueue_CloseIdempotent(t *testing.T) {
	q := NewMemory(1)
	require.NoError(t, q.Close())
	assert.NoError(t, q.Close())
}

func TestMemoryQueue_EnqueueCloseRace(t *testing.T) {
	// A send racing Close must end in ErrClosed, never a panic on a closed
	// channel.
	q := NewMemory(2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := q.Enqueue(ctx, model.Task{JobID: "race"}); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}()
	}

	// Keep the buffer moving so enqueuers stay active until the close lands.
	go func() {
		for {
			if _, err := q.Dequeue(ctx); err != nil {
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	wg.Wait()
}
