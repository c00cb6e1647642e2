package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atlasreg/carte-extractor/internal/model"
	"github.com/atlasreg/carte-extractor/internal/queue"
)

func waitForStatus(t *testing.T, p *Pipeline, jobID string, want model.JobStatus) *model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := p.store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

func TestWorker_ProcessesQueuedJobs(t *testing.T) {
	ai := new(mockMistralClient)
	ai.On("Chat", mock.Anything, mock.Anything).
		Return(`{"marque":"RENAULT"}`, nil)

	p, _ := newTestPipeline(t, ai)
	q := queue.NewMemory(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(q, p, 2)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	img := testImage(t)
	var jobIDs []string
	for i := 0; i < 3; i++ {
		job, task, err := p.Submit(ctx, "carte.jpg", "FR", img)
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, task))
		jobIDs = append(jobIDs, job.ID)
	}

	for _, id := range jobIDs {
		waitForStatus(t, p, id, model.JobStatusCompleted)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorker_BadJobDoesNotStopLoop(t *testing.T) {
	ai := new(mockMistralClient)
	ai.On("Chat", mock.Anything, mock.Anything).
		Return(`{"marque":"RENAULT"}`, nil)

	p, _ := newTestPipeline(t, ai)
	q := queue.NewMemory(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(q, p, 1)
	go func() { _ = w.Run(ctx) }()

	// First a task for an unsupported country, then a healthy one.
	badJob, badTask, err := p.Submit(ctx, "carte.jpg", "XX", testImage(t))
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, badTask))

	goodJob, goodTask, err := p.Submit(ctx, "carte.jpg", "FR", testImage(t))
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, goodTask))

	bad := waitForStatus(t, p, badJob.ID, model.JobStatusFailed)
	assert.Equal(t, model.FailureUnsupportedCountry, bad.Result.ErrorKind)
	waitForStatus(t, p, goodJob.ID, model.JobStatusCompleted)
}

func TestWorker_StopsWhenQueueCloses(t *testing.T) {
	ai := new(mockMistralClient)
	p, _ := newTestPipeline(t, ai)
	q := queue.NewMemory(1)

	w := NewWorker(q, p, 1)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
