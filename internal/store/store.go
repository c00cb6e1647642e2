package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/atlasreg/carte-extractor/internal/model"
)

// ErrNotFound is returned when no job exists for the given id.
var ErrNotFound = eris.New("store: job not found")

// ErrInvalidTransition is returned when a terminal write targets a job that
// is not in the processing state. Terminal states are sinks: once a job is
// completed or failed, nothing moves it again.
var ErrInvalidTransition = eris.New("store: invalid status transition")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status       model.JobStatus `json:"status,omitempty"`
	CountryCode  string          `json:"country_code,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for extraction jobs.
//
// Only the orchestrator mutates a job's status and result; everything else
// reads by id. ClaimJob is the race-safe pending->processing transition:
// a conditional update that succeeds for exactly one caller.
type Store interface {
	// CreateJob persists a new job in the pending state and returns it.
	CreateJob(ctx context.Context, filename, countryCode string) (*model.Job, error)

	// GetJob returns the job by id, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// ClaimJob atomically moves a pending job to processing. It returns the
	// job's current record and whether this caller won the claim. A false
	// claim with a nil error means the job was already claimed or terminal;
	// callers inspect the returned status to decide whether to proceed.
	ClaimJob(ctx context.Context, jobID string) (*model.Job, bool, error)

	// CompleteJob moves a processing job to completed with its extraction
	// result. Returns ErrInvalidTransition if the job is not processing.
	CompleteJob(ctx context.Context, jobID string, result *model.JobResult) error

	// FailJob moves a pending or processing job to failed with an error
	// kind and message. Returns ErrInvalidTransition if the job is already
	// terminal.
	FailJob(ctx context.Context, jobID string, kind model.FailureKind, message string) error

	// Migrate creates or updates the backing tables.
	Migrate(ctx context.Context) error

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}
