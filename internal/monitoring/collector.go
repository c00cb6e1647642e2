// Package monitoring provides health reporting for the extraction service:
// Prometheus instruments fed by the pipeline, plus a periodic collector and
// threshold alerter over the job store.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/atlasreg/carte-extractor/internal/model"
	"github.com/atlasreg/carte-extractor/internal/store"
)

// stuckThreshold is how long a job may sit in processing before the
// collector counts it as stuck. Comfortably above the extraction timeout.
const stuckThreshold = 2 * time.Hour

// Snapshot holds a point-in-time view of job health within a lookback window.
type Snapshot struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	// FailRate is failed / (completed + failed) within the window.
	FailRate float64 `json:"fail_rate"`

	// FailuresByKind breaks down failed jobs by their error kind.
	FailuresByKind map[string]int `json:"failures_by_kind,omitempty"`

	// StuckProcessing counts jobs in processing whose last update is older
	// than the stuck threshold; they indicate a crashed worker whose task
	// was never redelivered.
	StuckProcessing int `json:"stuck_processing"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers job statistics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector over the given store.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of job health over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := time.Now().UTC()
	snap := &Snapshot{
		FailuresByKind: make(map[string]int),
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
	}

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.Total = len(jobs)
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusPending:
			snap.Pending++
		case model.JobStatusProcessing:
			snap.Processing++
			if now.Sub(j.UpdatedAt) > stuckThreshold {
				snap.StuckProcessing++
			}
		case model.JobStatusCompleted:
			snap.Completed++
		case model.JobStatusFailed:
			snap.Failed++
			if j.Result != nil && j.Result.ErrorKind != "" {
				snap.FailuresByKind[string(j.Result.ErrorKind)]++
			}
		}
	}

	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	return snap, nil
}
