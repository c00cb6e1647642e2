package model

import (
	"time"
)

// JobStatus represents the current state of an extraction job.
// Statuses only advance: pending -> processing -> completed | failed.
// Completed and failed are terminal.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status has no outgoing transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// FailureKind classifies why a job ended in the failed state.
type FailureKind string

const (
	FailureUnsupportedCountry FailureKind = "unsupported_country"
	FailurePreprocessing      FailureKind = "preprocessing_error"
	FailureExtraction         FailureKind = "extraction_error"
	FailureInternal           FailureKind = "internal_error"
)

// Fields is a flat mapping of extracted field names to values. A nil value
// means the model reported the field as absent from the document.
type Fields map[string]*string

// FieldValidation is the per-field outcome of the validation engine.
type FieldValidation struct {
	Value   *string `json:"value"`
	IsValid bool    `json:"is_valid"`
	Message string  `json:"message"`
}

// ValidationReport maps field names to their validation outcome.
type ValidationReport map[string]FieldValidation

// JobResult holds the terminal outcome of a job. Exactly one of the two
// shapes is populated: RawExtraction/ValidationResults on completion,
// Error/ErrorKind on failure.
type JobResult struct {
	RawExtraction     Fields           `json:"raw_extraction,omitempty"`
	ValidationResults ValidationReport `json:"validation_results,omitempty"`
	Error             string           `json:"error,omitempty"`
	ErrorKind         FailureKind      `json:"error_kind,omitempty"`
}

// Job represents a single submitted document and its lifecycle state.
// Result is nil exactly while the job is pending or processing.
type Job struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	CountryCode string     `json:"country_code"`
	Status      JobStatus  `json:"status"`
	Result      *JobResult `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Task is the queue payload handed from the submission path to a worker.
// The image travels base64-encoded so payloads stay printable end to end.
type Task struct {
	JobID       string `json:"job_id"`
	CountryCode string `json:"country_code"`
	ImageBase64 string `json:"image_base64"`

	// Receipt is set by queue implementations that need a delivery handle
	// for acknowledgement. Opaque to the pipeline.
	Receipt string `json:"-"`
}
