// Package pipeline drives an extraction job from pending to a terminal
// state: claim, preprocess, build the model request, call the model,
// validate, commit. Every anticipated failure is converted into a failed
// job record; nothing here is allowed to crash the worker loop.
package pipeline

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlasreg/carte-extractor/internal/extraction"
	"github.com/atlasreg/carte-extractor/internal/model"
	"github.com/atlasreg/carte-extractor/internal/monitoring"
	"github.com/atlasreg/carte-extractor/internal/preprocess"
	"github.com/atlasreg/carte-extractor/internal/schema"
	"github.com/atlasreg/carte-extractor/internal/store"
	"github.com/atlasreg/carte-extractor/internal/validation"
	"github.com/atlasreg/carte-extractor/pkg/mistral"
)

// Config holds pipeline behavior settings.
type Config struct {
	// ExtractionTimeout bounds a single model call. Jobs exceeding it fail
	// with an extraction error instead of sitting in processing forever.
	// Default: 1 hour.
	ExtractionTimeout time.Duration

	// RequestsPerSecond throttles model calls across all workers sharing
	// this pipeline. Zero means no throttle.
	RequestsPerSecond float64
}

// Pipeline orchestrates the extraction state machine. All dependencies are
// injected; the pipeline holds no process-global state and is safe for
// concurrent use by multiple workers.
type Pipeline struct {
	cfg      Config
	store    store.Store
	protocol *extraction.Protocol
	ai       mistral.Client
	limiter  *rate.Limiter
	metrics  *monitoring.Metrics
}

// New creates a Pipeline with all dependencies.
func New(cfg Config, st store.Store, protocol *extraction.Protocol, ai mistral.Client, metrics *monitoring.Metrics) *Pipeline {
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = time.Hour
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		protocol: protocol,
		ai:       ai,
		limiter:  limiter,
		metrics:  metrics,
	}
}

// Submit creates a pending job record for an uploaded document and returns
// it along with the queue task that must be enqueued. The caller owns the
// actual enqueue so transports stay out of the pipeline's dependencies.
func (p *Pipeline) Submit(ctx context.Context, filename, countryCode string, image []byte) (*model.Job, model.Task, error) {
	job, err := p.store.CreateJob(ctx, filename, countryCode)
	if err != nil {
		return nil, model.Task{}, eris.Wrap(err, "pipeline: create job")
	}
	if p.metrics != nil {
		p.metrics.JobsSubmitted.Inc()
	}
	task := model.Task{
		JobID:       job.ID,
		CountryCode: countryCode,
		ImageBase64: base64.StdEncoding.EncodeToString(image),
	}
	return job, task, nil
}

// Process runs the state machine for one delivered task. It returns an
// error only for transport-level problems (store unreachable) where the
// job's fate could not be recorded; every domain failure ends as a failed
// job record and a nil return so the delivery can be acknowledged.
func (p *Pipeline) Process(ctx context.Context, task model.Task) (err error) {
	log := zap.L().With(zap.String("job_id", task.JobID))
	start := time.Now()

	// An unanticipated fault must fail the job, not kill the worker.
	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline: panic while processing job", zap.Any("panic", r))
			err = p.fail(ctx, log, task.JobID, model.FailureInternal, eris.Errorf("unexpected fault: %v", r))
		}
	}()

	// Claim before doing any work: a crash mid-processing is then visible
	// as a job stuck in processing rather than silently lost.
	job, claimed, err := p.store.ClaimJob(ctx, task.JobID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			log.Warn("pipeline: task references unknown job, dropping")
			return nil
		}
		return eris.Wrap(err, "pipeline: claim job")
	}
	if !claimed {
		if job.Status.Terminal() {
			// Redelivery of a finished job: do not charge the model again.
			log.Info("pipeline: job already terminal, skipping redelivery",
				zap.String("status", string(job.Status)))
			return nil
		}
		// Already processing: a previous delivery died mid-flight. This
		// delivery now owns the job and runs it to a terminal state.
		log.Warn("pipeline: reprocessing job found in processing state")
	}

	log.Info("pipeline: processing job", zap.String("country_code", job.CountryCode))

	// Stage 1: preprocess the image.
	raw, err := base64.StdEncoding.DecodeString(task.ImageBase64)
	if err != nil {
		return p.fail(ctx, log, job.ID, model.FailurePreprocessing, eris.Wrap(err, "decode image payload"))
	}
	processed, err := preprocess.Preprocess(raw)
	if err != nil {
		return p.fail(ctx, log, job.ID, model.FailurePreprocessing, err)
	}

	// Stage 2: resolve the schema and build the model request. Unsupported
	// countries fail here, before any network cost.
	req, err := p.protocol.BuildRequest(job.CountryCode, processed)
	if err != nil {
		if eris.Is(err, schema.ErrUnsupportedCountry) {
			return p.fail(ctx, log, job.ID, model.FailureUnsupportedCountry, err)
		}
		return p.fail(ctx, log, job.ID, model.FailureInternal, err)
	}

	// Stage 3: call the model, bounded by the extraction timeout. No retry
	// here: redelivery policy belongs to the queue, and the claim check
	// above keeps redelivery from double-charging.
	fields, err := p.extract(ctx, req)
	if err != nil {
		return p.fail(ctx, log, job.ID, model.FailureExtraction, err)
	}

	// Stage 4: validate. Validation never fails a job; it only annotates.
	report := validation.Validate(fields, job.CountryCode)

	result := &model.JobResult{
		RawExtraction:     fields,
		ValidationResults: report,
	}
	if err := p.store.CompleteJob(ctx, job.ID, result); err != nil {
		if eris.Is(err, store.ErrInvalidTransition) {
			log.Warn("pipeline: job reached terminal state elsewhere, keeping first result")
			return nil
		}
		return eris.Wrap(err, "pipeline: commit completed job")
	}

	if p.metrics != nil {
		p.metrics.JobsCompleted.Inc()
		p.metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	}
	log.Info("pipeline: job completed",
		zap.Int("fields_extracted", len(fields)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// extract performs the single blocking call in the pipeline.
func (p *Pipeline) extract(ctx context.Context, req mistral.ChatRequest) (model.Fields, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExtractionTimeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "pipeline: rate limit wait")
		}
	}

	content, err := p.ai.Chat(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: model call")
	}
	fields, err := extraction.ParseResponse([]byte(content))
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// fail commits a terminal failure. A failed commit is a transport problem
// and is returned so the delivery is not acknowledged.
func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, jobID string, kind model.FailureKind, cause error) error {
	log.Warn("pipeline: job failed",
		zap.String("error_kind", string(kind)),
		zap.Error(cause),
	)
	if err := p.store.FailJob(ctx, jobID, kind, eris.ToString(cause, false)); err != nil {
		if eris.Is(err, store.ErrInvalidTransition) {
			log.Warn("pipeline: job already terminal, keeping first outcome")
			return nil
		}
		return eris.Wrapf(err, "pipeline: commit failed job %s", jobID)
	}
	if p.metrics != nil {
		p.metrics.JobsFailed.WithLabelValues(string(kind)).Inc()
	}
	return nil
}
