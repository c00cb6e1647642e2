package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atlasreg/carte-extractor/internal/extraction"
	"github.com/atlasreg/carte-extractor/internal/monitoring"
	"github.com/atlasreg/carte-extractor/internal/pipeline"
	"github.com/atlasreg/carte-extractor/internal/queue"
	"github.com/atlasreg/carte-extractor/internal/resilience"
	"github.com/atlasreg/carte-extractor/internal/schema"
	"github.com/atlasreg/carte-extractor/internal/store"
	"github.com/atlasreg/carte-extractor/pkg/mistral"
)

// pipelineEnv holds the initialized store, queue, and pipeline shared by the
// serve/worker/submit commands.
type pipelineEnv struct {
	Store    store.Store
	Queue    queue.Queue
	Pipeline *pipeline.Pipeline
	Registry *schema.Registry
	Metrics  *monitoring.Metrics
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Queue != nil {
		_ = pe.Queue.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "carte.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initQueue(ctx context.Context) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return queue.NewMemory(0), nil
	case "redis":
		return queue.NewRedis(ctx, queue.RedisOptions{
			URL:        cfg.Queue.RedisURL,
			QueueKey:   cfg.Queue.Key,
			ConsumerID: cfg.Queue.ConsumerID,
		})
	default:
		return nil, eris.Errorf("unsupported queue driver: %s", cfg.Queue.Driver)
	}
}

// initPipeline sets up the store, queue, schema registry, model client, and
// pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	// Dependencies may still be booting when we start (common in container
	// deployments), so connection setup gets a few retries.
	startupRetry := resilience.DefaultRetryConfig()
	startupRetry.MaxAttempts = 5
	startupRetry.ShouldRetry = resilience.RetryAll

	startupRetry.OnRetry = resilience.RetryLogger(cfg.Store.Driver, "connect")
	st, err := resilience.DoVal(ctx, startupRetry, func(ctx context.Context) (store.Store, error) {
		return initStore(ctx)
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	startupRetry.OnRetry = resilience.RetryLogger(cfg.Queue.Driver, "connect")
	q, err := resilience.DoVal(ctx, startupRetry, func(ctx context.Context) (queue.Queue, error) {
		return initQueue(ctx)
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry, err := schema.New()
	if err != nil {
		_ = q.Close()
		_ = st.Close()
		return nil, eris.Wrap(err, "load country schemas")
	}
	zap.L().Info("country schemas loaded", zap.Strings("countries", registry.Countries()))

	aiClient := mistral.NewClient(cfg.Mistral.Key,
		mistral.WithBaseURL(cfg.Mistral.BaseURL),
		mistral.WithModel(cfg.Mistral.Model),
	)

	metrics := monitoring.NewMetrics()
	p := pipeline.New(pipeline.Config{
		ExtractionTimeout: time.Duration(cfg.Pipeline.ExtractionTimeoutSecs) * time.Second,
		RequestsPerSecond: cfg.Pipeline.RequestsPerSecond,
	}, st, extraction.NewProtocol(registry), aiClient, metrics)

	return &pipelineEnv{
		Store:    st,
		Queue:    q,
		Pipeline: p,
		Registry: registry,
		Metrics:  metrics,
	}, nil
}
