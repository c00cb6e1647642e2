package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasreg/carte-extractor/internal/model"
	"github.com/atlasreg/carte-extractor/internal/monitoring"
	"github.com/atlasreg/carte-extractor/internal/pipeline"
	"github.com/atlasreg/carte-extractor/internal/preprocess"
	"github.com/atlasreg/carte-extractor/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction API server",
	Long:  "Serves the HTTP API for submitting registration documents and polling job status. With the memory queue driver, an embedded worker processes jobs in the same process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)

		// With the memory queue there is no separate worker process; consume
		// in-process so submitted jobs actually run.
		if cfg.Queue.Driver == "memory" {
			if cfg.Mistral.Key == "" {
				return eris.New("mistral.key is required when running the embedded worker")
			}
			w := pipeline.NewWorker(env.Queue, env.Pipeline, cfg.Pipeline.WorkerConcurrency)
			g.Go(func() error { return w.Run(ctx) })
		}

		if cfg.Monitoring.Enabled {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			collector := monitoring.NewCollector(env.Store)
			g.Go(func() error {
				alerter.Watch(ctx, collector)
				return nil
			})
		}

		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the HTTP API: submission and polling under /api/v1, plus
// health and metrics endpoints.
func newRouter(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Store.Ping(req.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  "store unreachable",
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Method(http.MethodGet, "/metrics", env.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/extractions", handleSubmit(env))
		r.Get("/extractions", handleList(env))
		r.Get("/extractions/{id}", handleGet(env))
		r.Get("/countries", handleCountries(env))
		r.Get("/stats", handleStats(env))
	})

	return r
}

// handleSubmit accepts a multipart upload (file + country_code), creates a
// pending job, and enqueues it. Unsupported countries are accepted here and
// fail asynchronously; only unreadable uploads are rejected up front.
func handleSubmit(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		maxBytes := cfg.Server.MaxUploadBytes
		req.Body = http.MaxBytesReader(w, req.Body, maxBytes)

		if err := req.ParseMultipartForm(maxBytes); err != nil {
			respondError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}

		countryCode := req.FormValue("country_code")
		if countryCode == "" {
			respondError(w, http.StatusBadRequest, "country_code is required")
			return
		}

		file, header, err := req.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close() //nolint:errcheck

		data, err := io.ReadAll(file)
		if err != nil {
			respondError(w, http.StatusBadRequest, "could not read file")
			return
		}
		if !preprocess.IsValidImage(data) {
			respondError(w, http.StatusBadRequest, "file is not a decodable image")
			return
		}

		job, task, err := env.Pipeline.Submit(req.Context(), header.Filename, countryCode, data)
		if err != nil {
			zap.L().Error("submit: create job failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "could not create job")
			return
		}
		if err := env.Queue.Enqueue(req.Context(), task); err != nil {
			// The job record exists but will never be picked up; fail it so
			// the client is not left polling a pending job forever.
			zap.L().Error("submit: enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
			_ = env.Store.FailJob(req.Context(), job.ID, model.FailureInternal, "could not enqueue job")
			respondError(w, http.StatusInternalServerError, "could not enqueue job")
			return
		}

		respondJSON(w, http.StatusAccepted, job)
	}
}

func handleGet(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		job, err := env.Store.GetJob(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				respondError(w, http.StatusNotFound, "job not found")
				return
			}
			zap.L().Error("get job failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "could not load job")
			return
		}
		respondJSON(w, http.StatusOK, job)
	}
}

func handleList(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		filter := store.JobFilter{
			Status:      model.JobStatus(q.Get("status")),
			CountryCode: q.Get("country_code"),
		}
		filter.Limit, _ = strconv.Atoi(q.Get("limit"))
		filter.Offset, _ = strconv.Atoi(q.Get("offset"))

		jobs, err := env.Store.ListJobs(req.Context(), filter)
		if err != nil {
			zap.L().Error("list jobs failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "could not list jobs")
			return
		}
		if jobs == nil {
			jobs = []model.Job{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func handleCountries(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"countries": env.Registry.Countries()})
	}
}

func handleStats(env *pipelineEnv) http.HandlerFunc {
	collector := monitoring.NewCollector(env.Store)
	return func(w http.ResponseWriter, req *http.Request) {
		lookback, _ := strconv.Atoi(req.URL.Query().Get("lookback_hours"))
		if lookback <= 0 {
			lookback = 24
		}
		snap, err := collector.Collect(req.Context(), lookback)
		if err != nil {
			zap.L().Error("collect stats failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "could not collect stats")
			return
		}
		respondJSON(w, http.StatusOK, snap)
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
