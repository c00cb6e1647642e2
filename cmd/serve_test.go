package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasreg/carte-extractor/internal/config"
	"github.com/atlasreg/carte-extractor/internal/extraction"
	"github.com/atlasreg/carte-extractor/internal/model"
	"github.com/atlasreg/carte-extractor/internal/monitoring"
	"github.com/atlasreg/carte-extractor/internal/pipeline"
	"github.com/atlasreg/carte-extractor/internal/queue"
	"github.com/atlasreg/carte-extractor/internal/schema"
	"github.com/atlasreg/carte-extractor/internal/store"
	"github.com/atlasreg/carte-extractor/pkg/mistral"
)

// newTestEnv builds a pipelineEnv on sqlite and the memory queue, with the
// model client pointed at a stub server that always returns reply.
func newTestEnv(t *testing.T, reply string) *pipelineEnv {
	t.Helper()

	cfg = &config.Config{
		Server: config.ServerConfig{Port: 8080, MaxUploadBytes: 10 << 20},
	}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": reply}},
			},
		})
		_, _ = w.Write(body)
	}))
	t.Cleanup(aiSrv.Close)

	registry, err := schema.New()
	require.NoError(t, err)

	metrics := monitoring.NewMetrics()
	p := pipeline.New(pipeline.Config{
		ExtractionTimeout: 30 * time.Second,
	}, st, extraction.NewProtocol(registry), mistral.NewClient("test-key", mistral.WithBaseURL(aiSrv.URL)), metrics)

	q := queue.NewMemory(8)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck

	return &pipelineEnv{
		Store:    st,
		Queue:    q,
		Pipeline: p,
		Registry: registry,
		Metrics:  metrics,
	}
}

func testUpload(t *testing.T, countryCode string, fileContents []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if countryCode != "" {
		require.NoError(t, mw.WriteField("country_code", countryCode))
	}
	if fileContents != nil {
		fw, err := mw.CreateFormFile("file", "carte.png")
		require.NoError(t, err)
		_, err = fw.Write(fileContents)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 30, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRouter_Health(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEnv(t, `{}`)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Metrics(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEnv(t, `{}`)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_SubmitAcceptsJob(t *testing.T) {
	env := newTestEnv(t, `{"marque":"RENAULT"}`)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	body, contentType := testUpload(t, "FR", testPNG(t))
	resp, err := http.Post(srv.URL+"/api/v1/extractions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job model.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, "FR", job.CountryCode)
	assert.Equal(t, "carte.png", job.Filename)
	assert.Nil(t, job.Result)

	// The task must be waiting on the queue for a worker.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := env.Queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, task.JobID)
}

func TestRouter_SubmitUnsupportedCountryStillAccepted(t *testing.T) {
	// Country support is checked by the worker, not at submission time.
	srv := httptest.NewServer(newRouter(newTestEnv(t, `{}`)))
	defer srv.Close()

	body, contentType := testUpload(t, "XX", testPNG(t))
	resp, err := http.Post(srv.URL+"/api/v1/extractions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRouter_SubmitRejectsMissingCountry(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEnv(t, `{}`)))
	defer srv.Close()

	body, contentType := testUpload(t, "", testPNG(t))
	resp, err := http.Post(srv.URL+"/api/v1/extractions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_SubmitRejectsMissingFile(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEnv(t, `{}`)))
	defer srv.Close()

	body, contentType := testUpload(t, "FR", nil)
	resp, err := http.Post(srv.URL+"/api/v1/extractions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_SubmitRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEnv(t, `{}`)))
	defer srv.Close()

	body, contentType := testUpload(t, "FR", []byte("definitely not an image"))
	resp, err := http.Post(srv.URL+"/api/v1/extractions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Contains(t, errBody["error"], "image")
}

func TestRouter_GetJob(t *testing.T) {
	env := newTestEnv(t, `{}`)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	job, err := env.Store.CreateJob(context.Background(), "carte.png", "FR")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/extractions/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, job.ID, got.ID)
}

func TestRouter_GetJobNotFound(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEnv(t, `{}`)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/extractions/no-such-job")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_ListJobsFiltered(t *testing.T) {
	env := newTestEnv(t, `{}`)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	ctx := context.Background()
	_, err := env.Store.CreateJob(ctx, "a.png", "FR")
	require.NoError(t, err)
	_, err = env.Store.CreateJob(ctx, "b.png", "TN")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/extractions?country_code=TN")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Jobs []model.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "TN", body.Jobs[0].CountryCode)
}

func TestRouter_Countries(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEnv(t, `{}`)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/countries")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Countries []string `json:"countries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Countries, "FR")
	assert.Contains(t, body.Countries, "TN")
}

func TestRouter_Stats(t *testing.T) {
	env := newTestEnv(t, `{}`)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	ctx := context.Background()
	job, err := env.Store.CreateJob(ctx, "a.png", "FR")
	require.NoError(t, err)
	require.NoError(t, env.Store.FailJob(ctx, job.ID, model.FailureExtraction, "boom"))

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap monitoring.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 24, snap.LookbackHours)
}
