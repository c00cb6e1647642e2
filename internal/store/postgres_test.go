package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasreg/carte-extractor/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func jobColumns() []string {
	return []string{"id", "filename", "country_code", "status", "result", "created_at", "updated_at"}
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), "carte.jpg", "FR", "pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.CreateJob(context.Background(), "carte.jpg", "FR")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	resultJSON, err := json.Marshal(&model.JobResult{Error: "model call timed out", ErrorKind: model.FailureExtraction})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, filename, country_code, status, result, created_at, updated_at FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumns()).
			AddRow("job-1", "carte.jpg", "FR", model.JobStatusFailed, resultJSON, now, now))

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, model.FailureExtraction, job.Result.ErrorKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, filename, country_code, status, result, created_at, updated_at FROM jobs WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJob_Wins(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE jobs SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("processing", pgxmock.AnyArg(), "job-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT id, filename, country_code, status, result, created_at, updated_at FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumns()).
			AddRow("job-1", "carte.jpg", "FR", model.JobStatusProcessing, []byte(nil), now, now))

	job, claimed, err := s.ClaimJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJob_AlreadyTerminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE jobs SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("processing", pgxmock.AnyArg(), "job-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, filename, country_code, status, result, created_at, updated_at FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumns()).
			AddRow("job-1", "carte.jpg", "FR", model.JobStatusCompleted, []byte(`{"raw_extraction":{}}`), now, now))

	job, claimed, err := s.ClaimJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, result = \$2, updated_at = \$3 WHERE id = \$4 AND status = \$5`).
		WithArgs("completed", pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteJob(context.Background(), "job-1", &model.JobResult{
		RawExtraction: model.Fields{"marque": strptr("RENAULT")},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_InvalidTransition(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE jobs SET status = \$1, result = \$2, updated_at = \$3 WHERE id = \$4 AND status = \$5`).
		WithArgs("completed", pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, filename, country_code, status, result, created_at, updated_at FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumns()).
			AddRow("job-1", "carte.jpg", "FR", model.JobStatusFailed, []byte(`{"error":"x","error_kind":"internal_error"}`), now, now))

	err := s.CompleteJob(context.Background(), "job-1", &model.JobResult{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, result = \$2, updated_at = \$3 WHERE id = \$4 AND status IN \(\$5, \$6\)`).
		WithArgs("failed", pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1", "pending", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FailJob(context.Background(), "job-1", model.FailurePreprocessing, "decode image")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailJob_MissingJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, result = \$2, updated_at = \$3 WHERE id = \$4 AND status IN \(\$5, \$6\)`).
		WithArgs("failed", pgxmock.AnyArg(), pgxmock.AnyArg(), "missing", "pending", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, filename, country_code, status, result, created_at, updated_at FROM jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err := s.FailJob(context.Background(), "missing", model.FailureInternal, "boom")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_WithFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, filename, country_code, status, result, created_at, updated_at FROM jobs WHERE 1=1 AND status = \$1 AND country_code = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("failed", "FR", 10).
		WillReturnRows(pgxmock.NewRows(jobColumns()).
			AddRow("job-1", "a.jpg", "FR", model.JobStatusFailed, []byte(`{"error":"x","error_kind":"extraction_error"}`), now, now).
			AddRow("job-2", "b.jpg", "FR", model.JobStatusFailed, []byte(`{"error":"y","error_kind":"internal_error"}`), now, now))

	jobs, err := s.ListJobs(context.Background(), JobFilter{
		Status:      model.JobStatusFailed,
		CountryCode: "FR",
		Limit:       10,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, model.FailureExtraction, jobs[0].Result.ErrorKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS jobs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
