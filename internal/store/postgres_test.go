package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echo-labs/echo-cli/internal/model"
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

var runColumns = []string{"id", "user_id", "status", "result", "created_at", "updated_at"}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), int64(42), "queued", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), 42)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, user_id, status, result, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_WithResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(runColumns).
		AddRow("run-1", int64(42), model.RunStatusComplete, []byte(`{"story_ref":"500","degraded":false,"attempts":1,"event_count":3,"steps":[]}`), now, now)
	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), run.UserID)
	require.NotNil(t, run.Result)
	assert.Equal(t, model.StoryRef("500"), run.Result.StoryRef)
	assert.Equal(t, 3, run.Result.EventCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1`).
		WithArgs("paying", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "missing", model.RunStatusPaying)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET result = \$1, status = \$2, story_ref = \$3, degraded = \$4`).
		WithArgs(pgxmock.AnyArg(), "degraded", "sim-1700000000000", true, pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteRun(context.Background(), "run-1", model.RunStatusDegraded, &model.RunResult{
		StoryRef: "sim-1700000000000",
		Degraded: true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(runColumns).
		AddRow("run-1", int64(7), model.RunStatusFailed, []byte(`{"error":"payment"}`), now, now)
	mock.ExpectQuery(`AND status = \$1 AND user_id = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("failed", int64(7), 10, 5).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusFailed, UserID: 7, Limit: 10, Offset: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "payment", runs[0].Result.Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Outcome(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	degraded := true

	rows := pgxmock.NewRows(runColumns).
		AddRow("run-2", int64(7), model.RunStatusDegraded, []byte(`{"story_ref":"500","degraded":true}`), now, now)
	mock.ExpectQuery(`AND story_ref = \$1 AND degraded = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("500", true, 100).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), RunFilter{StoryRef: "500", Degraded: &degraded})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Result.Degraded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Steps(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO run_steps`).
		WithArgs(pgxmock.AnyArg(), "run-1", model.StepFinalStory, "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE run_steps SET status = \$1, result = \$2 WHERE id = \$3`).
		WithArgs("complete", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	step, err := s.CreateStep(context.Background(), "run-1", model.StepFinalStory)
	require.NoError(t, err)
	err = s.CompleteStep(context.Background(), step.ID, &model.StepResult{Name: model.StepFinalStory, Status: model.StepStatusComplete, Attempts: 2})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
