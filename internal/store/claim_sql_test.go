package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/core"
)

// newMockStore returns a postgres-flavoured store so the rebinding of every
// statement to $n placeholders is exercised.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dialect, err := DialectFor("postgres")
	require.NoError(t, err)
	s := New(sqlx.NewDb(db, "postgres"), dialect, "")
	s.now = func() time.Time { return base }
	return s, mock
}

func testClaim() core.Claim {
	return core.Claim{
		TaskID:          "task-1",
		ExpectedVersion: 7,
		RequireEnabled:  true,
		Execution: &core.ExecutionRecord{
			ID:          "exec-1",
			TaskID:      "task-1",
			Outcome:     core.OutcomeRunning,
			Trigger:     core.TriggerSchedule,
			StartedAt:   base,
			MachineName: "node-a",
		},
	}
}

func TestClaimTaskSQLConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE task_definitions SET version = version \+ 1, last_start_at = \$1, next_run_at = \$2, updated_at = \$3 WHERE id = \$4 AND version = \$5 AND enabled = 1 AND NOT EXISTS \(SELECT 1 FROM task_executions e WHERE e.task_id = \$6 AND e.outcome = 'running'\)`).
		WithArgs(formatTime(base), nil, formatTime(base), "task-1", int64(7), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.ClaimTask(context.Background(), testClaim())
	assert.True(t, errors.Is(err, core.ErrClaimConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTaskSQLWinner(t *testing.T) {
	s, mock := newMockStore(t)
	claim := testClaim()
	claim.RequireEnabled = false
	next := base.Add(time.Minute)
	claim.NextRunAt = &next

	mock.ExpectBegin()
	mock.ExpectExec(`WHERE id = \$4 AND version = \$5 AND NOT EXISTS`).
		WithArgs(formatTime(base), formatTime(next), formatTime(base), "task-1", int64(7), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_executions`).
		WithArgs("exec-1", "task-1", core.OutcomeRunning, core.TriggerSchedule, formatTime(base), "node-a", formatTime(base)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.ClaimTask(context.Background(), claim))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTaskSQLInsertFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE task_definitions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_executions`).WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	err := s.ClaimTask(context.Background(), testClaim())
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrClaimConflict))
	assert.Contains(t, err.Error(), "insert execution")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishExecutionSQLDisablesTask(t *testing.T) {
	s, mock := newMockStore(t)
	errText := "boom"

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE task_executions SET outcome = \$1`).
		WithArgs(core.OutcomeFailed, formatTime(base), errText, int64(0), int64(0), nil, "exec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE task_definitions SET last_end_at = \$1, last_outcome = \$2, next_run_at = \$3, version = version \+ 1, updated_at = \$4, enabled = 0 WHERE id = \$5`).
		WithArgs(formatTime(base), core.OutcomeFailed, nil, formatTime(base), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.FinishExecution(context.Background(), core.ExecutionResult{
		ExecutionID: "exec-1",
		TaskID:      "task-1",
		Outcome:     core.OutcomeFailed,
		EndedAt:     base,
		Error:       &errText,
		DisableTask: true,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCancelRequestedSQL(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id FROM task_executions WHERE machine_name = \$1 AND outcome = 'running' AND cancel_requested = 1`).
		WithArgs("node-a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("exec-1").AddRow("exec-2"))

	ids, err := s.ListCancelRequested(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1", "exec-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
