package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"taskrunner/internal/core"
)

// AbandonedError is recorded on runs a previous process left unfinished.
const AbandonedError = "abandoned: the process owning this run exited before it finished"

const executionColumns = `id, task_id, outcome, trigger_kind, started_at, ended_at, error_text,
	progress_value, progress_max, progress_message, machine_name, cancel_requested`

type executionRow struct {
	ID              string         `db:"id"`
	TaskID          string         `db:"task_id"`
	Outcome         string         `db:"outcome"`
	Trigger         string         `db:"trigger_kind"`
	StartedAt       string         `db:"started_at"`
	EndedAt         sql.NullString `db:"ended_at"`
	Error           sql.NullString `db:"error_text"`
	ProgressValue   int64          `db:"progress_value"`
	ProgressMax     int64          `db:"progress_max"`
	ProgressMessage sql.NullString `db:"progress_message"`
	MachineName     string         `db:"machine_name"`
	CancelRequested int64          `db:"cancel_requested"`
}

func (r *executionRow) toCore() (*core.ExecutionRecord, error) {
	started, err := parseTime(r.StartedAt)
	if err != nil {
		return nil, err
	}
	rec := &core.ExecutionRecord{
		ID:              r.ID,
		TaskID:          r.TaskID,
		Outcome:         core.Outcome(r.Outcome),
		Trigger:         core.Trigger(r.Trigger),
		StartedAt:       started,
		ProgressValue:   r.ProgressValue,
		ProgressMax:     r.ProgressMax,
		MachineName:     r.MachineName,
		CancelRequested: r.CancelRequested != 0,
	}
	if r.EndedAt.Valid {
		t, err := parseTime(r.EndedAt.String)
		if err != nil {
			return nil, err
		}
		rec.EndedAt = &t
	}
	if r.Error.Valid {
		rec.Error = &r.Error.String
	}
	if r.ProgressMessage.Valid {
		rec.ProgressMessage = &r.ProgressMessage.String
	}
	return rec, nil
}

// ClaimTask moves a definition to running and inserts its history record in one
// transaction. The conditional update matches only the version the poller read,
// so concurrent pollers racing for the same due task produce exactly one winner.
func (s *Store) ClaimTask(ctx context.Context, claim core.Claim) error {
	if claim.Execution == nil {
		return errors.New("claim without execution record")
	}
	exec := claim.Execution
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin claim")
	}
	defer tx.Rollback()

	query := `
		UPDATE task_definitions
		SET version = version + 1, last_start_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`
	if claim.RequireEnabled {
		query += ` AND enabled = 1`
	}
	query += `
		AND NOT EXISTS (SELECT 1 FROM task_executions e WHERE e.task_id = ? AND e.outcome = 'running')`
	res, err := tx.ExecContext(ctx, tx.Rebind(query),
		formatTime(exec.StartedAt), nullableTime(claim.NextRunAt), formatTime(now),
		claim.TaskID, claim.ExpectedVersion, claim.TaskID)
	if err != nil {
		return errors.Wrap(err, "claim task")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "claim task rows")
	}
	if rows == 0 {
		return errors.Wrapf(core.ErrClaimConflict, "task %s at version %d", claim.TaskID, claim.ExpectedVersion)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO task_executions (id, task_id, outcome, trigger_kind, started_at, progress_value, progress_max,
			machine_name, cancel_requested, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, 0, ?)
	`), exec.ID, claim.TaskID, core.OutcomeRunning, exec.Trigger, formatTime(exec.StartedAt),
		exec.MachineName, formatTime(now)); err != nil {
		return errors.Wrap(err, "insert execution")
	}
	return errors.Wrap(tx.Commit(), "commit claim")
}

// UpdateProgress overwrites the progress of a running execution.
func (s *Store) UpdateProgress(ctx context.Context, executionID string, value, max int64, message *string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_executions
		SET progress_value = ?, progress_max = ?, progress_message = ?
		WHERE id = ? AND outcome = 'running'
	`), value, max, nullableString(message), executionID)
	return errors.Wrap(err, "update progress")
}

// FinishExecution finalizes the history record and the definition bookkeeping together.
func (s *Store) FinishExecution(ctx context.Context, result core.ExecutionResult) error {
	if !result.Outcome.Finished() {
		return errors.Newf("cannot finish execution with outcome %q", result.Outcome)
	}
	ended := formatTime(result.EndedAt)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin finish")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE task_executions
		SET outcome = ?, ended_at = ?, error_text = ?, progress_value = ?, progress_max = ?, progress_message = ?
		WHERE id = ? AND outcome = 'running'
	`), result.Outcome, ended, nullableString(result.Error), result.ProgressValue, result.ProgressMax,
		nullableString(result.ProgressMessage), result.ExecutionID)
	if err != nil {
		return errors.Wrap(err, "finish execution")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.Wrapf(core.ErrExecutionNotFound, "running execution %s", result.ExecutionID)
	}

	sets := []string{"last_end_at = ?", "last_outcome = ?", "next_run_at = ?", "version = version + 1", "updated_at = ?"}
	args := []any{ended, result.Outcome, nullableTime(result.NextRunAt), formatTime(s.now())}
	if result.Outcome == core.OutcomeSucceeded {
		sets = append(sets, "last_success_at = ?")
		args = append(args, ended)
	}
	if result.DisableTask {
		sets = append(sets, "enabled = 0")
	}
	args = append(args, result.TaskID)
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE task_definitions SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...); err != nil {
		return errors.Wrap(err, "update task bookkeeping")
	}
	return errors.Wrap(tx.Commit(), "commit finish")
}

// RunningExecution returns the running record of a task, if any.
func (s *Store) RunningExecution(ctx context.Context, taskID string) (*core.ExecutionRecord, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+executionColumns+`
		FROM task_executions WHERE task_id = ? AND outcome = 'running'
		ORDER BY started_at DESC LIMIT 1`), taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrExecutionNotFound
		}
		return nil, errors.Wrap(err, "get running execution")
	}
	return row.toCore()
}

// RequestCancel flags a running execution so its owning node stops it.
func (s *Store) RequestCancel(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_executions SET cancel_requested = 1 WHERE id = ? AND outcome = 'running'
	`), executionID)
	if err != nil {
		return errors.Wrap(err, "request cancel")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrNotRunning
	}
	return nil
}

// ListCancelRequested returns running executions on machineName that were asked to stop.
func (s *Store) ListCancelRequested(ctx context.Context, machineName string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM task_executions
		WHERE machine_name = ? AND outcome = 'running' AND cancel_requested = 1
	`), machineName)
	return ids, errors.Wrap(err, "list cancel requests")
}

// AbandonRunning fails every record still running on machineName. Called at startup,
// when no run of this machine can still be alive.
func (s *Store) AbandonRunning(ctx context.Context, machineName string, at time.Time) (int, error) {
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+executionColumns+`
		FROM task_executions WHERE machine_name = ? AND outcome = 'running'`), machineName); err != nil {
		return 0, errors.Wrap(err, "list abandoned runs")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	msg := AbandonedError
	for _, row := range rows {
		err := s.FinishExecution(ctx, core.ExecutionResult{
			ExecutionID:     row.ID,
			TaskID:          row.TaskID,
			Outcome:         core.OutcomeFailed,
			EndedAt:         at,
			Error:           &msg,
			ProgressValue:   row.ProgressValue,
			ProgressMax:     row.ProgressMax,
			ProgressMessage: nullStringPtr(row.ProgressMessage),
			NextRunAt:       s.currentNextRun(ctx, row.TaskID),
		})
		if err != nil && !errors.Is(err, core.ErrExecutionNotFound) {
			return 0, errors.Wrapf(err, "abandon execution %s", row.ID)
		}
	}
	return len(rows), nil
}

func (s *Store) currentNextRun(ctx context.Context, taskID string) *time.Time {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil
	}
	return task.NextRunAt
}

// GetExecution loads one history record.
func (s *Store) GetExecution(ctx context.Context, id string) (*core.ExecutionRecord, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+executionColumns+` FROM task_executions WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrExecutionNotFound
		}
		return nil, errors.Wrap(err, "get execution")
	}
	return row.toCore()
}

// ListExecutions returns a task's history, newest first.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+executionColumns+`
		FROM task_executions
		WHERE task_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?`), taskID, limit, offset); err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	out := make([]*core.ExecutionRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toCore()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// PruneExecutions keeps the newest keep finished records of a task and deletes
// the rest along with their run logs. Running records are never pruned.
func (s *Store) PruneExecutions(ctx context.Context, taskID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM task_executions
		WHERE task_id = ? AND outcome <> 'running'
		ORDER BY started_at DESC, id DESC
	`), taskID); err != nil {
		return 0, errors.Wrap(err, "query executions for pruning")
	}
	if len(ids) <= keep {
		return 0, nil
	}
	stale := ids[keep:]
	query, args, err := sqlx.In(`DELETE FROM task_executions WHERE id IN (?)`, stale)
	if err != nil {
		return 0, errors.Wrap(err, "expand prune query")
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return 0, errors.Wrap(err, "delete executions")
	}
	for _, id := range stale {
		s.removeRunLog(id)
	}
	return len(stale), nil
}

// RunLogPath returns the combined output file of an execution.
func (s *Store) RunLogPath(executionID string) string {
	return filepath.Join(s.stateDir, "runs", executionID, "combined.log")
}

// EnsureRunLogDir makes sure the directory for an execution's log exists.
func (s *Store) EnsureRunLogDir(executionID string) error {
	return os.MkdirAll(filepath.Dir(s.RunLogPath(executionID)), 0o755)
}

func (s *Store) removeRunLog(executionID string) {
	if s.stateDir == "" {
		return
	}
	_ = os.RemoveAll(filepath.Dir(s.RunLogPath(executionID)))
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
