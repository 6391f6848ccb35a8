package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"taskrunner/internal/core"
)

// ErrAliasTaken is returned when another definition already uses the alias.
var ErrAliasTaken = errors.New("task alias already in use")

const taskColumns = `t.id, t.name, t.alias, t.task_type, t.cron, t.enabled, t.stop_on_error, t.parameters,
	t.version, t.last_start_at, t.last_end_at, t.last_success_at, t.last_outcome, t.next_run_at,
	t.created_at, t.updated_at,
	(SELECT COUNT(1) FROM task_executions e WHERE e.task_id = t.id AND e.outcome = 'running') AS running_count`

type taskRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Alias         string         `db:"alias"`
	TaskType      string         `db:"task_type"`
	Cron          string         `db:"cron"`
	Enabled       int64          `db:"enabled"`
	StopOnError   int64          `db:"stop_on_error"`
	Parameters    string         `db:"parameters"`
	Version       int64          `db:"version"`
	LastStartAt   sql.NullString `db:"last_start_at"`
	LastEndAt     sql.NullString `db:"last_end_at"`
	LastSuccessAt sql.NullString `db:"last_success_at"`
	LastOutcome   sql.NullString `db:"last_outcome"`
	NextRunAt     sql.NullString `db:"next_run_at"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
	RunningCount  int64          `db:"running_count"`
}

func (r *taskRow) toCore() (*core.TaskDefinition, error) {
	task := &core.TaskDefinition{
		ID:          r.ID,
		Name:        r.Name,
		Alias:       r.Alias,
		Type:        r.TaskType,
		Cron:        r.Cron,
		Enabled:     r.Enabled != 0,
		StopOnError: r.StopOnError != 0,
		Version:     r.Version,
		IsRunning:   r.RunningCount > 0,
	}
	if strings.TrimSpace(r.Parameters) != "" {
		if err := json.Unmarshal([]byte(r.Parameters), &task.Parameters); err != nil {
			return nil, errors.Wrapf(err, "decode parameters of task %s", r.ID)
		}
	}
	var err error
	if task.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{r.LastStartAt, &task.LastStartAt},
		{r.LastEndAt, &task.LastEndAt},
		{r.LastSuccessAt, &task.LastSuccessAt},
		{r.NextRunAt, &task.NextRunAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := parseTime(f.src.String)
		if err != nil {
			return nil, err
		}
		*f.dst = &t
	}
	if r.LastOutcome.Valid {
		o := core.Outcome(r.LastOutcome.String)
		task.LastOutcome = &o
	}
	return task, nil
}

func encodeParameters(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrap(err, "encode parameters")
	}
	return string(data), nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Enabled *bool
}

// InsertTask stores a new definition at version 1.
func (s *Store) InsertTask(ctx context.Context, task *core.TaskDefinition) error {
	if task.ID == "" {
		task.ID = core.NewID()
	}
	if existing, err := s.GetTaskByAlias(ctx, task.Alias); err == nil && existing != nil {
		return errors.Wrapf(ErrAliasTaken, "%q", task.Alias)
	} else if err != nil && !errors.Is(err, core.ErrTaskNotFound) {
		return err
	}
	params, err := encodeParameters(task.Parameters)
	if err != nil {
		return err
	}
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Version = 1
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_definitions (id, name, alias, task_type, cron, enabled, stop_on_error, parameters,
			version, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.Name, task.Alias, task.Type, task.Cron, boolInt(task.Enabled), boolInt(task.StopOnError),
		params, task.Version, nullableTime(task.NextRunAt), formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "insert task")
	}
	return nil
}

// UpdateTask writes the editable fields when task.Version still matches the stored
// row. On success task.Version is advanced.
func (s *Store) UpdateTask(ctx context.Context, task *core.TaskDefinition) error {
	params, err := encodeParameters(task.Parameters)
	if err != nil {
		return err
	}
	if other, err := s.GetTaskByAlias(ctx, task.Alias); err == nil && other.ID != task.ID {
		return errors.Wrapf(ErrAliasTaken, "%q", task.Alias)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_definitions
		SET name = ?, alias = ?, task_type = ?, cron = ?, enabled = ?, stop_on_error = ?, parameters = ?,
			next_run_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`), task.Name, task.Alias, task.Type, task.Cron, boolInt(task.Enabled), boolInt(task.StopOnError), params,
		nullableTime(task.NextRunAt), formatTime(now), task.ID, task.Version)
	if err != nil {
		return errors.Wrap(err, "update task")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update task rows")
	}
	if rows == 0 {
		if _, err := s.GetTask(ctx, task.ID); err != nil {
			return err
		}
		return errors.Wrapf(core.ErrVersionConflict, "task %s at version %d", task.ID, task.Version)
	}
	task.Version++
	task.UpdatedAt = now
	return nil
}

// SetTaskEnabled toggles scheduling regardless of the caller's version and bumps
// the version so in-flight claims computed from the old row lose.
func (s *Store) SetTaskEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time) (*core.TaskDefinition, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_definitions
		SET enabled = ?, next_run_at = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`), boolInt(enabled), nullableTime(nextRunAt), formatTime(s.now()), id)
	if err != nil {
		return nil, errors.Wrap(err, "set task enabled")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, core.ErrTaskNotFound
	}
	return s.GetTask(ctx, id)
}

// DeleteTask removes the definition, its history and run logs.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	var execIDs []string
	if err := s.db.SelectContext(ctx, &execIDs, s.db.Rebind(`SELECT id FROM task_executions WHERE task_id = ?`), id); err != nil {
		return errors.Wrap(err, "list task executions")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM task_executions WHERE task_id = ?`), id); err != nil {
		return errors.Wrap(err, "delete task executions")
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM task_definitions WHERE id = ?`), id)
	if err != nil {
		return errors.Wrap(err, "delete task")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTaskNotFound
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit delete")
	}
	for _, execID := range execIDs {
		s.removeRunLog(execID)
	}
	return nil
}

// GetTask loads one definition with its running flag.
func (s *Store) GetTask(ctx context.Context, id string) (*core.TaskDefinition, error) {
	return s.getTaskWhere(ctx, "t.id = ?", id)
}

// GetTaskByAlias loads a definition by its unique alias.
func (s *Store) GetTaskByAlias(ctx context.Context, alias string) (*core.TaskDefinition, error) {
	return s.getTaskWhere(ctx, "t.alias = ?", alias)
}

func (s *Store) getTaskWhere(ctx context.Context, where string, arg any) (*core.TaskDefinition, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+taskColumns+` FROM task_definitions t WHERE `+where), arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, errors.Wrap(err, "get task")
	}
	return row.toCore()
}

// ListTasks returns definitions ordered by creation time, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*core.TaskDefinition, error) {
	query := `SELECT ` + taskColumns + ` FROM task_definitions t`
	var args []any
	if filter.Enabled != nil {
		query += ` WHERE t.enabled = ?`
		args = append(args, boolInt(*filter.Enabled))
	}
	query += ` ORDER BY t.created_at DESC`
	return s.selectTasks(ctx, query, args...)
}

// ListSchedulable returns enabled definitions in a stable order.
func (s *Store) ListSchedulable(ctx context.Context) ([]*core.TaskDefinition, error) {
	return s.selectTasks(ctx, `SELECT `+taskColumns+` FROM task_definitions t WHERE t.enabled = 1 ORDER BY t.created_at, t.id`)
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...any) ([]*core.TaskDefinition, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "query tasks")
	}
	tasks := make([]*core.TaskDefinition, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toCore()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
