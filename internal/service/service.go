// Package service implements the administrative operations shared by the HTTP
// API, the MCP tools and the CLI.
package service

import (
	"bufio"
	"context"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"taskrunner/internal/core"
	"taskrunner/internal/store"
)

// ErrInvalidInput marks validation failures of administrative requests.
var ErrInvalidInput = errors.New("invalid input")

var aliasPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

// Service validates and applies administrative changes.
type Service struct {
	store     *store.Store
	scheduler *core.Scheduler
	registry  *core.Registry
	location  *time.Location
	now       func() time.Time
}

// New wires the service. scheduler may be nil for offline commands; run and stop
// then report ErrSchedulerStopped.
func New(s *store.Store, scheduler *core.Scheduler, registry *core.Registry, location *time.Location) *Service {
	if location == nil {
		location = time.UTC
	}
	return &Service{
		store:     s,
		scheduler: scheduler,
		registry:  registry,
		location:  location,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Location is the zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location { return s.location }

// TaskInput describes a new task definition.
type TaskInput struct {
	Name        string            `json:"name" yaml:"name"`
	Alias       string            `json:"alias" yaml:"alias"`
	Type        string            `json:"type" yaml:"type"`
	Cron        string            `json:"cron" yaml:"cron"`
	Enabled     *bool             `json:"enabled,omitempty" yaml:"enabled"`
	StopOnError bool              `json:"stop_on_error" yaml:"stop_on_error"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters"`
}

// TaskPatch changes selected fields of a definition read at Version.
type TaskPatch struct {
	Version     int64             `json:"version"`
	Name        *string           `json:"name,omitempty"`
	Alias       *string           `json:"alias,omitempty"`
	Type        *string           `json:"type,omitempty"`
	Cron        *string           `json:"cron,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	StopOnError *bool             `json:"stop_on_error,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// CreateTask validates and stores a new definition.
func (s *Service) CreateTask(ctx context.Context, in TaskInput) (*core.TaskDefinition, error) {
	task := &core.TaskDefinition{
		Name:        strings.TrimSpace(in.Name),
		Alias:       strings.TrimSpace(in.Alias),
		Type:        strings.TrimSpace(in.Type),
		Cron:        strings.TrimSpace(in.Cron),
		Enabled:     in.Enabled == nil || *in.Enabled,
		StopOnError: in.StopOnError,
		Parameters:  in.Parameters,
	}
	if task.Alias == "" {
		task.Alias = slugify(task.Name)
	}
	if task.Name == "" {
		task.Name = task.Alias
	}
	if err := s.validate(task); err != nil {
		return nil, err
	}
	now := s.now()
	task.CreatedAt = now
	if err := s.refreshNextRun(task); err != nil {
		return nil, err
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask applies a patch when patch.Version still matches the stored row.
func (s *Service) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*core.TaskDefinition, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Version <= 0 {
		return nil, errors.Wrap(ErrInvalidInput, "version is required")
	}
	if patch.Version != task.Version {
		return nil, errors.Wrapf(core.ErrVersionConflict, "task %s is at version %d", id, task.Version)
	}
	if patch.Name != nil {
		task.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Alias != nil {
		task.Alias = strings.TrimSpace(*patch.Alias)
	}
	if patch.Type != nil {
		task.Type = strings.TrimSpace(*patch.Type)
	}
	if patch.Cron != nil {
		task.Cron = strings.TrimSpace(*patch.Cron)
	}
	if patch.Enabled != nil {
		task.Enabled = *patch.Enabled
	}
	if patch.StopOnError != nil {
		task.StopOnError = *patch.StopOnError
	}
	if patch.Parameters != nil {
		task.Parameters = patch.Parameters
	}
	if err := s.validate(task); err != nil {
		return nil, err
	}
	if err := s.refreshNextRun(task); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return s.store.GetTask(ctx, id)
}

// SetEnabled toggles scheduling. Disabling is the soft delete.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*core.TaskDefinition, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Enabled = enabled
	if err := s.refreshNextRun(task); err != nil {
		return nil, err
	}
	return s.store.SetTaskEnabled(ctx, id, enabled, task.NextRunAt)
}

// DeleteTask removes a definition and its history. Running tasks must be stopped first.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.IsRunning {
		return errors.Wrap(core.ErrAlreadyRunning, "stop the task before deleting it")
	}
	return s.store.DeleteTask(ctx, id)
}

// GetTask loads a definition by id or alias.
func (s *Service) GetTask(ctx context.Context, idOrAlias string) (*core.TaskDefinition, error) {
	task, err := s.store.GetTask(ctx, idOrAlias)
	if errors.Is(err, core.ErrTaskNotFound) {
		return s.store.GetTaskByAlias(ctx, idOrAlias)
	}
	return task, err
}

// ListTasks returns definitions, optionally filtered by the enabled flag.
func (s *Service) ListTasks(ctx context.Context, enabled *bool) ([]*core.TaskDefinition, error) {
	return s.store.ListTasks(ctx, store.TaskFilter{Enabled: enabled})
}

// RunNow triggers a manual run.
func (s *Service) RunNow(ctx context.Context, id string, params map[string]string, requestedBy string) (*core.ExecutionRecord, error) {
	if s.scheduler == nil {
		return nil, core.ErrSchedulerStopped
	}
	return s.scheduler.RunNow(ctx, id, &core.RunRequest{Params: params, RequestedBy: requestedBy})
}

// Stop requests cancellation of the task's running execution.
func (s *Service) Stop(ctx context.Context, id string) error {
	if s.scheduler == nil {
		if _, err := s.store.GetTask(ctx, id); err != nil {
			return err
		}
		rec, err := s.store.RunningExecution(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrExecutionNotFound) {
				return core.ErrNotRunning
			}
			return err
		}
		return s.store.RequestCancel(ctx, rec.ID)
	}
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return err
	}
	return s.scheduler.Cancel(ctx, id)
}

// ListRuns returns a task's history, newest first.
func (s *Service) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.ExecutionRecord, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, taskID, limit, offset)
}

// GetRun loads one history record.
func (s *Service) GetRun(ctx context.Context, id string) (*core.ExecutionRecord, error) {
	return s.store.GetExecution(ctx, id)
}

// RunLogPath locates the captured output of a run.
func (s *Service) RunLogPath(id string) string {
	return s.store.RunLogPath(id)
}

// ReadRunLog returns the captured output of a run, limited to the last tail lines when tail > 0.
func (s *Service) ReadRunLog(ctx context.Context, id string, tail int) (string, error) {
	if _, err := s.store.GetExecution(ctx, id); err != nil {
		return "", err
	}
	f, err := os.Open(s.store.RunLogPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", errors.Wrap(err, "open run log")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if tail > 0 && len(lines) > tail {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "read run log")
	}
	return strings.Join(lines, "\n"), nil
}

// PreviewCron returns the next count occurrences of expr after base.
func (s *Service) PreviewCron(expr string, base time.Time, count int) ([]time.Time, error) {
	schedule, err := core.ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if _, err := core.NextAfter(expr, base, s.location); err != nil {
		return nil, err
	}
	if count <= 0 || count > 10 {
		count = 5
	}
	return core.NextOccurrences(schedule, base.In(s.location), count), nil
}

// TaskTypes lists the registered task body keys.
func (s *Service) TaskTypes() []string {
	return s.registry.Keys()
}

// RegisterParameters attaches runtime parameters to the task with the given alias.
func (s *Service) RegisterParameters(alias string, params map[string]string) {
	s.registry.SetParameters(alias, params)
}

func (s *Service) validate(task *core.TaskDefinition) error {
	if task.Name == "" {
		return errors.Wrap(ErrInvalidInput, "name is required")
	}
	if !aliasPattern.MatchString(task.Alias) {
		return errors.WithHint(
			errors.Wrapf(ErrInvalidInput, "alias %q", task.Alias),
			"use lowercase letters, digits, dot, dash or underscore",
		)
	}
	if task.Type == "" {
		return errors.Wrap(ErrInvalidInput, "type is required")
	}
	if !s.registry.Has(task.Type) {
		return &core.TaskNotFoundError{Key: task.Type}
	}
	// A schedule that parses but never matches is rejected here, not at poll time.
	if _, err := core.NextAfter(task.Cron, s.now(), s.location); err != nil {
		return err
	}
	return nil
}

func (s *Service) refreshNextRun(task *core.TaskDefinition) error {
	if !task.Enabled {
		task.NextRunAt = nil
		return nil
	}
	created := task.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	next, err := core.NextDue(task.Cron, task.LastStartAt, created, s.location)
	if err != nil {
		return err
	}
	task.NextRunAt = &next
	return nil
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
