package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/core"
	"taskrunner/internal/store"
)

type harness struct {
	svc       *Service
	store     *store.Store
	scheduler *core.Scheduler
	release   chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Driver: "sqlite", StateDir: t.TempDir()})
	require.NoError(t, err)

	registry := core.NewRegistry()
	h := &harness{store: st, release: make(chan struct{})}
	registry.MustRegister("test.noop", core.FuncFactory(func(ec *core.ExecutionContext) error { return nil }))
	registry.MustRegister("test.wait", core.FuncFactory(func(ec *core.ExecutionContext) error {
		select {
		case <-h.release:
			return nil
		case <-ec.Done():
			return ec.Err()
		}
	}))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.scheduler = core.NewScheduler(st, registry, logger, core.SchedulerConfig{MachineName: "node-a"})
	h.svc = New(st, h.scheduler, registry, time.UTC)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.scheduler.Stop(ctx)
		_ = st.Close()
	})
	return h
}

func (h *harness) create(t *testing.T, in TaskInput) *core.TaskDefinition {
	t.Helper()
	task, err := h.svc.CreateTask(context.Background(), in)
	require.NoError(t, err)
	return task
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input TaskInput
		check func(error) bool
	}{
		{"missing name and alias", TaskInput{Type: "test.noop", Cron: "* * * * *"}, func(err error) bool { return errors.Is(err, ErrInvalidInput) }},
		{"bad alias", TaskInput{Name: "x", Alias: "Has Spaces", Type: "test.noop", Cron: "* * * * *"}, func(err error) bool { return errors.Is(err, ErrInvalidInput) }},
		{"missing type", TaskInput{Name: "x", Cron: "* * * * *"}, func(err error) bool { return errors.Is(err, ErrInvalidInput) }},
		{"unknown type", TaskInput{Name: "x", Type: "nope", Cron: "* * * * *"}, core.IsTaskNotFound},
		{"bad cron", TaskInput{Name: "x", Type: "test.noop", Cron: "@daily"}, func(err error) bool { return errors.Is(err, core.ErrInvalidCron) }},
		{"cron that never fires", TaskInput{Name: "x", Type: "test.noop", Cron: "0 0 30 2 *"}, func(err error) bool { return errors.Is(err, core.ErrInvalidCron) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateTask(ctx, tc.input)
			require.Error(t, err)
			assert.True(t, tc.check(err), err.Error())
		})
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)
	h.svc.now = func() time.Time { return now }

	task := h.create(t, TaskInput{Name: "  Nightly Backup (prod)!  ", Type: "test.noop", Cron: "0 3 * * *"})
	assert.Equal(t, "nightly-backup-prod", task.Alias)
	assert.Equal(t, "Nightly Backup (prod)!", task.Name)
	assert.True(t, task.Enabled)
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC), *task.NextRunAt)

	off := false
	disabled := h.create(t, TaskInput{Name: "later", Type: "test.noop", Cron: "* * * * *", Enabled: &off})
	assert.False(t, disabled.Enabled)
	assert.Nil(t, disabled.NextRunAt)

	_, err := h.svc.CreateTask(context.Background(), TaskInput{Name: "dup", Alias: "later", Type: "test.noop", Cron: "* * * * *"})
	assert.True(t, errors.Is(err, store.ErrAliasTaken))

	byAlias, err := h.svc.GetTask(context.Background(), "nightly-backup-prod")
	require.NoError(t, err)
	assert.Equal(t, task.ID, byAlias.ID)

	_, err = h.svc.GetTask(context.Background(), "unknown")
	assert.True(t, errors.Is(err, core.ErrTaskNotFound))
}

func TestUpdateTaskChecksVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, TaskInput{Name: "report", Type: "test.noop", Cron: "* * * * *"})

	cron := "*/5 * * * *"
	updated, err := h.svc.UpdateTask(ctx, task.ID, TaskPatch{Version: task.Version, Cron: &cron, Parameters: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, cron, updated.Cron)
	assert.Equal(t, "v", updated.Parameters["k"])
	assert.Equal(t, task.Version+1, updated.Version)

	_, err = h.svc.UpdateTask(ctx, task.ID, TaskPatch{Version: task.Version, Cron: &cron})
	assert.True(t, errors.Is(err, core.ErrVersionConflict))

	_, err = h.svc.UpdateTask(ctx, task.ID, TaskPatch{Cron: &cron})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	bad := "not cron"
	_, err = h.svc.UpdateTask(ctx, task.ID, TaskPatch{Version: updated.Version, Cron: &bad})
	assert.True(t, errors.Is(err, core.ErrInvalidCron))

	never := "0 0 30 2 *"
	_, err = h.svc.UpdateTask(ctx, task.ID, TaskPatch{Version: updated.Version, Cron: &never})
	assert.True(t, errors.Is(err, core.ErrInvalidCron))
	stored, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, cron, stored.Cron)
}

func TestSetEnabledRecomputesNextRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, TaskInput{Name: "toggle", Type: "test.noop", Cron: "* * * * *"})

	off, err := h.svc.SetEnabled(ctx, task.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	assert.Nil(t, off.NextRunAt)
	assert.Equal(t, core.StateDisabled, off.State(time.Now()))

	on, err := h.svc.SetEnabled(ctx, task.ID, true)
	require.NoError(t, err)
	assert.True(t, on.Enabled)
	assert.NotNil(t, on.NextRunAt)
	assert.Greater(t, on.Version, off.Version)

	enabled := true
	list, err := h.svc.ListTasks(ctx, &enabled)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunNowStopAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, TaskInput{Name: "long", Type: "test.wait", Cron: "0 0 1 1 *"})

	run, err := h.svc.RunNow(ctx, task.ID, map[string]string{"reason": "test"}, "tester")
	require.NoError(t, err)
	assert.Equal(t, core.TriggerManual, run.Trigger)

	_, err = h.svc.RunNow(ctx, task.ID, nil, "tester")
	assert.True(t, errors.Is(err, core.ErrAlreadyRunning))
	assert.True(t, errors.Is(h.svc.DeleteTask(ctx, task.ID), core.ErrAlreadyRunning))

	require.NoError(t, h.svc.Stop(ctx, task.ID))
	h.scheduler.Wait()

	got, err := h.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeCancelled, got.Outcome)
	assert.True(t, got.CancelRequested)

	assert.True(t, errors.Is(h.svc.Stop(ctx, task.ID), core.ErrNotRunning))
	assert.True(t, errors.Is(h.svc.Stop(ctx, "missing"), core.ErrTaskNotFound))

	runs, err := h.svc.ListRuns(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	require.NoError(t, h.svc.DeleteTask(ctx, task.ID))
	_, err = h.svc.ListRuns(ctx, task.ID, 10, 0)
	assert.True(t, errors.Is(err, core.ErrTaskNotFound))
}

func TestStopWithoutScheduler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, TaskInput{Name: "remote", Type: "test.wait", Cron: "0 0 1 1 *"})

	run, err := h.svc.RunNow(ctx, task.ID, nil, "tester")
	require.NoError(t, err)

	offline := New(h.store, nil, core.NewRegistry(), nil)
	require.NoError(t, offline.Stop(ctx, task.ID))
	got, err := offline.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, core.OutcomeRunning, got.Outcome, "only the owning scheduler stops the run")

	_, err = offline.RunNow(ctx, task.ID, nil, "tester")
	assert.True(t, errors.Is(err, core.ErrSchedulerStopped))

	close(h.release)
	h.scheduler.Wait()
}

func TestReadRunLogTail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, TaskInput{Name: "logs", Type: "test.noop", Cron: "0 0 1 1 *"})
	run, err := h.svc.RunNow(ctx, task.ID, nil, "tester")
	require.NoError(t, err)
	h.scheduler.Wait()

	content, err := h.svc.ReadRunLog(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, content, "a run without output has an empty log")

	require.NoError(t, h.store.EnsureRunLogDir(run.ID))
	require.NoError(t, os.WriteFile(h.svc.RunLogPath(run.ID), []byte("one\ntwo\nthree\nfour\n"), 0o644))

	content, err = h.svc.ReadRunLog(ctx, run.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "three\nfour", content)
	content, err = h.svc.ReadRunLog(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, len(strings.Split(content, "\n")))

	_, err = h.svc.ReadRunLog(ctx, "missing", 0)
	assert.True(t, errors.Is(err, core.ErrExecutionNotFound))
}

func TestPreviewCron(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	times, err := h.svc.PreviewCron("*/15 * * * *", base, 3)
	require.NoError(t, err)
	require.Len(t, times, 3)
	assert.Equal(t, base.Add(15*time.Minute), times[0].UTC())

	times, err = h.svc.PreviewCron("* * * * *", base, 99)
	require.NoError(t, err)
	assert.Len(t, times, 5)

	_, err = h.svc.PreviewCron("bogus", base, 1)
	assert.True(t, errors.Is(err, core.ErrInvalidCron))
	_, err = h.svc.PreviewCron("0 0 30 2 *", base, 1)
	assert.True(t, errors.Is(err, core.ErrInvalidCron))

	assert.Equal(t, []string{"test.noop", "test.wait"}, h.svc.TaskTypes())
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "daily-report", slugify("Daily Report"))
	assert.Equal(t, "a.b_c-d", slugify("--A.b_c  d--"))
	assert.Equal(t, "", slugify("!!!"))
}
