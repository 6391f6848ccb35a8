package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Store abstracts the persistence layer used by the scheduler.
type Store interface {
	ProgressSink

	// ListSchedulable returns enabled definitions with IsRunning populated.
	ListSchedulable(ctx context.Context) ([]*TaskDefinition, error)
	GetTask(ctx context.Context, id string) (*TaskDefinition, error)

	// ClaimTask performs the compare-and-swap on the definition version and inserts
	// the running execution record. It returns ErrClaimConflict when the row moved.
	ClaimTask(ctx context.Context, claim Claim) error
	FinishExecution(ctx context.Context, result ExecutionResult) error

	RunningExecution(ctx context.Context, taskID string) (*ExecutionRecord, error)
	RequestCancel(ctx context.Context, executionID string) error
	ListCancelRequested(ctx context.Context, machineName string) ([]string, error)
	AbandonRunning(ctx context.Context, machineName string, at time.Time) (int, error)
}

// Notifier delivers failure notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// SchedulerConfig holds the scheduler's tunables and optional collaborators.
type SchedulerConfig struct {
	Location     *time.Location
	MachineName  string
	PollInterval time.Duration
	// ProgressInterval throttles progress writes and progress events per execution.
	// Zero forwards every update.
	ProgressInterval time.Duration
	// MaxConcurrent caps simultaneous executions in this process. Zero is unbounded.
	MaxConcurrent int
	Notifier      Notifier
	Events        EventPublisher
	// Now overrides the clock in tests.
	Now func() time.Time
}

const (
	defaultPollInterval = time.Minute
	finishTimeout       = 10 * time.Second
)

// PollReport summarizes one scan of the definition store.
type PollReport struct {
	Claimed   []string
	NotDue    int
	Skipped   int
	Conflicts int
	Invalid   int
	Errors    int
}

type execution struct {
	id     string
	taskID string
	cancel context.CancelFunc
}

// Scheduler polls the definition store for due tasks, claims them with an
// optimistic-concurrency write and runs their bodies asynchronously.
type Scheduler struct {
	store    Store
	registry *Registry
	logger   *slog.Logger
	cfg      SchedulerConfig
	location *time.Location
	now      func() time.Time
	sem      chan struct{}

	cron *cron.Cron

	mu         sync.Mutex
	baseCtx    context.Context
	baseCancel context.CancelFunc
	running    map[string]*execution // taskID -> execution
	started    bool
	stopped    bool
	wg         sync.WaitGroup
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, registry *Registry, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MachineName == "" {
		cfg.MachineName = "local"
	}
	if cfg.Events == nil {
		cfg.Events = NopPublisher{}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	var sem chan struct{}
	if cfg.MaxConcurrent > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	cronLog := cronLogger{logger: logger.With("component", "poller")}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cronLog),
	)
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		registry:   registry,
		logger:     logger,
		cfg:        cfg,
		location:   cfg.Location,
		now:        now,
		sem:        sem,
		cron:       c,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		running:    make(map[string]*execution),
	}
}

// MachineName identifies this node in execution records.
func (s *Scheduler) MachineName() string { return s.cfg.MachineName }

// Location is the time zone cron expressions are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.location }

// Registry exposes the task body registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Start recovers runs abandoned by a previous process on this machine and begins
// polling. ctx bounds every execution started by the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.baseCancel()
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	abandoned, err := s.store.AbandonRunning(ctx, s.cfg.MachineName, s.now())
	if err != nil {
		return errors.Wrap(err, "recover abandoned runs")
	}
	if abandoned > 0 {
		s.logger.Warn("marked abandoned runs as failed", "machine", s.cfg.MachineName, "count", abandoned)
	}

	// Schedule bypasses the options chain, so wrap the job here.
	cronLog := cronLogger{logger: s.logger.With("component", "poller")}
	poll := cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(s.tick))
	s.cron.Schedule(cron.Every(s.cfg.PollInterval), poll)
	s.cron.Start()
	s.logger.Info("scheduler started", "interval", s.cfg.PollInterval, "machine", s.cfg.MachineName)
	return nil
}

// Stop halts polling, cancels in-flight executions and waits for them to record
// their outcome or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.baseCancel
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for poll to finish")
	}

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for running tasks")
	}
}

// Wait blocks until every execution started so far has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) tick() {
	ctx := s.context()
	report, err := s.Poll(ctx, s.now())
	if err != nil {
		s.logger.Error("poll", "err", err)
		return
	}
	if len(report.Claimed) > 0 || report.Errors > 0 || report.Invalid > 0 {
		s.logger.Info("poll complete",
			"claimed", len(report.Claimed),
			"not_due", report.NotDue,
			"conflicts", report.Conflicts,
			"invalid", report.Invalid,
			"errors", report.Errors)
	}
}

// Poll scans for due tasks once. A failure on one task never stops the scan.
func (s *Scheduler) Poll(ctx context.Context, now time.Time) (PollReport, error) {
	var report PollReport
	if s.isStopped() {
		return report, ErrSchedulerStopped
	}
	s.applyCancelRequests(ctx)

	tasks, err := s.store.ListSchedulable(ctx)
	if err != nil {
		return report, errors.Wrap(err, "list schedulable tasks")
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		s.considerTask(ctx, task, now, &report)
	}
	return report, nil
}

func (s *Scheduler) considerTask(ctx context.Context, task *TaskDefinition, now time.Time, report *PollReport) {
	defer func() {
		if r := recover(); r != nil {
			report.Errors++
			s.logger.Error("panic while considering task", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if !task.Enabled || task.IsRunning || s.isLocallyRunning(task.ID) {
		report.Skipped++
		return
	}
	due, err := NextDue(task.Cron, task.LastStartAt, task.CreatedAt, s.location)
	if err != nil {
		report.Invalid++
		s.logger.Warn("skipping task with invalid schedule", "task_id", task.ID, "cron", task.Cron, "err", err)
		return
	}
	if due.After(now) {
		report.NotDue++
		return
	}
	exec, err := s.claimAndLaunch(ctx, task, TriggerSchedule, nil, now, true)
	switch {
	case errors.Is(err, ErrClaimConflict):
		report.Conflicts++
		s.logger.Debug("claim lost", "task_id", task.ID)
	case err != nil:
		report.Errors++
		s.logger.Error("claim task", "task_id", task.ID, "err", err)
	default:
		report.Claimed = append(report.Claimed, exec.ID)
	}
}

// RunNow starts the task immediately regardless of its schedule or Enabled flag.
// It never overlaps a running instance.
func (s *Scheduler) RunNow(ctx context.Context, taskID string, req *RunRequest) (*ExecutionRecord, error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		if s.isLocallyRunning(taskID) {
			return nil, ErrAlreadyRunning
		}
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.IsRunning {
			return nil, ErrAlreadyRunning
		}
		if !s.registry.Has(task.Type) {
			return nil, &TaskNotFoundError{Key: task.Type}
		}
		exec, err := s.claimAndLaunch(ctx, task, TriggerManual, req, s.now(), false)
		if errors.Is(err, ErrClaimConflict) {
			continue
		}
		return exec, err
	}
	return nil, ErrAlreadyRunning
}

// Cancel requests cooperative cancellation of the task's current run. Runs owned
// by another node are flagged and stopped by that node's next poll.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	rec, err := s.store.RunningExecution(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			if s.cancelLocal(taskID) {
				return nil
			}
			return ErrNotRunning
		}
		return err
	}
	if err := s.store.RequestCancel(ctx, rec.ID); err != nil {
		return errors.Wrap(err, "request cancel")
	}
	if s.cancelLocal(taskID) {
		s.logger.Info("cancellation requested", "task_id", taskID, "execution_id", rec.ID)
		return nil
	}
	s.logger.Info("cancellation flagged for remote node", "task_id", taskID, "execution_id", rec.ID, "machine", rec.MachineName)
	return nil
}

// Running lists the task IDs executing in this process.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) claimAndLaunch(ctx context.Context, task *TaskDefinition, trigger Trigger, req *RunRequest, now time.Time, requireEnabled bool) (*ExecutionRecord, error) {
	if s.isStopped() {
		return nil, ErrSchedulerStopped
	}
	exec := &ExecutionRecord{
		ID:          NewID(),
		TaskID:      task.ID,
		Outcome:     OutcomeRunning,
		Trigger:     trigger,
		StartedAt:   now,
		MachineName: s.cfg.MachineName,
	}
	claim := Claim{
		TaskID:          task.ID,
		ExpectedVersion: task.Version,
		RequireEnabled:  requireEnabled,
		Execution:       exec,
	}
	if next, err := NextAfter(task.Cron, now, s.location); err == nil {
		claim.NextRunAt = &next
	}
	if err := s.store.ClaimTask(ctx, claim); err != nil {
		return nil, err
	}

	claimed := *task
	claimed.Version++
	claimed.LastStartAt = &now
	claimed.NextRunAt = claim.NextRunAt
	claimed.IsRunning = true
	if err := s.launch(&claimed, exec, req); err != nil {
		return nil, err
	}
	return exec, nil
}

// launch starts the claimed run. Registration and wg.Add happen under mu so a
// concurrent Stop either waits for the run or sees it abandoned here.
func (s *Scheduler) launch(task *TaskDefinition, exec *ExecutionRecord, req *RunRequest) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.abandon(task, exec)
		return ErrSchedulerStopped
	}
	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.running[task.ID] = &execution{id: exec.ID, taskID: task.ID, cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	s.cfg.Events.Publish(Event{
		Type:        EventClaimed,
		TaskID:      task.ID,
		TaskAlias:   task.Alias,
		ExecutionID: exec.ID,
		Outcome:     OutcomeRunning,
		Trigger:     exec.Trigger,
		MachineName: exec.MachineName,
		At:          exec.StartedAt,
	})

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.clearRunning(task.ID, exec.ID)
		s.execute(runCtx, task, exec, req)
	}()
	return nil
}

// abandon closes a claim that lost the race with Stop before its body started.
func (s *Scheduler) abandon(task *TaskDefinition, exec *ExecutionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	result := ExecutionResult{
		ExecutionID: exec.ID,
		TaskID:      task.ID,
		Outcome:     OutcomeCancelled,
		EndedAt:     s.now(),
		NextRunAt:   task.NextRunAt,
	}
	if err := s.store.FinishExecution(ctx, result); err != nil {
		s.logger.Error("record abandoned execution", "task_id", task.ID, "execution_id", exec.ID, "err", err)
	}
	s.cfg.Events.Publish(Event{
		Type:        EventFinished,
		TaskID:      task.ID,
		TaskAlias:   task.Alias,
		ExecutionID: exec.ID,
		Outcome:     OutcomeCancelled,
		Trigger:     exec.Trigger,
		MachineName: exec.MachineName,
		At:          result.EndedAt,
	})
}

func (s *Scheduler) execute(ctx context.Context, task *TaskDefinition, exec *ExecutionRecord, req *RunRequest) {
	logger := s.logger.With("task_id", task.ID, "task", task.Alias, "execution_id", exec.ID)
	var reqParams map[string]string
	if req != nil {
		reqParams = req.Params
	}
	params := MergeParams(task.Parameters, s.registry.Parameters(task.Alias), reqParams)
	progress := newProgressReporter(exec.ID, s.store, s.cfg.ProgressInterval, logger, func(value, max int64, message string) {
		s.cfg.Events.Publish(Event{
			Type:          EventProgress,
			TaskID:        task.ID,
			TaskAlias:     task.Alias,
			ExecutionID:   exec.ID,
			Outcome:       OutcomeRunning,
			ProgressValue: value,
			ProgressMax:   max,
			Message:       message,
			MachineName:   exec.MachineName,
			At:            s.now(),
		})
	})
	ec := newExecutionContext(ctx, *task, exec.ID, params, req, logger, progress)

	logger.Info("task started", "trigger", exec.Trigger)
	err, panicked := s.invoke(ec, task.Type)
	outcome := classifyOutcome(ctx, err, panicked)

	value, max, message := progress.snapshot()
	result := ExecutionResult{
		ExecutionID:     exec.ID,
		TaskID:          task.ID,
		Outcome:         outcome,
		EndedAt:         s.now(),
		ProgressValue:   value,
		ProgressMax:     max,
		ProgressMessage: message,
		NextRunAt:       task.NextRunAt,
	}
	switch outcome {
	case OutcomeFailed:
		text := errorText(err)
		result.Error = &text
		result.DisableTask = task.StopOnError
		if result.DisableTask {
			result.NextRunAt = nil
		}
	case OutcomeCancelled:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrCancelled) {
			text := errorText(err)
			result.Error = &text
		}
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if ferr := s.store.FinishExecution(finishCtx, result); ferr != nil {
		logger.Error("record execution result", "outcome", outcome, "err", ferr)
	}

	duration := result.EndedAt.Sub(exec.StartedAt)
	switch outcome {
	case OutcomeSucceeded:
		logger.Info("task succeeded", "duration", duration)
	case OutcomeCancelled:
		logger.Info("task cancelled", "duration", duration)
	default:
		logger.Error("task failed", "duration", duration, "err", err, "disabled", result.DisableTask)
	}

	evt := Event{
		Type:          EventFinished,
		TaskID:        task.ID,
		TaskAlias:     task.Alias,
		ExecutionID:   exec.ID,
		Outcome:       outcome,
		Trigger:       exec.Trigger,
		ProgressValue: value,
		ProgressMax:   max,
		MachineName:   exec.MachineName,
		At:            result.EndedAt,
	}
	if result.Error != nil {
		evt.Error = *result.Error
	}
	s.cfg.Events.Publish(evt)

	if outcome == OutcomeFailed {
		s.notifyFailure(finishCtx, task, result)
	}
}

// invoke resolves and runs the body, converting panics into errors.
func (s *Scheduler) invoke(ec *ExecutionContext, key string) (err error, panicked bool) {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ec.Done():
			return ec.Err(), false
		}
	}
	body, err := s.registry.Resolve(key)
	if err != nil {
		return err, false
	}
	defer func() {
		if r := recover(); r != nil {
			ec.Logger().Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			err = errors.WithStack(errors.Newf("task panicked: %v", r))
			panicked = true
		}
	}()
	return body.Execute(ec), false
}

// classifyOutcome maps a body's return to an outcome. Any return after the host
// requested cancellation counts as cancelled; panics always count as failures.
func classifyOutcome(ctx context.Context, err error, panicked bool) Outcome {
	switch {
	case panicked:
		return OutcomeFailed
	case ctx.Err() != nil:
		return OutcomeCancelled
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	text := err.Error()
	if hints := errors.FlattenHints(err); hints != "" {
		text += " (hint: " + hints + ")"
	}
	return text
}

func (s *Scheduler) notifyFailure(ctx context.Context, task *TaskDefinition, result ExecutionResult) {
	if s.cfg.Notifier == nil {
		return
	}
	title := fmt.Sprintf("Task %s failed", task.Name)
	body := fmt.Sprintf("alias: %s\nexecution: %s\nmachine: %s", task.Alias, result.ExecutionID, s.cfg.MachineName)
	if result.Error != nil {
		body += "\nerror: " + *result.Error
	}
	if result.DisableTask {
		body += "\nthe task was disabled (stop on error)"
	}
	if err := s.cfg.Notifier.Send(ctx, title, body); err != nil {
		s.logger.Warn("send failure notification", "task_id", task.ID, "err", err)
	}
}

func (s *Scheduler) applyCancelRequests(ctx context.Context) {
	s.mu.Lock()
	if len(s.running) == 0 {
		s.mu.Unlock()
		return
	}
	byExec := make(map[string]*execution, len(s.running))
	for _, e := range s.running {
		byExec[e.id] = e
	}
	s.mu.Unlock()

	ids, err := s.store.ListCancelRequested(ctx, s.cfg.MachineName)
	if err != nil {
		s.logger.Warn("list cancel requests", "err", err)
		return
	}
	for _, id := range ids {
		if e, ok := byExec[id]; ok {
			s.logger.Info("applying cancel request", "task_id", e.taskID, "execution_id", id)
			e.cancel()
		}
	}
}

func (s *Scheduler) cancelLocal(taskID string) bool {
	s.mu.Lock()
	e, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

func (s *Scheduler) clearRunning(taskID, executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.running[taskID]; ok && e.id == executionID {
		delete(s.running, taskID)
	}
}

func (s *Scheduler) isLocallyRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// cronLogger routes robfig/cron's logging onto slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
