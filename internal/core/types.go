package core

import (
	"time"
)

// Outcome describes the state of an individual execution record.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Finished reports whether the outcome is terminal.
func (o Outcome) Finished() bool {
	return o != OutcomeRunning && o != ""
}

// Trigger records what started an execution.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// State is the derived lifecycle state of a task definition. It is never stored.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
)

// TaskDefinition is a persisted description of a schedulable unit of work.
type TaskDefinition struct {
	ID          string
	Name        string
	Alias       string
	Type        string
	Cron        string
	Enabled     bool
	StopOnError bool
	Parameters  map[string]string

	// Version is the optimistic-concurrency token. Every write increments it.
	Version int64

	LastStartAt   *time.Time
	LastEndAt     *time.Time
	LastSuccessAt *time.Time
	LastOutcome   *Outcome
	NextRunAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// IsRunning is derived from the latest execution record when loaded by the store.
	IsRunning bool
}

// IsPending reports whether the task is enabled, idle and its advisory next run has passed.
func (t *TaskDefinition) IsPending(now time.Time) bool {
	if !t.Enabled || t.IsRunning || t.NextRunAt == nil {
		return false
	}
	return !t.NextRunAt.After(now)
}

// State derives the lifecycle state shown to administrators.
func (t *TaskDefinition) State(now time.Time) State {
	switch {
	case t.IsRunning:
		return StateRunning
	case !t.Enabled:
		return StateDisabled
	case t.IsPending(now):
		return StatePending
	default:
		return StateIdle
	}
}

// ExecutionRecord captures a single run of a task definition.
type ExecutionRecord struct {
	ID              string
	TaskID          string
	Outcome         Outcome
	Trigger         Trigger
	StartedAt       time.Time
	EndedAt         *time.Time
	Error           *string
	ProgressValue   int64
	ProgressMax     int64
	ProgressMessage *string
	MachineName     string
	CancelRequested bool
}

// Percent returns the reported progress as 0-100, or -1 when no maximum was reported.
func (r *ExecutionRecord) Percent() int {
	if r.ProgressMax <= 0 {
		return -1
	}
	p := int(r.ProgressValue * 100 / r.ProgressMax)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Duration returns the wall time of a finished run, or the time elapsed so far.
func (r *ExecutionRecord) Duration(now time.Time) time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// Claim is the conditional write that moves a task to running.
type Claim struct {
	TaskID string
	// ExpectedVersion must match the stored version for the claim to succeed.
	ExpectedVersion int64
	// RequireEnabled is false for manual runs.
	RequireEnabled bool
	Execution      *ExecutionRecord
	NextRunAt      *time.Time
}

// ExecutionResult finalizes an execution record and the owning definition.
type ExecutionResult struct {
	ExecutionID     string
	TaskID          string
	Outcome         Outcome
	EndedAt         time.Time
	Error           *string
	ProgressValue   int64
	ProgressMax     int64
	ProgressMessage *string
	// DisableTask is set when the definition has StopOnError and the run failed.
	DisableTask bool
	NextRunAt   *time.Time
}
