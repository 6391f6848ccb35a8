package core

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// RunRequest carries out-of-band parameters from whoever triggered a manual run.
type RunRequest struct {
	Params      map[string]string
	RequestedBy string
}

// ExecutionContext is owned by exactly one execution and discarded when it ends.
type ExecutionContext struct {
	ctx         context.Context
	task        TaskDefinition
	executionID string
	params      map[string]string
	request     *RunRequest
	logger      *slog.Logger
	progress    *progressReporter
}

func newExecutionContext(ctx context.Context, task TaskDefinition, executionID string, params map[string]string, request *RunRequest, logger *slog.Logger, progress *progressReporter) *ExecutionContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionContext{
		ctx:         ctx,
		task:        task,
		executionID: executionID,
		params:      params,
		request:     request,
		logger:      logger,
		progress:    progress,
	}
}

// NewDetachedExecutionContext builds a context for running a task body without a
// scheduler. No execution record backs it, so progress stays in memory.
func NewDetachedExecutionContext(ctx context.Context, task TaskDefinition, params map[string]string) *ExecutionContext {
	return newExecutionContext(ctx, task, NewID(), params, nil, nil, newProgressReporter("", nil, 0, nil, nil))
}

// Context returns the cancellation context of the run.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// Done is closed once cancellation was requested.
func (ec *ExecutionContext) Done() <-chan struct{} { return ec.ctx.Done() }

// Cancelled reports whether the host asked the run to stop.
func (ec *ExecutionContext) Cancelled() bool { return ec.ctx.Err() != nil }

// Err returns ErrCancelled once cancellation was requested, nil otherwise.
// Bodies return it from safe points to exit promptly.
func (ec *ExecutionContext) Err() error {
	if err := ec.ctx.Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "stopped at safe point"), ErrCancelled)
	}
	return nil
}

// Task returns a copy of the definition being executed.
func (ec *ExecutionContext) Task() TaskDefinition { return ec.task }

// ExecutionID identifies the history record of this run.
func (ec *ExecutionContext) ExecutionID() string { return ec.executionID }

// Request returns the originating request of a manual run, or nil for scheduled runs.
func (ec *ExecutionContext) Request() *RunRequest { return ec.request }

// Logger is scoped to the task and execution.
func (ec *ExecutionContext) Logger() *slog.Logger { return ec.logger }

// Params returns the merged parameters of the run.
func (ec *ExecutionContext) Params() map[string]string {
	cp := make(map[string]string, len(ec.params))
	for k, v := range ec.params {
		cp[k] = v
	}
	return cp
}

// Param returns a trimmed parameter value or def when it is absent or blank.
func (ec *ExecutionContext) Param(key, def string) string {
	if v, ok := ec.params[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// RequireParam returns the parameter value or an error naming the missing key.
func (ec *ExecutionContext) RequireParam(key string) (string, error) {
	v := ec.Param(key, "")
	if v == "" {
		return "", errors.Newf("parameter %q is required", key)
	}
	return v, nil
}

// ParamInt parses an integer parameter, falling back to def when absent.
func (ec *ExecutionContext) ParamInt(key string, def int) (int, error) {
	v := ec.Param(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parameter %q", key)
	}
	return n, nil
}

// SetProgress records progress for the current history record. Safe at any cadence;
// the latest call wins.
func (ec *ExecutionContext) SetProgress(value, max int64, message string) {
	ec.progress.set(ec.ctx, value, max, message)
}

// Progress returns the latest reported progress.
func (ec *ExecutionContext) Progress() (value, max int64, message string) {
	v, m, msg := ec.progress.snapshot()
	if msg != nil {
		message = *msg
	}
	return v, m, message
}

// MergeParams layers parameter maps; later maps win.
func MergeParams(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
