package tasks

import (
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"taskrunner/internal/core"
)

// ShellCommandType runs a shell command line.
const ShellCommandType = "shell.command"

// RunLogs locates the combined output file of an execution.
type RunLogs interface {
	RunLogPath(executionID string) string
	EnsureRunLogDir(executionID string) error
}

const terminationGrace = 5 * time.Second

// ShellCommand runs the "command" parameter through the platform shell and captures
// its combined output in the execution's run log.
//
// Parameters: command (required), working_dir, timeout (Go duration or seconds).
type ShellCommand struct {
	logs RunLogs
}

// NewShellCommand creates the body. logs may be nil, in which case output is discarded.
func NewShellCommand(logs RunLogs) *ShellCommand {
	return &ShellCommand{logs: logs}
}

func (t *ShellCommand) Execute(ec *core.ExecutionContext) error {
	command, err := ec.RequireParam("command")
	if err != nil {
		return err
	}
	timeout, err := parseTimeout(ec.Param("timeout", ""))
	if err != nil {
		return err
	}

	output, closeOutput, err := t.openLog(ec.ExecutionID())
	if err != nil {
		return err
	}
	defer closeOutput()

	cmdCtx := ec.Context()
	cancel := func() {}
	if timeout > 0 {
		cmdCtx, cancel = context.WithTimeout(cmdCtx, timeout)
	}
	defer cancel()

	cmd := commandFor(cmdCtx, command)
	cmd.Dir = ec.Param("working_dir", "")
	cmd.Stdout = output
	cmd.Stderr = output
	// Ask politely first; Wait kills the process if it outlives the grace period.
	cmd.Cancel = func() error {
		sendTermination(cmd.Process)
		return nil
	}
	cmd.WaitDelay = terminationGrace

	ec.SetProgress(0, 1, "running")
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start command")
	}
	waitErr := cmd.Wait()

	switch {
	case ec.Cancelled():
		return ec.Err()
	case timeout > 0 && errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		return errors.Newf("command timed out after %s", timeout)
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return errors.Newf("command exited with code %d", exitErr.ExitCode())
		}
		return errors.Wrap(waitErr, "wait for command")
	}
	ec.SetProgress(1, 1, "exit code 0")
	return nil
}

func (t *ShellCommand) openLog(executionID string) (io.Writer, func(), error) {
	if t.logs == nil {
		// A nil writer sends output to the null device.
		return nil, func() {}, nil
	}
	if err := t.logs.EnsureRunLogDir(executionID); err != nil {
		return nil, nil, errors.Wrap(err, "ensure run log dir")
	}
	f, err := os.OpenFile(t.logs.RunLogPath(executionID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open log file")
	}
	// The same *os.File for stdout and stderr lets the child write without a copy goroutine.
	return f, func() { f.Close() }, nil
}

func parseTimeout(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.WithHint(errors.Wrapf(err, "parameter %q", "timeout"), "use seconds or a Go duration such as 90s")
	}
	return d, nil
}

func commandFor(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
