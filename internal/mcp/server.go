package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"taskrunner/internal/core"
	"taskrunner/internal/service"
)

const serverName = "taskrunner"

// MCPServer exposes the administrative operations as MCP tools.
type MCPServer struct {
	svc     *service.Service
	logger  *slog.Logger
	version string
	server  *server.MCPServer
	http    *server.StreamableHTTPServer
}

// NewMCPServer creates the tool server. Call ServeStdio or mount it as an http.Handler.
func NewMCPServer(svc *service.Service, logger *slog.Logger, version string) *MCPServer {
	s := &MCPServer{
		svc:     svc,
		logger:  logger,
		version: version,
	}
	s.server = server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools(s.server)
	s.http = server.NewStreamableHTTPServer(s.server, server.WithStateLess(true))
	return s
}

// ServeStdio serves the protocol over stdin/stdout until the input closes.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// ServeHTTP serves the streamable HTTP transport.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List scheduled task definitions with their state and next run."),
		mcp.WithString("enabled",
			mcp.Description("Filter by scheduling flag"),
			mcp.Enum("true", "false"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show one task definition by id or alias."),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task id or alias"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_set_enabled",
		mcp.WithDescription("Enable or disable scheduling of a task. Disabling does not stop a running instance."),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task id or alias"),
		),
		mcp.WithBoolean("enabled",
			mcp.Required(),
			mcp.Description("New scheduling flag"),
		),
	), s.handleSetEnabled)

	mcpServer.AddTool(mcp.NewTool("task_run_now",
		mcp.WithDescription("Start a task immediately, ignoring its schedule. Fails if it is already running."),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task id or alias"),
		),
		mcp.WithObject("parameters",
			mcp.Description("Extra string parameters for this run only"),
		),
	), s.handleRunNow)

	mcpServer.AddTool(mcp.NewTool("task_stop",
		mcp.WithDescription("Request cooperative cancellation of a task's running execution."),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task id or alias"),
		),
	), s.handleStop)

	mcpServer.AddTool(mcp.NewTool("task_history",
		mcp.WithDescription("Show the execution history of a task, newest first."),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task id or alias"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of records, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleHistory)

	mcpServer.AddTool(mcp.NewTool("run_log",
		mcp.WithDescription("Return the captured output of an execution."),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Execution id"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Only the last N lines"),
			mcp.Min(0),
		),
	), s.handleRunLog)

	mcpServer.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a 5-field cron expression."),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)
}

func (s *MCPServer) resolve(ctx context.Context, request mcp.CallToolRequest) (*core.TaskDefinition, *mcp.CallToolResult) {
	ref, err := request.RequireString("task")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	task, err := s.svc.GetTask(ctx, ref)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return nil, mcp.NewToolResultError(fmt.Sprintf("task not found: %s", ref))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("load task: %v", err))
	}
	return task, nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var enabled *bool
	switch request.GetString("enabled", "") {
	case "true":
		v := true
		enabled = &v
	case "false":
		v := false
		enabled = &v
	}
	tasks, err := s.svc.ListTasks(ctx, enabled)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("no tasks"), nil
	}
	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s)\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s %s (%s)\n  id: %s\n  type: %s  cron: %s  state: %s\n  next: %s  last: %s\n\n",
			stateIcon(t.State(now)), t.Name, t.Alias, t.ID, t.Type, t.Cron, t.State(now),
			s.formatTime(t.NextRunAt), lastOutcome(t))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.resolve(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nID: %s\nAlias: %s\nType: %s\nCron: %s (%s)\n", task.Name, task.ID, task.Alias, task.Type, task.Cron, s.svc.Location())
	fmt.Fprintf(&b, "Enabled: %t  Stop on error: %t  Version: %d\nState: %s\n", task.Enabled, task.StopOnError, task.Version, task.State(time.Now()))
	fmt.Fprintf(&b, "Last start: %s\nLast end: %s\nLast success: %s\nLast outcome: %s\nNext run: %s\n",
		s.formatTime(task.LastStartAt), s.formatTime(task.LastEndAt), s.formatTime(task.LastSuccessAt),
		lastOutcome(task), s.formatTime(task.NextRunAt))
	if len(task.Parameters) > 0 {
		b.WriteString("Parameters:\n")
		for k, v := range task.Parameters {
			fmt.Fprintf(&b, "  %s = %s\n", k, truncateString(v, 120))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleSetEnabled(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.resolve(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	enabled, err := request.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	updated, err := s.svc.SetEnabled(ctx, task.ID, enabled)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("task %s enabled=%t\nnext run: %s", updated.Alias, updated.Enabled, s.formatTime(updated.NextRunAt))), nil
}

func (s *MCPServer) handleRunNow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.resolve(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	params := map[string]string{}
	if raw, ok := request.GetArguments()["parameters"].(map[string]any); ok {
		for k, v := range raw {
			params[k] = fmt.Sprint(v)
		}
	}
	run, err := s.svc.RunNow(ctx, task.ID, params, "mcp")
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			return mcp.NewToolResultError(fmt.Sprintf("task %s is already running", task.Alias)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("run task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("task started\ntask: %s\nrun id: %s", task.Alias, run.ID)), nil
}

func (s *MCPServer) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.resolve(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.svc.Stop(ctx, task.ID); err != nil {
		if errors.Is(err, core.ErrNotRunning) {
			return mcp.NewToolResultError(fmt.Sprintf("task %s is not running", task.Alias)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("stop task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("cancellation requested for %s", task.Alias)), nil
}

func (s *MCPServer) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.resolve(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	limit := int(request.GetFloat("limit", 20))
	runs, err := s.svc.ListRuns(ctx, task.ID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list history: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("no runs recorded for " + task.Alias), nil
	}
	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "history of %s (%d)\n\n", task.Alias, len(runs))
	for _, run := range runs {
		fmt.Fprintf(&b, "%s %s  %s  started %s  took %s  on %s\n",
			outcomeIcon(run.Outcome), run.ID, run.Outcome, s.formatTime(&run.StartedAt),
			run.Duration(now).Round(time.Millisecond), run.MachineName)
		if pct := run.Percent(); pct >= 0 {
			fmt.Fprintf(&b, "   progress: %d%%", pct)
			if run.ProgressMessage != nil {
				fmt.Fprintf(&b, " (%s)", *run.ProgressMessage)
			}
			b.WriteString("\n")
		}
		if run.Error != nil {
			fmt.Fprintf(&b, "   error: %s\n", truncateString(*run.Error, 200))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := s.svc.ReadRunLog(ctx, runID, int(request.GetFloat("tail", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read log: %v", err)), nil
	}
	if content == "" {
		return mcp.NewToolResultText("(no output)"), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr, err := request.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	times, err := s.svc.PreviewCron(expr, time.Now(), int(request.GetFloat("count", 5)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "cron: %s\ntime zone: %s\n\nnext fire times:\n", expr, s.svc.Location())
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.svc.Location()).Format("2006-01-02 15:04:05")
}

func lastOutcome(t *core.TaskDefinition) string {
	if t.LastOutcome == nil {
		return "-"
	}
	return string(*t.LastOutcome)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func outcomeIcon(o core.Outcome) string {
	switch o {
	case core.OutcomeSucceeded:
		return "✅"
	case core.OutcomeFailed:
		return "❌"
	case core.OutcomeCancelled:
		return "🚫"
	case core.OutcomeRunning:
		return "▶️"
	default:
		return "❓"
	}
}

func stateIcon(st core.State) string {
	switch st {
	case core.StateRunning:
		return "▶️"
	case core.StatePending:
		return "⏳"
	case core.StateDisabled:
		return "⏸️"
	default:
		return "🟢"
	}
}
