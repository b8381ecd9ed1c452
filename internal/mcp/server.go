package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/engine"
	"taskpanel/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes task management as MCP tools.
type MCPServer struct {
	store    *store.Store
	tasks    *engine.Tasks
	logs     *engine.LogFiles
	logger   *slog.Logger
	location *time.Location
	server   *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(store *store.Store, tasks *engine.Tasks, logs *engine.LogFiles, logger *slog.Logger, location *time.Location) *MCPServer {
	s := &MCPServer{
		store:    store,
		tasks:    tasks,
		logs:     logs,
		logger:   logger,
		location: location,
	}
	s.server = server.NewMCPServer(
		"taskpanel",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.server)
	return s
}

// Run serves the tools over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// HTTPHandler serves the tools over streamable HTTP.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a cron task. Schedules take 5 fields, or 6 with leading seconds."),
		mcp.WithString("name",
			mcp.Description("Task name (optional)"),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Script or command to run, e.g. 'demo.js'"),
		),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for weekdays at 9"),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks"),
		mcp.WithString("search",
			mcp.Description("Filter by name, command or label"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show one task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Stop and delete tasks"),
		mcp.WithString("task_ids",
			mcp.Required(),
			mcp.Description("Comma-separated task IDs"),
		),
	), s.handleDeleteTasks)

	s.addBulkTool(mcpServer, "task_run", "Run tasks now", s.tasks.RunNow, "queued")
	s.addBulkTool(mcpServer, "task_stop", "Stop running tasks", s.tasks.Stop, "stopped")
	s.addBulkTool(mcpServer, "task_enable", "Enable tasks", s.tasks.Enable, "enabled")
	s.addBulkTool(mcpServer, "task_disable", "Disable tasks", s.tasks.Disable, "disabled")

	mcpServer.AddTool(mcp.NewTool("task_runs",
		mcp.WithDescription("Show the run history of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	mcpServer.AddTool(mcp.NewTool("task_log",
		mcp.WithDescription("Read the latest log of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines, default all"),
			mcp.Min(0),
		),
	), s.handleTaskLog)

	mcpServer.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
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

// addBulkTool registers a tool that applies op to a list of task ids.
func (s *MCPServer) addBulkTool(mcpServer *server.MCPServer, name, description string, op func(context.Context, []string) error, done string) {
	mcpServer.AddTool(mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("task_ids",
			mcp.Required(),
			mcp.Description("Comma-separated task IDs"),
		),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := parseIDs(mcp.ParseString(request, "task_ids", ""))
		if len(ids) == 0 {
			return mcp.NewToolResultError("task_ids is required"), nil
		}
		if err := op(ctx, ids); err != nil {
			s.logger.Error(name, "task_ids", ids, "err", err)
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", name, err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%d task(s) %s: %s", len(ids), done, strings.Join(ids, ", "))), nil
	})
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command := strings.TrimSpace(mcp.ParseString(request, "command", ""))
	schedule := strings.TrimSpace(mcp.ParseString(request, "schedule", ""))
	if command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	if _, err := core.ParseCron(schedule); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	task := &core.Task{Command: command, Schedule: schedule}
	if name := strings.TrimSpace(mcp.ParseString(request, "name", "")); name != "" {
		task.Name = &name
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("create task failed: %v", err)), nil
	}
	if err := s.tasks.Register(ctx, task); err != nil {
		s.logger.Error("schedule task", "task_id", task.ID, "err", err)
	}
	s.logger.Info("task created", "task_id", task.ID, "schedule", schedule)

	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nNext run: %s", task.ID, s.nextRun(task))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.store.ListTasks(ctx, mcp.ParseString(request, "search", ""))
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		state := string(t.Status)
		if t.IsDisabled {
			state += ", disabled"
		}
		fmt.Fprintf(&b, "[%s] %s\n", state, t.ID)
		if t.Name != nil {
			fmt.Fprintf(&b, "  Name: %s\n", *t.Name)
		}
		fmt.Fprintf(&b, "  Schedule: %s\n", t.Schedule)
		fmt.Fprintf(&b, "  Command: %s\n", truncateString(t.Command, 60))
		if !t.IsDisabled {
			fmt.Fprintf(&b, "  Next run: %s\n", s.nextRun(t))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return s.lookupError(err, taskID), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	if task.Name != nil {
		fmt.Fprintf(&b, "Name: %s\n", *task.Name)
	}
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Disabled: %t\n", task.IsDisabled)
	fmt.Fprintf(&b, "Command: %s\n", task.Command)
	fmt.Fprintf(&b, "Schedule: %s\n", task.Schedule)
	if task.PID != nil {
		fmt.Fprintf(&b, "PID: %d\n", *task.PID)
	}
	if task.LastExecutionTime > 0 {
		last := time.Unix(task.LastExecutionTime, 0)
		fmt.Fprintf(&b, "Last run: %s (%d seconds)\n", formatTime(&last, s.location), task.LastRunDurationSeconds)
	}
	if !task.IsDisabled {
		fmt.Fprintf(&b, "Next run: %s\n", s.nextRun(task))
	}
	fmt.Fprintf(&b, "Created: %s\n", formatTime(&task.CreatedAt, s.location))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleDeleteTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := parseIDs(mcp.ParseString(request, "task_ids", ""))
	if len(ids) == 0 {
		return mcp.NewToolResultError("task_ids is required"), nil
	}
	if err := s.tasks.Stop(ctx, ids); err != nil {
		s.logger.Warn("stop tasks before delete", "task_ids", ids, "err", err)
	}
	s.tasks.Remove(ids)
	if err := s.store.DeleteTasks(ctx, ids); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete tasks failed: %v", err)), nil
	}
	for _, id := range ids {
		if err := s.logs.Remove(id); err != nil {
			s.logger.Warn("remove task logs", "task_id", id, "err", err)
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("%d task(s) deleted: %s", len(ids), strings.Join(ids, ", "))), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	runs, err := s.store.ListRuns(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded for this task"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d run(s):\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "[%s] Run ID: %s\n", runState(r), r.ID)
		fmt.Fprintf(&b, "    Started: %s\n", formatTime(&r.StartedAt, s.location))
		if r.EndedAt != nil {
			fmt.Fprintf(&b, "    Ended: %s\n", formatTime(r.EndedAt, s.location))
		}
		if r.ExitCode != nil {
			fmt.Fprintf(&b, "    Exit code: %d\n", *r.ExitCode)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleTaskLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	content, err := s.tasks.LatestLog(ctx, taskID)
	if err != nil {
		return s.lookupError(err, taskID), nil
	}
	if tail := int(mcp.ParseFloat64(request, "tail", 0)); tail > 0 {
		content = tailLines(content, tail)
	}
	if content == "" {
		return mcp.NewToolResultText("No log yet"), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *MCPServer) handleCronPreview(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))

	nextTimes, err := core.PreviewCron(cronExpr, time.Now().In(s.location), count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.location)
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) lookupError(err error, taskID string) *mcp.CallToolResult {
	if errors.Is(err, store.ErrTaskNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
	}
	return mcp.NewToolResultError(fmt.Sprintf("load task failed: %v", err))
}

func (s *MCPServer) nextRun(task *core.Task) string {
	times, err := core.PreviewCron(task.Schedule, time.Now().In(s.location), 1)
	if err != nil || len(times) == 0 {
		return "-"
	}
	return times[0].Format("2006-01-02 15:04:05")
}

func parseIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func runState(r *core.Run) string {
	switch {
	case r.ExitCode == nil:
		return "running"
	case *r.ExitCode == 0:
		return "ok"
	default:
		return "failed"
	}
}

func tailLines(content string, n int) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) <= n {
		return content
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
