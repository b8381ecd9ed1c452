package engine

import (
	"context"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/events"
)

// runTarget describes one supervised run of a task or subscription.
type runTarget struct {
	id        string
	kind      core.RunKind
	logOwner  string
	command   string
	setStatus func(ctx context.Context, id string, u core.StatusUpdate) error
	endEvent  string
	endMsg    string
	// Optional hook commands run before and after the main process.
	beforeHook string
	afterHook  string
}

// execute runs t to completion and persists its lifecycle. Errors inside the
// callbacks are logged and never stop the run.
func (rt *Runtime) execute(ctx context.Context, t runTarget) *core.Process {
	logger := rt.Logger.With("kind", string(t.kind), "id", t.id)
	var (
		logPath string
		runID   string
	)
	appendLog := func(text string) {
		if logPath == "" {
			return
		}
		if err := rt.Logs.Append(logPath, text); err != nil {
			logger.Warn("append log", "path", logPath, "err", err)
		}
	}

	cb := core.Callbacks{
		OnBefore: func(ctx context.Context, start time.Time) error {
			path, err := rt.Logs.Create(t.logOwner, start)
			if err == nil {
				logPath = path
			}
			if t.beforeHook != "" {
				rt.runHook(ctx, "before", t.beforeHook, appendLog)
			}
			return err
		},
		OnStart: func(ctx context.Context, proc *core.Process, start time.Time) {
			pid := proc.PID
			startUnix := start.Unix()
			update := core.StatusUpdate{Status: core.TaskStatusRunning, PID: &pid, LastExecutionTime: &startUnix}
			if logPath != "" {
				lp := logPath
				update.LogPath = &lp
			}
			if err := t.setStatus(ctx, t.id, update); err != nil {
				logger.Warn("persist running status", "err", err)
			}
			if rt.Runs != nil {
				run := &core.Run{OwnerID: t.id, Kind: t.kind, PID: &pid, LogPath: update.LogPath, StartedAt: start}
				if err := rt.Runs.InsertRun(ctx, run); err != nil {
					logger.Warn("record run", "err", err)
				} else {
					runID = run.ID
				}
			}
		},
		OnLog:   func(_ context.Context, text string) { appendLog(text) },
		OnError: func(_ context.Context, text string) { appendLog(text) },
		OnEnd: func(ctx context.Context, proc *core.Process, end time.Time, elapsed int64) {
			if t.afterHook != "" {
				rt.runHook(ctx, "after", t.afterHook, appendLog)
			}
			appendLog(footer(end, elapsed, true))
			if err := t.setStatus(ctx, t.id, core.StatusUpdate{Status: core.TaskStatusIdle, LastRunDurationSeconds: &elapsed}); err != nil {
				logger.Warn("persist idle status", "err", err)
			}
			if rt.Runs != nil && runID != "" {
				if err := rt.Runs.CompleteRun(ctx, runID, end, proc.ExitCode, elapsed); err != nil {
					logger.Warn("complete run", "err", err)
				}
				if err := rt.Runs.PruneRuns(ctx, t.id); err != nil {
					logger.Warn("prune runs", "err", err)
				}
			}
			rt.publish(events.Event{Type: t.endEvent, Message: t.endMsg, References: []string{t.id}})
		},
	}
	return rt.Runner.Run(ctx, t.command, cb)
}

// runHook runs a before/after hook and copies its output into the run log.
func (rt *Runtime) runHook(ctx context.Context, stage, command string, appendLog func(string)) {
	appendLog("\n## Running " + stage + " hook\n\n")
	proc := rt.Runner.Run(ctx, command, core.Callbacks{
		OnLog:   func(_ context.Context, text string) { appendLog(text) },
		OnError: func(_ context.Context, text string) { appendLog(text) },
	})
	if proc.ExitCode != 0 {
		rt.Logger.Warn("hook failed", "stage", stage, "command", command, "exit_code", proc.ExitCode)
	}
}

// stopTarget is the persisted state Stop needs to end a run.
type stopTarget struct {
	id                string
	pid               *int
	pattern           string
	logPath           *string
	lastExecutionTime int64
	setStatus         func(ctx context.Context, id string, u core.StatusUpdate) error
}

// stop signals the recorded process group, falls back to the tree killer, closes
// the log and resets the record to idle even if the process ignored the signals.
func (rt *Runtime) stop(ctx context.Context, t stopTarget) error {
	if t.pid != nil {
		if err := rt.killGroup(*t.pid); err != nil {
			rt.Logger.Debug("kill process group", "id", t.id, "pid", *t.pid, "err", err)
		}
	}
	report := rt.Killer.KillByPattern(ctx, t.pattern)
	if t.logPath != nil {
		var text string
		if diag := report.String(); diag != "" {
			text = "\n" + diag
		}
		end := time.Now()
		known := t.lastExecutionTime > 0
		text += footer(end, end.Unix()-t.lastExecutionTime, known)
		if err := rt.Logs.Append(*t.logPath, text); err != nil {
			rt.Logger.Debug("append stop footer", "id", t.id, "err", err)
		}
	}
	return t.setStatus(ctx, t.id, core.StatusUpdate{Status: core.TaskStatusIdle})
}
