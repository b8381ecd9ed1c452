package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// Process identifies a spawned command. ExitCode is -1 until the process has
// exited, and stays -1 when it could not be started at all.
type Process struct {
	PID      int
	ExitCode int
}

// Callbacks is the per-run hook bundle. Every field is optional.
type Callbacks struct {
	// OnBefore runs before the process is spawned. An error is logged and the spawn continues.
	OnBefore func(ctx context.Context, start time.Time) error
	OnStart  func(ctx context.Context, proc *Process, start time.Time)
	OnLog    func(ctx context.Context, text string)
	OnError  func(ctx context.Context, text string)
	OnEnd    func(ctx context.Context, proc *Process, end time.Time, elapsedSeconds int64)
}

// ProcessRunner spawns one shell process per call and reports its lifecycle.
type ProcessRunner struct {
	shell  string
	logger *slog.Logger
}

// NewProcessRunner creates a runner using the given shell; an empty shell picks a platform default.
func NewProcessRunner(shell string, logger *slog.Logger) *ProcessRunner {
	if shell == "" {
		shell = DefaultShell()
	}
	return &ProcessRunner{shell: shell, logger: logger}
}

// DefaultShell prefers bash and falls back to sh.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// Run executes command and blocks until it exits. It never returns an error:
// spawn failures are reported through OnError and the run still completes
// with OnEnd.
func (r *ProcessRunner) Run(ctx context.Context, command string, cb Callbacks) *Process {
	proc := &Process{ExitCode: -1}
	start := time.Now()
	r.logger.Info("run command", "command", command)

	if cb.OnBefore != nil {
		if err := cb.OnBefore(ctx, start); err != nil {
			r.logger.Warn("before hook failed", "command", command, "err", err)
		}
	}

	var cbMu sync.Mutex
	emit := func(fn func(context.Context, string), text string) {
		if fn == nil {
			return
		}
		cbMu.Lock()
		defer cbMu.Unlock()
		fn(ctx, text)
	}

	finish := func() {
		end := time.Now()
		if cb.OnEnd != nil {
			cb.OnEnd(ctx, proc, end, int64(end.Sub(start).Seconds()))
		}
	}

	cmd := r.commandFor(ctx, command)
	cmd.Stdout = callbackWriter(func(text string) { emit(cb.OnLog, text) })
	cmd.Stderr = callbackWriter(func(text string) { emit(cb.OnError, text) })

	// Output is held back until OnStart has run.
	cbMu.Lock()
	if err := cmd.Start(); err != nil {
		cbMu.Unlock()
		r.logger.Error("start command", "command", command, "err", err)
		emit(cb.OnError, fmt.Sprintf("failed to start command: %v", err))
		finish()
		return proc
	}
	proc.PID = cmd.Process.Pid
	if cb.OnStart != nil {
		cb.OnStart(ctx, proc, start)
	}
	cbMu.Unlock()

	waitErr := cmd.Wait()
	if cmd.ProcessState != nil {
		proc.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		emit(cb.OnError, waitErr.Error())
	}
	r.logger.Info("command finished", "command", command, "pid", proc.PID, "exit_code", proc.ExitCode)
	finish()
	return proc
}

func (r *ProcessRunner) commandFor(ctx context.Context, command string) *exec.Cmd {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, r.shell, "/C", command) // #nosec G204
	} else {
		cmd = exec.CommandContext(ctx, r.shell, "-c", command) // #nosec G204
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return KillProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// callbackWriter forwards raw chunks, not lines, so partial output is delivered as it arrives.
type callbackWriter func(string)

func (w callbackWriter) Write(p []byte) (int, error) {
	w(string(p))
	return len(p), nil
}
