// Package engine turns task, subscription and dependency records into
// supervised processes: it builds commands and lifecycle callbacks, keeps
// triggers in step with the records, and writes status back to the store.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/events"
)

// Runner executes one shell command and blocks until it exits.
type Runner interface {
	Run(ctx context.Context, command string, cb core.Callbacks) *core.Process
}

// Killer terminates the process tree whose command line matches a pattern.
type Killer interface {
	KillByPattern(ctx context.Context, pattern string) core.KillReport
}

// Triggers keeps one recurring trigger per key.
type Triggers interface {
	RegisterCron(id, expr string, fire func(), runImmediately bool) error
	RegisterInterval(id string, interval core.IntervalSchedule, fire func(), runImmediately bool) error
	Cancel(id string)
}

// Publisher receives real-time events.
type Publisher interface {
	Publish(e events.Event)
}

// RunRecorder keeps run history. It is optional.
type RunRecorder interface {
	InsertRun(ctx context.Context, run *core.Run) error
	CompleteRun(ctx context.Context, id string, endedAt time.Time, exitCode int, durationSeconds int64) error
	PruneRuns(ctx context.Context, ownerID string) error
}

// Config holds the command names and limits the coordinators run with.
type Config struct {
	// TaskCommand is the task-runner wrapper every cron command goes through.
	TaskCommand string
	// PullCommand is the external tool that fetches subscriptions.
	PullCommand string
	// Concurrency bounds bulk "run now" requests.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.TaskCommand == "" {
		c.TaskCommand = "task"
	}
	if c.PullCommand == "" {
		c.PullCommand = "ql"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	return c
}

// Runtime bundles the collaborators shared by the coordinators.
type Runtime struct {
	Runner    Runner
	Killer    Killer
	Triggers  Triggers
	Publisher Publisher
	Runs      RunRecorder
	Logs      *LogFiles
	Logger    *slog.Logger
	// KillGroup signals the process group of a recorded pid. Defaults to core.KillProcessGroup.
	KillGroup func(pid int) error
}

func (rt *Runtime) killGroup(pid int) error {
	if rt.KillGroup != nil {
		return rt.KillGroup(pid)
	}
	return core.KillProcessGroup(pid)
}

func (rt *Runtime) publish(e events.Event) {
	if rt.Publisher != nil {
		rt.Publisher.Publish(e)
	}
}

// flights tracks ids that currently own a live process.
type flights struct {
	m sync.Map
}

func (f *flights) claim(id string) bool {
	_, loaded := f.m.LoadOrStore(id, struct{}{})
	return !loaded
}

func (f *flights) release(id string) {
	f.m.Delete(id)
}

// background runs work detached from the caller's request and lets shutdown wait for it.
type background struct {
	mu  sync.Mutex
	ctx context.Context
	wg  sync.WaitGroup
}

func (b *background) bind(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

func (b *background) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return b.ctx
	}
	return context.Background()
}

func (b *background) goRun(fn func(ctx context.Context)) {
	ctx := b.context()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until every background run has returned.
func (b *background) Wait() {
	b.wg.Wait()
}
