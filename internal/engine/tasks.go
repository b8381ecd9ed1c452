package engine

import (
	"context"
	"fmt"

	"taskpanel/internal/core"
	"taskpanel/internal/events"
)

// TaskStore is the persistence the task coordinator reads and writes back to.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*core.Task, error)
	GetTasks(ctx context.Context, ids []string) ([]*core.Task, error)
	ListTasks(ctx context.Context, search string) ([]*core.Task, error)
	MarkTasksQueued(ctx context.Context, ids []string) error
	UpdateTaskStatus(ctx context.Context, id string, update core.StatusUpdate) error
	SetTasksDisabled(ctx context.Context, ids []string, disabled bool) error
	ResetStaleTasks(ctx context.Context) (int64, error)
}

// Tasks coordinates cron tasks: triggers, bulk runs, stop and enable/disable.
type Tasks struct {
	background

	store TaskStore
	rt    *Runtime
	cfg   Config
	live  flights
}

func NewTasks(store TaskStore, rt *Runtime, cfg Config) *Tasks {
	return &Tasks{store: store, rt: rt, cfg: cfg.withDefaults()}
}

func taskTriggerID(id string) string { return "task:" + id }

// Start binds ctx for background runs, resets statuses left by a previous
// process and registers a trigger for every enabled task.
func (c *Tasks) Start(ctx context.Context) error {
	c.bind(ctx)
	reset, err := c.store.ResetStaleTasks(ctx)
	if err != nil {
		return fmt.Errorf("reset stale tasks: %w", err)
	}
	if reset > 0 {
		c.rt.Logger.Info("reset stale task statuses", "count", reset)
	}
	tasks, err := c.store.ListTasks(ctx, "")
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		if err := c.Register(ctx, task); err != nil {
			c.rt.Logger.Error("register task", "task_id", task.ID, "err", err)
		}
	}
	return nil
}

// Register installs or replaces the trigger of task. Disabled tasks lose their trigger.
func (c *Tasks) Register(_ context.Context, task *core.Task) error {
	key := taskTriggerID(task.ID)
	if task.IsDisabled {
		c.rt.Triggers.Cancel(key)
		return nil
	}
	id := task.ID
	return c.rt.Triggers.RegisterCron(key, task.Schedule, func() { c.fire(id) }, false)
}

// Remove cancels the triggers of ids. Records are deleted by the caller.
func (c *Tasks) Remove(ids []string) {
	for _, id := range ids {
		c.rt.Triggers.Cancel(taskTriggerID(id))
	}
}

// fire handles a trigger tick. A tick for a task that still has a live process is skipped.
func (c *Tasks) fire(id string) {
	if !c.live.claim(id) {
		c.rt.Logger.Info("skip tick, task still running", "task_id", id)
		return
	}
	defer c.live.release(id)
	ctx := c.context()
	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		c.rt.Logger.Error("load task for tick", "task_id", id, "err", err)
		return
	}
	c.execute(ctx, task, false)
}

// RunNow marks ids queued and runs them in the background on at most
// Concurrency lanes. A task whose status is no longer queued when its lane
// reaches it is skipped.
func (c *Tasks) RunNow(ctx context.Context, ids []string) error {
	if err := c.store.MarkTasksQueued(ctx, ids); err != nil {
		return err
	}
	ids = append([]string(nil), ids...)
	c.goRun(func(ctx context.Context) {
		err := core.RunAll(ctx, ids, c.cfg.Concurrency, func(ctx context.Context, _ int, id string) error {
			return c.runQueued(ctx, id)
		})
		if err != nil {
			c.rt.Logger.Error("run tasks", "err", err)
		}
	})
	return nil
}

func (c *Tasks) runQueued(ctx context.Context, id string) error {
	if !c.live.claim(id) {
		c.rt.Logger.Debug("skip queued run, task already running", "task_id", id)
		return nil
	}
	defer c.live.release(id)
	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	if task.Status != core.TaskStatusQueued {
		c.rt.Logger.Debug("skip stale queued run", "task_id", id, "status", task.Status)
		return nil
	}
	c.execute(ctx, task, true)
	return nil
}

func (c *Tasks) execute(ctx context.Context, task *core.Task, runNow bool) {
	c.rt.execute(ctx, runTarget{
		id:        task.ID,
		kind:      core.RunKindTask,
		logOwner:  task.ID,
		command:   BuildTaskCommand(task.Command, c.cfg.TaskCommand, c.cfg.PullCommand, runNow),
		setStatus: c.store.UpdateTaskStatus,
		endEvent:  events.TypeRunCronEnd,
		endMsg:    "task finished",
	})
}

// Stop ends the live runs of ids and resets them to idle. Triggers stay registered.
func (c *Tasks) Stop(ctx context.Context, ids []string) error {
	tasks, err := c.store.GetTasks(ctx, ids)
	if err != nil {
		return err
	}
	var firstErr error
	for _, task := range tasks {
		err := c.rt.stop(ctx, stopTarget{
			id:                task.ID,
			pid:               task.PID,
			pattern:           BuildTaskCommand(task.Command, c.cfg.TaskCommand, c.cfg.PullCommand, false),
			logPath:           task.LogPath,
			lastExecutionTime: task.LastExecutionTime,
			setStatus:         c.store.UpdateTaskStatus,
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop task %s: %w", task.ID, err)
		}
	}
	return firstErr
}

// Enable clears isDisabled and registers triggers again.
func (c *Tasks) Enable(ctx context.Context, ids []string) error {
	if err := c.store.SetTasksDisabled(ctx, ids, false); err != nil {
		return err
	}
	tasks, err := c.store.GetTasks(ctx, ids)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := c.Register(ctx, task); err != nil {
			return fmt.Errorf("register task %s: %w", task.ID, err)
		}
	}
	return nil
}

// Disable cancels triggers and sets isDisabled. A live run is left alone.
func (c *Tasks) Disable(ctx context.Context, ids []string) error {
	c.Remove(ids)
	return c.store.SetTasksDisabled(ctx, ids, true)
}

// Running reports whether id currently owns a live process in this daemon.
func (c *Tasks) Running(id string) bool {
	_, ok := c.live.m.Load(id)
	return ok
}

// LatestLog returns the content of the most recent log of id.
func (c *Tasks) LatestLog(ctx context.Context, id string) (string, error) {
	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	if task.LogPath == nil {
		return "", nil
	}
	return c.rt.Logs.Read(*task.LogPath)
}
