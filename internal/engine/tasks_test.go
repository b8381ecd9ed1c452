package engine_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/engine"
	"taskpanel/internal/events"

	"github.com/stretchr/testify/require"
)

func TestTasksRunNowSingleFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.gate = make(chan struct{})
	h.store.putTask(&core.Task{ID: "t1", Command: "foo.js", Schedule: "*/5 * * * * *"})
	tasks := engine.NewTasks(h.store, h.rt, engine.Config{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = tasks.RunNow(t.Context(), []string{"t1"})
		}()
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	require.Eventually(t, func() bool { return len(h.runner.Commands()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tasks.Running("t1") }, time.Second, 5*time.Millisecond)
	close(h.runner.gate)
	tasks.Wait()

	require.Equal(t, []string{"task foo.js now"}, h.runner.Commands())
	require.Equal(t, []core.TaskStatus{core.TaskStatusRunning, core.TaskStatusIdle}, h.store.statuses("t1"))
	task := h.store.task("t1")
	require.Equal(t, core.TaskStatusIdle, task.Status)
	require.Nil(t, task.PID)
	require.Equal(t, []string{events.TypeRunCronEnd}, h.publisher.Types())
}

func TestTasksRunNowSkipsStaleQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	pid := 77
	// A running task keeps its status when queued, so its lane finds it not queued.
	h.store.putTask(&core.Task{ID: "busy", Command: "task a.sh", Schedule: "* * * * *", Status: core.TaskStatusRunning, PID: &pid})
	h.store.putTask(&core.Task{ID: "free", Command: "echo free", Schedule: "* * * * *"})
	tasks := engine.NewTasks(h.store, h.rt, engine.Config{})

	require.NoError(t, tasks.RunNow(t.Context(), []string{"busy", "free", "missing"}))
	tasks.Wait()

	require.Equal(t, []string{"task echo free"}, h.runner.Commands())
	require.Equal(t, core.TaskStatusRunning, h.store.task("busy").Status)
}

func TestTasksRunWritesLog(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.runner.output["task echo hi"] = "hi\n"
	h.store.putTask(&core.Task{ID: "t2", Command: "echo hi", Schedule: "* * * * *"})
	tasks := engine.NewTasks(h.store, h.rt, engine.Config{})
	require.NoError(t, tasks.Start(t.Context()))

	h.triggers.Fire(t, "task:t2")

	task := h.store.task("t2")
	require.NotNil(t, task.LogPath)
	require.Equal(t, filepath.Join(h.logDir, "t2"), filepath.Dir(*task.LogPath))
	require.Positive(t, task.LastExecutionTime)

	content, err := tasks.LatestLog(t.Context(), "t2")
	require.NoError(t, err)
	require.Contains(t, content, "## Started at ")
	require.Contains(t, content, "hi\n")
	require.Contains(t, content, "## Finished at ")
	require.Contains(t, content, "elapsed 0 seconds")
}

func TestTasksStopResetsState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.killer.report = core.KillReport{Attempts: []core.KillAttempt{{PID: 4242, Err: os.ErrPermission}}}

	logPath := filepath.Join(h.logDir, "t3.log")
	require.NoError(t, os.WriteFile(logPath, []byte("## Started at x\n"), 0o644))
	pid := 4242
	h.store.putTask(&core.Task{
		ID: "t3", Command: "task long.py", Schedule: "* * * * *",
		Status: core.TaskStatusRunning, PID: &pid, LogPath: &logPath,
		LastExecutionTime: time.Now().Add(-3 * time.Second).Unix(),
	})
	tasks := engine.NewTasks(h.store, h.rt, engine.Config{})
	require.NoError(t, tasks.Start(t.Context()))
	// Start resets the stale running status; put it back to simulate a live run.
	require.NoError(t, h.store.UpdateTaskStatus(t.Context(), "t3", core.StatusUpdate{Status: core.TaskStatusRunning, PID: &pid}))

	require.NoError(t, tasks.Stop(t.Context(), []string{"t3"}))

	task := h.store.task("t3")
	require.Equal(t, core.TaskStatusIdle, task.Status)
	require.Nil(t, task.PID)
	require.Equal(t, []int{4242}, h.killed)
	require.Equal(t, []string{"task long.py"}, h.killer.patterns)
	require.True(t, h.triggers.Has("task:t3"), "stop must not cancel the trigger")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "kill 4242: permission denied")
	require.Regexp(t, `## Finished at .* elapsed \d+ seconds`, string(data))
}

func TestTasksStopWithoutLog(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.putTask(&core.Task{ID: "t4", Command: "sleep 100", Schedule: "* * * * *", Status: core.TaskStatusQueued})
	tasks := engine.NewTasks(h.store, h.rt, engine.Config{})

	require.NoError(t, tasks.Stop(t.Context(), []string{"t4"}))
	require.Empty(t, h.killed)
	require.Equal(t, core.TaskStatusIdle, h.store.task("t4").Status)
}

func TestTasksEnableDisable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.putTask(&core.Task{ID: "on", Command: "a.js", Schedule: "0 * * * *"})
	h.store.putTask(&core.Task{ID: "off", Command: "b.js", Schedule: "0 * * * *", IsDisabled: true})
	tasks := engine.NewTasks(h.store, h.rt, engine.Config{})
	require.NoError(t, tasks.Start(t.Context()))

	require.True(t, h.triggers.Has("task:on"))
	require.False(t, h.triggers.Has("task:off"))

	require.NoError(t, tasks.Disable(t.Context(), []string{"on"}))
	require.False(t, h.triggers.Has("task:on"))
	require.True(t, h.store.task("on").IsDisabled)
	require.Equal(t, core.TaskStatusIdle, h.store.task("on").Status)

	require.NoError(t, tasks.Enable(t.Context(), []string{"on", "off"}))
	require.True(t, h.triggers.Has("task:on"))
	require.True(t, h.triggers.Has("task:off"))
	require.False(t, h.store.task("off").IsDisabled)

	h.triggers.Fire(t, "task:off")
	require.Equal(t, []string{"task b.js"}, h.runner.Commands())

	tasks.Remove([]string{"on", "off"})
	require.False(t, h.triggers.Has("task:on"))
	require.False(t, h.triggers.Has("task:off"))
}

func TestTasksStartResetsStaleStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	pid := 12
	h.store.putTask(&core.Task{ID: "r", Command: "x", Schedule: "* * * * *", Status: core.TaskStatusRunning, PID: &pid})
	h.store.putTask(&core.Task{ID: "q", Command: "y", Schedule: "* * * * *", Status: core.TaskStatusQueued})
	tasks := engine.NewTasks(h.store, h.rt, engine.Config{})

	require.NoError(t, tasks.Start(t.Context()))

	require.Equal(t, core.TaskStatusIdle, h.store.task("r").Status)
	require.Nil(t, h.store.task("r").PID)
	require.Equal(t, core.TaskStatusIdle, h.store.task("q").Status)
	require.Empty(t, h.runner.Commands())
}

func TestTasksRegisterRejectsInvalidCron(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	tasks := engine.NewTasks(h.store, h.rt, engine.Config{})

	err := tasks.Register(t.Context(), &core.Task{ID: "bad", Command: "x", Schedule: "every day"})
	require.Error(t, err)
	require.False(t, h.triggers.Has("task:bad"))
}
