package engine_test

import (
	"strings"
	"sync"
	"testing"

	"taskpanel/internal/core"
	"taskpanel/internal/engine"
	"taskpanel/internal/events"

	"github.com/stretchr/testify/require"
)

type fakeKeys struct {
	mu        sync.Mutex
	installed map[string]string
	removed   []string
}

func (k *fakeKeys) Install(alias, host, _ string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.installed == nil {
		k.installed = map[string]string{}
	}
	k.installed[alias] = host
	return nil
}

func (k *fakeKeys) Remove(alias string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.removed = append(k.removed, alias)
	return nil
}

func TestSubscriptionIntervalRunsOnRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sub := &core.Subscription{
		ID: "s1", Alias: "scripts", Type: core.SubscriptionPublicRepo,
		ScheduleType: core.ScheduleInterval, Interval: core.IntervalSchedule{Unit: core.IntervalDays, Value: 28},
		URL: "https://example.com/scripts.git", Branch: "main", Whitelist: "jd_",
		SubBefore: "echo before", SubAfter: "echo after",
	}
	h.store.putSub(sub)
	pull := `ql repo "https://example.com/scripts.git" "jd_" "" "" "main" ""`
	h.runner.output["echo before"] = "from before\n"
	h.runner.output[pull] = "pulled\n"
	h.runner.output["echo after"] = "from after\n"
	subs := engine.NewSubscriptions(h.store, &fakeKeys{}, h.rt, engine.Config{})

	require.NoError(t, subs.Register(t.Context(), sub))
	subs.Wait()

	// Hooks run inside the main run's lifecycle, so the pull is dispatched first.
	require.Equal(t, []string{pull, "echo before", "echo after"}, h.runner.Commands())
	content, err := subs.LatestLog(t.Context(), "s1")
	require.NoError(t, err)
	before := strings.Index(content, "from before")
	main := strings.Index(content, "pulled")
	after := strings.Index(content, "from after")
	finished := strings.Index(content, "## Finished at")
	require.True(t, before >= 0 && before < main && main < after && after < finished, content)
	require.Contains(t, *h.store.sub("s1").LogPath, "/scripts/")
	require.Equal(t, []string{events.TypeRunSubscriptionEnd}, h.publisher.Types())
	require.Equal(t, core.TaskStatusIdle, h.store.sub("s1").Status)
}

func TestSubscriptionStartDoesNotRunIntervals(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.putSub(&core.Subscription{
		ID: "s2", Alias: "files", Type: core.SubscriptionFile,
		ScheduleType: core.ScheduleInterval, Interval: core.IntervalSchedule{Unit: core.IntervalHours, Value: 6},
		URL: "https://example.com/a.js",
	})
	h.store.putSub(&core.Subscription{
		ID: "s3", Alias: "cron", Type: core.SubscriptionFile,
		ScheduleType: core.ScheduleCrontab, Schedule: "0 3 * * *",
		URL: "https://example.com/b.js", IsDisabled: true,
	})
	subs := engine.NewSubscriptions(h.store, &fakeKeys{}, h.rt, engine.Config{PullCommand: "pull"})

	require.NoError(t, subs.Start(t.Context()))
	subs.Wait()

	require.Empty(t, h.runner.Commands())
	require.True(t, h.triggers.Has("sub:s2"))
	require.False(t, h.triggers.Has("sub:s3"))

	h.triggers.Fire(t, "sub:s2")
	subs.Wait()
	require.Equal(t, []string{`pull raw "https://example.com/a.js"`}, h.runner.Commands())
}

func TestSubscriptionSSHKeyLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	keys := &fakeKeys{}
	sub := &core.Subscription{
		ID: "s4", Alias: "private", Type: core.SubscriptionPrivateRepo, PullType: core.PullSSHKey,
		PullOption:   core.PullOption{PrivateKey: "KEY"},
		ScheduleType: core.ScheduleCrontab, Schedule: "0 0 * * *",
		URL: "git@github.com:owner/repo.git",
	}
	h.store.putSub(sub)
	subs := engine.NewSubscriptions(h.store, keys, h.rt, engine.Config{})

	require.NoError(t, subs.Register(t.Context(), sub))
	require.Equal(t, map[string]string{"private": "github.com"}, keys.installed)

	require.NoError(t, subs.RunNow(t.Context(), []string{"s4"}))
	subs.Wait()
	require.Equal(t, []string{`ql repo "git@private:owner/repo.git" "" "" "" "" ""`}, h.runner.Commands())

	subs.Remove([]*core.Subscription{sub})
	require.Equal(t, []string{"private"}, keys.removed)
	require.False(t, h.triggers.Has("sub:s4"))
}

func TestSubscriptionStopAndDisable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	pid := 555
	sub := &core.Subscription{
		ID: "s5", Alias: "pwd", Type: core.SubscriptionPrivateRepo, PullType: core.PullUserPwd,
		PullOption:   core.PullOption{Username: "u", Password: "p"},
		ScheduleType: core.ScheduleCrontab, Schedule: "0 0 * * *",
		URL: "https://git.example.com/o/r.git", Status: core.TaskStatusRunning, PID: &pid,
	}
	h.store.putSub(sub)
	subs := engine.NewSubscriptions(h.store, &fakeKeys{}, h.rt, engine.Config{})
	require.NoError(t, subs.Register(t.Context(), sub))

	require.NoError(t, subs.Stop(t.Context(), []string{"s5"}))
	require.Equal(t, []int{555}, h.killed)
	require.Equal(t, []string{`ql repo "https://u:p@git.example.com/o/r.git" "" "" "" "" ""`}, h.killer.patterns)
	require.Equal(t, core.TaskStatusIdle, h.store.sub("s5").Status)
	require.Nil(t, h.store.sub("s5").PID)
	require.True(t, h.triggers.Has("sub:s5"))

	require.NoError(t, subs.Disable(t.Context(), []string{"s5"}))
	require.False(t, h.triggers.Has("sub:s5"))
	require.True(t, h.store.sub("s5").IsDisabled)

	require.NoError(t, subs.Enable(t.Context(), []string{"s5"}))
	require.True(t, h.triggers.Has("sub:s5"))
	subs.Wait()
	require.Empty(t, h.runner.Commands(), "crontab subscriptions do not run on enable")
}
