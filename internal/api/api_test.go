package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskpanel/internal/api"
	"taskpanel/internal/core"
	"taskpanel/internal/engine"
	"taskpanel/internal/events"
	"taskpanel/internal/store"

	"github.com/stretchr/testify/require"
)

type noKiller struct{}

func (noKiller) KillByPattern(_ context.Context, pattern string) core.KillReport {
	return core.KillReport{Pattern: pattern}
}

type fixture struct {
	svc   api.Services
	srv   *httptest.Server
	store *store.Store
	tasks *engine.Tasks
	deps  *engine.Dependencies
	bus   *events.Bus
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	shell, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(t.Context(), t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	logs := engine.NewLogFiles(filepath.Join(t.TempDir(), "logs"))
	rt := &engine.Runtime{
		Runner:    core.NewProcessRunner(shell, logger),
		Killer:    noKiller{},
		Triggers:  core.NewScheduler(logger, time.UTC),
		Publisher: bus,
		Runs:      st,
		Logs:      logs,
		Logger:    logger,
		KillGroup: func(int) error { return nil },
	}
	// "env" stands in for the task-runner wrapper so commands run as written.
	cfg := engine.Config{TaskCommand: "env", PullCommand: "echo"}
	tasks := engine.NewTasks(st, rt, cfg)
	subs := engine.NewSubscriptions(st, engine.NewSSHKeys(t.TempDir(), logger), rt, cfg)
	deps := engine.NewDependencies(st, rt, map[core.Ecosystem]engine.PackageCommands{
		core.EcosystemNodeJS: {Install: "echo installing", Uninstall: "echo removing"},
	})
	t.Cleanup(func() {
		tasks.Wait()
		subs.Wait()
		deps.Wait()
	})

	svc := api.Services{
		Store: st, Tasks: tasks, Subscriptions: subs, Dependencies: deps, Logs: logs, Bus: bus,
	}
	server := api.NewServer("", token, svc, logger, time.UTC)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{svc: svc, srv: srv, store: st, tasks: tasks, deps: deps, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"command": "echo from-task", "schedule": "0 0 1 1 *", "labels": []string{"demo"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	id := created["id"].(string)
	require.Equal(t, "idle", created["status"])
	require.NotEmpty(t, created["next_run_at"])

	resp = f.do(t, http.MethodPut, "/v1/tasks/run", map[string]any{"ids": []string{id}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.tasks.Wait()

	resp = f.do(t, http.MethodGet, "/v1/tasks/"+id+"/log", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "from-task")
	require.Contains(t, string(body), "## Finished at")

	runs := decode[[]map[string]any](t, f.do(t, http.MethodGet, "/v1/tasks/"+id+"/runs", nil))
	require.Len(t, runs, 1)
	require.EqualValues(t, 0, runs[0]["exit_code"])

	resp = f.do(t, http.MethodPut, "/v1/tasks/disable", map[string]any{"ids": []string{id}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	got := decode[map[string]any](t, f.do(t, http.MethodGet, "/v1/tasks/"+id, nil))
	require.Equal(t, true, got["is_disabled"])
	require.Nil(t, got["next_run_at"])

	resp = f.do(t, http.MethodDelete, "/v1/tasks", map[string]any{"ids": []string{id}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"command": "echo", "schedule": "every minute"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"command": " ", "schedule": "* * * * *"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPut, "/v1/tasks/run", map[string]any{"ids": []string{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscriptionRejectsBadSSHURL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp := f.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"alias": "private", "type": "private-repo", "pull_type": "ssh-key",
		"schedule_type": "crontab", "schedule": "0 0 * * *", "url": "https://example.com/r.git",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"alias": "files", "type": "file", "schedule_type": "crontab", "schedule": "0 0 * * *",
		"url": "https://example.com/a.js", "pull_option": map[string]string{"password": "secret"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	require.NotContains(t, created, "pull_option")
}

func TestSubscriptionRejectsUnsafeAlias(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	for _, alias := range []string{"..", ".", "config", "../logs", "-rf"} {
		resp := f.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{
			"alias": alias, "type": "private-repo", "pull_type": "ssh-key",
			"schedule_type": "crontab", "schedule": "0 0 * * *", "url": "git@github.com:o/r.git",
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "alias %q", alias)
	}
	subs, err := f.store.ListSubscriptions(t.Context(), "")
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestDependenciesInstallOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp := f.do(t, http.MethodPost, "/v1/dependencies", []map[string]any{{"name": "axios", "type": "nodejs"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[[]map[string]any](t, resp)
	id := created[0]["id"].(string)
	f.deps.Wait()

	dep, err := f.store.GetDependency(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, core.DependencyInstalled, dep.Status)
	require.Contains(t, strings.Join(dep.Log, ""), "installing axios")

	resp = f.do(t, http.MethodDelete, "/v1/dependencies", map[string]any{"ids": []string{id}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.deps.Wait()
	_, err = f.store.GetDependency(t.Context(), id)
	require.ErrorIs(t, err, store.ErrDependencyNotFound)

	resp = f.do(t, http.MethodPost, "/v1/dependencies", []map[string]any{{"name": "gem", "type": "ruby"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCronPreview(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp := f.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": "0 9 * * *", "now": "2024-01-01T00:00:00Z", "count": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	preview := decode[map[string]any](t, resp)
	require.Equal(t, true, preview["valid"])
	require.Equal(t, []any{"2024-01-01T09:00:00Z", "2024-01-02T09:00:00Z"}, preview["next_times"])

	preview = decode[map[string]any](t, f.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": "61 * * * *"}))
	require.Equal(t, false, preview["valid"])
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "s3cret")

	resp := f.do(t, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/tasks?token=s3cret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.srv.URL+"/v1/tasks", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	require.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The handler subscribes before flushing headers, so this publish is delivered.
	f.bus.Publish(events.Event{Type: events.TypeRunCronEnd, Message: "task finished", References: []string{"t1"}})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimRight(line, "\n"))
	}
	require.True(t, strings.HasPrefix(lines[0], "id: "))
	require.Equal(t, "event: runCronEnd", lines[1])
	require.Contains(t, lines[2], `"references":["t1"]`)
}

func TestShutdownEndsEventStreams(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	var logBuf bytes.Buffer
	server := api.NewServer("", "", f.svc, slog.New(slog.NewTextHandler(&logBuf, nil)), time.UTC)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- server.Serve(l) }()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://"+l.Addr().String()+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	started := time.Now()
	require.NoError(t, server.Shutdown(ctx))
	require.Less(t, time.Since(started), 5*time.Second)
	require.ErrorIs(t, <-served, http.ErrServerClosed)
	require.Equal(t, 1, strings.Count(logBuf.String(), "http server listening"))

	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err, "the stream ends cleanly once the handler returns")
}
