package config_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"taskpanel/internal/config"
	"taskpanel/internal/core"

	"github.com/stretchr/testify/require"
)

func TestLoadPrecedence(t *testing.T) {
	state := t.TempDir()
	t.Setenv("TASKPANEL_STATE_DIR", state)
	t.Setenv("TASKPANEL_ADDR", "127.0.0.1:1")
	t.Setenv("TASKPANEL_RUN_CONCURRENCY", "4")
	t.Setenv("TASKPANEL_USE_UTC", "yes")
	t.Setenv("TASKPANEL_SSH_DIR", filepath.Join(state, "ssh"))

	cfg, err := config.Load([]string{"-addr", "127.0.0.1:2", "-mode", "both"})
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:2", cfg.Server.Addr, "flags beat the environment")
	require.Equal(t, "both", cfg.Server.Mode)
	require.Equal(t, 4, cfg.Engine.RunConcurrency)
	require.True(t, cfg.UseUTC)
	require.Equal(t, filepath.Join(state, "logs"), cfg.Log.Dir)
	require.Equal(t, "task", cfg.Engine.TaskCommand)
	require.Equal(t, "ql", cfg.Engine.PullCommand)
	require.Equal(t, 50, cfg.Log.RunRetention)
	require.Equal(t, 5*time.Second, cfg.ShutdownGrace)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("TASKPANEL_STATE_DIR", t.TempDir())
	t.Setenv("TASKPANEL_SSH_DIR", t.TempDir())

	_, err := config.Load([]string{"-mode", "grpc"})
	require.ErrorContains(t, err, "invalid mode")

	t.Setenv("TASKPANEL_BARK_ENABLED", "true")
	_, err = config.Load(nil)
	require.ErrorContains(t, err, "BARK_URL")
}

func TestLoadEngineFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := []struct {
		scenario string
		content  string
		wantErr  string
	}{
		{"empty", "", ""},
		{"override", "packages:\n  python3:\n    install: pip install -U\n", ""},
		{"unknown_key", "packages: {}\nworkers: 3\n", "workers"},
		{"unknown_ecosystem", "packages:\n  ruby:\n    install: gem install\n", "unknown ecosystem"},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			path := filepath.Join(dir, tc.scenario+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))
			ef, err := config.LoadEngineFile(path)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			if tc.scenario == "override" {
				require.Equal(t, "pip install -U", ef.Packages[core.EcosystemPython3].Install)
			}
		})
	}
}

func TestWatchEngineFileAppliesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("packages: {}\n"), 0o644))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var latest atomic.Pointer[config.EngineFile]
	done := make(chan error, 1)
	go func() {
		done <- config.WatchEngineFile(t.Context(), path, logger, func(ef *config.EngineFile) { latest.Store(ef) })
	}()

	content := []byte("packages:\n  linux:\n    install: apt-get install -y\n")
	require.Eventually(t, func() bool {
		// Rewrite until the watcher, which starts asynchronously, has seen a change.
		require.NoError(t, os.WriteFile(path, content, 0o644))
		ef := latest.Load()
		return ef != nil && ef.Packages[core.EcosystemLinux].Install == "apt-get install -y"
	}, 5*time.Second, 400*time.Millisecond)
}
