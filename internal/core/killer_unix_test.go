//go:build !windows

package core

import (
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTreeKillerKillsLiveShellTree(t *testing.T) {
	shell, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	marker := "tree-kill-" + NewID()
	cmd := exec.Command(shell, "-c", "sleep 30 & sleep 30 & sleep 30 & wait; echo "+marker)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	pgid := cmd.Process.Pid
	t.Cleanup(func() { _ = syscall.Kill(-pgid, syscall.SIGKILL) })

	table := PsutilTable{}
	require.Eventually(t, func() bool {
		children, err := table.Children(t.Context(), cmd.Process.Pid)
		return err == nil && len(children) == 3
	}, 5*time.Second, 20*time.Millisecond)

	killer := NewTreeKiller(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	report := killer.KillByPattern(t.Context(), marker)
	require.Empty(t, report.Failure)
	require.Len(t, report.Attempts, maxKillTargets)
	require.Equal(t, cmd.Process.Pid, report.Attempts[0].PID)
	for _, a := range report.Attempts {
		require.NoError(t, a.Err, "pid %d", a.PID)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		require.True(t, ok)
		require.Equal(t, syscall.SIGKILL, status.Signal())
	case <-time.After(5 * time.Second):
		t.Fatal("shell survived the tree kill")
	}
}
