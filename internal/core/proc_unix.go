//go:build !windows

package core

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the shell in its own process group so a stop can reach
// every process it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillProcessGroup sends SIGKILL to the process group led by pid.
func KillProcessGroup(pid int) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func killPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
