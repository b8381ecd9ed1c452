//go:build windows

package core

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// KillProcessGroup kills pid. Windows has no process groups reachable by a
// negative pid, so descendants are left to the tree killer.
func KillProcessGroup(pid int) error {
	return killPID(pid)
}

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
