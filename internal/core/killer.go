package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// maxKillTargets bounds how many pids of the matched tree are killed. It is a
// heuristic carried over from the panel's shell tooling, not an invariant:
// wrapper shells tend to spawn helpers after the interesting processes.
const maxKillTargets = 3

// ProcessTable is the view of the OS process table the tree killer needs.
type ProcessTable interface {
	// FindByCmdline returns pids whose command line contains pattern.
	FindByCmdline(ctx context.Context, pattern string) ([]int, error)
	// Children returns the direct children of pid.
	Children(ctx context.Context, pid int) ([]int, error)
}

// KillAttempt records one kill signal sent by the tree killer.
type KillAttempt struct {
	PID int
	Err error
}

// KillReport is the diagnostic outcome of KillByPattern.
type KillReport struct {
	Pattern  string
	Attempts []KillAttempt
	// Failure holds a lookup error that prevented any kill.
	Failure string
}

// String concatenates the non-empty diagnostics. It is empty when nothing
// matched or every kill succeeded silently.
func (r KillReport) String() string {
	var lines []string
	if r.Failure != "" {
		lines = append(lines, r.Failure)
	}
	for _, a := range r.Attempts {
		if a.Err != nil {
			lines = append(lines, fmt.Sprintf("kill %d: %v", a.PID, a.Err))
		}
	}
	return strings.Join(lines, "\n")
}

// TreeKiller finds the first process whose command line matches a pattern and
// force-kills the head of its process tree.
type TreeKiller struct {
	table  ProcessTable
	kill   func(pid int) error
	logger *slog.Logger
}

// NewTreeKiller builds a killer over table. A nil table uses the live OS
// process table.
func NewTreeKiller(table ProcessTable, logger *slog.Logger) *TreeKiller {
	if table == nil {
		table = PsutilTable{}
	}
	return &TreeKiller{table: table, kill: killPID, logger: logger}
}

// KillByPattern never fails; lookup and signal errors end up in the report.
func (k *TreeKiller) KillByPattern(ctx context.Context, pattern string) KillReport {
	report := KillReport{Pattern: pattern}
	if strings.TrimSpace(pattern) == "" {
		return report
	}
	pids, err := k.table.FindByCmdline(ctx, pattern)
	if err != nil {
		report.Failure = fmt.Sprintf("find processes: %v", err)
		return report
	}
	if len(pids) == 0 {
		return report
	}
	slices.Sort(pids)

	tree := k.expand(ctx, pids[0], &report)
	if len(tree) > maxKillTargets {
		tree = tree[:maxKillTargets]
	}
	for _, pid := range tree {
		err := k.kill(pid)
		report.Attempts = append(report.Attempts, KillAttempt{PID: pid, Err: err})
	}
	k.logger.Debug("tree kill", "pattern", pattern, "root", pids[0], "targets", tree)
	return report
}

// expand lists root and its descendants depth-first, children in pid order.
func (k *TreeKiller) expand(ctx context.Context, root int, report *KillReport) []int {
	out := []int{root}
	seen := map[int]bool{root: true}
	var walk func(pid int)
	walk = func(pid int) {
		children, err := k.table.Children(ctx, pid)
		if err != nil {
			report.Failure = fmt.Sprintf("list children of %d: %v", pid, err)
			return
		}
		slices.Sort(children)
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			walk(c)
		}
	}
	walk(root)
	return out
}

// PsutilTable reads the live process table through gopsutil.
type PsutilTable struct{}

func (PsutilTable) FindByCmdline(ctx context.Context, pattern string) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	var pids []int
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			// Processes exit between listing and reading.
			continue
		}
		if strings.Contains(cmdline, pattern) {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids, nil
}

func (PsutilTable) Children(ctx context.Context, pid int) ([]int, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, nil
		}
		return nil, err
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) {
			return nil, nil
		}
		return nil, err
	}
	pids := make([]int, 0, len(children))
	for _, c := range children {
		pids = append(pids, int(c.Pid))
	}
	return pids, nil
}
