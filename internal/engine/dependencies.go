package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/events"
)

// DependencyStore is the persistence the dependency coordinator uses.
type DependencyStore interface {
	GetDependencies(ctx context.Context, ids []string) ([]*core.Dependency, error)
	UpdateDependencyStatus(ctx context.Context, ids []string, status core.DependencyStatus) error
	AppendDependencyLog(ctx context.Context, ids []string, chunk string) error
	ResetDependencies(ctx context.Context, ids []string, status core.DependencyStatus) error
	DeleteDependencies(ctx context.Context, ids []string) error
}

// PackageCommands are the shell prefixes that install and remove packages of one ecosystem.
type PackageCommands struct {
	Install   string `yaml:"install"`
	Uninstall string `yaml:"uninstall"`
}

// DefaultPackageCommands returns the package manager invocations per ecosystem.
func DefaultPackageCommands() map[core.Ecosystem]PackageCommands {
	return map[core.Ecosystem]PackageCommands{
		core.EcosystemNodeJS:  {Install: "npm i -g --force", Uninstall: "npm uninstall -g --force"},
		core.EcosystemPython3: {Install: "pip3 install", Uninstall: "pip3 uninstall -y"},
		core.EcosystemLinux:   {Install: "apk add --no-cache -f", Uninstall: "apk del -f"},
	}
}

// depJob is one package manager invocation covering every dependency of an ecosystem.
type depJob struct {
	ecosystem core.Ecosystem
	ids       []string
	names     []string
	install   bool
	force     bool
}

// Dependencies installs and removes packages one job at a time. Package
// managers share global state, so no two jobs ever overlap, even across
// separate requests.
type Dependencies struct {
	background

	store DependencyStore
	rt    *Runtime

	cmdMu    sync.RWMutex
	commands map[core.Ecosystem]PackageCommands

	serial sync.Mutex
}

func NewDependencies(store DependencyStore, rt *Runtime, commands map[core.Ecosystem]PackageCommands) *Dependencies {
	c := &Dependencies{store: store, rt: rt}
	c.SetCommands(commands)
	return c
}

// SetCommands overrides package commands per ecosystem; ecosystems missing
// from overrides keep their defaults.
func (c *Dependencies) SetCommands(overrides map[core.Ecosystem]PackageCommands) {
	merged := DefaultPackageCommands()
	for eco, cmds := range overrides {
		base := merged[eco]
		if cmds.Install != "" {
			base.Install = cmds.Install
		}
		if cmds.Uninstall != "" {
			base.Uninstall = cmds.Uninstall
		}
		merged[eco] = base
	}
	c.cmdMu.Lock()
	c.commands = merged
	c.cmdMu.Unlock()
}

// Commands returns a copy of the active package commands.
func (c *Dependencies) Commands() map[core.Ecosystem]PackageCommands {
	c.cmdMu.RLock()
	defer c.cmdMu.RUnlock()
	return maps.Clone(c.commands)
}

// Install marks ids installing and installs them in the background.
func (c *Dependencies) Install(ctx context.Context, ids []string) error {
	if err := c.store.UpdateDependencyStatus(ctx, ids, core.DependencyInstalling); err != nil {
		return err
	}
	return c.enqueue(ctx, ids, true, false)
}

// Reinstall clears the logs of ids and installs them again.
func (c *Dependencies) Reinstall(ctx context.Context, ids []string) error {
	if err := c.store.ResetDependencies(ctx, ids, core.DependencyInstalling); err != nil {
		return err
	}
	return c.enqueue(ctx, ids, true, false)
}

// Uninstall removes ids. Records are deleted once removal succeeds, or
// unconditionally when force is set.
func (c *Dependencies) Uninstall(ctx context.Context, ids []string, force bool) error {
	if err := c.store.ResetDependencies(ctx, ids, core.DependencyRemoving); err != nil {
		return err
	}
	return c.enqueue(ctx, ids, false, force)
}

func (c *Dependencies) enqueue(ctx context.Context, ids []string, install, force bool) error {
	deps, err := c.store.GetDependencies(ctx, ids)
	if err != nil {
		return err
	}
	jobs := groupJobs(deps, install, force)
	if len(jobs) == 0 {
		return nil
	}
	c.goRun(func(ctx context.Context) {
		c.serial.Lock()
		defer c.serial.Unlock()
		err := core.RunAll(ctx, jobs, 1, func(ctx context.Context, _ int, job depJob) error {
			return c.run(ctx, job)
		})
		if err != nil {
			c.rt.Logger.Error("dependency jobs", "err", err)
		}
	})
	return nil
}

// groupJobs folds deps into one job per ecosystem, in order of first appearance.
func groupJobs(deps []*core.Dependency, install, force bool) []depJob {
	var jobs []depJob
	index := map[core.Ecosystem]int{}
	for _, dep := range deps {
		i, ok := index[dep.Ecosystem]
		if !ok {
			i = len(jobs)
			index[dep.Ecosystem] = i
			jobs = append(jobs, depJob{ecosystem: dep.Ecosystem, install: install, force: force})
		}
		jobs[i].ids = append(jobs[i].ids, dep.ID)
		jobs[i].names = append(jobs[i].names, dep.Name)
	}
	return jobs
}

func (c *Dependencies) run(ctx context.Context, job depJob) error {
	cmds, ok := c.Commands()[job.ecosystem]
	if !ok {
		failed := core.DependencyInstallFailed
		if !job.install {
			failed = core.DependencyRemoveFailed
		}
		c.appendLog(ctx, job, fmt.Sprintf("unknown ecosystem %q\n", job.ecosystem))
		return c.store.UpdateDependencyStatus(ctx, job.ids, failed)
	}
	prefix, action := cmds.Install, "install"
	if !job.install {
		prefix, action = cmds.Uninstall, "removal"
	}
	names := strings.Join(job.names, " ")
	command := prefix + " " + names

	var started time.Time
	proc := c.rt.Runner.Run(ctx, command, core.Callbacks{
		OnBefore: func(_ context.Context, start time.Time) error {
			started = start
			c.appendLog(ctx, job, fmt.Sprintf("Starting %s of %s at %s\n", action, names, start.Format(logStampLayout)))
			return nil
		},
		OnLog:   func(_ context.Context, text string) { c.appendLog(ctx, job, text) },
		OnError: func(_ context.Context, text string) { c.appendLog(ctx, job, text) },
	})

	end := time.Now()
	succeeded := proc.ExitCode == 0
	result := "succeeded"
	if !succeeded {
		result = "failed"
	}
	c.appendLog(ctx, job, fmt.Sprintf("Dependency %s %s at %s, took %.1f seconds\n",
		action, result, end.Format(logStampLayout), end.Sub(started).Seconds()))

	var status core.DependencyStatus
	switch {
	case job.install && succeeded:
		status = core.DependencyInstalled
	case job.install:
		status = core.DependencyInstallFailed
	case succeeded:
		status = core.DependencyRemoved
	default:
		status = core.DependencyRemoveFailed
	}
	if err := c.store.UpdateDependencyStatus(ctx, job.ids, status); err != nil {
		return err
	}
	if !job.install && (succeeded || job.force) {
		return c.store.DeleteDependencies(ctx, job.ids)
	}
	return nil
}

// appendLog writes chunk to every dependency of job and fans it out.
func (c *Dependencies) appendLog(ctx context.Context, job depJob, chunk string) {
	if err := c.store.AppendDependencyLog(ctx, job.ids, chunk); err != nil {
		c.rt.Logger.Warn("append dependency log", "ids", job.ids, "err", err)
	}
	c.rt.publish(events.Event{Type: events.TypeInstallDependence, Message: chunk, References: job.ids})
}
