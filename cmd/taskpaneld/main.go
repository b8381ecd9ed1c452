package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskpanel/internal/api"
	"taskpanel/internal/config"
	"taskpanel/internal/core"
	"taskpanel/internal/engine"
	"taskpanel/internal/events"
	"taskpanel/internal/logging"
	taskpanelmcp "taskpanel/internal/mcp"
	"taskpanel/internal/notify"
	"taskpanel/internal/store"

	"github.com/coreos/go-systemd/v22/daemon"
)

// app bundles the long-lived pieces the surfaces drive.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	location  *time.Location
	store     *store.Store
	scheduler *core.Scheduler
	bus       *events.Bus
	logs      *engine.LogFiles
	tasks     *engine.Tasks
	subs      *engine.Subscriptions
	deps      *engine.Dependencies
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// MCP over stdio owns stdout.
	var logOut io.Writer = os.Stdout
	if cfg.Server.Mode != "http" {
		logOut = os.Stderr
	}
	logger := logging.New(cfg.Log.Level, logOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup", "err", err)
		os.Exit(1)
	}
	defer a.store.Close()

	switch cfg.Server.Mode {
	case "http":
		a.runHTTPMode(ctx, nil)
	case "mcp":
		a.runMCPMode(cancel)
	case "both":
		a.runBothMode(ctx)
	}
	a.shutdown()
}

func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.StateDir, cfg.Log.RunRetention)
	if err != nil {
		return nil, err
	}

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	shell := cfg.Engine.Shell
	if shell == "" {
		shell = core.DefaultShell()
	}
	scheduler := core.NewScheduler(logger, location)
	bus := events.NewBus()
	logs := engine.NewLogFiles(cfg.Log.Dir)
	rt := &engine.Runtime{
		Runner:    core.NewProcessRunner(shell, logger),
		Killer:    core.NewTreeKiller(nil, logger),
		Triggers:  scheduler,
		Publisher: bus,
		Runs:      st,
		Logs:      logs,
		Logger:    logger,
	}
	engineCfg := engine.Config{
		TaskCommand: cfg.Engine.TaskCommand,
		PullCommand: cfg.Engine.PullCommand,
		Concurrency: cfg.Engine.RunConcurrency,
	}

	var overrides map[core.Ecosystem]engine.PackageCommands
	if cfg.Engine.File != "" {
		ef, err := config.LoadEngineFile(cfg.Engine.File)
		switch {
		case err == nil:
			overrides = ef.Packages
		case errors.Is(err, os.ErrNotExist):
			logger.Info("engine file not found, using defaults", "path", cfg.Engine.File)
		default:
			st.Close()
			return nil, err
		}
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		location:  location,
		store:     st,
		scheduler: scheduler,
		bus:       bus,
		logs:      logs,
		tasks:     engine.NewTasks(st, rt, engineCfg),
		subs:      engine.NewSubscriptions(st, engine.NewSSHKeys(cfg.Engine.SSHDir, logger), rt, engineCfg),
		deps:      engine.NewDependencies(st, rt, overrides),
	}

	if err := a.tasks.Start(ctx); err != nil {
		st.Close()
		return nil, err
	}
	if err := a.subs.Start(ctx); err != nil {
		st.Close()
		return nil, err
	}
	scheduler.Start()

	if cfg.Engine.File != "" {
		go func() {
			err := config.WatchEngineFile(ctx, cfg.Engine.File, logger, func(ef *config.EngineFile) {
				a.deps.SetCommands(ef.Packages)
			})
			if err != nil {
				logger.Warn("watch engine file", "path", cfg.Engine.File, "err", err)
			}
		}()
	}
	var notifiers []notify.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			st.Close()
			return nil, err
		}
		notifiers = append(notifiers, bark)
	}
	if multi := notify.NewMultiNotifier(notifiers...); multi.Len() > 0 {
		forwarder := notify.NewForwarder(multi, cfg.Notification.Bark.Every, cfg.Notification.Bark.Burst, a.describe, logger)
		ch, _ := bus.Subscribe(64)
		go forwarder.Run(ctx, ch)
	}

	logger.Info("engine started", "state_dir", cfg.StateDir, "log_dir", cfg.Log.Dir, "triggers", scheduler.Len())
	return a, nil
}

// describe titles run-end notifications with the names of the finished records.
func (a *app) describe(ctx context.Context, e events.Event) (string, string, bool) {
	title, _, ok := notify.DefaultDescriber(ctx, e)
	if !ok {
		return "", "", false
	}
	names := make([]string, 0, len(e.References))
	switch e.Type {
	case events.TypeRunCronEnd:
		tasks, err := a.store.GetTasks(ctx, e.References)
		if err != nil {
			return title, strings.Join(e.References, ", "), true
		}
		for _, t := range tasks {
			names = append(names, displayName(t.Name, t.Command))
		}
	case events.TypeRunSubscriptionEnd:
		subs, err := a.store.GetSubscriptions(ctx, e.References)
		if err != nil {
			return title, strings.Join(e.References, ", "), true
		}
		for _, s := range subs {
			names = append(names, displayName(s.Name, s.Alias))
		}
	}
	return title, strings.Join(names, ", "), true
}

func displayName(name *string, fallback string) string {
	if name != nil && *name != "" {
		return *name
	}
	return fallback
}

func (a *app) newServer(mcpHandler http.Handler) *api.Server {
	return api.NewServer(a.cfg.Server.Addr, a.cfg.Server.AuthToken, api.Services{
		Store:         a.store,
		Tasks:         a.tasks,
		Subscriptions: a.subs,
		Dependencies:  a.deps,
		Logs:          a.logs,
		Bus:           a.bus,
		MCP:           mcpHandler,
	}, a.logger, a.location)
}

// runHTTPMode serves the HTTP API until a signal, a server error or an
// error on extra arrives.
func (a *app) runHTTPMode(ctx context.Context, extra <-chan error) {
	mcpServer := taskpanelmcp.NewMCPServer(a.store, a.tasks, a.logs, a.logger, a.location)
	server := a.newServer(mcpServer.HTTPHandler())

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.logger.Warn("sd_notify", "err", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		a.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		a.logger.Error("server error", "err", err)
	case err := <-extra:
		a.logger.Error("mcp server error", "err", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "err", err)
	}
}

// runMCPMode serves MCP over stdio until stdin closes or a signal arrives.
func (a *app) runMCPMode(cancel context.CancelFunc) {
	mcpServer := taskpanelmcp.NewMCPServer(a.store, a.tasks, a.logs, a.logger, a.location)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		a.logger.Info("received signal, shutting down")
		cancel()
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.logger.Warn("sd_notify", "err", err)
	}
	if err := mcpServer.Run(); err != nil {
		a.logger.Error("mcp server error", "err", err)
	}
}

// runBothMode serves MCP over stdio next to the HTTP API.
func (a *app) runBothMode(ctx context.Context) {
	mcpServer := taskpanelmcp.NewMCPServer(a.store, a.tasks, a.logs, a.logger, a.location)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()
	a.runHTTPMode(ctx, mcpErr)
}

// shutdown stops the triggers and waits for background runs, bounded by the grace period.
func (a *app) shutdown() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.logger.Warn("sd_notify", "err", err)
	}
	stopCtx := a.scheduler.Stop()
	done := make(chan struct{})
	go func() {
		<-stopCtx.Done()
		a.tasks.Wait()
		a.subs.Wait()
		a.deps.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("shutdown complete")
	case <-time.After(a.cfg.ShutdownGrace):
		a.logger.Warn("shutdown timed out, runs still in flight")
	}
}
