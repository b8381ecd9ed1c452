package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"taskpanel/internal/core"
	"taskpanel/internal/engine"
)

// EngineFile is the hot-reloadable part of the configuration.
//
//	packages:
//	  python3:
//	    install: pip3 install -i https://mirror.example/simple
type EngineFile struct {
	Packages map[core.Ecosystem]engine.PackageCommands `yaml:"packages"`
}

// LoadEngineFile parses path strictly; unknown keys are rejected.
func LoadEngineFile(path string) (*EngineFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ef EngineFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&ef); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse engine file: %w", err)
	}
	for eco := range ef.Packages {
		switch eco {
		case core.EcosystemNodeJS, core.EcosystemPython3, core.EcosystemLinux:
		default:
			return nil, fmt.Errorf("engine file: unknown ecosystem %q", eco)
		}
	}
	return &ef, nil
}

const engineFileDebounce = 250 * time.Millisecond

// WatchEngineFile calls apply with the parsed file after every change until
// ctx is done. Editors often replace files by rename, so the directory is
// watched and events are matched by base name. Invalid edits are logged and
// skipped, leaving the last good file in effect.
func WatchEngineFile(ctx context.Context, path string, logger *slog.Logger, apply func(*EngineFile)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	dir, file := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		ef, err := LoadEngineFile(path)
		if err != nil {
			logger.Warn("engine file reload failed", "path", path, "err", err)
			return
		}
		logger.Info("engine file reloaded", "path", path)
		apply(ef)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(engineFileDebounce, reload)
			timerMu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("engine file watch error", "path", path, "err", err)
		}
	}
}
