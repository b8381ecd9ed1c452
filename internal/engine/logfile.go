package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	logNameLayout  = "2006-01-02-15-04-05"
	logStampLayout = "2006-01-02 15:04:05"
)

// LogFiles lays out per-run log files as <dir>/<owner>/<start>.log.
// Each file is only written by the single live run of its owner.
type LogFiles struct {
	dir string
}

func NewLogFiles(dir string) *LogFiles {
	return &LogFiles{dir: dir}
}

// Create makes the log file for a run starting at start and writes the header.
// An existing file for the same second is reused.
func (l *LogFiles) Create(owner string, start time.Time) (string, error) {
	dir, err := l.ownerDir(owner)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, start.Format(logNameLayout)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return path, nil
	}
	if err != nil {
		return "", fmt.Errorf("create log file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "## Started at %s\n", start.Format(logStampLayout)); err != nil {
		return "", fmt.Errorf("write log header: %w", err)
	}
	return path, nil
}

// Append adds text to an existing log file. It fails if path does not exist.
func (l *LogFiles) Append(path, text string) error {
	if path == "" {
		return fs.ErrNotExist
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}

// Read returns the log content; a missing file reads as empty.
func (l *LogFiles) Read(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Remove deletes every log of owner.
func (l *LogFiles) Remove(owner string) error {
	if owner == "" {
		return nil
	}
	dir, err := l.ownerDir(owner)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// ownerDir resolves the directory of owner, which must be one path element
// below the log directory.
func (l *LogFiles) ownerDir(owner string) (string, error) {
	if owner == "." || !filepath.IsLocal(owner) || strings.ContainsAny(owner, `/\`) {
		return "", fmt.Errorf("invalid log owner %q", owner)
	}
	return filepath.Join(l.dir, owner), nil
}

func footer(end time.Time, elapsedSeconds int64, elapsedKnown bool) string {
	if !elapsedKnown {
		return fmt.Sprintf("\n## Finished at %s\n", end.Format(logStampLayout))
	}
	return fmt.Sprintf("\n## Finished at %s elapsed %d seconds\n", end.Format(logStampLayout), elapsedSeconds)
}
