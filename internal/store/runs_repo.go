package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskpanel/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, owner_id, kind, pid, log_path, started_at, ended_at, exit_code, duration_seconds`

func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	if run.ID == "" {
		run.ID = core.NewID()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.OwnerID, run.Kind, nullableInt(run.PID), nullableString(run.LogPath),
		run.StartedAt.UTC().Format(timeLayout), nullableTime(run.EndedAt),
		nullableInt(run.ExitCode), nullableInt64(run.DurationSeconds))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, id string, endedAt time.Time, exitCode int, durationSeconds int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET ended_at = ?, exit_code = ?, duration_seconds = ?
		WHERE id = ?
	`, endedAt.UTC().Format(timeLayout), exitCode, durationSeconds, id)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return expectRows(res, ErrRunNotFound)
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, ownerID string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE owner_id = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneRuns drops history rows beyond the retention limit for ownerID and
// removes their log files, along with the log directory once it is empty.
func (s *Store) PruneRuns(ctx context.Context, ownerID string) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, log_path FROM runs
		WHERE owner_id = ?
		ORDER BY started_at DESC
		LIMIT -1 OFFSET ?
	`, ownerID, s.RunRetention)
	if err != nil {
		return fmt.Errorf("query runs for pruning: %w", err)
	}
	var (
		ids   []string
		paths []string
	)
	for rows.Next() {
		var (
			id      string
			logPath sql.NullString
		)
		if err := rows.Scan(&id, &logPath); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
		if logPath.Valid && logPath.String != "" {
			paths = append(paths, logPath.String)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	for _, path := range paths {
		_ = os.Remove(path)
		dir := filepath.Dir(path)
		if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
	return nil
}

func scanRun(scanner rowScanner) (*core.Run, error) {
	var (
		run       core.Run
		kind      string
		pid       sql.NullInt64
		logPath   sql.NullString
		startedAt string
		endedAt   sql.NullString
		exitCode  sql.NullInt64
		duration  sql.NullInt64
	)
	if err := scanner.Scan(&run.ID, &run.OwnerID, &kind, &pid, &logPath, &startedAt, &endedAt, &exitCode, &duration); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Kind = core.RunKind(kind)
	run.PID = intPtr(pid)
	run.LogPath = stringPtr(logPath)
	run.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		run.EndedAt = &t
	}
	run.ExitCode = intPtr(exitCode)
	if duration.Valid {
		v := duration.Int64
		run.DurationSeconds = &v
	}
	return &run, nil
}
