package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpanel/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, name, command, schedule, status, pid, log_path, is_disabled, is_pinned, labels,
	last_running_time, last_execution_time, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		task.ID = core.NewID()
	}
	if task.Status == "" {
		task.Status = core.TaskStatusIdle
	}
	ts := time.Now().UTC()
	task.CreatedAt = ts
	task.UpdatedAt = ts
	labels, err := encodeLabels(task.Labels)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO crons (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, nullableString(task.Name), task.Command, task.Schedule, task.Status, nullableInt(task.PID),
		nullableString(task.LogPath), boolToInt(task.IsDisabled), boolToInt(task.IsPinned), labels,
		task.LastRunDurationSeconds, task.LastExecutionTime,
		ts.Format(timeLayout), ts.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask writes the user-editable definition fields. Runtime fields
// (status, pid, log path, timings) are owned by the engine and left alone.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	labels, err := encodeLabels(task.Labels)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE crons
		SET name = ?, command = ?, schedule = ?, is_pinned = ?, labels = ?, updated_at = ?
		WHERE id = ?
	`, nullableString(task.Name), task.Command, task.Schedule, boolToInt(task.IsPinned), labels,
		task.UpdatedAt.Format(timeLayout), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return expectRows(res, ErrTaskNotFound)
}

func (s *Store) DeleteTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM crons WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM crons WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// GetTasks returns the tasks with the given ids; unknown ids are skipped.
func (s *Store) GetTasks(ctx context.Context, ids []string) ([]*core.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM crons WHERE id IN (`+in+`) ORDER BY created_at`, args...)
}

// ListTasks returns all tasks, pinned first. A non-empty search matches name,
// command, schedule or labels.
func (s *Store) ListTasks(ctx context.Context, search string) ([]*core.Task, error) {
	search = strings.TrimSpace(search)
	if search == "" {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM crons ORDER BY is_pinned DESC, created_at DESC`)
	}
	like := "%" + search + "%"
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM crons
		WHERE name LIKE ? OR command LIKE ? OR schedule LIKE ? OR labels LIKE ?
		ORDER BY is_pinned DESC, created_at DESC
	`, like, like, like, like)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkTasksQueued flags tasks for a pending bulk run. Tasks that already have
// a live process keep their running status.
func (s *Store) MarkTasksQueued(ctx context.Context, ids []string) error {
	return s.markQueued(ctx, "crons", ids)
}

// UpdateTaskStatus persists a runtime status change.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, update core.StatusUpdate) error {
	return s.updateStatus(ctx, "crons", id, update)
}

func (s *Store) SetTasksDisabled(ctx context.Context, ids []string, disabled bool) error {
	return s.setDisabled(ctx, "crons", ids, disabled)
}

// ResetStaleTasks returns running or queued tasks left by a previous process to idle.
func (s *Store) ResetStaleTasks(ctx context.Context) (int64, error) {
	return s.resetStale(ctx, "crons")
}

func (s *Store) markQueued(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	args = append([]any{core.TaskStatusQueued, now()}, args...)
	args = append(args, core.TaskStatusRunning)
	_, err := s.DB.ExecContext(ctx, `
		UPDATE `+table+` SET status = ?, updated_at = ?
		WHERE id IN (`+in+`) AND status != ?
	`, args...)
	if err != nil {
		return fmt.Errorf("mark %s queued: %w", table, err)
	}
	return nil
}

func (s *Store) updateStatus(ctx context.Context, table, id string, update core.StatusUpdate) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE `+table+`
		SET status = ?, pid = ?,
			log_path = COALESCE(?, log_path),
			last_execution_time = COALESCE(?, last_execution_time),
			last_running_time = COALESCE(?, last_running_time),
			updated_at = ?
		WHERE id = ?
	`, update.Status, nullableInt(update.PID), nullableString(update.LogPath),
		nullableInt64(update.LastExecutionTime), nullableInt64(update.LastRunDurationSeconds), now(), id)
	if err != nil {
		return fmt.Errorf("update %s status: %w", table, err)
	}
	return nil
}

func (s *Store) setDisabled(ctx context.Context, table string, ids []string, disabled bool) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	args = append([]any{boolToInt(disabled), now()}, args...)
	if _, err := s.DB.ExecContext(ctx, `UPDATE `+table+` SET is_disabled = ?, updated_at = ? WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("set %s disabled: %w", table, err)
	}
	return nil
}

func (s *Store) resetStale(ctx context.Context, table string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE `+table+` SET status = ?, pid = NULL, updated_at = ?
		WHERE status IN (?, ?)
	`, core.TaskStatusIdle, now(), core.TaskStatusRunning, core.TaskStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("reset stale %s: %w", table, err)
	}
	return res.RowsAffected()
}

func scanTask(scanner rowScanner) (*core.Task, error) {
	var (
		task      core.Task
		name      sql.NullString
		status    string
		pid       sql.NullInt64
		logPath   sql.NullString
		disabled  int
		pinned    int
		labels    string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&task.ID, &name, &task.Command, &task.Schedule, &status, &pid, &logPath,
		&disabled, &pinned, &labels, &task.LastRunDurationSeconds, &task.LastExecutionTime,
		&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Name = stringPtr(name)
	task.Status = core.TaskStatus(status)
	task.PID = intPtr(pid)
	task.LogPath = stringPtr(logPath)
	task.IsDisabled = disabled != 0
	task.IsPinned = pinned != 0
	task.Labels = decodeLabels(labels)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return &task, nil
}

func expectRows(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func encodeLabels(labels []string) (string, error) {
	if labels == nil {
		labels = []string{}
	}
	return encodeJSON(labels)
}

func decodeLabels(raw string) []string {
	var labels []string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil
	}
	return labels
}
