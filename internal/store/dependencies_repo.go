package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpanel/internal/core"
)

var ErrDependencyNotFound = errors.New("dependency not found")

const dependencyColumns = `id, name, ecosystem, status, log, remark, created_at, updated_at`

func (s *Store) InsertDependency(ctx context.Context, dep *core.Dependency) error {
	if dep.ID == "" {
		dep.ID = core.NewID()
	}
	if dep.Status == "" {
		dep.Status = core.DependencyInstalling
	}
	ts := time.Now().UTC()
	dep.CreatedAt = ts
	dep.UpdatedAt = ts
	logs, err := encodeLog(dep.Log)
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO dependencies (`+dependencyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, dep.ID, dep.Name, dep.Ecosystem, dep.Status, logs, nullableString(dep.Remark),
		ts.Format(timeLayout), ts.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

func (s *Store) GetDependency(ctx context.Context, id string) (*core.Dependency, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+dependencyColumns+` FROM dependencies WHERE id = ?`, id)
	dep, err := scanDependency(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDependencyNotFound
		}
		return nil, err
	}
	return dep, nil
}

// GetDependencies returns the records with the given ids in creation order.
func (s *Store) GetDependencies(ctx context.Context, ids []string) ([]*core.Dependency, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	return s.queryDependencies(ctx, `SELECT `+dependencyColumns+` FROM dependencies WHERE id IN (`+in+`) ORDER BY created_at`, args...)
}

// ListDependencies returns every record of ecosystem, or all when ecosystem is empty.
func (s *Store) ListDependencies(ctx context.Context, ecosystem core.Ecosystem) ([]*core.Dependency, error) {
	if ecosystem == "" {
		return s.queryDependencies(ctx, `SELECT `+dependencyColumns+` FROM dependencies ORDER BY created_at DESC`)
	}
	return s.queryDependencies(ctx, `SELECT `+dependencyColumns+` FROM dependencies WHERE ecosystem = ? ORDER BY created_at DESC`, ecosystem)
}

func (s *Store) queryDependencies(ctx context.Context, query string, args ...any) ([]*core.Dependency, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()
	var deps []*core.Dependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *Store) UpdateDependencyStatus(ctx context.Context, ids []string, status core.DependencyStatus) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	args = append([]any{status, now()}, args...)
	if _, err := s.DB.ExecContext(ctx, `UPDATE dependencies SET status = ?, updated_at = ? WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("update dependency status: %w", err)
	}
	return nil
}

// AppendDependencyLog appends chunk to the log of every listed dependency.
func (s *Store) AppendDependencyLog(ctx context.Context, ids []string, chunk string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append dependency log: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT log FROM dependencies WHERE id = ?`, id).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return fmt.Errorf("read dependency log: %w", err)
		}
		logs := decodeLog(raw)
		logs = append(logs, chunk)
		encoded, err := encodeLog(logs)
		if err != nil {
			return fmt.Errorf("encode dependency log: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE dependencies SET log = ?, updated_at = ? WHERE id = ?`, encoded, now(), id); err != nil {
			return fmt.Errorf("write dependency log: %w", err)
		}
	}
	return tx.Commit()
}

// ResetDependencies clears the log and sets status ahead of a reinstall.
func (s *Store) ResetDependencies(ctx context.Context, ids []string, status core.DependencyStatus) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	args = append([]any{status, now()}, args...)
	if _, err := s.DB.ExecContext(ctx, `UPDATE dependencies SET status = ?, log = '[]', updated_at = ? WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("reset dependencies: %w", err)
	}
	return nil
}

func (s *Store) DeleteDependencies(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM dependencies WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("delete dependencies: %w", err)
	}
	return nil
}

func scanDependency(scanner rowScanner) (*core.Dependency, error) {
	var (
		dep       core.Dependency
		ecosystem string
		status    string
		logs      string
		remark    sql.NullString
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&dep.ID, &dep.Name, &ecosystem, &status, &logs, &remark, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan dependency: %w", err)
	}
	dep.Ecosystem = core.Ecosystem(ecosystem)
	dep.Status = core.DependencyStatus(status)
	dep.Log = decodeLog(logs)
	dep.Remark = stringPtr(remark)
	dep.CreatedAt = parseTime(createdAt)
	dep.UpdatedAt = parseTime(updatedAt)
	return &dep, nil
}

func encodeLog(logs []string) (string, error) {
	if logs == nil {
		logs = []string{}
	}
	return encodeJSON(logs)
}

func decodeLog(raw string) []string {
	var logs []string
	if err := json.Unmarshal([]byte(raw), &logs); err != nil {
		return nil
	}
	return logs
}
