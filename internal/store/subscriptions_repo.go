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

var ErrSubscriptionNotFound = errors.New("subscription not found")

const subscriptionColumns = `id, name, alias, type, schedule_type, schedule, interval_unit, interval_value, url,
	pull_type, pull_option, branch, whitelist, blacklist, dependences, extensions, sub_before, sub_after,
	status, pid, log_path, is_disabled, labels, last_running_time, last_execution_time, created_at, updated_at`

func (s *Store) InsertSubscription(ctx context.Context, sub *core.Subscription) error {
	if sub.ID == "" {
		sub.ID = core.NewID()
	}
	if sub.Status == "" {
		sub.Status = core.TaskStatusIdle
	}
	ts := time.Now().UTC()
	sub.CreatedAt = ts
	sub.UpdatedAt = ts
	labels, option, err := encodeSubscriptionJSON(sub)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, nullableString(sub.Name), sub.Alias, sub.Type, sub.ScheduleType, sub.Schedule,
		sub.Interval.Unit, sub.Interval.Value, sub.URL, sub.PullType, option, sub.Branch,
		sub.Whitelist, sub.Blacklist, sub.Dependences, sub.Extensions, sub.SubBefore, sub.SubAfter,
		sub.Status, nullableInt(sub.PID), nullableString(sub.LogPath), boolToInt(sub.IsDisabled), labels,
		sub.LastRunDurationSeconds, sub.LastExecutionTime,
		ts.Format(timeLayout), ts.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription writes the definition fields, leaving runtime fields to the engine.
func (s *Store) UpdateSubscription(ctx context.Context, sub *core.Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	labels, option, err := encodeSubscriptionJSON(sub)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE subscriptions
		SET name = ?, alias = ?, type = ?, schedule_type = ?, schedule = ?, interval_unit = ?, interval_value = ?,
			url = ?, pull_type = ?, pull_option = ?, branch = ?, whitelist = ?, blacklist = ?, dependences = ?,
			extensions = ?, sub_before = ?, sub_after = ?, labels = ?, updated_at = ?
		WHERE id = ?
	`, nullableString(sub.Name), sub.Alias, sub.Type, sub.ScheduleType, sub.Schedule, sub.Interval.Unit,
		sub.Interval.Value, sub.URL, sub.PullType, option, sub.Branch, sub.Whitelist, sub.Blacklist,
		sub.Dependences, sub.Extensions, sub.SubBefore, sub.SubAfter, labels,
		sub.UpdatedAt.Format(timeLayout), sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return expectRows(res, ErrSubscriptionNotFound)
}

func (s *Store) DeleteSubscriptions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*core.Subscription, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

func (s *Store) GetSubscriptions(ctx context.Context, ids []string) ([]*core.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	return s.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id IN (`+in+`) ORDER BY created_at`, args...)
}

func (s *Store) ListSubscriptions(ctx context.Context, search string) ([]*core.Subscription, error) {
	search = strings.TrimSpace(search)
	if search == "" {
		return s.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC`)
	}
	like := "%" + search + "%"
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE name LIKE ? OR alias LIKE ? OR url LIKE ? OR schedule LIKE ? OR labels LIKE ?
		ORDER BY created_at DESC
	`, like, like, like, like, like)
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]*core.Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()
	var subs []*core.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Store) MarkSubscriptionsQueued(ctx context.Context, ids []string) error {
	return s.markQueued(ctx, "subscriptions", ids)
}

func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id string, update core.StatusUpdate) error {
	return s.updateStatus(ctx, "subscriptions", id, update)
}

func (s *Store) SetSubscriptionsDisabled(ctx context.Context, ids []string, disabled bool) error {
	return s.setDisabled(ctx, "subscriptions", ids, disabled)
}

func (s *Store) ResetStaleSubscriptions(ctx context.Context) (int64, error) {
	return s.resetStale(ctx, "subscriptions")
}

func encodeSubscriptionJSON(sub *core.Subscription) (labels, option string, err error) {
	if labels, err = encodeLabels(sub.Labels); err != nil {
		return "", "", err
	}
	if option, err = encodeJSON(sub.PullOption); err != nil {
		return "", "", err
	}
	return labels, option, nil
}

func scanSubscription(scanner rowScanner) (*core.Subscription, error) {
	var (
		sub          core.Subscription
		name         sql.NullString
		subType      string
		scheduleType string
		intervalUnit string
		pullType     string
		pullOption   string
		status       string
		pid          sql.NullInt64
		logPath      sql.NullString
		disabled     int
		labels       string
		createdAt    string
		updatedAt    string
	)
	if err := scanner.Scan(&sub.ID, &name, &sub.Alias, &subType, &scheduleType, &sub.Schedule,
		&intervalUnit, &sub.Interval.Value, &sub.URL, &pullType, &pullOption, &sub.Branch,
		&sub.Whitelist, &sub.Blacklist, &sub.Dependences, &sub.Extensions, &sub.SubBefore, &sub.SubAfter,
		&status, &pid, &logPath, &disabled, &labels, &sub.LastRunDurationSeconds, &sub.LastExecutionTime,
		&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Name = stringPtr(name)
	sub.Type = core.SubscriptionType(subType)
	sub.ScheduleType = core.ScheduleType(scheduleType)
	sub.Interval.Unit = core.IntervalUnit(intervalUnit)
	sub.PullType = core.PullType(pullType)
	if err := json.Unmarshal([]byte(pullOption), &sub.PullOption); err != nil {
		return nil, fmt.Errorf("decode pull option of %s: %w", sub.ID, err)
	}
	sub.Status = core.TaskStatus(status)
	sub.PID = intPtr(pid)
	sub.LogPath = stringPtr(logPath)
	sub.IsDisabled = disabled != 0
	sub.Labels = decodeLabels(labels)
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)
	return &sub, nil
}
