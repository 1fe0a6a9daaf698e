package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Spok95/school-attendance/internal/models"
)

func (s *Store) GetNotification(ctx context.Context, recordKey, channel string) (*models.NotificationRecord, error) {
	var (
		n    models.NotificationRecord
		last sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT record_key, channel, attempt_count, status, payload, last_attempt_at, last_error, updated_at
		FROM notifications WHERE record_key = $1 AND channel = $2
	`, recordKey, channel).Scan(&n.RecordKey, &n.Channel, &n.AttemptCount, &n.Status, &n.Payload,
		&last, &n.LastError, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db.GetNotification: %w", err)
	}
	n.LastAttemptAt = timePtr(last)
	return &n, nil
}

// UpsertNotification — завершённые (sent / failed_permanent) записи не перезаписываются.
func (s *Store) UpsertNotification(ctx context.Context, n models.NotificationRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (record_key, channel, attempt_count, status, payload,
		                           last_attempt_at, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (record_key, channel) DO UPDATE SET
		    attempt_count = EXCLUDED.attempt_count,
		    status = EXCLUDED.status,
		    payload = EXCLUDED.payload,
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    last_error = EXCLUDED.last_error,
		    updated_at = EXCLUDED.updated_at
		WHERE notifications.status = 'pending'
	`, n.RecordKey, n.Channel, n.AttemptCount, string(n.Status), n.Payload,
		nullTime(n.LastAttemptAt), n.LastError, n.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("db.UpsertNotification: %w", err)
	}
	return nil
}

// ListPendingNotifications — «зависшие» pending-нотификации для подметающего джоба.
func (s *Store) ListPendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]models.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_key, channel, attempt_count, status, payload, last_attempt_at, last_error, updated_at
		FROM notifications
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("db.ListPendingNotifications: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationRecord
	for rows.Next() {
		var (
			n    models.NotificationRecord
			last sql.NullTime
		)
		if err := rows.Scan(&n.RecordKey, &n.Channel, &n.AttemptCount, &n.Status, &n.Payload,
			&last, &n.LastError, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("db.ListPendingNotifications: %w", err)
		}
		n.LastAttemptAt = timePtr(last)
		out = append(out, n)
	}
	return out, rows.Err()
}
