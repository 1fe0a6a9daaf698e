package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Spok95/school-attendance/internal/ctxutil"
	"github.com/Spok95/school-attendance/internal/models"
)

const recordColumns = `
	person_id, to_char(attendance_date, 'YYYY-MM-DD'), person_kind, status, unresolved,
	first_entry_at, last_exit_at, movements, anomalies, late_minutes, early_departure_minutes,
	work_minutes, event_count, version, notified, closed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.DailyRecord, error) {
	var (
		r                    models.DailyRecord
		firstEntry, lastExit sql.NullTime
		closedAt             sql.NullTime
		work                 sql.NullInt64
		movements, anomalies []byte
	)
	if err := row.Scan(&r.PersonID, &r.Date, &r.PersonKind, &r.Status, &r.Unresolved,
		&firstEntry, &lastExit, &movements, &anomalies, &r.LateMinutes, &r.EarlyDepartureMinutes,
		&work, &r.EventCount, &r.Version, &r.Notified, &closedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	r.FirstEntryAt = timePtr(firstEntry)
	r.LastExitAt = timePtr(lastExit)
	r.ClosedAt = timePtr(closedAt)
	if work.Valid {
		w := int(work.Int64)
		r.WorkMinutes = &w
	}
	if len(movements) > 0 {
		if err := json.Unmarshal(movements, &r.Movements); err != nil {
			return r, fmt.Errorf("movements: %w", err)
		}
	}
	if len(anomalies) > 0 {
		if err := json.Unmarshal(anomalies, &r.Anomalies); err != nil {
			return r, fmt.Errorf("anomalies: %w", err)
		}
	}
	return r, nil
}

func (s *Store) GetRecord(ctx context.Context, key models.RecordKey) (*models.DailyRecord, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM daily_records WHERE person_id = $1 AND attendance_date = $2`, key.PersonID, key.Date)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db.GetRecord: %w", err)
	}
	return &r, nil
}

// ListRecords — записи одного человека в окне [from, to] включительно.
func (s *Store) ListRecords(ctx context.Context, personID, from, to string) ([]models.DailyRecord, error) {
	return s.queryRecords(ctx, "db.ListRecords", `SELECT `+recordColumns+`
		FROM daily_records
		WHERE person_id = $1 AND attendance_date BETWEEN $2 AND $3
		ORDER BY attendance_date`, personID, from, to)
}

// ListRecordsBetween — все записи в окне; используется для прогрева агрегатов.
func (s *Store) ListRecordsBetween(ctx context.Context, from, to string) ([]models.DailyRecord, error) {
	return s.queryRecords(ctx, "db.ListRecordsBetween", `SELECT `+recordColumns+`
		FROM daily_records
		WHERE attendance_date BETWEEN $1 AND $2
		ORDER BY attendance_date, person_id`, from, to)
}

func (s *Store) queryRecords(ctx context.Context, op, q string, args ...any) ([]models.DailyRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.DailyRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotified(ctx context.Context, key models.RecordKey) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE daily_records SET notified = TRUE WHERE person_id = $1 AND attendance_date = $2
	`, key.PersonID, key.Date); err != nil {
		return fmt.Errorf("db.MarkNotified: %w", err)
	}
	return nil
}
