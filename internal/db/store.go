package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Spok95/school-attendance/internal/ctxutil"
	"github.com/Spok95/school-attendance/internal/models"
)

// Store — Postgres-реализация журнала событий, дневных записей и нотификаций.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) ListEvents(ctx context.Context, key models.RecordKey) ([]models.ScanEvent, error) {
	const op = "db.ListEvents"
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, person_id, person_kind, event_type, client_ts, operator_id,
		       received_at, to_char(attendance_date, 'YYYY-MM-DD'), source
		FROM scan_events
		WHERE person_id = $1 AND attendance_date = $2
		ORDER BY client_ts, received_at, operator_id, id
	`, key.PersonID, key.Date)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.ScanEvent
	for rows.Next() {
		var ev models.ScanEvent
		if err := rows.Scan(&ev.ID, &ev.PersonID, &ev.PersonKind, &ev.Type, &ev.ClientTimestamp,
			&ev.OperatorID, &ev.ReceivedAt, &ev.Date, &ev.Source); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) GetClosure(ctx context.Context, key models.RecordKey) (*time.Time, error) {
	var closedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT closed_at FROM day_closures WHERE person_id = $1 AND attendance_date = $2
	`, key.PersonID, key.Date).Scan(&closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db.GetClosure: %w", err)
	}
	return &closedAt, nil
}

// SaveDay — атомарно дописывает события, фиксирует закрытие дня и перезаписывает дневную запись.
// Повторная вставка события с тем же id игнорируется; флаг notified только взводится.
func (s *Store) SaveDay(ctx context.Context, events []models.ScanEvent, closedAt *time.Time, rec models.DailyRecord) error {
	const op = "db.SaveDay"
	movements, err := json.Marshal(nonNilMovements(rec.Movements))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	anomalies, err := json.Marshal(nonNilAnomalies(rec.Anomalies))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(events) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO scan_events (id, person_id, person_kind, event_type, client_ts, operator_id,
			                         received_at, attendance_date, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("%s: prepare: %w", op, err)
		}
		defer func() { _ = stmt.Close() }()
		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx, ev.ID, ev.PersonID, string(ev.PersonKind), string(ev.Type),
				ev.ClientTimestamp.UTC(), ev.OperatorID, ev.ReceivedAt.UTC(), ev.Date, string(ev.Source)); err != nil {
				return fmt.Errorf("%s: insert event: %w", op, err)
			}
		}
	}

	if closedAt != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO day_closures (person_id, attendance_date, closed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (person_id, attendance_date) DO NOTHING
		`, rec.PersonID, rec.Date, closedAt.UTC()); err != nil {
			return fmt.Errorf("%s: close day: %w", op, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_records (person_id, attendance_date, person_kind, status, unresolved,
		    first_entry_at, last_exit_at, movements, anomalies, late_minutes, early_departure_minutes,
		    work_minutes, event_count, version, notified, closed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (person_id, attendance_date) DO UPDATE SET
		    status = EXCLUDED.status,
		    unresolved = EXCLUDED.unresolved,
		    first_entry_at = EXCLUDED.first_entry_at,
		    last_exit_at = EXCLUDED.last_exit_at,
		    movements = EXCLUDED.movements,
		    anomalies = EXCLUDED.anomalies,
		    late_minutes = EXCLUDED.late_minutes,
		    early_departure_minutes = EXCLUDED.early_departure_minutes,
		    work_minutes = EXCLUDED.work_minutes,
		    event_count = EXCLUDED.event_count,
		    version = EXCLUDED.version,
		    notified = daily_records.notified OR EXCLUDED.notified,
		    closed_at = EXCLUDED.closed_at,
		    updated_at = EXCLUDED.updated_at
	`, rec.PersonID, rec.Date, string(rec.PersonKind), string(rec.Status), rec.Unresolved,
		nullTime(rec.FirstEntryAt), nullTime(rec.LastExitAt), string(movements), string(anomalies),
		rec.LateMinutes, rec.EarlyDepartureMinutes, nullInt(rec.WorkMinutes), rec.EventCount,
		rec.Version, rec.Notified, nullTime(rec.ClosedAt), rec.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("%s: upsert record: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// ListUnclosedKeys — дни без закрытия, датированные строго раньше before.
func (s *Store) ListUnclosedKeys(ctx context.Context, before string, limit int) ([]models.RecordKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.person_id, to_char(r.attendance_date, 'YYYY-MM-DD')
		FROM daily_records r
		LEFT JOIN day_closures c ON c.person_id = r.person_id AND c.attendance_date = r.attendance_date
		WHERE c.person_id IS NULL AND r.attendance_date < $1
		ORDER BY r.attendance_date, r.person_id
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("db.ListUnclosedKeys: %w", err)
	}
	defer rows.Close()

	var out []models.RecordKey
	for rows.Next() {
		var k models.RecordKey
		if err := rows.Scan(&k.PersonID, &k.Date); err != nil {
			return nil, fmt.Errorf("db.ListUnclosedKeys: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNilMovements(m []models.Movement) []models.Movement {
	if m == nil {
		return []models.Movement{}
	}
	return m
}

func nonNilAnomalies(a []models.Anomaly) []models.Anomaly {
	if a == nil {
		return []models.Anomaly{}
	}
	return a
}
