package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

// Roster — ростер поверх таблиц people и notify_targets.
type Roster struct {
	db *sql.DB
}

func NewRoster(database *sql.DB) *Roster {
	return &Roster{db: database}
}

const personColumns = `id, kind, external_id, full_name, cohort_id, is_active,
	arrival_minutes, departure_minutes, weekdays`

type personRow struct {
	id, kind, externalID, name, cohort string
	active                             bool
	arrival, departure                 int
	weekdays                           []int64
}

func scanPerson(row rowScanner) (personRow, error) {
	var p personRow
	err := row.Scan(&p.id, &p.kind, &p.externalID, &p.name, &p.cohort, &p.active,
		&p.arrival, &p.departure, pq.Array(&p.weekdays))
	return p, err
}

func (p personRow) shift() roster.Shift {
	s := roster.Shift{
		Arrival:   time.Duration(p.arrival) * time.Minute,
		Departure: time.Duration(p.departure) * time.Minute,
	}
	for _, d := range p.weekdays {
		s.Weekdays = append(s.Weekdays, time.Weekday(d%7))
	}
	return s
}

func (p personRow) person(targets []roster.Target) roster.Person {
	if models.PersonKind(p.kind) == models.KindStaff {
		return &roster.Staff{
			ExternalID: p.externalID,
			FullName:   p.name,
			Department: p.cohort,
			IsActive:   p.active,
			Rota:       p.shift(),
			Contacts:   targets,
		}
	}
	return &roster.Student{
		ExternalID: p.externalID,
		FullName:   p.name,
		ClassID:    p.cohort,
		IsActive:   p.active,
		ClassShift: p.shift(),
		Guardians:  targets,
	}
}

func (r *Roster) ResolvePerson(ctx context.Context, kind models.PersonKind, externalID string) (roster.Person, error) {
	return r.Lookup(ctx, roster.PersonID(kind, externalID))
}

func (r *Roster) Lookup(ctx context.Context, personID string) (roster.Person, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM people WHERE id = $1`, personID)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, roster.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db.Lookup: %w", err)
	}
	people, err := r.attachTargets(ctx, []personRow{p})
	if err != nil {
		return nil, err
	}
	return people[0], nil
}

func (r *Roster) ListActive(ctx context.Context) ([]roster.Person, error) {
	return r.list(ctx, `SELECT `+personColumns+` FROM people WHERE is_active ORDER BY id`)
}

// CohortMembers — активные члены когорты "class:<id>" или "department:<name>".
func (r *Roster) CohortMembers(ctx context.Context, cohort string) ([]roster.Person, error) {
	prefix, id, ok := strings.Cut(cohort, ":")
	if !ok {
		return nil, fmt.Errorf("db.CohortMembers: bad cohort %q", cohort)
	}
	var kind models.PersonKind
	switch prefix {
	case "class":
		kind = models.KindStudent
	case "department":
		kind = models.KindStaff
	default:
		return nil, fmt.Errorf("db.CohortMembers: bad cohort %q", cohort)
	}
	return r.list(ctx, `SELECT `+personColumns+`
		FROM people WHERE is_active AND kind = $1 AND cohort_id = $2 ORDER BY id`, string(kind), id)
}

func (r *Roster) list(ctx context.Context, q string, args ...any) ([]roster.Person, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("db.ListPeople: %w", err)
	}
	var found []personRow
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("db.ListPeople: %w", err)
		}
		found = append(found, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db.ListPeople: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return r.attachTargets(ctx, found)
}

// attachTargets — один запрос за адресатами всех найденных людей.
func (r *Roster) attachTargets(ctx context.Context, found []personRow) ([]roster.Person, error) {
	ids := make([]string, 0, len(found))
	for _, p := range found {
		ids = append(ids, p.id)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT person_id, channel, address FROM notify_targets
		WHERE person_id = ANY($1)
		ORDER BY person_id, channel, address
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("db.attachTargets: %w", err)
	}
	defer rows.Close()

	targets := make(map[string][]roster.Target)
	for rows.Next() {
		var pid string
		var t roster.Target
		if err := rows.Scan(&pid, &t.Channel, &t.Address); err != nil {
			return nil, fmt.Errorf("db.attachTargets: %w", err)
		}
		targets[pid] = append(targets[pid], t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db.attachTargets: %w", err)
	}

	out := make([]roster.Person, 0, len(found))
	for _, p := range found {
		out = append(out, p.person(targets[p.id]))
	}
	return out, nil
}

// UpsertPerson — загрузка ростера из внешнего источника (сидинг, импорт).
func UpsertPerson(ctx context.Context, database *sql.DB, kind models.PersonKind, externalID, name, cohort string,
	active bool, shift roster.Shift, targets []roster.Target) error {
	weekdays := make([]int64, 0, len(shift.Weekdays))
	for _, d := range shift.Weekdays {
		weekdays = append(weekdays, int64(d))
	}
	id := roster.PersonID(kind, externalID)

	tx, err := database.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO people (id, kind, external_id, full_name, cohort_id, is_active,
		                    arrival_minutes, departure_minutes, weekdays)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    full_name = EXCLUDED.full_name,
		    cohort_id = EXCLUDED.cohort_id,
		    is_active = EXCLUDED.is_active,
		    arrival_minutes = EXCLUDED.arrival_minutes,
		    departure_minutes = EXCLUDED.departure_minutes,
		    weekdays = EXCLUDED.weekdays
	`, id, string(kind), externalID, name, cohort, active,
		int(shift.Arrival/time.Minute), int(shift.Departure/time.Minute), pq.Array(weekdays)); err != nil {
		return fmt.Errorf("db.UpsertPerson: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notify_targets WHERE person_id = $1`, id); err != nil {
		return fmt.Errorf("db.UpsertPerson: %w", err)
	}
	for _, t := range targets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notify_targets (person_id, channel, address) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, id, t.Channel, t.Address); err != nil {
			return fmt.Errorf("db.UpsertPerson: %w", err)
		}
	}
	return tx.Commit()
}
