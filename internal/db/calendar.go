package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Spok95/school-attendance/internal/models"
)

// CreateTerm — новая четверть; пересечения с другими не проверяются.
func CreateTerm(ctx context.Context, database *sql.DB, t models.Term) (int64, error) {
	if t.StartDate.After(t.EndDate) {
		return 0, fmt.Errorf("дата окончания не может быть раньше даты начала")
	}
	var id int64
	err := database.QueryRowContext(ctx, `
		INSERT INTO terms (name, start_date, end_date, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, t.Name, models.FormatDate(t.StartDate), models.FormatDate(t.EndDate), t.IsActive).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func ListTerms(ctx context.Context, database *sql.DB) ([]models.Term, error) {
	rows, err := database.QueryContext(ctx, `
		SELECT id, name, start_date, end_date, is_active FROM terms ORDER BY start_date
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Term
	for rows.Next() {
		var t models.Term
		if err := rows.Scan(&t.ID, &t.Name, &t.StartDate, &t.EndDate, &t.IsActive); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func AddHoliday(ctx context.Context, database *sql.DB, date, name string) error {
	_, err := database.ExecContext(ctx, `
		INSERT INTO holidays (day, name) VALUES ($1, $2)
		ON CONFLICT (day) DO UPDATE SET name = EXCLUDED.name
	`, date, name)
	return err
}

func ListHolidays(ctx context.Context, database *sql.DB) (map[string]string, error) {
	rows, err := database.QueryContext(ctx, `SELECT to_char(day, 'YYYY-MM-DD'), name FROM holidays`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var day, name string
		if err := rows.Scan(&day, &name); err != nil {
			return nil, err
		}
		out[day] = name
	}
	return out, rows.Err()
}

// Calendar — академический календарь из БД с кэшем на ttl; календарь меняется редко,
// а спрашивают его на каждый скан.
type Calendar struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	loadedAt time.Time
	terms    []models.Term
	holidays map[string]string
}

func NewCalendar(database *sql.DB, ttl time.Duration) *Calendar {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Calendar{db: database, ttl: ttl, now: time.Now}
}

func (c *Calendar) load(ctx context.Context) error {
	if !c.loadedAt.IsZero() && c.now().Sub(c.loadedAt) < c.ttl {
		return nil
	}
	terms, err := ListTerms(ctx, c.db)
	if err != nil {
		return fmt.Errorf("db.Calendar: terms: %w", err)
	}
	holidays, err := ListHolidays(ctx, c.db)
	if err != nil {
		return fmt.Errorf("db.Calendar: holidays: %w", err)
	}
	c.terms, c.holidays, c.loadedAt = terms, holidays, c.now()
	return nil
}

// Invalidate — сбросить кэш после изменения календаря.
func (c *Calendar) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Calendar) IsHoliday(ctx context.Context, date string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return false, err
	}
	_, ok := c.holidays[date]
	return ok, nil
}

func (c *Calendar) ActiveTerm(ctx context.Context, date string) (*models.Term, error) {
	day, err := models.ParseDate(date, time.UTC)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	for _, t := range c.terms {
		if t.IsActive && t.Contains(day) {
			term := t
			return &term, nil
		}
	}
	return nil, nil
}
