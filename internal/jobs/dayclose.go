package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/attendance"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

type DayStore interface {
	GetRecord(ctx context.Context, key models.RecordKey) (*models.DailyRecord, error)
	ListUnclosedKeys(ctx context.Context, before string, limit int) ([]models.RecordKey, error)
}

// DayCloser закрывает прошедшие дни и создаёт записи absent тем, кто в рабочий день так и не пришёл.
type DayCloser struct {
	store     DayStore
	roster    roster.Roster
	schedules attendance.Schedules
	proc      *attendance.Processor
	today     func() string
	lookback  int
	batch     int
	now       func() time.Time
	log       *zap.Logger
}

// NewDayCloser — lookback: сколько прошедших дней проверять на отсутствующих.
func NewDayCloser(store DayStore, r roster.Roster, sch attendance.Schedules, proc *attendance.Processor,
	today func() string, lookback int, log *zap.Logger) *DayCloser {
	if lookback <= 0 {
		lookback = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DayCloser{
		store: store, roster: r, schedules: sch, proc: proc, today: today,
		lookback: lookback, batch: 1000, now: time.Now, log: log,
	}
}

func (d *DayCloser) Run(ctx context.Context) error {
	today := d.today()
	closed, err := d.closeOpen(ctx, today)
	if err != nil {
		return err
	}
	absent, err := d.materializeAbsent(ctx, today)
	if err != nil {
		return err
	}
	if closed > 0 || absent > 0 {
		d.log.Info("days closed", zap.String("before", today), zap.Int("closed", closed), zap.Int("absent", absent))
	}
	return nil
}

func (d *DayCloser) closeOpen(ctx context.Context, today string) (int, error) {
	keys, err := d.store.ListUnclosedKeys(ctx, today, d.batch)
	if err != nil {
		return 0, fmt.Errorf("jobs.closeOpen: %w", err)
	}
	n := 0
	for _, k := range keys {
		person, err := d.roster.Lookup(ctx, k.PersonID)
		if err != nil {
			d.log.Warn("cannot close day of unknown person", zap.String("key", k.String()), zap.Error(err))
			continue
		}
		if _, err := d.proc.Close(ctx, person, k.Date, d.now()); err != nil {
			return n, fmt.Errorf("jobs.closeOpen: %s: %w", k, err)
		}
		n++
	}
	return n, nil
}

func (d *DayCloser) materializeAbsent(ctx context.Context, today string) (int, error) {
	end, err := models.ParseDate(today, time.UTC)
	if err != nil {
		return 0, err
	}
	people, err := d.roster.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobs.materializeAbsent: %w", err)
	}

	n := 0
	for i := d.lookback; i >= 1; i-- {
		date := models.FormatDate(end.AddDate(0, 0, -i))
		for _, p := range people {
			sch, err := d.schedules.ScheduleFor(ctx, p, date)
			if err != nil {
				return n, fmt.Errorf("jobs.materializeAbsent: %w", err)
			}
			if !sch.WorkingDay {
				continue
			}
			_, err = d.store.GetRecord(ctx, models.RecordKey{PersonID: p.ID(), Date: date})
			if err == nil {
				continue
			}
			if !errors.Is(err, models.ErrNotFound) {
				return n, fmt.Errorf("jobs.materializeAbsent: %w", err)
			}
			if _, err := d.proc.Close(ctx, p, date, d.now()); err != nil {
				return n, fmt.Errorf("jobs.materializeAbsent: %w", err)
			}
			n++
		}
	}
	return n, nil
}
