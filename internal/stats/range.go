// Package stats считает посещаемость и пунктуальность за период: по человеку с нуля,
// по классу/отделу через инкрементальный индекс вкладов.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

// MaxRangeDays — ограничение окна запроса статистики.
const MaxRangeDays = 400

var ErrBadRange = errors.New("bad date range")

type Schedules interface {
	ScheduleFor(ctx context.Context, person roster.Person, date string) (models.Schedule, error)
}

// RecordSource — чтение сохранённых дневных записей.
type RecordSource interface {
	ListRecords(ctx context.Context, personID, from, to string) ([]models.DailyRecord, error)
	ListRecordsBetween(ctx context.Context, from, to string) ([]models.DailyRecord, error)
}

// counters — аддитивные счётчики; статистика когорты = сумма счётчиков её членов.
type counters struct {
	working  int
	present  int
	late     int
	punctual int
	worked   int
	work     int
}

func (c *counters) add(o counters) {
	c.working += o.working
	c.present += o.present
	c.late += o.late
	c.punctual += o.punctual
	c.worked += o.worked
	c.work += o.work
}

func (c *counters) sub(o counters) {
	c.working -= o.working
	c.present -= o.present
	c.late -= o.late
	c.punctual -= o.punctual
	c.worked -= o.worked
	c.work -= o.work
}

// dayCounters — вклад одной записи. Нерабочий день ничего не даёт.
func dayCounters(rec *models.DailyRecord, working bool) counters {
	if !working {
		return counters{}
	}
	c := counters{working: 1}
	if rec == nil || !rec.Present() {
		return c
	}
	c.present = 1
	if rec.LateMinutes > 0 {
		c.late = 1
	}
	if rec.LateMinutes == 0 && rec.EarlyDepartureMinutes == 0 {
		c.punctual = 1
	}
	if rec.WorkMinutes != nil {
		c.worked = 1
		c.work = *rec.WorkMinutes
	}
	return c
}

func (c counters) result(subject, from, to string) models.RangeStatistics {
	absent := c.working - c.present
	if absent < 0 {
		absent = 0
	}
	return models.RangeStatistics{
		Subject:         subject,
		From:            from,
		To:              to,
		WorkingDays:     c.working,
		PresentDays:     c.present,
		AbsentDays:      absent,
		LateDays:        c.late,
		PunctualDays:    c.punctual,
		WorkedDays:      c.worked,
		TotalWork:       c.work,
		AttendanceRate:  percent(c.present, c.working),
		PunctualityRate: percent(c.punctual, c.present),
		AvgWorkMinutes:  ratio(c.work, c.worked),
	}
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return round2(float64(n) * 100 / float64(d))
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return round2(float64(n) / float64(d))
}

// round2 — округление до сотых, половина от нуля.
func round2(x float64) float64 { return math.Round(x*100) / 100 }

func rangeDates(from, to string) ([]string, error) {
	dates, err := models.DatesBetween(from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRange, err)
	}
	if len(dates) > MaxRangeDays {
		return nil, fmt.Errorf("%w: more than %d days", ErrBadRange, MaxRangeDays)
	}
	return dates, nil
}

// personCounters — пересборка счётчиков человека из сохранённых записей.
func personCounters(ctx context.Context, sch Schedules, records RecordSource, person roster.Person, dates []string) (counters, error) {
	var c counters
	if len(dates) == 0 {
		return c, nil
	}
	recs, err := records.ListRecords(ctx, person.ID(), dates[0], dates[len(dates)-1])
	if err != nil {
		return c, err
	}
	byDate := make(map[string]*models.DailyRecord, len(recs))
	for i := range recs {
		byDate[recs[i].Date] = &recs[i]
	}
	for _, d := range dates {
		s, err := sch.ScheduleFor(ctx, person, d)
		if err != nil {
			return c, err
		}
		c.add(dayCounters(byDate[d], s.WorkingDay))
	}
	return c, nil
}
