// Package schedule отвечает на вопрос «когда человек должен прийти и уйти в этот день».
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

// Calendar — академический календарь (только чтение).
type Calendar interface {
	IsHoliday(ctx context.Context, date string) (bool, error)
	// ActiveTerm возвращает активную четверть, содержащую дату, или nil.
	ActiveTerm(ctx context.Context, date string) (*models.Term, error)
}

type Provider struct {
	roster roster.Roster
	cal    Calendar
	loc    *time.Location
}

func NewProvider(r roster.Roster, cal Calendar, loc *time.Location) *Provider {
	if loc == nil {
		loc = time.UTC
	}
	return &Provider{roster: r, cal: cal, loc: loc}
}

func (p *Provider) Location() *time.Location { return p.loc }

// ExpectedSchedule — график по person_id.
func (p *Provider) ExpectedSchedule(ctx context.Context, personID, date string) (models.Schedule, error) {
	const op = "schedule.ExpectedSchedule"

	person, err := p.roster.Lookup(ctx, personID)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("%s: %w", op, err)
	}
	return p.ScheduleFor(ctx, person, date)
}

// ScheduleFor — график для уже разрешённого человека: смена ∧ не праздник ∧ внутри активной четверти.
func (p *Provider) ScheduleFor(ctx context.Context, person roster.Person, date string) (models.Schedule, error) {
	const op = "schedule.ScheduleFor"

	day, err := models.ParseDate(date, p.loc)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("%s: %w", op, err)
	}
	shift, works := person.ExpectedSchedule(day)
	sch := models.Schedule{
		ExpectedArrival:   day.Add(shift.Arrival),
		ExpectedDeparture: day.Add(shift.Departure),
		WorkingDay:        works,
	}
	if !works {
		return sch, nil
	}

	holiday, err := p.cal.IsHoliday(ctx, date)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("%s: %w", op, err)
	}
	if holiday {
		sch.WorkingDay = false
		return sch, nil
	}
	term, err := p.cal.ActiveTerm(ctx, date)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("%s: %w", op, err)
	}
	sch.WorkingDay = term != nil
	return sch, nil
}
