package models

import "time"

// Term — учебная четверть/семестр; вне активного окна сканы не принимаются.
type Term struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	StartDate time.Time `db:"start_date"`
	EndDate   time.Time `db:"end_date"`
	IsActive  bool      `db:"is_active"`
}

// Contains — дата внутри [StartDate, EndDate] по календарным дням.
func (t Term) Contains(day time.Time) bool {
	d := FormatDate(day)
	return d >= FormatDate(t.StartDate) && d <= FormatDate(t.EndDate)
}
