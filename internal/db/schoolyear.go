package db

import (
	"fmt"
	"time"
)

// SchoolYear — учебный год по году начала: 2024 — это 2024–2025. Начинается 1 сентября.
type SchoolYear int

func SchoolYearOf(t time.Time) SchoolYear {
	if t.Month() < time.September {
		return SchoolYear(t.Year() - 1)
	}
	return SchoolYear(t.Year())
}

// Bounds — [1 сентября, 1 сентября следующего года) в loc.
func (y SchoolYear) Bounds(loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(int(y), time.September, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(1, 0, 0)
}

func (y SchoolYear) Start(loc *time.Location) time.Time {
	start, _ := y.Bounds(loc)
	return start
}

func (y SchoolYear) String() string {
	return fmt.Sprintf("%d–%d", int(y), int(y)+1)
}
