package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/db"
	"github.com/Spok95/school-attendance/internal/jobs"
	"github.com/Spok95/school-attendance/internal/models"
)

type warmer interface {
	Warm(ctx context.Context, from, to string) error
	ForgetMembership()
}

// schoolYearWindow — окно прогрева индекса: от 1 сентября текущего учебного года до today.
func schoolYearWindow(today string, loc *time.Location) (string, string, error) {
	day, err := models.ParseDate(today, loc)
	if err != nil {
		return "", "", err
	}
	return models.FormatDate(db.SchoolYearOf(day).Start(loc)), today, nil
}

// schoolYearRollover — при смене учебного года индекс когорт пересобирается заново.
func schoolYearRollover(w warmer, today func() string, loc *time.Location, log *zap.Logger) jobs.Job {
	var mu sync.Mutex
	var current db.SchoolYear

	return func(ctx context.Context) error {
		day, err := models.ParseDate(today(), loc)
		if err != nil {
			return err
		}
		year := db.SchoolYearOf(day)

		mu.Lock()
		defer mu.Unlock()
		if current == 0 {
			current = year
			return nil
		}
		if year == current {
			return nil
		}

		w.ForgetMembership()
		from, to, err := schoolYearWindow(today(), loc)
		if err != nil {
			return err
		}
		if err := w.Warm(ctx, from, to); err != nil {
			return err
		}
		current = year
		log.Info("school year started", zap.Stringer("year", year))
		return nil
	}
}
