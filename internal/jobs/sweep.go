package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Resumer — часть notify.Dispatcher.
type Resumer interface {
	Resume(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// NotificationSweep возвращает в работу pending-нотификации старше age.
func NotificationSweep(r Resumer, age time.Duration, limit int, log *zap.Logger) Job {
	return func(ctx context.Context) error {
		n, err := r.Resume(ctx, time.Now().Add(-age), limit)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("pending notifications requeued", zap.Int("count", n))
		}
		return nil
	}
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// DBPing — латентность БД в метрику attendance_db_ping_seconds.
func DBPing(p Pinger, observe func(time.Duration)) Job {
	return func(ctx context.Context) error {
		start := time.Now()
		err := p.Ping(ctx)
		observe(time.Since(start))
		return err
	}
}
