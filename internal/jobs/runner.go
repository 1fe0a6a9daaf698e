// Package jobs — периодические фоновые задачи: закрытие дней, подметание нотификаций, пинг БД.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/observability"
)

type Job func(ctx context.Context) error

type Runner struct {
	ctx context.Context
	log *zap.Logger
	wg  sync.WaitGroup
}

func New(ctx context.Context, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{ctx: ctx, log: log}
}

// Every запускает fn по тикеру; immediate — первый прогон сразу при старте.
func (r *Runner) Every(interval time.Duration, name string, immediate bool, fn Job) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if immediate {
			r.run(name, fn)
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-t.C:
				r.run(name, fn)
			}
		}
	}()
}

// Wait — дождаться остановки всех джобов после отмены контекста.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) run(name string, fn Job) {
	start := time.Now()
	failed := false
	defer func() {
		if rec := recover(); rec != nil {
			failed = true
			err := fmt.Errorf("panic in job %s: %v", name, rec)
			r.log.Error("job panicked", zap.String("job", name), zap.Error(err))
			observability.CaptureErrWith(err, map[string]string{"job": name})
		}
		jobMetrics.observe(name, time.Since(start), failed)
	}()

	if err := fn(r.ctx); err != nil && r.ctx.Err() == nil {
		failed = true
		r.log.Error("job failed", zap.String("job", name), zap.Error(err))
		observability.CaptureErrWith(err, map[string]string{"job": name})
	}
}
