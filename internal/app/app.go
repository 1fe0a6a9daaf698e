// Package app собирает сервис посещаемости из конфигурации: хранилище, лок ключей,
// ядро обработки сканов, агрегатор, уведомления, фоновые джобы и HTTP.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/attendance"
	"github.com/Spok95/school-attendance/internal/config"
	"github.com/Spok95/school-attendance/internal/db"
	"github.com/Spok95/school-attendance/internal/db/inmem"
	"github.com/Spok95/school-attendance/internal/httpapi"
	"github.com/Spok95/school-attendance/internal/ingest"
	"github.com/Spok95/school-attendance/internal/jobs"
	"github.com/Spok95/school-attendance/internal/keylock"
	"github.com/Spok95/school-attendance/internal/metrics"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/notify"
	"github.com/Spok95/school-attendance/internal/observability"
	"github.com/Spok95/school-attendance/internal/reconcile"
	"github.com/Spok95/school-attendance/internal/roster"
	"github.com/Spok95/school-attendance/internal/schedule"
	"github.com/Spok95/school-attendance/internal/stats"
)

// Store — всё хранилище целиком; реализуют db.Store и inmem.Store.
type Store interface {
	attendance.Store
	stats.RecordSource
	notify.Store
	ListUnclosedKeys(ctx context.Context, before string, limit int) ([]models.RecordKey, error)
	Ping(ctx context.Context) error
}

// Calendar — праздники и четверти.
type Calendar interface {
	schedule.Calendar
	ingest.Terms
}

type App struct {
	cfg *config.Config
	log *zap.Logger

	Store      Store
	Roster     roster.Roster
	Calendar   Calendar
	Processor  *attendance.Processor
	Gateway    *ingest.Gateway
	Queue      *reconcile.Queue
	Aggregator *stats.Aggregator
	Dispatcher *notify.Dispatcher
	Router     http.Handler

	schedules *schedule.Provider
	closers   []func()
}

// Build — сборка без запуска фоновых процессов.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	loc := cfg.Location()

	if err := a.openStorage(ctx, loc); err != nil {
		a.Close()
		return nil, err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	sch := schedule.NewProvider(a.Roster, a.Calendar, loc)
	a.schedules = sch
	a.Processor = attendance.NewProcessor(a.Store, sch, locker, cfg.DedupWindow, log.Named("attendance"))
	a.Gateway = ingest.NewGateway(a.Roster, a.Calendar, a.Processor, ingest.Config{
		Location:     loc,
		DayCutoff:    cfg.DayCutoff,
		MaxClockSkew: cfg.MaxClockSkew,
	}, log.Named("ingest"))
	a.Queue = reconcile.NewQueue(a.Gateway, a.Processor, reconcile.Config{MaxBatch: cfg.OfflineBatchMax}, log.Named("reconcile"))
	a.Aggregator = stats.New(a.Roster, sch, a.Store, cfg.AggWorkers, log.Named("stats"))

	transports := []notify.Transport{notify.NewLogTransport(log.Named("notify"))}
	if cfg.BotToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: telegram: %w", err)
		}
		log.Info("telegram transport enabled", zap.String("bot", bot.Self.UserName))
		transports = append(transports, notify.NewTelegramTransport(bot))
	}
	a.Dispatcher = notify.NewDispatcher(a.Store, notify.Config{
		MaxAttempts: cfg.NotifyMaxAttempts,
		BaseBackoff: cfg.NotifyBaseBackoff,
		MaxBackoff:  cfg.NotifyMaxBackoff,
		Workers:     cfg.NotifyWorkers,
	}, log.Named("notify"), transports...)

	a.Processor.Subscribe(a.Aggregator)
	a.Processor.Subscribe(notify.NewObserver(a.Dispatcher, loc, a.Gateway.Today))

	a.Router = httpapi.NewRouter(httpapi.Deps{
		Scans:    a.Gateway,
		Batches:  a.Queue,
		Records:  a.Processor,
		Resolver: a.Gateway,
		Roster:   a.Roster,
		Stats:    a.Aggregator,
		Log:      log.Named("http"),
	})
	return a, nil
}

func (a *App) openStorage(ctx context.Context, loc *time.Location) error {
	if a.cfg.MemoryStore {
		from, to := db.SchoolYearOf(time.Now().In(loc)).Bounds(loc)
		a.Store = inmem.NewStore()
		a.Roster = inmem.NewRoster()
		a.Calendar = inmem.OpenCalendar(from, to.AddDate(0, 0, -1))
		a.log.Warn("in-memory storage: data is lost on restart")
		return nil
	}

	database, err := db.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = database.Close() })
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	a.useDB(database)
	return nil
}

func (a *App) useDB(database *sql.DB) {
	a.Store = db.NewStore(database)
	a.Roster = db.NewRoster(database)
	a.Calendar = db.NewCalendar(database, 5*time.Minute)
}

func (a *App) openLocker(ctx context.Context) (keylock.Locker, error) {
	if a.cfg.RedisAddr == "" {
		return keylock.NewPool(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: redis: %w", err)
	}
	rl := keylock.NewRedisLocker(client, a.cfg.LockTTL)
	rl.OnLost(func(key string, err error) {
		a.log.Error("key lock lease lost", zap.String("key", key), zap.Error(err))
		observability.CaptureErrWith(err, map[string]string{"key": key})
	})
	a.closers = append(a.closers, func() { _ = rl.Close() })
	a.log.Info("redis key lock enabled", zap.String("addr", a.cfg.RedisAddr))
	return rl, nil
}

// Run прогревает индекс, запускает воркеры, джобы и HTTP; возвращается после отмены ctx.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loc := a.cfg.Location()
	today := a.Gateway.Today

	from, to, err := schoolYearWindow(today(), loc)
	if err != nil {
		return err
	}
	if err := a.Aggregator.Warm(ctx, from, to); err != nil {
		return fmt.Errorf("app: warm: %w", err)
	}

	workers := make(chan struct{}, 2)
	go func() { a.Aggregator.Run(ctx); workers <- struct{}{} }()
	go func() { a.Dispatcher.Run(ctx); workers <- struct{}{} }()

	runner := jobs.New(ctx, a.log.Named("jobs"))
	closer := jobs.NewDayCloser(a.Store, a.Roster, a.schedules, a.Processor, today, 1, a.log.Named("dayclose"))
	runner.Every(15*time.Minute, "day_close", true, closer.Run)
	runner.Every(time.Minute, "notification_sweep", true, jobs.NotificationSweep(a.Dispatcher, 2*time.Minute, 500, a.log))
	runner.Every(30*time.Second, "db_ping", false, jobs.DBPing(a.Store, metrics.ObserveDBPing))
	runner.Every(time.Hour, "school_year_rollover", true, schoolYearRollover(a.Aggregator, today, loc, a.log))

	srv := StartHTTP(ctx, a.cfg.HTTPAddr, a.Router, a.Store.Ping, a.log.Named("http"))

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-srv.Err():
		if ok && err != nil {
			runErr = fmt.Errorf("app: http: %w", err)
		}
	}

	cancel()
	runner.Wait()
	<-workers
	<-workers
	return runErr
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
