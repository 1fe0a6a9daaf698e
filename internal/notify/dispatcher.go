// Package notify доставляет уведомление о первом приходе за день: асинхронно, не более одного раза
// на (запись, канал), с повторами и экспоненциальной паузой.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/metrics"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/observability"
	"github.com/Spok95/school-attendance/internal/roster"
)

type Store interface {
	GetNotification(ctx context.Context, recordKey, channel string) (*models.NotificationRecord, error)
	UpsertNotification(ctx context.Context, n models.NotificationRecord) error
	ListPendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]models.NotificationRecord, error)
	MarkNotified(ctx context.Context, key models.RecordKey) error
}

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Workers     int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return c
}

// Backoff — base·2^(attempt-1), не больше max.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// job — одна логическая нотификация; повторный Trigger только обновляет payload и поколение.
type job struct {
	key     models.RecordKey
	target  roster.Target
	payload string
	gen     uint64
}

func (j *job) id() string { return j.key.String() + "#" + j.target.ID() }

type Dispatcher struct {
	store      Store
	transports map[string]Transport
	cfg        Config
	log        *zap.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	jobs   map[string]*job
	queue  []string
	active int
	gen    uint64
	wake   chan struct{}
}

func NewDispatcher(store Store, cfg Config, log *zap.Logger, transports ...Transport) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		store:      store,
		transports: make(map[string]Transport, len(transports)),
		cfg:        cfg.withDefaults(),
		log:        log,
		now:        time.Now,
		sleep:      sleepCtx,
		jobs:       make(map[string]*job),
		wake:       make(chan struct{}, 1),
	}
	for _, t := range transports {
		d.transports[t.Channel()] = t
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Trigger ставит по задаче на каждого адресата. Ожидающая задача того же ключа не дублируется,
// а получает свежий текст.
func (d *Dispatcher) Trigger(key models.RecordKey, targets []roster.Target, payload string) {
	d.mu.Lock()
	for _, t := range targets {
		d.gen++
		j := &job{key: key, target: t, payload: payload, gen: d.gen}
		id := j.id()
		if cur, ok := d.jobs[id]; ok {
			cur.payload, cur.gen = payload, d.gen
			continue
		}
		d.jobs[id] = j
		d.queue = append(d.queue, id)
	}
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return "", false
	}
	id := d.queue[0]
	d.queue = d.queue[1:]
	d.active++
	if len(d.queue) > 0 {
		d.signal()
	}
	return id, true
}

// snapshot — актуальные payload и поколение задачи.
func (d *Dispatcher) snapshot(id string) (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return job{}, false
	}
	return *j, true
}

func (d *Dispatcher) finish(id string) {
	d.mu.Lock()
	delete(d.jobs, id)
	d.active--
	d.mu.Unlock()
}

// Run запускает воркеры и блокируется до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok := d.next()
				if !ok {
					select {
					case <-ctx.Done():
						return
					case <-d.wake:
					}
					continue
				}
				if err := d.deliver(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
					d.log.Error("notification delivery failed", zap.String("id", id), zap.Error(err))
				}
				d.finish(id)
			}
		}()
	}
	wg.Wait()
}

// Drain ждёт опустошения очереди.
func (d *Dispatcher) Drain(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		d.mu.Lock()
		idle := len(d.queue) == 0 && d.active == 0
		d.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, id string) error {
	const op = "notify.deliver"

	j, ok := d.snapshot(id)
	if !ok {
		return nil
	}
	channel := j.target.ID()
	rec, err := d.store.GetNotification(ctx, j.key.String(), channel)
	switch {
	case errors.Is(err, models.ErrNotFound):
		rec = &models.NotificationRecord{RecordKey: j.key.String(), Channel: channel, Status: models.NotificationPending}
	case err != nil:
		return fmt.Errorf("%s: %w", op, err)
	}
	if rec.Done() {
		return nil
	}

	tr, ok := d.transports[j.target.Channel]
	if !ok {
		rec.Status = models.NotificationFailedPermanent
		rec.LastError = "no transport for channel " + j.target.Channel
		rec.UpdatedAt = d.now()
		return d.save(ctx, op, *rec)
	}

	for {
		// между попытками задача могла получить новый текст
		if cur, ok := d.snapshot(id); ok {
			if cur.gen != j.gen {
				d.log.Debug("notification payload superseded", zap.String("id", id), zap.Uint64("gen", cur.gen))
			}
			j = cur
		}
		rec.Payload = j.payload
		rec.UpdatedAt = d.now()
		if err := d.save(ctx, op, *rec); err != nil {
			return err
		}

		rec.AttemptCount++
		at := d.now()
		rec.LastAttemptAt = &at
		sendErr := tr.Send(ctx, j.target.Address, j.payload)
		rec.UpdatedAt = d.now()

		if sendErr == nil {
			rec.Status = models.NotificationSent
			rec.LastError = ""
			metrics.NotificationsTotal.WithLabelValues(j.target.Channel, string(models.NotificationSent)).Inc()
			if err := d.save(ctx, op, *rec); err != nil {
				return err
			}
			if err := d.store.MarkNotified(ctx, j.key); err != nil {
				return fmt.Errorf("%s: mark notified: %w", op, err)
			}
			d.log.Debug("notification sent", zap.String("key", j.key.String()), zap.String("channel", channel),
				zap.Int("attempt", rec.AttemptCount))
			return nil
		}

		rec.LastError = sendErr.Error()
		if IsPermanent(sendErr) || rec.AttemptCount >= d.cfg.MaxAttempts {
			rec.Status = models.NotificationFailedPermanent
			metrics.NotificationsTotal.WithLabelValues(j.target.Channel, string(models.NotificationFailedPermanent)).Inc()
			d.log.Error("notification failed permanently",
				zap.String("key", j.key.String()),
				zap.String("channel", channel),
				zap.Int("attempts", rec.AttemptCount),
				zap.Error(sendErr),
			)
			observability.CaptureErrWith(sendErr, map[string]string{"record_key": j.key.String(), "channel": channel})
			return d.save(ctx, op, *rec)
		}

		metrics.NotificationsTotal.WithLabelValues(j.target.Channel, "retry").Inc()
		d.log.Warn("notification attempt failed",
			zap.String("key", j.key.String()),
			zap.String("channel", channel),
			zap.Int("attempt", rec.AttemptCount),
			zap.Error(sendErr),
		)
		if err := d.save(ctx, op, *rec); err != nil {
			return err
		}
		if err := d.sleep(ctx, d.cfg.Backoff(rec.AttemptCount)); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) save(ctx context.Context, op string, rec models.NotificationRecord) error {
	if err := d.store.UpsertNotification(ctx, rec); err != nil {
		return fmt.Errorf("%s: save: %w", op, err)
	}
	return nil
}

// Resume возвращает в очередь pending-записи, оставшиеся после рестарта.
func (d *Dispatcher) Resume(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	pending, err := d.store.ListPendingNotifications(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("notify.Resume: %w", err)
	}
	n := 0
	for _, rec := range pending {
		key, target, err := parseIDs(rec.RecordKey, rec.Channel)
		if err != nil {
			d.log.Warn("skip malformed notification", zap.String("record_key", rec.RecordKey),
				zap.String("channel", rec.Channel), zap.Error(err))
			continue
		}
		d.mu.Lock()
		_, queued := d.jobs[rec.RecordKey+"#"+rec.Channel]
		d.mu.Unlock()
		if queued {
			continue
		}
		d.Trigger(key, []roster.Target{target}, rec.Payload)
		n++
	}
	return n, nil
}

func parseIDs(recordKey, channel string) (models.RecordKey, roster.Target, error) {
	i := strings.LastIndex(recordKey, "/")
	if i <= 0 || i == len(recordKey)-1 {
		return models.RecordKey{}, roster.Target{}, fmt.Errorf("bad record key %q", recordKey)
	}
	name, addr, ok := strings.Cut(channel, ":")
	if !ok || name == "" || addr == "" {
		return models.RecordKey{}, roster.Target{}, fmt.Errorf("bad channel %q", channel)
	}
	return models.RecordKey{PersonID: recordKey[:i], Date: recordKey[i+1:]},
		roster.Target{Channel: name, Address: addr}, nil
}
