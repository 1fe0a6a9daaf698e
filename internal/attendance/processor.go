package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/keylock"
	"github.com/Spok95/school-attendance/internal/metrics"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

var (
	ErrNotOpen         = errors.New("day has no open presence to resolve")
	ErrExitBeforeEntry = errors.New("exit time is not after the last entry")
)

// Store — журнал событий и производные записи. SaveDay атомарно дописывает события,
// фиксирует закрытие дня (если передано) и сохраняет запись.
type Store interface {
	ListEvents(ctx context.Context, key models.RecordKey) ([]models.ScanEvent, error)
	GetRecord(ctx context.Context, key models.RecordKey) (*models.DailyRecord, error)
	GetClosure(ctx context.Context, key models.RecordKey) (*time.Time, error)
	SaveDay(ctx context.Context, events []models.ScanEvent, closedAt *time.Time, rec models.DailyRecord) error
}

type Schedules interface {
	ScheduleFor(ctx context.Context, person roster.Person, date string) (models.Schedule, error)
}

// Change — результат применения, раздаётся наблюдателям уже после снятия лока.
type Change struct {
	Person   roster.Person
	Previous *models.DailyRecord
	Record   models.DailyRecord
	Source   models.EventSource
	Accepted []models.ScanEvent
}

// FirstEntry — в этом изменении у дня впервые появился вход.
func (c Change) FirstEntry() bool {
	return c.Record.Present() && (c.Previous == nil || !c.Previous.Present())
}

// Observer не должен блокировать: только ставит фоновую работу в очередь.
type Observer interface {
	OnRecordChanged(ctx context.Context, ch Change)
}

type Result struct {
	Record     models.DailyRecord
	Accepted   []models.ScanEvent
	Duplicates []models.ScanEvent
	Changed    bool
}

type Processor struct {
	store     Store
	schedules Schedules
	locker    keylock.Locker
	window    time.Duration
	log       *zap.Logger
	now       func() time.Time
	observers []Observer
}

func NewProcessor(store Store, schedules Schedules, locker keylock.Locker, dedupWindow time.Duration, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		store:     store,
		schedules: schedules,
		locker:    locker,
		window:    dedupWindow,
		log:       log,
		now:       time.Now,
	}
}

// Subscribe — наблюдатели регистрируются до начала приёма сканов.
func (p *Processor) Subscribe(o Observer) { p.observers = append(p.observers, o) }

func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// Apply дописывает события в журнал ключа (person, date) и пересобирает запись из полного журнала.
// События без Type распознаются по текущему состоянию.
func (p *Processor) Apply(ctx context.Context, person roster.Person, date string, source models.EventSource, incoming []models.ScanEvent) (Result, error) {
	return p.withKey(ctx, person, date, func(ctx context.Context, key models.RecordKey) (Result, *Change, error) {
		return p.applyLocked(ctx, person, key, source, incoming, nil)
	})
}

// Close фиксирует закрытие дня. Для дня без событий создаёт запись absent.
func (p *Processor) Close(ctx context.Context, person roster.Person, date string, at time.Time) (Result, error) {
	return p.withKey(ctx, person, date, func(ctx context.Context, key models.RecordKey) (Result, *Change, error) {
		return p.applyLocked(ctx, person, key, "", nil, &at)
	})
}

// ResolveOpenDay — ручное закрытие: администратор указывает время выхода.
func (p *Processor) ResolveOpenDay(ctx context.Context, person roster.Person, date string, exitAt time.Time, operatorID string) (Result, error) {
	const op = "attendance.ResolveOpenDay"

	return p.withKey(ctx, person, date, func(ctx context.Context, key models.RecordKey) (Result, *Change, error) {
		prev, err := p.store.GetRecord(ctx, key)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return Result{}, nil, fmt.Errorf("%s: %w", op, ErrNotOpen)
			}
			return Result{}, nil, fmt.Errorf("%s: %w", op, err)
		}
		if prev.Status != models.StatusEntered && !prev.Unresolved {
			return Result{}, nil, fmt.Errorf("%s: %w", op, ErrNotOpen)
		}
		if last := lastEntry(prev); last != nil && !exitAt.After(*last) {
			return Result{}, nil, fmt.Errorf("%s: %w (entry at %s)", op, ErrExitBeforeEntry, last.Format(time.RFC3339))
		}
		ev := models.ScanEvent{
			Type:            models.EventExit,
			ClientTimestamp: exitAt,
			OperatorID:      operatorID,
			ReceivedAt:      p.now(),
		}
		return p.applyLocked(ctx, person, key, models.SourceAdmin, []models.ScanEvent{ev}, nil)
	})
}

// lastEntry — момент, с которого человек находится в здании: первый вход или последний возврат.
func lastEntry(rec *models.DailyRecord) *time.Time {
	if n := len(rec.Movements); n > 0 && rec.Movements[n-1].ReturnAt != nil {
		return rec.Movements[n-1].ReturnAt
	}
	return rec.FirstEntryAt
}

// Record — сохранённая запись дня. Рабочий день без сканов отдаётся как absent без версии,
// не дожидаясь закрытия дня.
func (p *Processor) Record(ctx context.Context, person roster.Person, date string) (models.DailyRecord, error) {
	const op = "attendance.Record"

	key := models.RecordKey{PersonID: person.ID(), Date: date}
	rec, err := p.store.GetRecord(ctx, key)
	if err == nil {
		return *rec, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.DailyRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	sch, err := p.schedules.ScheduleFor(ctx, person, date)
	if err != nil {
		return models.DailyRecord{}, fmt.Errorf("%s: schedule: %w", op, err)
	}
	if !sch.WorkingDay {
		return models.DailyRecord{}, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	closedAt, err := p.store.GetClosure(ctx, key)
	if err != nil {
		return models.DailyRecord{}, fmt.Errorf("%s: get closure: %w", op, err)
	}
	return Derive(Input{Key: key, Kind: person.Kind(), Schedule: sch, ClosedAt: closedAt}), nil
}

func (p *Processor) withKey(ctx context.Context, person roster.Person, date string,
	fn func(ctx context.Context, key models.RecordKey) (Result, *Change, error)) (Result, error) {
	key := models.RecordKey{PersonID: person.ID(), Date: date}

	unlock, err := p.locker.Lock(ctx, key.String())
	if err != nil {
		return Result{}, fmt.Errorf("attendance: lock %s: %w", key, err)
	}
	res, ch, err := func() (Result, *Change, error) {
		defer unlock()
		return fn(ctx, key)
	}()
	if err != nil {
		return Result{}, err
	}

	// фон — только после снятия лока
	if ch != nil {
		for _, o := range p.observers {
			o.OnRecordChanged(ctx, *ch)
		}
	}
	return res, nil
}

func (p *Processor) applyLocked(ctx context.Context, person roster.Person, key models.RecordKey, source models.EventSource,
	incoming []models.ScanEvent, closeAt *time.Time) (Result, *Change, error) {
	const op = "attendance.apply"

	existing, err := p.store.ListEvents(ctx, key)
	if err != nil {
		return Result{}, nil, fmt.Errorf("%s: list events: %w", op, err)
	}
	prev, err := p.store.GetRecord(ctx, key)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return Result{}, nil, fmt.Errorf("%s: get record: %w", op, err)
	}
	if errors.Is(err, models.ErrNotFound) {
		prev = nil
	}
	closedAt, err := p.store.GetClosure(ctx, key)
	if err != nil {
		return Result{}, nil, fmt.Errorf("%s: get closure: %w", op, err)
	}
	var newClosure *time.Time
	if closeAt != nil && closedAt == nil {
		c := *closeAt
		closedAt, newClosure = &c, &c
	}

	// порядок внутри пачки не влияет на то, какие события переживут дедупликацию
	batch := make([]models.ScanEvent, len(incoming))
	for i, ev := range incoming {
		ev.PersonID = key.PersonID
		ev.PersonKind = person.Kind()
		ev.Date = key.Date
		if ev.Source == "" {
			ev.Source = source
		}
		if ev.ID == "" && ev.Type != "" {
			ev.ID = EventID(ev)
		}
		batch[i] = ev
	}
	SortEvents(batch)

	journal := append([]models.ScanEvent(nil), existing...)
	var accepted, dups []models.ScanEvent
	for _, ev := range batch {
		auto := ev.Type == ""
		if auto {
			// двойное срабатывание без направления — повтор независимо от типа
			if d, ok := FindDuplicate(journal, ev, p.window, true); ok {
				dups = append(dups, d)
				continue
			}
			ev.Type = NextType(StateAt(journal, ev.ClientTimestamp))
		}
		if ev.ID == "" {
			ev.ID = EventID(ev)
		}
		if d, ok := FindDuplicate(journal, ev, p.window, false); ok {
			dups = append(dups, d)
			continue
		}
		journal = append(journal, ev)
		accepted = append(accepted, ev)
	}

	if len(accepted) == 0 && newClosure == nil {
		if prev != nil {
			return Result{Record: *prev, Duplicates: dups}, nil, nil
		}
		rec := Derive(Input{Key: key, Kind: person.Kind(), ClosedAt: closedAt})
		return Result{Record: rec, Duplicates: dups}, nil, nil
	}

	sch, err := p.schedules.ScheduleFor(ctx, person, key.Date)
	if err != nil {
		return Result{}, nil, fmt.Errorf("%s: schedule: %w", op, err)
	}

	SortEvents(journal)
	for _, t := range Ties(journal) {
		p.log.Warn("ambiguous event order resolved by event id",
			zap.String("key", key.String()),
			zap.String("first", t.First.ID),
			zap.String("second", t.Second.ID),
			zap.Time("client_ts", t.First.ClientTimestamp),
		)
	}

	rec := Derive(Input{Key: key, Kind: person.Kind(), Events: journal, Schedule: sch, ClosedAt: closedAt})
	rec.Version = 1
	if prev != nil {
		rec.Version = prev.Version + 1
		rec.Notified = prev.Notified
	}
	rec.UpdatedAt = p.now()

	if err := p.store.SaveDay(ctx, accepted, newClosure, rec); err != nil {
		return Result{}, nil, fmt.Errorf("%s: save: %w", op, err)
	}
	p.reportAnomalies(key, rec, accepted)

	ch := &Change{Person: person, Previous: prev, Record: rec, Source: source, Accepted: accepted}
	return Result{Record: rec, Accepted: accepted, Duplicates: dups, Changed: true}, ch, nil
}

func (p *Processor) reportAnomalies(key models.RecordKey, rec models.DailyRecord, accepted []models.ScanEvent) {
	if len(rec.Anomalies) == 0 || len(accepted) == 0 {
		return
	}
	fresh := make(map[string]struct{}, len(accepted))
	for _, ev := range accepted {
		fresh[ev.ID] = struct{}{}
	}
	for _, a := range rec.Anomalies {
		if _, ok := fresh[a.EventID]; !ok {
			continue
		}
		metrics.AnomaliesTotal.WithLabelValues(string(a.Kind)).Inc()
		p.log.Warn("anomalous transition accepted",
			zap.String("key", key.String()),
			zap.String("kind", string(a.Kind)),
			zap.String("event_id", a.EventID),
			zap.Time("at", a.At),
		)
	}
}
