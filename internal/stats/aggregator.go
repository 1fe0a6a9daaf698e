package stats

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/attendance"
	"github.com/Spok95/school-attendance/internal/metrics"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

// contribution — применённый вклад записи (person, date) в дневные корзины когорт.
type contribution struct {
	version int64
	cohorts []string
	c       counters
}

type item struct {
	person roster.Person
	rec    models.DailyRecord
}

// Aggregator — асинхронный индекс когорт. Вклад с версией не новее применённой отбрасывается.
type Aggregator struct {
	roster    roster.Roster
	schedules Schedules
	records   RecordSource
	workers   int
	log       *zap.Logger

	mu       sync.Mutex
	applied  map[models.RecordKey]contribution
	buckets  map[string]map[string]*counters // cohort → date
	working  map[string]int                  // cohort|date → число членов, у которых день рабочий
	memberOf map[string][]string             // person → когорты, в которые разложены его вклады

	qmu     sync.Mutex
	pending map[models.RecordKey]item
	order   []models.RecordKey
	busy    int
	wake    chan struct{}
}

func New(r roster.Roster, sch Schedules, records RecordSource, workers int, log *zap.Logger) *Aggregator {
	if workers <= 0 {
		workers = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		roster:    r,
		schedules: sch,
		records:   records,
		workers:   workers,
		log:       log,
		applied:   make(map[models.RecordKey]contribution),
		buckets:   make(map[string]map[string]*counters),
		working:   make(map[string]int),
		memberOf:  make(map[string][]string),
		pending:   make(map[models.RecordKey]item),
		wake:      make(chan struct{}, 1),
	}
}

// OnRecordChanged — подписка на изменения дневных записей; не блокирует.
func (a *Aggregator) OnRecordChanged(_ context.Context, ch attendance.Change) {
	a.Submit(ch.Person, ch.Record)
}

// Submit ставит запись в очередь. Несколько версий одного ключа схлопываются в последнюю.
func (a *Aggregator) Submit(person roster.Person, rec models.DailyRecord) {
	key := rec.Key()
	a.qmu.Lock()
	if old, ok := a.pending[key]; ok {
		if rec.Version > old.rec.Version {
			a.pending[key] = item{person: person, rec: rec}
		}
		a.qmu.Unlock()
		metrics.AggregationsTotal.WithLabelValues("coalesced").Inc()
		return
	}
	a.pending[key] = item{person: person, rec: rec}
	a.order = append(a.order, key)
	a.qmu.Unlock()
	a.signal()
}

func (a *Aggregator) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Aggregator) next() (item, bool) {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	if len(a.order) == 0 {
		return item{}, false
	}
	key := a.order[0]
	a.order = a.order[1:]
	it := a.pending[key]
	delete(a.pending, key)
	a.busy++
	if len(a.order) > 0 {
		a.signal()
	}
	return it, true
}

func (a *Aggregator) done() {
	a.qmu.Lock()
	a.busy--
	a.qmu.Unlock()
}

// Run запускает воркеры и блокируется до отмены ctx.
func (a *Aggregator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < a.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.worker(ctx)
		}()
	}
	wg.Wait()
}

func (a *Aggregator) worker(ctx context.Context) {
	for {
		it, ok := a.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
			}
			continue
		}
		if err := a.apply(ctx, it.person, it.rec); err != nil {
			metrics.AggregationsTotal.WithLabelValues("error").Inc()
			a.log.Error("aggregation failed", zap.String("key", it.rec.Key().String()), zap.Error(err))
		}
		a.done()
	}
}

// Drain ждёт, пока очередь опустеет (тесты, остановка).
func (a *Aggregator) Drain(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		a.qmu.Lock()
		idle := len(a.order) == 0 && a.busy == 0
		a.qmu.Unlock()
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

// apply — O(число когорт человека): вычитаем старый вклад, добавляем новый.
func (a *Aggregator) apply(ctx context.Context, person roster.Person, rec models.DailyRecord) error {
	cohorts := person.Cohorts()
	if len(cohorts) == 0 {
		return nil
	}
	sch, err := a.schedules.ScheduleFor(ctx, person, rec.Date)
	if err != nil {
		return fmt.Errorf("stats.apply: %w", err)
	}
	next := contribution{version: rec.Version, cohorts: cohorts, c: dayCounters(&rec, sch.WorkingDay)}
	// working учитывается отдельно, через мемо по составу когорты
	next.c.working = 0

	a.mu.Lock()
	defer a.mu.Unlock()
	key := rec.Key()
	prev, had := a.applied[key]
	if had && prev.version >= rec.Version {
		metrics.AggregationsTotal.WithLabelValues("stale").Inc()
		return nil
	}
	if had {
		for _, cohort := range prev.cohorts {
			a.bucket(cohort, rec.Date).sub(prev.c)
		}
	}
	for _, cohort := range next.cohorts {
		a.bucket(cohort, rec.Date).add(next.c)
	}
	a.applied[key] = next
	if old, ok := a.memberOf[person.ID()]; ok && !slices.Equal(old, cohorts) {
		a.regroupLocked(person.ID(), cohorts)
	}
	a.memberOf[person.ID()] = cohorts
	metrics.AggregationsTotal.WithLabelValues("applied").Inc()
	return nil
}

func (a *Aggregator) bucket(cohort, date string) *counters {
	byDate, ok := a.buckets[cohort]
	if !ok {
		byDate = make(map[string]*counters)
		a.buckets[cohort] = byDate
	}
	c, ok := byDate[date]
	if !ok {
		c = &counters{}
		byDate[date] = c
	}
	return c
}

// Warm пересобирает индекс из сохранённых записей окна [from, to].
func (a *Aggregator) Warm(ctx context.Context, from, to string) error {
	recs, err := a.records.ListRecordsBetween(ctx, from, to)
	if err != nil {
		return fmt.Errorf("stats.Warm: %w", err)
	}
	a.mu.Lock()
	a.applied = make(map[models.RecordKey]contribution)
	a.buckets = make(map[string]map[string]*counters)
	a.working = make(map[string]int)
	a.memberOf = make(map[string][]string)
	a.mu.Unlock()

	people := make(map[string]roster.Person)
	skipped := 0
	for _, rec := range recs {
		p, ok := people[rec.PersonID]
		if !ok {
			p, err = a.roster.Lookup(ctx, rec.PersonID)
			if err != nil {
				skipped++
				continue
			}
			people[rec.PersonID] = p
		}
		if err := a.apply(ctx, p, rec); err != nil {
			return fmt.Errorf("stats.Warm: %w", err)
		}
	}
	a.log.Info("aggregator warmed",
		zap.String("from", from), zap.String("to", to),
		zap.Int("records", len(recs)), zap.Int("skipped", skipped))
	return nil
}

// PersonStats — статистика человека, всегда пересобирается из записей.
func (a *Aggregator) PersonStats(ctx context.Context, personID, from, to string) (models.RangeStatistics, error) {
	const op = "stats.PersonStats"

	dates, err := rangeDates(from, to)
	if err != nil {
		return models.RangeStatistics{}, fmt.Errorf("%s: %w", op, err)
	}
	person, err := a.roster.Lookup(ctx, personID)
	if err != nil {
		return models.RangeStatistics{}, fmt.Errorf("%s: %w", op, err)
	}
	c, err := personCounters(ctx, a.schedules, a.records, person, dates)
	if err != nil {
		return models.RangeStatistics{}, fmt.Errorf("%s: %w", op, err)
	}
	return c.result(personID, from, to), nil
}

// CohortStats — статистика когорты из инкрементального индекса.
func (a *Aggregator) CohortStats(ctx context.Context, cohort, from, to string) (models.RangeStatistics, error) {
	const op = "stats.CohortStats"

	dates, err := rangeDates(from, to)
	if err != nil {
		return models.RangeStatistics{}, fmt.Errorf("%s: %w", op, err)
	}
	var total counters
	for _, d := range dates {
		w, err := a.workingMembers(ctx, cohort, d)
		if err != nil {
			return models.RangeStatistics{}, fmt.Errorf("%s: %w", op, err)
		}
		total.working += w
	}

	a.mu.Lock()
	if byDate, ok := a.buckets[cohort]; ok {
		for _, d := range dates {
			if c, ok := byDate[d]; ok {
				total.add(*c)
			}
		}
	}
	a.mu.Unlock()
	return total.result(cohort, from, to), nil
}

// RebuildCohortStats — та же статистика, сложенная из пересборок по каждому члену.
func (a *Aggregator) RebuildCohortStats(ctx context.Context, cohort, from, to string) (models.RangeStatistics, error) {
	const op = "stats.RebuildCohortStats"

	dates, err := rangeDates(from, to)
	if err != nil {
		return models.RangeStatistics{}, fmt.Errorf("%s: %w", op, err)
	}
	members, err := a.roster.CohortMembers(ctx, cohort)
	if err != nil {
		return models.RangeStatistics{}, fmt.Errorf("%s: %w", op, err)
	}
	var total counters
	for _, m := range members {
		c, err := personCounters(ctx, a.schedules, a.records, m, dates)
		if err != nil {
			return models.RangeStatistics{}, fmt.Errorf("%s: %w", op, err)
		}
		total.add(c)
	}
	return total.result(cohort, from, to), nil
}

// workingMembers — число членов когорты с рабочим днём на дату; мемоизируется.
func (a *Aggregator) workingMembers(ctx context.Context, cohort, date string) (int, error) {
	memo := cohort + "|" + date
	a.mu.Lock()
	n, ok := a.working[memo]
	a.mu.Unlock()
	if ok {
		return n, nil
	}

	members, err := a.roster.CohortMembers(ctx, cohort)
	if err != nil {
		return 0, err
	}
	n = 0
	for _, m := range members {
		s, err := a.schedules.ScheduleFor(ctx, m, date)
		if err != nil {
			return 0, err
		}
		if s.WorkingDay {
			n++
		}
	}
	a.mu.Lock()
	a.working[memo] = n
	a.mu.Unlock()
	return n, nil
}

// Regroup переносит все дни человека в его текущие когорты (перевод в другой класс или отдел).
func (a *Aggregator) Regroup(person roster.Person) {
	a.mu.Lock()
	moved := a.regroupLocked(person.ID(), person.Cohorts())
	a.mu.Unlock()
	if moved > 0 {
		a.log.Info("cohort contributions regrouped", zap.String("person_id", person.ID()), zap.Int("days", moved))
	}
}

func (a *Aggregator) regroupLocked(personID string, cohorts []string) int {
	moved := 0
	for key, c := range a.applied {
		if key.PersonID != personID || slices.Equal(c.cohorts, cohorts) {
			continue
		}
		for _, cohort := range c.cohorts {
			a.bucket(cohort, key.Date).sub(c.c)
		}
		for _, cohort := range cohorts {
			a.bucket(cohort, key.Date).add(c.c)
		}
		c.cohorts = cohorts
		a.applied[key] = c
		moved++
	}
	a.memberOf[personID] = cohorts
	// состав когорт поменялся: мемо рабочих дней устарело
	a.working = make(map[string]int)
	return moved
}

// ForgetMembership сбрасывает мемо рабочих дней после изменения состава когорт.
func (a *Aggregator) ForgetMembership() {
	a.mu.Lock()
	a.working = make(map[string]int)
	a.mu.Unlock()
}
