package attendance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/db/inmem"
	"github.com/Spok95/school-attendance/internal/keylock"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

type fixedSchedules struct{}

func (fixedSchedules) ScheduleFor(_ context.Context, _ roster.Person, date string) (models.Schedule, error) {
	d, err := models.ParseDate(date, time.UTC)
	if err != nil {
		return models.Schedule{}, err
	}
	return models.Schedule{ExpectedArrival: d.Add(8 * time.Hour), ExpectedDeparture: d.Add(16 * time.Hour), WorkingDay: true}, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []Change
	check   func(Change)
}

func (o *recordingObserver) OnRecordChanged(_ context.Context, ch Change) {
	if o.check != nil {
		o.check(ch)
	}
	o.mu.Lock()
	o.changes = append(o.changes, ch)
	o.mu.Unlock()
}

func newProcessor(t *testing.T) (*Processor, *inmem.Store, *keylock.Pool) {
	t.Helper()
	store := inmem.NewStore()
	pool := keylock.NewPool()
	p := NewProcessor(store, fixedSchedules{}, pool, 90*time.Second, zap.NewNop())
	p.SetClock(func() time.Time { return clock(20, 0) })
	return p, store, pool
}

var pupil = &roster.Student{ExternalID: "1", FullName: "Петров Пётр", ClassID: "5A", IsActive: true, ClassShift: roster.DefaultShift()}

func live(t models.EventType, at time.Time) models.ScanEvent {
	return models.ScanEvent{Type: t, ClientTimestamp: at, OperatorID: "gate-1", ReceivedAt: at}
}

func TestApply_DoubleScanWithinWindowIsDuplicate(t *testing.T) {
	p, store, _ := newProcessor(t)
	ctx := context.Background()

	first, err := p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live(models.EventEntry, clock(8, 0))})
	require.NoError(t, err)
	require.Len(t, first.Accepted, 1)

	second, err := p.Apply(ctx, pupil, testKey.Date, models.SourceLive,
		[]models.ScanEvent{live(models.EventEntry, clock(8, 0).Add(10*time.Second))})
	require.NoError(t, err)
	assert.Empty(t, second.Accepted)
	require.Len(t, second.Duplicates, 1)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Record, second.Record)

	events, err := store.ListEvents(ctx, testKey)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Empty(t, second.Record.Anomalies)
	assert.Equal(t, int64(1), second.Record.Version)
}

func TestApply_ResubmittedEventIsIdempotent(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()

	batch := []models.ScanEvent{live(models.EventEntry, clock(8, 0)), live(models.EventExit, clock(15, 0))}
	first, err := p.Apply(ctx, pupil, testKey.Date, models.SourceOffline, batch)
	require.NoError(t, err)
	again, err := p.Apply(ctx, pupil, testKey.Date, models.SourceOffline, batch)
	require.NoError(t, err)

	assert.Len(t, again.Duplicates, 2)
	assert.Equal(t, first.Record, again.Record)
}

func TestApply_AutoDirectionFollowsState(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()

	res, err := p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live("", clock(8, 0))})
	require.NoError(t, err)
	assert.Equal(t, models.EventEntry, res.Accepted[0].Type)

	// дребезг считывателя: второй скан без направления через 30 секунд
	res, err = p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live("", clock(8, 0).Add(30*time.Second))})
	require.NoError(t, err)
	assert.Len(t, res.Duplicates, 1)

	res, err = p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live("", clock(15, 0))})
	require.NoError(t, err)
	assert.Equal(t, models.EventExit, res.Accepted[0].Type)
	assert.Equal(t, models.StatusAway, res.Record.Status)
	assert.Equal(t, 420, *res.Record.WorkMinutes)
}

func TestApply_VersionGrowsPerChange(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()

	for i, at := range []time.Time{clock(8, 0), clock(12, 0), clock(12, 30)} {
		typ := models.EventEntry
		if i == 1 {
			typ = models.EventExit
		}
		res, err := p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live(typ, at)})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), res.Record.Version)
	}
}

func TestClose_OpenDayThenResolve(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()

	_, err := p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live(models.EventEntry, clock(8, 0))})
	require.NoError(t, err)

	closed, err := p.Close(ctx, pupil, testKey.Date, clock(23, 59))
	require.NoError(t, err)
	assert.Equal(t, models.StatusDayClosed, closed.Record.Status)
	assert.True(t, closed.Record.Unresolved)
	assert.Nil(t, closed.Record.WorkMinutes)

	// повторное закрытие ничего не меняет
	again, err := p.Close(ctx, pupil, testKey.Date, clock(23, 59).Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, again.Changed)

	resolved, err := p.ResolveOpenDay(ctx, pupil, testKey.Date, clock(16, 0), "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDayClosed, resolved.Record.Status)
	assert.False(t, resolved.Record.Unresolved)
	assert.Equal(t, 480, *resolved.Record.WorkMinutes)
	assert.Equal(t, models.SourceAdmin, resolved.Accepted[0].Source)
}

func TestClose_EmptyDayMaterialisesAbsent(t *testing.T) {
	p, store, _ := newProcessor(t)
	ctx := context.Background()

	res, err := p.Close(ctx, pupil, testKey.Date, clock(23, 59))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, models.StatusAbsent, res.Record.Status)

	rec, err := store.GetRecord(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAbsent, rec.Status)
	assert.NotNil(t, rec.ClosedAt)
}

func TestResolveOpenDay_RequiresOpenPresence(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()

	_, err := p.ResolveOpenDay(ctx, pupil, testKey.Date, clock(16, 0), "admin-1")
	assert.ErrorIs(t, err, ErrNotOpen)

	_, err = p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{
		live(models.EventEntry, clock(8, 0)), live(models.EventExit, clock(16, 0)),
	})
	require.NoError(t, err)
	_, err = p.ResolveOpenDay(ctx, pupil, testKey.Date, clock(17, 0), "admin-1")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestObservers_RunAfterUnlock(t *testing.T) {
	p, _, pool := newProcessor(t)
	ctx := context.Background()

	obs := &recordingObserver{}
	obs.check = func(ch Change) {
		lctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		unlock, err := pool.Lock(lctx, ch.Record.Key().String())
		require.NoError(t, err, "observer called while key is still locked")
		unlock()
	}
	p.Subscribe(obs)

	_, err := p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live(models.EventEntry, clock(8, 0))})
	require.NoError(t, err)
	_, err = p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live(models.EventEntry, clock(8, 1))})
	require.NoError(t, err)

	require.Len(t, obs.changes, 1)
	assert.True(t, obs.changes[0].FirstEntry())
	assert.Nil(t, obs.changes[0].Previous)
}

func TestApply_ConcurrentWritersSameKey(t *testing.T) {
	p, store, pool := newProcessor(t)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := models.EventEntry
			if i%2 == 1 {
				typ = models.EventExit
			}
			ev := live(typ, clock(8, 0).Add(time.Duration(i)*5*time.Minute))
			ev.OperatorID = fmt.Sprintf("gate-%d", i)
			_, err := p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{ev})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := store.GetRecord(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, n, rec.EventCount)
	assert.Equal(t, int64(n), rec.Version)
	assert.Equal(t, 0, pool.Len())

	events, err := store.ListEvents(ctx, testKey)
	require.NoError(t, err)
	SortEvents(events)
	want := Derive(Input{Key: testKey, Kind: models.KindStudent, Events: events, Schedule: workday()})
	assert.Equal(t, want.Movements, rec.Movements)
	assert.Equal(t, want.WorkMinutes, rec.WorkMinutes)
}

func TestApply_OfflineReplayMatchesLive(t *testing.T) {
	yesterday := models.RecordKey{PersonID: pupil.ID(), Date: "2024-09-02"}
	scans := []models.ScanEvent{
		live(models.EventEntry, clock(7, 55)),
		live(models.EventExit, clock(12, 0)),
		live(models.EventEntry, clock(12, 20)),
	}

	liveP, _, _ := newProcessor(t)
	var liveRec models.DailyRecord
	for _, s := range scans {
		res, err := liveP.Apply(context.Background(), pupil, yesterday.Date, models.SourceLive, []models.ScanEvent{s})
		require.NoError(t, err)
		liveRec = res.Record
	}

	offP, _, _ := newProcessor(t)
	shuffled := []models.ScanEvent{scans[2], scans[0], scans[1]}
	for i := range shuffled {
		shuffled[i].ReceivedAt = clock(20, 0).Add(24 * time.Hour)
	}
	res, err := offP.Apply(context.Background(), pupil, yesterday.Date, models.SourceOffline, shuffled)
	require.NoError(t, err)

	normalize := func(r models.DailyRecord) models.DailyRecord {
		r.Version, r.UpdatedAt = 0, time.Time{}
		return r
	}
	assert.Equal(t, normalize(liveRec), normalize(res.Record))
	assert.Equal(t, models.StatusEntered, res.Record.Status)
}

func TestApply_BatchOrderDoesNotMatter(t *testing.T) {
	normalize := func(r models.DailyRecord) models.DailyRecord {
		r.UpdatedAt = time.Time{}
		return r
	}
	untyped := func(at time.Time) models.ScanEvent {
		return models.ScanEvent{ClientTimestamp: at, OperatorID: "gate-1", ReceivedAt: clock(20, 0)}
	}
	cases := []struct {
		name   string
		events []models.ScanEvent
	}{
		{"auto direction", []models.ScanEvent{untyped(clock(7, 55)), untyped(clock(12, 0)), untyped(clock(12, 20))}},
		{"chained within window", []models.ScanEvent{
			live(models.EventEntry, clock(8, 0)),
			live(models.EventEntry, clock(8, 0).Add(60*time.Second)),
			live(models.EventEntry, clock(8, 0).Add(120*time.Second)),
		}},
	}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var want models.DailyRecord
			for i, order := range orders {
				p, _, _ := newProcessor(t)
				batch := make([]models.ScanEvent, 0, len(order))
				for _, idx := range order {
					batch = append(batch, tc.events[idx])
				}
				res, err := p.Apply(context.Background(), pupil, testKey.Date, models.SourceOffline, batch)
				require.NoError(t, err)
				if i == 0 {
					want = normalize(res.Record)
					continue
				}
				assert.Equal(t, want, normalize(res.Record), "order %v", order)
			}
		})
	}
}

func TestResolveOpenDay_ExitMustFollowLastEntry(t *testing.T) {
	p, store, _ := newProcessor(t)
	ctx := context.Background()

	_, err := p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{
		live(models.EventEntry, clock(8, 0)),
		live(models.EventExit, clock(12, 0)),
		live(models.EventEntry, clock(12, 20)),
	})
	require.NoError(t, err)

	_, err = p.ResolveOpenDay(ctx, pupil, testKey.Date, clock(7, 0), "admin-1")
	assert.ErrorIs(t, err, ErrExitBeforeEntry)
	_, err = p.ResolveOpenDay(ctx, pupil, testKey.Date, clock(12, 10), "admin-1")
	assert.ErrorIs(t, err, ErrExitBeforeEntry)

	events, err := store.ListEvents(ctx, testKey)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	res, err := p.ResolveOpenDay(ctx, pupil, testKey.Date, clock(16, 0), "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAway, res.Record.Status)
	assert.Equal(t, 460, *res.Record.WorkMinutes)
}

type panickingSchedules struct{}

func (panickingSchedules) ScheduleFor(context.Context, roster.Person, string) (models.Schedule, error) {
	panic("schedule backend exploded")
}

func TestApply_PanicReleasesKey(t *testing.T) {
	pool := keylock.NewPool()
	p := NewProcessor(inmem.NewStore(), panickingSchedules{}, pool, 90*time.Second, zap.NewNop())

	assert.Panics(t, func() {
		_, _ = p.Apply(context.Background(), pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live(models.EventEntry, clock(8, 0))})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := pool.Lock(ctx, testKey.String())
	require.NoError(t, err)
	unlock()
	assert.Zero(t, pool.Len())
}

func TestRecord_WorkingDayWithoutScansIsAbsent(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()

	rec, err := p.Record(ctx, pupil, testKey.Date)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAbsent, rec.Status)
	assert.Equal(t, int64(0), rec.Version)
	assert.Nil(t, rec.FirstEntryAt)

	_, err = p.Apply(ctx, pupil, testKey.Date, models.SourceLive, []models.ScanEvent{live(models.EventEntry, clock(8, 0))})
	require.NoError(t, err)
	rec, err = p.Record(ctx, pupil, testKey.Date)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEntered, rec.Status)
	assert.Equal(t, int64(1), rec.Version)
}
