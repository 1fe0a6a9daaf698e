package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/db/inmem"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
	"github.com/Spok95/school-attendance/internal/schedule"
)

type fixture struct {
	store  *inmem.Store
	roster *inmem.Roster
	agg    *Aggregator
}

func newFixture(t *testing.T, people ...roster.Person) *fixture {
	t.Helper()
	r := inmem.NewRoster(people...)
	cal := inmem.OpenCalendar(
		time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 27, 0, 0, 0, 0, time.UTC),
	)
	store := inmem.NewStore()
	sch := schedule.NewProvider(r, cal, time.UTC)
	return &fixture{store: store, roster: r, agg: New(r, sch, store, 2, zap.NewNop())}
}

func student(id, class string) *roster.Student {
	return &roster.Student{ExternalID: id, FullName: id, ClassID: class, IsActive: true, ClassShift: roster.DefaultShift()}
}

func intp(v int) *int { return &v }

func at(date string, h, m int) *time.Time {
	d, _ := models.ParseDate(date, time.UTC)
	t := d.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
	return &t
}

func (f *fixture) save(t *testing.T, rec models.DailyRecord) models.DailyRecord {
	t.Helper()
	if rec.Status == "" {
		rec.Status = models.StatusAway
		if rec.FirstEntryAt == nil {
			rec.Status = models.StatusAbsent
		}
	}
	require.NoError(t, f.store.SaveDay(context.Background(), nil, nil, rec))
	return rec
}

func TestPersonStats_Week(t *testing.T) {
	s := student("1", "5A")
	f := newFixture(t, s)
	pid := s.ID()

	// понедельник–пятница 2–6 сентября 2024, среда пропущена
	f.save(t, models.DailyRecord{PersonID: pid, Date: "2024-09-02", FirstEntryAt: at("2024-09-02", 8, 5), LateMinutes: 5, WorkMinutes: intp(420), Version: 1})
	f.save(t, models.DailyRecord{PersonID: pid, Date: "2024-09-03", FirstEntryAt: at("2024-09-03", 7, 55), WorkMinutes: intp(480), Version: 1})
	f.save(t, models.DailyRecord{PersonID: pid, Date: "2024-09-05", FirstEntryAt: at("2024-09-05", 8, 0), EarlyDepartureMinutes: 30, WorkMinutes: intp(450), Version: 1})
	f.save(t, models.DailyRecord{PersonID: pid, Date: "2024-09-06", FirstEntryAt: at("2024-09-06", 7, 50), Status: models.StatusDayClosed, Unresolved: true, Version: 1})
	// суббота не учитывается
	f.save(t, models.DailyRecord{PersonID: pid, Date: "2024-09-07", FirstEntryAt: at("2024-09-07", 10, 0), LateMinutes: 0, WorkMinutes: intp(60), Version: 1})

	got, err := f.agg.PersonStats(context.Background(), pid, "2024-09-02", "2024-09-08")
	require.NoError(t, err)
	assert.Equal(t, 5, got.WorkingDays)
	assert.Equal(t, 4, got.PresentDays)
	assert.Equal(t, 1, got.AbsentDays)
	assert.Equal(t, 1, got.LateDays)
	assert.Equal(t, 2, got.PunctualDays)
	assert.Equal(t, 3, got.WorkedDays)
	assert.Equal(t, 80.0, got.AttendanceRate)
	assert.Equal(t, 50.0, got.PunctualityRate)
	assert.Equal(t, 450.0, got.AvgWorkMinutes)
}

func TestPersonStats_RoundsToHundredths(t *testing.T) {
	s := student("1", "5A")
	f := newFixture(t, s)
	pid := s.ID()

	f.save(t, models.DailyRecord{PersonID: pid, Date: "2024-09-02", FirstEntryAt: at("2024-09-02", 8, 0), WorkMinutes: intp(100), Version: 1})
	f.save(t, models.DailyRecord{PersonID: pid, Date: "2024-09-03", FirstEntryAt: at("2024-09-03", 8, 0), WorkMinutes: intp(101), Version: 1})

	got, err := f.agg.PersonStats(context.Background(), pid, "2024-09-02", "2024-09-04")
	require.NoError(t, err)
	assert.Equal(t, 66.67, got.AttendanceRate)
	assert.Equal(t, 100.0, got.PunctualityRate)
	assert.Equal(t, 100.5, got.AvgWorkMinutes)
}

func TestPersonStats_NoWorkingDays(t *testing.T) {
	s := student("1", "5A")
	f := newFixture(t, s)

	got, err := f.agg.PersonStats(context.Background(), s.ID(), "2024-09-07", "2024-09-08")
	require.NoError(t, err)
	assert.Equal(t, 0, got.WorkingDays)
	assert.Zero(t, got.AttendanceRate)
	assert.Zero(t, got.PunctualityRate)
	assert.Zero(t, got.AvgWorkMinutes)
}

func TestPersonStats_BadRange(t *testing.T) {
	s := student("1", "5A")
	f := newFixture(t, s)

	_, err := f.agg.PersonStats(context.Background(), s.ID(), "2024-09-08", "2024-09-01")
	assert.ErrorIs(t, err, ErrBadRange)

	_, err = f.agg.PersonStats(context.Background(), s.ID(), "2023-01-01", "2024-12-01")
	assert.ErrorIs(t, err, ErrBadRange)
}

func TestCohortStats_IncrementalMatchesRebuild(t *testing.T) {
	a, b, other := student("1", "5A"), student("2", "5A"), student("3", "6B")
	f := newFixture(t, a, b, other)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.agg.Run(ctx)

	submit := func(p roster.Person, rec models.DailyRecord) {
		f.agg.Submit(p, f.save(t, rec))
	}

	submit(a, models.DailyRecord{PersonID: a.ID(), Date: "2024-09-02", FirstEntryAt: at("2024-09-02", 8, 10), LateMinutes: 10, WorkMinutes: intp(400), Version: 1})
	submit(a, models.DailyRecord{PersonID: a.ID(), Date: "2024-09-03", FirstEntryAt: at("2024-09-03", 7, 59), Status: models.StatusEntered, Version: 1})
	submit(b, models.DailyRecord{PersonID: b.ID(), Date: "2024-09-02", Version: 1})
	submit(b, models.DailyRecord{PersonID: b.ID(), Date: "2024-09-03", FirstEntryAt: at("2024-09-03", 8, 0), WorkMinutes: intp(480), Version: 1})
	submit(other, models.DailyRecord{PersonID: other.ID(), Date: "2024-09-02", FirstEntryAt: at("2024-09-02", 8, 0), WorkMinutes: intp(480), Version: 1})
	// день a закрылся позже: версия 2 заменяет вклад версии 1
	submit(a, models.DailyRecord{PersonID: a.ID(), Date: "2024-09-03", FirstEntryAt: at("2024-09-03", 7, 59), WorkMinutes: intp(470), Version: 2})

	require.NoError(t, f.agg.Drain(ctx))

	inc, err := f.agg.CohortStats(ctx, roster.ClassCohort("5A"), "2024-09-02", "2024-09-06")
	require.NoError(t, err)
	full, err := f.agg.RebuildCohortStats(ctx, roster.ClassCohort("5A"), "2024-09-02", "2024-09-06")
	require.NoError(t, err)

	assert.Equal(t, full, inc)
	assert.Equal(t, 10, inc.WorkingDays)
	assert.Equal(t, 3, inc.PresentDays)
	assert.Equal(t, 7, inc.AbsentDays)
	assert.Equal(t, 1, inc.LateDays)
	assert.Equal(t, 3, inc.WorkedDays)
	assert.Equal(t, 1350, inc.TotalWork)
}

func TestAggregator_DiscardsStaleVersion(t *testing.T) {
	a := student("1", "5A")
	f := newFixture(t, a)
	ctx := context.Background()

	fresh := models.DailyRecord{PersonID: a.ID(), Date: "2024-09-02", FirstEntryAt: at("2024-09-02", 8, 0), WorkMinutes: intp(480), Version: 3}
	stale := models.DailyRecord{PersonID: a.ID(), Date: "2024-09-02", Version: 2}

	require.NoError(t, f.agg.apply(ctx, a, fresh))
	require.NoError(t, f.agg.apply(ctx, a, stale))

	got, err := f.agg.CohortStats(ctx, roster.ClassCohort("5A"), "2024-09-02", "2024-09-02")
	require.NoError(t, err)
	assert.Equal(t, 1, got.PresentDays)
	assert.Equal(t, 480, got.TotalWork)
}

func TestAggregator_SubmitCoalescesPerKey(t *testing.T) {
	a := student("1", "5A")
	f := newFixture(t, a)

	for v := int64(1); v <= 5; v++ {
		f.agg.Submit(a, models.DailyRecord{PersonID: a.ID(), Date: "2024-09-02", Version: v})
	}
	f.agg.qmu.Lock()
	defer f.agg.qmu.Unlock()
	require.Len(t, f.agg.order, 1)
	assert.Equal(t, int64(5), f.agg.pending[models.RecordKey{PersonID: a.ID(), Date: "2024-09-02"}].rec.Version)
}

func TestAggregator_WarmRebuildsIndex(t *testing.T) {
	a, b := student("1", "5A"), student("2", "5A")
	f := newFixture(t, a, b)
	ctx := context.Background()

	f.save(t, models.DailyRecord{PersonID: a.ID(), Date: "2024-09-02", FirstEntryAt: at("2024-09-02", 8, 0), WorkMinutes: intp(480), Version: 1})
	f.save(t, models.DailyRecord{PersonID: b.ID(), Date: "2024-09-02", FirstEntryAt: at("2024-09-02", 8, 30), LateMinutes: 30, Version: 1})
	f.save(t, models.DailyRecord{PersonID: "student:gone", Date: "2024-09-02", Version: 1})

	require.NoError(t, f.agg.Warm(ctx, "2024-09-01", "2024-09-30"))

	got, err := f.agg.CohortStats(ctx, roster.ClassCohort("5A"), "2024-09-02", "2024-09-02")
	require.NoError(t, err)
	assert.Equal(t, 2, got.WorkingDays)
	assert.Equal(t, 2, got.PresentDays)
	assert.Equal(t, 1, got.LateDays)
	assert.Equal(t, 50.0, got.PunctualityRate)
}

func TestAggregator_RegroupAfterClassChange(t *testing.T) {
	moved, stays := student("1", "5A"), student("2", "5B")
	f := newFixture(t, moved, stays)
	ctx := context.Background()

	require.NoError(t, f.agg.apply(ctx, moved, f.save(t, models.DailyRecord{PersonID: moved.ID(), Date: "2024-09-02", FirstEntryAt: at("2024-09-02", 8, 0), WorkMinutes: intp(480), Version: 1})))
	require.NoError(t, f.agg.apply(ctx, moved, f.save(t, models.DailyRecord{PersonID: moved.ID(), Date: "2024-09-03", FirstEntryAt: at("2024-09-03", 8, 0), WorkMinutes: intp(480), Version: 1})))

	// перевод в 5Б
	transferred := student("1", "5B")
	f.roster.Add(transferred)
	f.agg.Regroup(transferred)

	for _, cohort := range []string{roster.ClassCohort("5A"), roster.ClassCohort("5B")} {
		inc, err := f.agg.CohortStats(ctx, cohort, "2024-09-02", "2024-09-06")
		require.NoError(t, err)
		full, err := f.agg.RebuildCohortStats(ctx, cohort, "2024-09-02", "2024-09-06")
		require.NoError(t, err)
		assert.Equal(t, full, inc, cohort)
		assert.LessOrEqual(t, inc.PresentDays, inc.WorkingDays, cohort)
	}
	got, err := f.agg.CohortStats(ctx, roster.ClassCohort("5B"), "2024-09-02", "2024-09-06")
	require.NoError(t, err)
	assert.Equal(t, 10, got.WorkingDays)
	assert.Equal(t, 2, got.PresentDays)
}

func TestAggregator_NewRecordMovesOldDays(t *testing.T) {
	s := student("1", "5A")
	f := newFixture(t, s)
	ctx := context.Background()

	require.NoError(t, f.agg.apply(ctx, s, f.save(t, models.DailyRecord{PersonID: s.ID(), Date: "2024-09-02", FirstEntryAt: at("2024-09-02", 8, 0), Version: 1})))

	transferred := student("1", "6B")
	f.roster.Add(transferred)
	require.NoError(t, f.agg.apply(ctx, transferred, f.save(t, models.DailyRecord{PersonID: s.ID(), Date: "2024-09-03", FirstEntryAt: at("2024-09-03", 8, 0), Version: 1})))

	old, err := f.agg.CohortStats(ctx, roster.ClassCohort("5A"), "2024-09-02", "2024-09-03")
	require.NoError(t, err)
	assert.Zero(t, old.PresentDays)
	assert.Zero(t, old.WorkingDays)

	cur, err := f.agg.CohortStats(ctx, roster.ClassCohort("6B"), "2024-09-02", "2024-09-03")
	require.NoError(t, err)
	assert.Equal(t, 2, cur.PresentDays)
	assert.Equal(t, 2, cur.WorkingDays)
}
