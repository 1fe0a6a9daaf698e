package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/attendance"
	"github.com/Spok95/school-attendance/internal/db/inmem"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

func arrivalChange(source models.EventSource, date string, prevPresent bool) attendance.Change {
	entry := time.Date(2024, 9, 2, 8, 7, 0, 0, time.UTC)
	st := &roster.Student{ExternalID: "1", FullName: "Петров Пётр", IsActive: true, Guardians: []roster.Target{parent}}
	ch := attendance.Change{
		Person: st,
		Source: source,
		Record: models.DailyRecord{PersonID: st.ID(), Date: date, Status: models.StatusEntered, FirstEntryAt: &entry, LateMinutes: 7},
	}
	if prevPresent {
		ch.Previous = &models.DailyRecord{PersonID: st.ID(), Date: date, FirstEntryAt: &entry}
	}
	return ch
}

func TestObserver_TriggersOnFirstEntry(t *testing.T) {
	d := NewDispatcher(inmem.NewStore(), Config{}, zap.NewNop())
	o := NewObserver(d, time.UTC, func() string { return "2024-09-02" })

	o.OnRecordChanged(context.Background(), arrivalChange(models.SourceLive, "2024-09-02", false))
	o.OnRecordChanged(context.Background(), arrivalChange(models.SourceLive, "2024-09-02", true))

	assert.Len(t, d.queue, 1)
	j := d.jobs[d.queue[0]]
	assert.Equal(t, "✅ Петров Пётр пришёл(ла) в школу в 08:07 (опоздание 7 мин)", j.payload)
}

func TestObserver_OfflineOnlyForToday(t *testing.T) {
	d := NewDispatcher(inmem.NewStore(), Config{}, zap.NewNop())
	o := NewObserver(d, time.UTC, func() string { return "2024-09-03" })

	o.OnRecordChanged(context.Background(), arrivalChange(models.SourceOffline, "2024-09-02", false))
	assert.Empty(t, d.queue)

	o.OnRecordChanged(context.Background(), arrivalChange(models.SourceOffline, "2024-09-03", false))
	assert.Len(t, d.queue, 1)
}

func TestArrivalText_Staff(t *testing.T) {
	entry := time.Date(2024, 9, 2, 5, 0, 0, 0, time.UTC)
	msk := time.FixedZone("MSK", 3*3600)
	got := ArrivalText("Сидорова А.", models.KindStaff, models.DailyRecord{FirstEntryAt: &entry}, msk)
	assert.Equal(t, "✅ Отметка прихода: Сидорова А., 08:00", got)
}
