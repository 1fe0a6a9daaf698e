// Package attendance — конечный автомат дня и его сериализованное применение по ключу.
package attendance

import (
	"time"

	"github.com/Spok95/school-attendance/internal/models"
)

// maxWorkMinutes — верхняя граница рабочего времени за сутки.
const maxWorkMinutes = 24 * 60

// Input — всё, от чего зависит дневная запись.
type Input struct {
	Key      models.RecordKey
	Kind     models.PersonKind
	Events   []models.ScanEvent
	Schedule models.Schedule
	ClosedAt *time.Time
}

// step — один переход автомата; anomaly=true означает «событие принято, состояние не изменилось».
func step(state models.Status, t models.EventType) (models.Status, models.AnomalyKind, bool) {
	switch t {
	case models.EventEntry:
		switch state {
		case models.StatusAbsent, models.StatusAway:
			return models.StatusEntered, "", false
		default:
			return state, models.AnomalyRepeatedEntry, true
		}
	case models.EventExit:
		switch state {
		case models.StatusEntered:
			return models.StatusAway, "", false
		case models.StatusAway:
			return state, models.AnomalyRepeatedExit, true
		default:
			return state, models.AnomalyExitWithoutEntry, true
		}
	}
	return state, "", false
}

// StateAt — состояние после всех событий не позже at (для сканов без направления).
func StateAt(events []models.ScanEvent, at time.Time) models.Status {
	sorted := append([]models.ScanEvent(nil), events...)
	SortEvents(sorted)
	state := models.StatusAbsent
	for _, ev := range sorted {
		if ev.ClientTimestamp.After(at) {
			break
		}
		state, _, _ = step(state, ev.Type)
	}
	return state
}

// NextType — куда ведёт скан без направления из текущего состояния.
func NextType(state models.Status) models.EventType {
	if state == models.StatusEntered {
		return models.EventExit
	}
	return models.EventEntry
}

// Derive — чистая и тотальная функция «журнал ключа → дневная запись». Version/Notified/UpdatedAt
// выставляет вызывающий.
func Derive(in Input) models.DailyRecord {
	events := append([]models.ScanEvent(nil), in.Events...)
	SortEvents(events)

	rec := models.DailyRecord{
		PersonID:   in.Key.PersonID,
		PersonKind: in.Kind,
		Date:       in.Key.Date,
		Status:     models.StatusAbsent,
		Movements:  []models.Movement{},
		Anomalies:  []models.Anomaly{},
	}

	state := models.StatusAbsent
	for _, ev := range events {
		rec.EventCount++
		at := ev.ClientTimestamp

		next, kind, anomaly := step(state, ev.Type)
		if anomaly {
			rec.Anomalies = append(rec.Anomalies, models.Anomaly{Kind: kind, EventID: ev.ID, At: at})
			continue
		}
		switch {
		case state == models.StatusAbsent:
			rec.FirstEntryAt = &at
		case state == models.StatusAway:
			rec.Movements[len(rec.Movements)-1].ReturnAt = &at
		case next == models.StatusAway:
			rec.Movements = append(rec.Movements, models.Movement{ExitAt: at})
		}
		state = next
	}

	sch := in.Schedule
	if rec.FirstEntryAt != nil && sch.WorkingDay {
		rec.LateMinutes = positiveMinutes(rec.FirstEntryAt.Sub(sch.ExpectedArrival))
	}

	// последний выход без возврата — считаем уход сразу, не дожидаясь закрытия дня
	if state == models.StatusAway {
		exit := rec.Movements[len(rec.Movements)-1].ExitAt
		rec.LastExitAt = &exit
		if sch.WorkingDay {
			rec.EarlyDepartureMinutes = positiveMinutes(sch.ExpectedDeparture.Sub(exit))
		}
		var away time.Duration
		for _, m := range rec.Movements {
			away += m.Duration()
		}
		work := clampWork(exit.Sub(*rec.FirstEntryAt) - away)
		rec.WorkMinutes = &work
	}

	if in.ClosedAt != nil {
		closed := *in.ClosedAt
		rec.ClosedAt = &closed
		switch state {
		case models.StatusAway:
			state = models.StatusDayClosed
		case models.StatusEntered:
			// выхода не было: не угадываем, work_minutes остаётся пустым
			state = models.StatusDayClosed
			rec.Unresolved = true
		}
	}
	rec.Status = state
	return rec
}

func positiveMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

func clampWork(d time.Duration) int {
	m := int(d / time.Minute)
	if m < 0 {
		return 0
	}
	if m > maxWorkMinutes {
		return maxWorkMinutes
	}
	return m
}
