package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/Spok95/school-attendance/internal/attendance"
	"github.com/Spok95/school-attendance/internal/models"
)

// Observer переводит изменения дневных записей в задачи Dispatcher.
type Observer struct {
	d     *Dispatcher
	loc   *time.Location
	today func() string
}

// NewObserver — today возвращает текущую учебную дату (с учётом границы суток).
func NewObserver(d *Dispatcher, loc *time.Location, today func() string) *Observer {
	if loc == nil {
		loc = time.UTC
	}
	return &Observer{d: d, loc: loc, today: today}
}

func (o *Observer) OnRecordChanged(_ context.Context, ch attendance.Change) {
	if !ch.FirstEntry() || ch.Record.Notified {
		return
	}
	// офлайн-досылка за прошлые дни не будит родителей
	if ch.Source == models.SourceOffline && ch.Record.Date != o.today() {
		return
	}
	targets := ch.Person.NotifyTargets()
	if len(targets) == 0 {
		return
	}
	o.d.Trigger(ch.Record.Key(), targets, ArrivalText(ch.Person.Name(), ch.Person.Kind(), ch.Record, o.loc))
}

// ArrivalText — текст уведомления о приходе.
func ArrivalText(name string, kind models.PersonKind, rec models.DailyRecord, loc *time.Location) string {
	at := "—"
	if rec.FirstEntryAt != nil {
		at = rec.FirstEntryAt.In(loc).Format("15:04")
	}
	var text string
	if kind == models.KindStaff {
		text = fmt.Sprintf("✅ Отметка прихода: %s, %s", name, at)
	} else {
		text = fmt.Sprintf("✅ %s пришёл(ла) в школу в %s", name, at)
	}
	if rec.LateMinutes > 0 {
		text += fmt.Sprintf(" (опоздание %d мин)", rec.LateMinutes)
	}
	return text
}
