package attendance

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Spok95/school-attendance/internal/models"
)

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("school-attendance/scan-event"))

// EventID — контентный идентификатор: одинаковый скан, присланный повторно, даёт тот же id.
func EventID(ev models.ScanEvent) string {
	parts := []string{
		string(ev.PersonKind),
		ev.PersonID,
		string(ev.Type),
		ev.ClientTimestamp.UTC().Format(time.RFC3339Nano),
		ev.OperatorID,
	}
	return uuid.NewSHA1(eventNamespace, []byte(strings.Join(parts, "|"))).String()
}

func compareEvents(a, b models.ScanEvent) int {
	if c := a.ClientTimestamp.Compare(b.ClientTimestamp); c != 0 {
		return c
	}
	if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.OperatorID, b.OperatorID); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortEvents — полный порядок: client_ts, received_at, operator, id.
func SortEvents(events []models.ScanEvent) {
	slices.SortStableFunc(events, compareEvents)
}

// Tie — пара соседних событий с одинаковым временем и оператором; порядок решает только id.
type Tie struct {
	First, Second models.ScanEvent
}

// Ties ищет неоднозначности в уже отсортированном журнале.
func Ties(sorted []models.ScanEvent) []Tie {
	var out []Tie
	for i := 1; i < len(sorted); i++ {
		a, b := sorted[i-1], sorted[i]
		if a.ClientTimestamp.Equal(b.ClientTimestamp) && a.OperatorID == b.OperatorID {
			out = append(out, Tie{First: a, Second: b})
		}
	}
	return out
}

// FindDuplicate ищет в журнале событие, которое делает ev повтором. anyType — для сканов без направления.
func FindDuplicate(log []models.ScanEvent, ev models.ScanEvent, window time.Duration, anyType bool) (models.ScanEvent, bool) {
	for _, e := range log {
		if ev.ID != "" && e.ID == ev.ID {
			return e, true
		}
		if !anyType && e.Type != ev.Type {
			continue
		}
		d := e.ClientTimestamp.Sub(ev.ClientTimestamp)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return e, true
		}
	}
	return models.ScanEvent{}, false
}
