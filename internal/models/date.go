package models

import (
	"fmt"
	"time"
)

// DateLayout — формат даты посещаемости (календарный день школы).
const DateLayout = "2006-01-02"

// RecordKey — ключ дневной записи (person_id, attendance_date).
type RecordKey struct {
	PersonID string `json:"person_id"`
	Date     string `json:"date"`
}

func (k RecordKey) String() string { return k.PersonID + "/" + k.Date }

// ParseDate разбирает дату посещаемости как полночь в часовом поясе школы.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q: %w", s, err)
	}
	return d, nil
}

func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// DatesBetween — все даты отрезка [from, to] включительно.
func DatesBetween(from, to string) ([]string, error) {
	f, err := ParseDate(from, time.UTC)
	if err != nil {
		return nil, err
	}
	t, err := ParseDate(to, time.UTC)
	if err != nil {
		return nil, err
	}
	if t.Before(f) {
		return nil, fmt.Errorf("range end %s is before start %s", to, from)
	}
	out := make([]string, 0, int(t.Sub(f).Hours()/24)+1)
	for d := f; !d.After(t); d = d.AddDate(0, 0, 1) {
		out = append(out, FormatDate(d))
	}
	return out, nil
}
