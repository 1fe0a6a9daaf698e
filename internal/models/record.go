package models

import "time"

// Status — явное состояние присутствия за день.
type Status string

const (
	StatusAbsent    Status = "absent"
	StatusEntered   Status = "entered"
	StatusAway      Status = "away"
	StatusDayClosed Status = "day_closed"
)

type Movement struct {
	ExitAt   time.Time  `json:"exit_at"`
	ReturnAt *time.Time `json:"return_at,omitempty"`
}

// Open — выход есть, возвращения пока нет.
func (m Movement) Open() bool { return m.ReturnAt == nil }

func (m Movement) Duration() time.Duration {
	if m.ReturnAt == nil {
		return 0
	}
	return m.ReturnAt.Sub(m.ExitAt)
}

type AnomalyKind string

const (
	AnomalyRepeatedEntry    AnomalyKind = "repeated_entry"
	AnomalyRepeatedExit     AnomalyKind = "repeated_exit"
	AnomalyExitWithoutEntry AnomalyKind = "exit_without_entry"
)

type Anomaly struct {
	Kind    AnomalyKind `json:"kind"`
	EventID string      `json:"event_id"`
	At      time.Time   `json:"at"`
}

// DailyRecord — производная запись за (человек, дата); всегда пересчитывается из журнала событий.
type DailyRecord struct {
	PersonID              string     `db:"person_id" json:"person_id"`
	PersonKind            PersonKind `db:"person_kind" json:"person_kind"`
	Date                  string     `db:"attendance_date" json:"date"`
	Status                Status     `db:"status" json:"status"`
	Unresolved            bool       `db:"unresolved" json:"unresolved"`
	FirstEntryAt          *time.Time `db:"first_entry_at" json:"first_entry_time,omitempty"`
	LastExitAt            *time.Time `db:"last_exit_at" json:"last_exit_time,omitempty"`
	Movements             []Movement `db:"movements" json:"movements"`
	LateMinutes           int        `db:"late_minutes" json:"late_minutes"`
	EarlyDepartureMinutes int        `db:"early_departure_minutes" json:"early_departure_minutes"`
	WorkMinutes           *int       `db:"work_minutes" json:"work_minutes"`
	Anomalies             []Anomaly  `db:"anomalies" json:"anomalies"`
	EventCount            int        `db:"event_count" json:"event_count"`
	Version               int64      `db:"version" json:"version"`
	Notified              bool       `db:"notified" json:"notified"`
	ClosedAt              *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

func (r DailyRecord) Key() RecordKey {
	return RecordKey{PersonID: r.PersonID, Date: r.Date}
}

// Present — был хотя бы один вход.
func (r DailyRecord) Present() bool { return r.FirstEntryAt != nil }

// Schedule — ожидаемый график человека на конкретную дату.
type Schedule struct {
	ExpectedArrival   time.Time `json:"expected_arrival"`
	ExpectedDeparture time.Time `json:"expected_departure"`
	WorkingDay        bool      `json:"is_working_day"`
}
