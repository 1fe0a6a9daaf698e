package models

import "time"

type PersonKind string

const (
	KindStudent PersonKind = "student"
	KindStaff   PersonKind = "staff"
)

func (k PersonKind) Valid() bool {
	switch k {
	case KindStudent, KindStaff:
		return true
	default:
		return false
	}
}

type EventType string

const (
	EventEntry EventType = "entry"
	EventExit  EventType = "exit"
)

func (t EventType) Valid() bool {
	switch t {
	case EventEntry, EventExit:
		return true
	default:
		return false
	}
}

// EventSource — откуда пришло событие: живой скан, офлайн-синхронизация или ручное закрытие.
type EventSource string

const (
	SourceLive    EventSource = "live"
	SourceOffline EventSource = "offline"
	SourceAdmin   EventSource = "admin"
)

// ScanEvent — неизменяемый факт считывания пропуска/QR.
type ScanEvent struct {
	ID              string      `db:"id" json:"id"`
	PersonID        string      `db:"person_id" json:"person_id"`
	PersonKind      PersonKind  `db:"person_kind" json:"person_kind"`
	Type            EventType   `db:"event_type" json:"event_type"`
	ClientTimestamp time.Time   `db:"client_ts" json:"client_timestamp"`
	OperatorID      string      `db:"operator_id" json:"scanner_operator_id"`
	ReceivedAt      time.Time   `db:"received_at" json:"received_at"`
	Date            string      `db:"attendance_date" json:"attendance_date"`
	Source          EventSource `db:"source" json:"source"`
}

func (e ScanEvent) Key() RecordKey {
	return RecordKey{PersonID: e.PersonID, Date: e.Date}
}
