package models

import "time"

type NotificationStatus string

const (
	NotificationPending         NotificationStatus = "pending"
	NotificationSent            NotificationStatus = "sent"
	NotificationFailedPermanent NotificationStatus = "failed_permanent"
)

// NotificationRecord — одна логическая нотификация на (record_key, channel).
// Channel включает получателя, например "telegram:123456".
type NotificationRecord struct {
	RecordKey     string             `db:"record_key" json:"record_key"`
	Channel       string             `db:"channel" json:"channel"`
	AttemptCount  int                `db:"attempt_count" json:"attempt_count"`
	Status        NotificationStatus `db:"status" json:"status"`
	Payload       string             `db:"payload" json:"payload"`
	LastAttemptAt *time.Time         `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	LastError     string             `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt     time.Time          `db:"updated_at" json:"updated_at"`
}

func (n NotificationRecord) Done() bool {
	return n.Status == NotificationSent || n.Status == NotificationFailedPermanent
}
