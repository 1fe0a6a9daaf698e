// Package inmem — хранилище в памяти с тем же контрактом, что и Postgres; для тестов и локального запуска.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Spok95/school-attendance/internal/models"
)

type Store struct {
	mu            sync.RWMutex
	events        map[models.RecordKey][]models.ScanEvent
	eventIDs      map[string]struct{}
	records       map[models.RecordKey]models.DailyRecord
	closures      map[models.RecordKey]time.Time
	notifications map[string]models.NotificationRecord
}

func NewStore() *Store {
	return &Store{
		events:        make(map[models.RecordKey][]models.ScanEvent),
		eventIDs:      make(map[string]struct{}),
		records:       make(map[models.RecordKey]models.DailyRecord),
		closures:      make(map[models.RecordKey]time.Time),
		notifications: make(map[string]models.NotificationRecord),
	}
}

func (s *Store) ListEvents(_ context.Context, key models.RecordKey) ([]models.ScanEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ScanEvent(nil), s.events[key]...), nil
}

func (s *Store) GetRecord(_ context.Context, key models.RecordKey) (*models.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := copyRecord(rec)
	return &out, nil
}

func (s *Store) GetClosure(_ context.Context, key models.RecordKey) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.closures[key]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// SaveDay — события с уже известным id пропускаются (как ON CONFLICT DO NOTHING).
func (s *Store) SaveDay(_ context.Context, events []models.ScanEvent, closedAt *time.Time, rec models.DailyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if _, ok := s.eventIDs[ev.ID]; ok {
			continue
		}
		s.eventIDs[ev.ID] = struct{}{}
		s.events[ev.Key()] = append(s.events[ev.Key()], ev)
	}
	if closedAt != nil {
		if _, ok := s.closures[rec.Key()]; !ok {
			s.closures[rec.Key()] = *closedAt
		}
	}
	if old, ok := s.records[rec.Key()]; ok && old.Notified {
		rec.Notified = true
	}
	s.records[rec.Key()] = copyRecord(rec)
	return nil
}

func (s *Store) ListRecords(_ context.Context, personID, from, to string) ([]models.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DailyRecord
	for k, r := range s.records {
		if k.PersonID == personID && k.Date >= from && k.Date <= to {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *Store) ListRecordsBetween(_ context.Context, from, to string) ([]models.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DailyRecord
	for k, r := range s.records {
		if k.Date >= from && k.Date <= to {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].PersonID < out[j].PersonID
	})
	return out, nil
}

// ListUnclosedKeys — ключи без закрытия с датой строго раньше before.
func (s *Store) ListUnclosedKeys(_ context.Context, before string, limit int) ([]models.RecordKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RecordKey
	for k := range s.records {
		if _, closed := s.closures[k]; closed || k.Date >= before {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkNotified(_ context.Context, key models.RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		rec.Notified = true
		s.records[key] = rec
	}
	return nil
}

func notificationID(recordKey, channel string) string { return recordKey + "#" + channel }

func (s *Store) GetNotification(_ context.Context, recordKey, channel string) (*models.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[notificationID(recordKey, channel)]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &n, nil
}

// UpsertNotification не откатывает завершённую нотификацию обратно в pending.
func (s *Store) UpsertNotification(_ context.Context, n models.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := notificationID(n.RecordKey, n.Channel)
	if old, ok := s.notifications[id]; ok && old.Done() {
		return nil
	}
	s.notifications[id] = n
	return nil
}

func (s *Store) ListPendingNotifications(_ context.Context, olderThan time.Time, limit int) ([]models.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.NotificationRecord
	for _, n := range s.notifications {
		if n.Status == models.NotificationPending && n.UpdatedAt.Before(olderThan) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func copyRecord(r models.DailyRecord) models.DailyRecord {
	r.Movements = append([]models.Movement{}, r.Movements...)
	r.Anomalies = append([]models.Anomaly{}, r.Anomalies...)
	return r
}
