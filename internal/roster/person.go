// Package roster описывает людей, которых знает система посещаемости: учеников и сотрудников.
// Ядро только читает ростер; редактирование живёт во внешней админке.
package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Spok95/school-attendance/internal/models"
)

var (
	ErrNotFound = errors.New("person not found")
	ErrInactive = errors.New("person is inactive")
)

// Shift — ожидаемое время прихода/ухода относительно полуночи и рабочие дни недели.
type Shift struct {
	Arrival   time.Duration
	Departure time.Duration
	Weekdays  []time.Weekday
}

// DefaultShift — пятидневка 08:00–16:00.
func DefaultShift() Shift {
	return Shift{
		Arrival:   8 * time.Hour,
		Departure: 16 * time.Hour,
		Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

func (s Shift) WorksOn(day time.Weekday) bool {
	for _, d := range s.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// Target — адресат уведомления: канал и адрес внутри канала.
type Target struct {
	Channel string
	Address string
}

// ID — идентификатор логической нотификации вместе с получателем.
func (t Target) ID() string { return t.Channel + ":" + t.Address }

// Person — возможности человека, нужные ядру; без type switch по ученику/сотруднику.
type Person interface {
	ID() string
	Kind() models.PersonKind
	Name() string
	Active() bool
	// ExpectedSchedule возвращает смену на день и признак того, что человек по графику работает/учится.
	ExpectedSchedule(day time.Time) (Shift, bool)
	NotifyTargets() []Target
	Cohorts() []string
}

// Roster — внешний источник людей.
type Roster interface {
	ResolvePerson(ctx context.Context, kind models.PersonKind, externalID string) (Person, error)
	// Lookup разрешает person_id вида "student:42".
	Lookup(ctx context.Context, personID string) (Person, error)
	ListActive(ctx context.Context) ([]Person, error)
	CohortMembers(ctx context.Context, cohort string) ([]Person, error)
}

// PersonID — внутренний идентификатор, уникальный между учениками и сотрудниками.
func PersonID(kind models.PersonKind, externalID string) string {
	return string(kind) + ":" + externalID
}

// SplitPersonID — обратная операция к PersonID.
func SplitPersonID(personID string) (models.PersonKind, string, error) {
	kind, id, ok := strings.Cut(personID, ":")
	if !ok || id == "" || !models.PersonKind(kind).Valid() {
		return "", "", fmt.Errorf("bad person id %q", personID)
	}
	return models.PersonKind(kind), id, nil
}

func ClassCohort(classID string) string { return "class:" + classID }
func DepartmentCohort(dept string) string { return "department:" + dept }
