package roster

import (
	"time"

	"github.com/Spok95/school-attendance/internal/models"
)

// Student — ученик: расписание задаёт класс, уведомления уходят родителям.
type Student struct {
	ExternalID string
	FullName   string
	ClassID    string
	IsActive   bool
	ClassShift Shift
	Guardians  []Target
}

func (s *Student) ID() string              { return PersonID(models.KindStudent, s.ExternalID) }
func (s *Student) Kind() models.PersonKind { return models.KindStudent }
func (s *Student) Name() string            { return s.FullName }
func (s *Student) Active() bool            { return s.IsActive }

func (s *Student) ExpectedSchedule(day time.Time) (Shift, bool) {
	return s.ClassShift, s.ClassShift.WorksOn(day.Weekday())
}

func (s *Student) NotifyTargets() []Target { return s.Guardians }

func (s *Student) Cohorts() []string {
	if s.ClassID == "" {
		return nil
	}
	return []string{ClassCohort(s.ClassID)}
}

// Staff — сотрудник: личный график, уведомление самому сотруднику.
type Staff struct {
	ExternalID string
	FullName   string
	Department string
	IsActive   bool
	Rota       Shift
	Contacts   []Target
}

func (s *Staff) ID() string              { return PersonID(models.KindStaff, s.ExternalID) }
func (s *Staff) Kind() models.PersonKind { return models.KindStaff }
func (s *Staff) Name() string            { return s.FullName }
func (s *Staff) Active() bool            { return s.IsActive }

func (s *Staff) ExpectedSchedule(day time.Time) (Shift, bool) {
	return s.Rota, s.Rota.WorksOn(day.Weekday())
}

func (s *Staff) NotifyTargets() []Target { return s.Contacts }

func (s *Staff) Cohorts() []string {
	if s.Department == "" {
		return nil
	}
	return []string{DepartmentCohort(s.Department)}
}
