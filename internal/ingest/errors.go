package ingest

import "fmt"

// ValidationError — скан отклонён: кривой payload, неизвестный человек, нет оператора и т.п.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ClosedPeriodError — дата вне активной четверти.
type ClosedPeriodError struct {
	Date string
}

func (e *ClosedPeriodError) Error() string {
	return fmt.Sprintf("attendance date %s is outside of an active term", e.Date)
}
