// Package ingest — приём живых сканов: разбор QR, проверка, вычисление учебной даты.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/attendance"
	"github.com/Spok95/school-attendance/internal/ctxutil"
	"github.com/Spok95/school-attendance/internal/metrics"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

var payloadRe = regexp.MustCompile(`^(STUDENT_ID_|STAFF_)([A-Za-z0-9-]{1,64})$`)

// ParsePayload — "STUDENT_ID_<id>" или "STAFF_<id>".
func ParsePayload(payload string) (models.PersonKind, string, error) {
	m := payloadRe.FindStringSubmatch(strings.TrimSpace(payload))
	if m == nil {
		return "", "", invalid("qr_payload", "unrecognised format")
	}
	if m[1] == "STAFF_" {
		return models.KindStaff, m[2], nil
	}
	return models.KindStudent, m[2], nil
}

// AttendanceDate — локальная дата события; всё до cutoff относится к предыдущему дню.
func AttendanceDate(ts time.Time, loc *time.Location, cutoff time.Duration) string {
	local := ts.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if local.Sub(midnight) < cutoff {
		midnight = midnight.AddDate(0, 0, -1)
	}
	return models.FormatDate(midnight)
}

// Scan — входящий скан. Пустой Direction означает «определить по состоянию».
type Scan struct {
	Payload         string           `json:"qr_payload"`
	Direction       models.EventType `json:"event_type,omitempty"`
	OperatorID      string           `json:"scanner_operator_id"`
	ClientTimestamp time.Time        `json:"client_timestamp"`
}

type ScanResult struct {
	Outcome Outcome            `json:"outcome"`
	Event   *models.ScanEvent  `json:"event,omitempty"`
	Record  models.DailyRecord `json:"record"`
}

// Terms — активная четверть на дату (nil, если её нет).
type Terms interface {
	ActiveTerm(ctx context.Context, date string) (*models.Term, error)
}

type Config struct {
	Location     *time.Location
	DayCutoff    time.Duration
	MaxClockSkew time.Duration
}

type Gateway struct {
	roster roster.Roster
	terms  Terms
	proc   *attendance.Processor
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func NewGateway(r roster.Roster, terms Terms, proc *attendance.Processor, cfg Config, log *zap.Logger) *Gateway {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{roster: r, terms: terms, proc: proc, cfg: cfg, log: log, now: time.Now}
}

func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// Today — текущая учебная дата.
func (g *Gateway) Today() string {
	return AttendanceDate(g.now(), g.cfg.Location, g.cfg.DayCutoff)
}

// Prepared — скан, прошедший проверку: человек, учебная дата и событие без id.
type Prepared struct {
	Person roster.Person
	Date   string
	Event  models.ScanEvent
}

// Prepare проверяет скан и вычисляет учебную дату. Общая часть живого и офлайн-приёма.
func (g *Gateway) Prepare(ctx context.Context, scan Scan) (Prepared, error) {
	const op = "ingest.Prepare"

	kind, externalID, err := ParsePayload(scan.Payload)
	if err != nil {
		return Prepared{}, err
	}
	operator := strings.TrimSpace(scan.OperatorID)
	if operator == "" {
		return Prepared{}, invalid("scanner_operator_id", "required")
	}
	if scan.Direction != "" && !scan.Direction.Valid() {
		return Prepared{}, invalid("event_type", fmt.Sprintf("unknown direction %q", scan.Direction))
	}
	if scan.ClientTimestamp.IsZero() {
		return Prepared{}, invalid("client_timestamp", "required")
	}
	now := g.now()
	if g.cfg.MaxClockSkew > 0 && scan.ClientTimestamp.After(now.Add(g.cfg.MaxClockSkew)) {
		return Prepared{}, invalid("client_timestamp", "in the future")
	}

	person, err := g.roster.ResolvePerson(ctx, kind, externalID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			return Prepared{}, invalid("qr_payload", "unknown person")
		}
		return Prepared{}, fmt.Errorf("%s: %w", op, err)
	}
	if !person.Active() {
		return Prepared{}, invalid("qr_payload", "person is inactive")
	}

	date := AttendanceDate(scan.ClientTimestamp, g.cfg.Location, g.cfg.DayCutoff)
	term, err := g.terms.ActiveTerm(ctx, date)
	if err != nil {
		return Prepared{}, fmt.Errorf("%s: %w", op, err)
	}
	if term == nil {
		return Prepared{}, &ClosedPeriodError{Date: date}
	}

	return Prepared{
		Person: person,
		Date:   date,
		Event: models.ScanEvent{
			Type:            scan.Direction,
			ClientTimestamp: scan.ClientTimestamp.UTC(),
			OperatorID:      operator,
			ReceivedAt:      now.UTC(),
		},
	}, nil
}

// RecordScan — приём одного живого скана. Возвращается после сохранения записи.
func (g *Gateway) RecordScan(ctx context.Context, scan Scan) (ScanResult, error) {
	ctx = ctxutil.WithOp(ctxutil.WithOperatorID(ctx, scan.OperatorID), "record_scan")

	p, err := g.Prepare(ctx, scan)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(string(models.SourceLive), string(OutcomeRejected)).Inc()
		g.log.Info("scan rejected",
			zap.String("operator", scan.OperatorID),
			zap.Time("client_ts", scan.ClientTimestamp),
			zap.Error(err),
		)
		return ScanResult{Outcome: OutcomeRejected}, err
	}

	res, err := g.proc.Apply(ctx, p.Person, p.Date, models.SourceLive, []models.ScanEvent{p.Event})
	if err != nil {
		return ScanResult{}, fmt.Errorf("ingest.RecordScan: %w", err)
	}

	out := ScanResult{Outcome: OutcomeCreated, Record: res.Record}
	switch {
	case len(res.Accepted) > 0:
		ev := res.Accepted[0]
		out.Event = &ev
	case len(res.Duplicates) > 0:
		ev := res.Duplicates[0]
		out.Outcome, out.Event = OutcomeDuplicate, &ev
	}
	metrics.ScansTotal.WithLabelValues(string(models.SourceLive), string(out.Outcome)).Inc()
	g.log.Debug("scan recorded",
		zap.String("person_id", p.Person.ID()),
		zap.String("date", p.Date),
		zap.String("outcome", string(out.Outcome)),
		zap.String("status", string(res.Record.Status)),
	)
	return out, nil
}

// ResolveOpenDay — ручное закрытие дня администратором. Выход должен лежать внутри учебного дня
// [date+cutoff, date+1+cutoff) и позже последнего входа.
func (g *Gateway) ResolveOpenDay(ctx context.Context, person roster.Person, date string, exitAt time.Time, operatorID string) (attendance.Result, error) {
	if exitAt.IsZero() {
		return attendance.Result{}, invalid("exit_time", "required")
	}
	day, err := models.ParseDate(date, g.cfg.Location)
	if err != nil {
		return attendance.Result{}, invalid("date", "expected YYYY-MM-DD")
	}
	start := day.Add(g.cfg.DayCutoff)
	end := day.AddDate(0, 0, 1).Add(g.cfg.DayCutoff)
	if exitAt.Before(start) || !exitAt.Before(end) {
		return attendance.Result{}, invalid("exit_time", fmt.Sprintf("must fall within attendance day %s", date))
	}

	res, err := g.proc.ResolveOpenDay(ctx, person, date, exitAt.UTC(), operatorID)
	if errors.Is(err, attendance.ErrExitBeforeEntry) {
		return attendance.Result{}, invalid("exit_time", "must be after the last entry")
	}
	return res, err
}
