// Package httpapi — JSON API для терминалов на входе и для административных клиентов.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/attendance"
	"github.com/Spok95/school-attendance/internal/ingest"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/reconcile"
	"github.com/Spok95/school-attendance/internal/roster"
)

type ScanRecorder interface {
	RecordScan(ctx context.Context, scan ingest.Scan) (ingest.ScanResult, error)
}

type BatchSubmitter interface {
	SubmitOfflineBatch(ctx context.Context, items []ingest.Scan) (reconcile.BatchResult, error)
}

// RecordReader — запись дня; рабочий день без сканов приходит как absent.
type RecordReader interface {
	Record(ctx context.Context, person roster.Person, date string) (models.DailyRecord, error)
}

type DayResolver interface {
	ResolveOpenDay(ctx context.Context, person roster.Person, date string, exitAt time.Time, operatorID string) (attendance.Result, error)
}

type StatsReader interface {
	PersonStats(ctx context.Context, personID, from, to string) (models.RangeStatistics, error)
	CohortStats(ctx context.Context, cohort, from, to string) (models.RangeStatistics, error)
}

// Deps — всё, что нужно обработчикам.
type Deps struct {
	Scans    ScanRecorder
	Batches  BatchSubmitter
	Records  RecordReader
	Resolver DayResolver
	Roster   roster.Roster
	Stats    StatsReader
	Log      *zap.Logger
}

type API struct {
	d   Deps
	log *zap.Logger
}

// NewRouter собирает маршруты /api/v1. Служебные /healthz и /metrics вешает app.
func NewRouter(d Deps) chi.Router {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	a := &API{d: d, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLog(log))
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scans", a.recordScan)
		r.Post("/scans/offline", a.submitOffline)
		r.Get("/records/{personID}/{date}", a.getRecord)
		r.Post("/records/{personID}/{date}/resolve", a.resolveDay)
		r.Get("/stats/persons/{personID}", a.personStats)
		r.Get("/stats/cohorts/{cohortID}", a.cohortStats)
	})
	return r
}

func (a *API) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	a.log.Debug("bad request body", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, r, http.StatusBadRequest, ErrorBody{Code: CodeBadRequest, Message: "failed to decode request"})
}

func (a *API) recordScan(w http.ResponseWriter, r *http.Request) {
	var scan ingest.Scan
	if err := render.DecodeJSON(r.Body, &scan); err != nil {
		a.badRequest(w, r, err)
		return
	}
	res, err := a.d.Scans.RecordScan(r.Context(), scan)
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == ingest.OutcomeDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, r, status, res)
}

type offlineRequest struct {
	Events []ingest.Scan `json:"events"`
}

func (a *API) submitOffline(w http.ResponseWriter, r *http.Request) {
	var req offlineRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	res, err := a.d.Batches.SubmitOfflineBatch(r.Context(), req.Events)
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// pathKey — ключ дня из URL; кривой person_id или дата дают 422.
func pathKey(r *http.Request) (models.RecordKey, error) {
	personID := chi.URLParam(r, "personID")
	if _, _, err := roster.SplitPersonID(personID); err != nil {
		return models.RecordKey{}, &ingest.ValidationError{Field: "person_id", Reason: err.Error()}
	}
	date := chi.URLParam(r, "date")
	if _, err := models.ParseDate(date, time.UTC); err != nil {
		return models.RecordKey{}, &ingest.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"}
	}
	return models.RecordKey{PersonID: personID, Date: date}, nil
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	person, err := a.d.Roster.Lookup(r.Context(), key.PersonID)
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	rec, err := a.d.Records.Record(r.Context(), person, key.Date)
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

type resolveRequest struct {
	ExitTime   time.Time `json:"exit_time"`
	OperatorID string    `json:"operator_id"`
}

func (a *API) resolveDay(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	var req resolveRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if req.ExitTime.IsZero() {
		fail(w, r, a.log, &ingest.ValidationError{Field: "exit_time", Reason: "required"})
		return
	}
	operator := strings.TrimSpace(req.OperatorID)
	if operator == "" {
		fail(w, r, a.log, &ingest.ValidationError{Field: "operator_id", Reason: "required"})
		return
	}
	person, err := a.d.Roster.Lookup(r.Context(), key.PersonID)
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	res, err := a.d.Resolver.ResolveOpenDay(r.Context(), person, key.Date, req.ExitTime.UTC(), operator)
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	a.log.Info("day resolved by admin",
		zap.String("key", key.String()),
		zap.String("operator", operator),
		zap.String("status", string(res.Record.Status)),
	)
	writeJSON(w, r, http.StatusOK, res.Record)
}

func (a *API) personStats(w http.ResponseWriter, r *http.Request) {
	personID := chi.URLParam(r, "personID")
	if _, _, err := roster.SplitPersonID(personID); err != nil {
		fail(w, r, a.log, &ingest.ValidationError{Field: "person_id", Reason: err.Error()})
		return
	}
	q := r.URL.Query()
	st, err := a.d.Stats.PersonStats(r.Context(), personID, q.Get("from"), q.Get("to"))
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

func (a *API) cohortStats(w http.ResponseWriter, r *http.Request) {
	cohort := chi.URLParam(r, "cohortID")
	q := r.URL.Query()
	st, err := a.d.Stats.CohortStats(r.Context(), cohort, q.Get("from"), q.Get("to"))
	if err != nil {
		fail(w, r, a.log, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}
