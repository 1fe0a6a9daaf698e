package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/attendance"
	"github.com/Spok95/school-attendance/internal/ingest"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
	"github.com/Spok95/school-attendance/internal/stats"
)

type ErrCode string

const (
	CodeBadRequest   ErrCode = "BAD_REQUEST"
	CodeValidation   ErrCode = "VALIDATION_FAILED"
	CodeClosedPeriod ErrCode = "CLOSED_PERIOD"
	CodeNotFound     ErrCode = "NOT_FOUND"
	CodeConflict     ErrCode = "CONFLICT"
	CodeInternal     ErrCode = "INTERNAL"
)

type ErrorBody struct {
	Code    ErrCode `json:"code"`
	Field   string  `json:"field,omitempty"`
	Message string  `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, body ErrorBody) {
	writeJSON(w, r, status, ErrorResponse{Error: body})
}

// fail — единая раскладка ошибок ядра по HTTP-кодам.
func fail(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var verr *ingest.ValidationError
	var cerr *ingest.ClosedPeriodError

	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusUnprocessableEntity, ErrorBody{Code: CodeValidation, Field: verr.Field, Message: verr.Reason})
	case errors.As(err, &cerr):
		writeError(w, r, http.StatusConflict, ErrorBody{Code: CodeClosedPeriod, Message: cerr.Error()})
	case errors.Is(err, stats.ErrBadRange):
		writeError(w, r, http.StatusUnprocessableEntity, ErrorBody{Code: CodeValidation, Field: "from,to", Message: err.Error()})
	case errors.Is(err, attendance.ErrNotOpen):
		writeError(w, r, http.StatusConflict, ErrorBody{Code: CodeConflict, Message: attendance.ErrNotOpen.Error()})
	case errors.Is(err, models.ErrNotFound), errors.Is(err, roster.ErrNotFound):
		writeError(w, r, http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: "resource not found"})
	default:
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal error"})
	}
}
