package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/lock"
	"chairtime/backend/internal/service/availability"
	"chairtime/backend/internal/service/booking"
	"chairtime/backend/internal/service/series"
	"chairtime/backend/internal/store"
)

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Obstacles []obstacleJSON `json:"obstacles,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflictErr *booking.ConflictError

		availValidation   *availability.ValidationError
		bookingValidation *booking.ValidationError
		seriesValidation  *series.ValidationError
	)

	status := http.StatusInternalServerError
	body := errorBody{Code: "internal_error", Message: "internal error"}

	switch {
	case errors.Is(err, availability.ErrInvalidGranularity):
		status, body = http.StatusBadRequest, errorBody{Code: "invalid_granularity", Message: err.Error()}
	case errors.Is(err, domain.ErrPatternTooLarge):
		status, body = http.StatusBadRequest, errorBody{Code: "pattern_too_large", Message: err.Error()}
	case errors.As(err, &availValidation), errors.As(err, &bookingValidation), errors.As(err, &seriesValidation):
		status, body = http.StatusBadRequest, errorBody{Code: "validation_error", Message: err.Error()}
	case errors.As(err, &conflictErr):
		status = http.StatusConflict
		body = errorBody{
			Code:      "slot_conflict",
			Message:   conflictErr.Error(),
			Obstacles: obstaclesJSON(conflictErr.Obstacles),
		}
	case errors.Is(err, booking.ErrNoAlternativeSlot):
		status, body = http.StatusConflict, errorBody{Code: "no_alternative_slot", Message: err.Error()}
	case errors.Is(err, series.ErrSeriesState):
		status, body = http.StatusConflict, errorBody{Code: "series_state_violation", Message: err.Error()}
	case errors.Is(err, store.ErrIdempotencyConflict):
		status, body = http.StatusConflict, errorBody{Code: "idempotency_conflict", Message: err.Error()}
	case errors.Is(err, lock.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		status, body = http.StatusLocked, errorBody{Code: "lock_timeout", Message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		status, body = http.StatusNotFound, errorBody{Code: "not_found", Message: "not found"}
	default:
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
	}

	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: body})
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, store.ErrNotFound
	}
	return id, nil
}
