package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"
	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/service/availability"
	"chairtime/backend/internal/service/booking"
	"chairtime/backend/internal/service/series"
)

type appointmentJSON struct {
	ID             uuid.UUID  `json:"id"`
	ResourceID     uuid.UUID  `json:"resource_id"`
	ClientID       string     `json:"client_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	Status         string     `json:"status"`
	SeriesID       *uuid.UUID `json:"series_id,omitempty"`
	SequenceNumber *int       `json:"sequence_number,omitempty"`
	OriginalTime   *time.Time `json:"original_time,omitempty"`
	NeedsReview    bool       `json:"needs_review,omitempty"`
}

func toAppointmentJSON(a domain.Appointment) appointmentJSON {
	return appointmentJSON{
		ID:             a.ID,
		ResourceID:     a.ResourceID,
		ClientID:       a.ClientID,
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Status:         string(a.Status),
		SeriesID:       a.SeriesID,
		SequenceNumber: a.SequenceNumber,
		OriginalTime:   a.OriginalTime,
		NeedsReview:    a.NeedsReview,
	}
}

type obstacleJSON struct {
	Type          string     `json:"type"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

func obstaclesJSON(obs []availability.Obstacle) []obstacleJSON {
	out := make([]obstacleJSON, 0, len(obs))
	for _, o := range obs {
		out = append(out, obstacleJSON{
			Type:          string(o.Type),
			StartTime:     o.Interval.Start,
			EndTime:       o.Interval.End,
			AppointmentID: o.AppointmentID,
			Reason:        o.Reason,
		})
	}
	return out
}

type patternJSON struct {
	Frequency        string     `json:"frequency"`
	Weekdays         []int16    `json:"weekdays,omitempty"`
	DayOfMonth       int        `json:"day_of_month,omitempty"`
	NthWeekday       int        `json:"nth_weekday,omitempty"`
	IntervalDays     int        `json:"interval_days,omitempty"`
	TimeOfDayMinutes int        `json:"time_of_day_minutes"`
	DurationMinutes  int        `json:"duration_minutes"`
	Timezone         string     `json:"timezone"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	Count            *int       `json:"count,omitempty"`
	SkipHolidays     bool       `json:"skip_holidays,omitempty"`
	SkipWeekends     bool       `json:"skip_weekends,omitempty"`
	Policy           string     `json:"policy"`
}

func (p patternJSON) toDomain() domain.RecurrencePattern {
	return domain.RecurrencePattern{
		Frequency:        domain.PatternFrequency(p.Frequency),
		Weekdays:         p.Weekdays,
		DayOfMonth:       p.DayOfMonth,
		NthWeekday:       p.NthWeekday,
		IntervalDays:     p.IntervalDays,
		TimeOfDayMinutes: p.TimeOfDayMinutes,
		DurationMinutes:  p.DurationMinutes,
		Timezone:         p.Timezone,
		EndDate:          p.EndDate,
		Count:            p.Count,
		SkipHolidays:     p.SkipHolidays,
		SkipWeekends:     p.SkipWeekends,
		Policy:           domain.ConflictPolicy(p.Policy),
	}
}

type seriesJSON struct {
	ID             uuid.UUID `json:"id"`
	ResourceID     uuid.UUID `json:"resource_id"`
	ClientID       string    `json:"client_id"`
	PatternID      uuid.UUID `json:"pattern_id"`
	Status         string    `json:"status"`
	TotalPlanned   int       `json:"total_planned"`
	CompletedCount int       `json:"completed_count"`
	CancelledCount int       `json:"cancelled_count"`
}

func toSeriesJSON(s domain.RecurringSeries) seriesJSON {
	return seriesJSON{
		ID:             s.ID,
		ResourceID:     s.ResourceID,
		ClientID:       s.ClientID,
		PatternID:      s.PatternID,
		Status:         string(s.Status),
		TotalPlanned:   s.TotalPlanned,
		CompletedCount: s.CompletedCount,
		CancelledCount: s.CancelledCount,
	}
}

// GET /v1/resources/{id}/slots?date=2025-06-09&granularity_minutes=30&duration_minutes=60
func (s *Server) handleOpenSlots(w http.ResponseWriter, r *http.Request) {
	resourceID, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		s.respondJSON(w, r, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "validation_error", Message: "date must be YYYY-MM-DD",
		}})
		return
	}
	granularity := queryMinutes(r, "granularity_minutes", 30)
	duration := queryMinutes(r, "duration_minutes", 30)

	slots, err := s.avail.OpenSlots(r.Context(), resourceID, date, granularity, duration)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]any{"slots": slots})
}

func queryMinutes(r *http.Request, name string, fallback int) time.Duration {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Duration(fallback) * time.Minute
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return time.Duration(n) * time.Minute
}

type findConflictsRequest struct {
	ResourceID      uuid.UUID `json:"resource_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	AllowHoliday    bool      `json:"allow_holiday"`
}

// POST /v1/conflicts/check
func (s *Server) handleFindConflicts(w http.ResponseWriter, r *http.Request) {
	var req findConflictsRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.respondJSON(w, r, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "validation_error", Message: "failed to decode request",
		}})
		return
	}

	obstacles, err := s.avail.FindConflicts(r.Context(), req.ResourceID, req.StartTime,
		time.Duration(req.DurationMinutes)*time.Minute, req.AllowHoliday)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]any{
		"bookable":  len(obstacles) == 0,
		"obstacles": obstaclesJSON(obstacles),
	})
}

type reserveRequest struct {
	ResourceID      uuid.UUID `json:"resource_id"`
	ClientID        string    `json:"client_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Policy          string    `json:"policy,omitempty"`
	AllowHoliday    bool      `json:"allow_holiday,omitempty"`
}

// POST /v1/appointments
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.respondJSON(w, r, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "validation_error", Message: "failed to decode request",
		}})
		return
	}

	appt, err := s.booking.Reserve(r.Context(), booking.ReserveInput{
		ResourceID:     req.ResourceID,
		ClientID:       req.ClientID,
		StartTime:      req.StartTime,
		Duration:       time.Duration(req.DurationMinutes) * time.Minute,
		Policy:         domain.ConflictPolicy(req.Policy),
		AllowHoliday:   req.AllowHoliday,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if errors.Is(err, booking.ErrOccurrenceSkipped) {
		s.respondJSON(w, r, http.StatusOK, map[string]any{"outcome": "skipped"})
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusCreated, map[string]any{
		"outcome":     "booked",
		"appointment": toAppointmentJSON(appt),
	})
}

type manageOccurrenceRequest struct {
	Scope        string     `json:"scope,omitempty"`
	NewStartTime *time.Time `json:"new_start_time,omitempty"`
}

// POST /v1/appointments/{id}/reschedule, .../cancel, .../complete
func (s *Server) handleManageOccurrence(action series.OccurrenceAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := pathID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		var req manageOccurrenceRequest
		if r.ContentLength != 0 {
			if err := render.DecodeJSON(r.Body, &req); err != nil {
				s.respondJSON(w, r, http.StatusBadRequest, errorResponse{Error: errorBody{
					Code: "validation_error", Message: "failed to decode request",
				}})
				return
			}
		}

		in := series.ManageOccurrenceInput{
			AppointmentID: apptID,
			Action:        action,
			Scope:         series.OccurrenceScope(req.Scope),
		}
		if req.NewStartTime != nil {
			in.NewStartTime = *req.NewStartTime
		}

		updated, err := s.series.ManageOccurrence(r.Context(), in)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		out := make([]appointmentJSON, 0, len(updated))
		for _, a := range updated {
			out = append(out, toAppointmentJSON(a))
		}
		s.respondJSON(w, r, http.StatusOK, map[string]any{"appointments": out})
	}
}

type createSeriesRequest struct {
	ResourceID uuid.UUID   `json:"resource_id"`
	ClientID   string      `json:"client_id"`
	StartDate  time.Time   `json:"start_date"`
	Pattern    patternJSON `json:"pattern"`
}

type occurrenceOutcomeJSON struct {
	SequenceNumber int              `json:"sequence_number"`
	RequestedTime  time.Time        `json:"requested_time"`
	Outcome        string           `json:"outcome"`
	Appointment    *appointmentJSON `json:"appointment,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// POST /v1/series
func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var req createSeriesRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.respondJSON(w, r, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "validation_error", Message: "failed to decode request",
		}})
		return
	}

	ser, report, err := s.series.CreateSeries(r.Context(), series.CreateSeriesInput{
		ResourceID: req.ResourceID,
		ClientID:   req.ClientID,
		Pattern:    req.Pattern.toDomain(),
		StartDate:  req.StartDate,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	outcomes := make([]occurrenceOutcomeJSON, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		oj := occurrenceOutcomeJSON{
			SequenceNumber: o.SequenceNumber,
			RequestedTime:  o.RequestedTime,
		}
		switch {
		case o.Appointment != nil:
			oj.Outcome = "booked"
			aj := toAppointmentJSON(*o.Appointment)
			oj.Appointment = &aj
		case o.Skipped:
			oj.Outcome = "skipped"
		default:
			oj.Outcome = "failed"
			if o.Err != nil {
				oj.Error = o.Err.Error()
			}
		}
		outcomes = append(outcomes, oj)
	}

	s.respondJSON(w, r, http.StatusCreated, map[string]any{
		"series": toSeriesJSON(ser),
		"report": map[string]any{
			"booked":   report.Booked,
			"skipped":  report.Skipped,
			"failed":   report.Failed,
			"outcomes": outcomes,
		},
	})
}

type previewRequest struct {
	StartDate time.Time   `json:"start_date"`
	Limit     int         `json:"limit,omitempty"`
	Pattern   patternJSON `json:"pattern"`
}

// POST /v1/series/preview
func (s *Server) handlePreviewPattern(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.respondJSON(w, r, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "validation_error", Message: "failed to decode request",
		}})
		return
	}

	dates, err := s.series.Preview(r.Context(), req.Pattern.toDomain(), req.StartDate, req.Limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]any{"occurrences": dates})
}

// GET /v1/series/{id}
func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ser, err := s.series.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]any{"series": toSeriesJSON(ser)})
}

// POST /v1/series/{id}/pause, .../resume, .../cancel
func (s *Server) handleSeriesTransition(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}

		var ser domain.RecurringSeries
		switch op {
		case "pause":
			ser, err = s.series.Pause(r.Context(), id)
		case "resume":
			ser, err = s.series.Resume(r.Context(), id)
		case "cancel":
			ser, err = s.series.Cancel(r.Context(), id)
		}
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, r, http.StatusOK, map[string]any{"series": toSeriesJSON(ser)})
	}
}

type createBlackoutRequest struct {
	ResourceID     *uuid.UUID `json:"resource_id,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	FullDay        bool       `json:"full_day,omitempty"`
	Recurrence     string     `json:"recurrence,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	AutoReschedule bool       `json:"auto_reschedule,omitempty"`
}

type blackoutJSON struct {
	ID             uuid.UUID  `json:"id"`
	ResourceID     *uuid.UUID `json:"resource_id,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	FullDay        bool       `json:"full_day"`
	Recurrence     string     `json:"recurrence"`
	Reason         string     `json:"reason,omitempty"`
	AutoReschedule bool       `json:"auto_reschedule"`
}

// POST /v1/blackouts
func (s *Server) handleCreateBlackout(w http.ResponseWriter, r *http.Request) {
	var req createBlackoutRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.respondJSON(w, r, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code: "validation_error", Message: "failed to decode request",
		}})
		return
	}

	b, err := s.booking.CreateBlackout(r.Context(), booking.CreateBlackoutInput{
		ResourceID:     req.ResourceID,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		FullDay:        req.FullDay,
		Recurrence:     domain.BlackoutRecurrence(req.Recurrence),
		Reason:         req.Reason,
		AutoReschedule: req.AutoReschedule,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	// Reconciliation of already-booked appointments runs out of band.
	s.reconcile(r.Context(), b.ID)

	s.respondJSON(w, r, http.StatusAccepted, map[string]any{"blackout": blackoutJSON{
		ID:             b.ID,
		ResourceID:     b.ResourceID,
		StartTime:      b.StartTime,
		EndTime:        b.EndTime,
		FullDay:        b.FullDay,
		Recurrence:     string(b.Recurrence),
		Reason:         b.Reason,
		AutoReschedule: b.AutoReschedule,
	}})
}
