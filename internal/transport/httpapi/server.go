// Package httpapi exposes the scheduling engine over HTTP. Handlers stay
// thin: decode, call a service, map the error taxonomy to a status code.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"chairtime/backend/internal/service/availability"
	"chairtime/backend/internal/service/booking"
	"chairtime/backend/internal/service/series"
)

type Server struct {
	avail   *availability.Service
	booking *booking.Service
	series  *series.Service
	log     *slog.Logger

	// reconcile runs the blackout sweep after creation. The default is a
	// detached goroutine; tests swap in a synchronous version.
	reconcile func(ctx context.Context, blackoutID uuid.UUID)
}

func NewServer(avail *availability.Service, bookingSvc *booking.Service, seriesSvc *series.Service, log *slog.Logger) *Server {
	s := &Server{
		avail:   avail,
		booking: bookingSvc,
		series:  seriesSvc,
		log:     log,
	}
	s.reconcile = func(ctx context.Context, blackoutID uuid.UUID) {
		go func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
			defer cancel()
			if err := s.booking.ReconcileBlackout(rctx, blackoutID); err != nil {
				s.log.Error("blackout reconciliation failed", "blackout_id", blackoutID, "error", err)
			}
		}()
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/resources/{id}/slots", s.handleOpenSlots)
		r.Post("/conflicts/check", s.handleFindConflicts)

		r.Post("/appointments", s.handleReserve)
		r.Post("/appointments/{id}/reschedule", s.handleManageOccurrence(series.ActionReschedule))
		r.Post("/appointments/{id}/cancel", s.handleManageOccurrence(series.ActionCancel))
		r.Post("/appointments/{id}/complete", s.handleManageOccurrence(series.ActionComplete))

		r.Post("/series", s.handleCreateSeries)
		r.Post("/series/preview", s.handlePreviewPattern)
		r.Get("/series/{id}", s.handleGetSeries)
		r.Post("/series/{id}/pause", s.handleSeriesTransition("pause"))
		r.Post("/series/{id}/resume", s.handleSeriesTransition("resume"))
		r.Post("/series/{id}/cancel", s.handleSeriesTransition("cancel"))

		r.Post("/blackouts", s.handleCreateBlackout)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
