package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
)

// ScheduleTx is the mutation surface available inside a resource
// transaction. Re-checks performed through it are authoritative: the
// advisory lock is held for the transaction's lifetime.
type ScheduleTx interface {
	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	ListAppointments(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	ListSeriesAppointments(ctx context.Context, seriesID uuid.UUID) ([]domain.Appointment, error)

	CreatePattern(ctx context.Context, p domain.RecurrencePattern) (domain.RecurrencePattern, error)
	CreateSeries(ctx context.Context, s domain.RecurringSeries) (domain.RecurringSeries, error)
	UpdateSeries(ctx context.Context, s domain.RecurringSeries) (domain.RecurringSeries, error)
}
