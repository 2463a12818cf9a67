package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
)

// ScheduleRepository is the read side plus transaction entry point of the
// scheduling store. Read methods see a consistent snapshot and never block
// on reservation locks.
type ScheduleRepository interface {
	GetResource(ctx context.Context, id uuid.UUID) (domain.Resource, error)
	ListResources(ctx context.Context) ([]domain.Resource, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	ListAppointments(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	ListSeriesAppointments(ctx context.Context, seriesID uuid.UUID) ([]domain.Appointment, error)

	GetBlackout(ctx context.Context, id uuid.UUID) (domain.BlackoutInterval, error)
	ListBlackouts(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.BlackoutInterval, error)
	CreateBlackout(ctx context.Context, b domain.BlackoutInterval) (domain.BlackoutInterval, error)

	LoadHolidaySnapshot(ctx context.Context) (domain.HolidaySnapshot, error)

	GetSeries(ctx context.Context, id uuid.UUID) (domain.RecurringSeries, error)

	// InResourceTransaction runs fn inside a transaction holding the
	// resource's advisory lock, serializing mutations per resource.
	InResourceTransaction(ctx context.Context, resourceID uuid.UUID, fn func(ctx context.Context, tx ScheduleTx) error) error
}
