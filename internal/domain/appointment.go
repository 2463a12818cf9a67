package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusNoShow    AppointmentStatus = "no_show"
)

// Active reports whether the status occupies calendar time: only pending and
// confirmed appointments participate in overlap checks.
func (s AppointmentStatus) Active() bool {
	return s == AppointmentStatusPending || s == AppointmentStatusConfirmed
}

// Appointment is a single scheduled occurrence. Appointments are never
// deleted; cancellation is a status transition that preserves history.
type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID             uuid.UUID         `bun:"id,pk,type:uuid"`
	ResourceID     uuid.UUID         `bun:"resource_id,notnull,type:uuid"`
	ClientID       string            `bun:"client_id,notnull"`
	StartTime      time.Time         `bun:"start_time,notnull"`
	EndTime        time.Time         `bun:"end_time,notnull"`
	Status         AppointmentStatus `bun:"status,notnull"`
	SeriesID       *uuid.UUID        `bun:"series_id,type:uuid"`
	SequenceNumber *int              `bun:"sequence_number"`
	OriginalTime   *time.Time        `bun:"original_time"`
	NeedsReview    bool              `bun:"needs_review,notnull"`
	CreatedAt      time.Time         `bun:"created_at,notnull"`
	UpdatedAt      time.Time         `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.Status == "" {
			a.Status = AppointmentStatusPending
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// Span is the occupied interval without buffer.
func (a Appointment) Span() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

// BufferedSpan widens the occupied interval by the buffer on each side.
// No two active appointments on a resource may have overlapping buffered
// spans.
func (a Appointment) BufferedSpan(buffer time.Duration) Interval {
	return Interval{Start: a.StartTime.Add(-buffer), End: a.EndTime.Add(buffer)}
}
