// Package notify dispatches occurrence-change events to the notification
// pipeline. Delivery is fire-and-forget: a dispatch failure must never roll
// back the booking that caused it.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ChangeType string

const (
	ChangeTypeBooked      ChangeType = "booked"
	ChangeTypeRescheduled ChangeType = "rescheduled"
	ChangeTypeCancelled   ChangeType = "cancelled"
	ChangeTypeCompleted   ChangeType = "completed"
	ChangeTypeNeedsReview ChangeType = "needs_review"
)

// OccurrenceChangedEvent carries enough information for downstream
// consumers (SMS/email senders, dashboards) without querying the primary
// database.
type OccurrenceChangedEvent struct {
	AppointmentID uuid.UUID  `json:"appointment_id"`
	ResourceID    uuid.UUID  `json:"resource_id"`
	ClientID      string     `json:"client_id"`
	SeriesID      *uuid.UUID `json:"series_id,omitempty"`
	ChangeType    ChangeType `json:"change_type"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

type Dispatcher interface {
	// NotifyOccurrenceChanged publishes the event. The returned error is
	// informational; callers log it and continue.
	NotifyOccurrenceChanged(ctx context.Context, event OccurrenceChangedEvent) error
}

// NopDispatcher discards events. Used when no broker is configured.
type NopDispatcher struct{}

func (NopDispatcher) NotifyOccurrenceChanged(ctx context.Context, event OccurrenceChangedEvent) error {
	return nil
}
