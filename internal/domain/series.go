package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type SeriesStatus string

const (
	SeriesStatusActive    SeriesStatus = "active"
	SeriesStatusPaused    SeriesStatus = "paused"
	SeriesStatusCompleted SeriesStatus = "completed"
	SeriesStatusCancelled SeriesStatus = "cancelled"
)

// CanTransition encodes the series state machine: active and paused toggle
// freely, either may be cancelled, and completed is reached automatically
// rather than by request. Cancelled and completed are terminal.
func (s SeriesStatus) CanTransition(to SeriesStatus) bool {
	switch s {
	case SeriesStatusActive:
		return to == SeriesStatusPaused || to == SeriesStatusCancelled || to == SeriesStatusCompleted
	case SeriesStatusPaused:
		return to == SeriesStatusActive || to == SeriesStatusCancelled
	default:
		return false
	}
}

// RecurringSeries binds a pattern to its generated appointments and
// aggregates per-occurrence status for dashboards.
type RecurringSeries struct {
	bun.BaseModel `bun:"table:recurring_series,alias:rs"`

	ID             uuid.UUID          `bun:"id,pk,type:uuid"`
	ResourceID     uuid.UUID          `bun:"resource_id,notnull,type:uuid"`
	ClientID       string             `bun:"client_id,notnull"`
	PatternID      uuid.UUID          `bun:"pattern_id,notnull,type:uuid"`
	Pattern        *RecurrencePattern `bun:"rel:belongs-to,join:pattern_id=id"`
	Status         SeriesStatus       `bun:"status,notnull"`
	TotalPlanned   int                `bun:"total_planned,notnull"`
	CompletedCount int                `bun:"completed_count,notnull"`
	CancelledCount int                `bun:"cancelled_count,notnull"`
	CreatedAt      time.Time          `bun:"created_at,notnull"`
	UpdatedAt      time.Time          `bun:"updated_at,notnull"`
}

func (s *RecurringSeries) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if s.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			s.ID = id
		}
		if s.Status == "" {
			s.Status = SeriesStatusActive
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		s.UpdatedAt = now
	}
	return nil
}

// Exhausted reports whether every planned occurrence has reached a terminal
// per-occurrence status, which auto-completes an active series.
func (s RecurringSeries) Exhausted() bool {
	return s.TotalPlanned > 0 && s.CompletedCount+s.CancelledCount >= s.TotalPlanned
}
