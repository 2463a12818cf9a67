package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type BlackoutRecurrence string

const (
	BlackoutRecurrenceNone    BlackoutRecurrence = "none"
	BlackoutRecurrenceWeekly  BlackoutRecurrence = "weekly"
	BlackoutRecurrenceMonthly BlackoutRecurrence = "monthly"
	BlackoutRecurrenceYearly  BlackoutRecurrence = "yearly"
)

// BlackoutInterval is a range during which a resource (or, with a nil
// ResourceID, every resource) is unavailable. Overlapping blackouts are
// permitted; availability queries reconcile them by taking the union of
// blocked time.
type BlackoutInterval struct {
	bun.BaseModel `bun:"table:blackout_intervals"`

	ID             uuid.UUID          `bun:"id,pk,type:uuid"`
	ResourceID     *uuid.UUID         `bun:"resource_id,type:uuid"`
	StartTime      time.Time          `bun:"start_time,notnull"`
	EndTime        time.Time          `bun:"end_time,notnull"`
	FullDay        bool               `bun:"full_day,notnull"`
	Recurrence     BlackoutRecurrence `bun:"recurrence,notnull"`
	Reason         string             `bun:"reason"`
	AutoReschedule bool               `bun:"auto_reschedule,notnull"`
	CreatedAt      time.Time          `bun:"created_at,notnull"`
	UpdatedAt      time.Time          `bun:"updated_at,notnull"`
}

func (b *BlackoutInterval) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if b.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			b.ID = id
		}
		if b.Recurrence == "" {
			b.Recurrence = BlackoutRecurrenceNone
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		b.UpdatedAt = now
	}
	return nil
}

// AppliesTo reports whether the blackout covers the given resource.
func (b BlackoutInterval) AppliesTo(resourceID uuid.UUID) bool {
	return b.ResourceID == nil || *b.ResourceID == resourceID
}

// ExpandBlackout materializes the blocked intervals of a blackout inside
// [windowStart, windowEnd). Recurring blackouts reuse the same weekday and
// day-of-month arithmetic as pattern expansion: a monthly blackout anchored
// on a day the month does not have is skipped for that month, never clamped.
// Wall-clock times are preserved in loc across occurrences.
func ExpandBlackout(b BlackoutInterval, loc *time.Location, windowStart, windowEnd time.Time) []Interval {
	base := b.baseInterval(loc)
	if !base.Start.Before(base.End) {
		return nil
	}

	if b.Recurrence == BlackoutRecurrenceNone {
		if base.Overlaps(Interval{Start: windowStart, End: windowEnd}) {
			return []Interval{base}
		}
		return nil
	}

	startLocal := base.Start.In(loc)
	spanNanos := base.End.Sub(base.Start)

	var out []Interval
	for day := dateOnly(startLocal, loc); day.Before(windowEnd.In(loc)); day = day.AddDate(0, 0, 1) {
		if !b.recursOn(day, startLocal) {
			continue
		}
		occStart := withWallClock(day, startLocal, loc)
		occ := Interval{Start: occStart, End: occStart.Add(spanNanos)}
		if occ.Overlaps(Interval{Start: windowStart, End: windowEnd}) {
			out = append(out, occ)
		}
		if len(out) >= MaxOccurrences {
			break
		}
	}
	return out
}

func (b BlackoutInterval) baseInterval(loc *time.Location) Interval {
	if !b.FullDay {
		return Interval{Start: b.StartTime, End: b.EndTime}
	}
	day := dateOnly(b.StartTime.In(loc), loc)
	return Interval{Start: day, End: day.AddDate(0, 0, 1)}
}

func (b BlackoutInterval) recursOn(day, anchor time.Time) bool {
	switch b.Recurrence {
	case BlackoutRecurrenceWeekly:
		return day.Weekday() == anchor.Weekday()
	case BlackoutRecurrenceMonthly:
		return day.Day() == anchor.Day()
	case BlackoutRecurrenceYearly:
		return day.Month() == anchor.Month() && day.Day() == anchor.Day()
	default:
		return false
	}
}
