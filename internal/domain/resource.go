package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DayHours is the open/close window for one weekday, as minutes from
// midnight in the resource's timezone. A disabled day has Enabled=false.
type DayHours struct {
	Enabled     bool `json:"enabled"`
	OpenMinute  int  `json:"open_minute"`
	CloseMinute int  `json:"close_minute"`
}

// WorkingHours holds one DayHours per weekday, indexed by time.Weekday
// (Sunday = 0).
type WorkingHours [7]DayHours

// Resource is a bookable entity: a barber, a chair, a room. Immutable
// during a booking transaction.
type Resource struct {
	bun.BaseModel `bun:"table:resources"`

	ID            uuid.UUID    `bun:"id,pk,type:uuid"`
	OrgID         string       `bun:"org_id,notnull"`
	Name          string       `bun:"name,notnull"`
	Timezone      string       `bun:"timezone,notnull"`
	Hours         WorkingHours `bun:"hours,type:jsonb,notnull"`
	BufferMinutes int          `bun:"buffer_minutes,notnull"`
	CreatedAt     time.Time    `bun:"created_at,notnull"`
	UpdatedAt     time.Time    `bun:"updated_at,notnull"`
}

func (r *Resource) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			r.ID = id
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}

// Location resolves the resource's IANA timezone.
func (r Resource) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, errors.New("invalid timezone")
	}
	return loc, nil
}

// Buffer is the symmetric buffer applied before and after each appointment.
func (r Resource) Buffer() time.Duration {
	if r.BufferMinutes <= 0 {
		return 0
	}
	return time.Duration(r.BufferMinutes) * time.Minute
}

// WorkingSpan returns the open interval for the given calendar date in the
// resource's timezone, or a zero interval when the resource is closed.
func (r Resource) WorkingSpan(date time.Time, loc *time.Location) Interval {
	dh := r.Hours[date.Weekday()]
	if !dh.Enabled || dh.CloseMinute <= dh.OpenMinute {
		return Interval{}
	}
	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	return Interval{
		Start: midnight.Add(time.Duration(dh.OpenMinute) * time.Minute),
		End:   midnight.Add(time.Duration(dh.CloseMinute) * time.Minute),
	}
}
