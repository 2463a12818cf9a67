package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// HolidayDate is immutable reference data: a calendar date excluded from
// availability unless a booking explicitly allows holidays.
type HolidayDate struct {
	bun.BaseModel `bun:"table:holiday_dates"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	Day       time.Time `bun:"day,notnull"`
	Locale    string    `bun:"locale,notnull"`
	Name      string    `bun:"name,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func (h *HolidayDate) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); ok {
		if h.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			h.ID = id
		}
		if h.CreatedAt.IsZero() {
			h.CreatedAt = time.Now().UTC()
		}
	}
	return nil
}

// HolidaySnapshot is an immutable, versioned view of the holiday calendar.
// It is loaded by the caller and passed explicitly into every engine call,
// so two reads within one operation always agree.
type HolidaySnapshot struct {
	version int64
	days    map[string]string
}

const holidayDayFormat = "2006-01-02"

// NewHolidaySnapshot builds a snapshot from holiday rows. The version is an
// opaque monotonic value chosen by the loader.
func NewHolidaySnapshot(version int64, holidays []HolidayDate) HolidaySnapshot {
	days := make(map[string]string, len(holidays))
	for _, h := range holidays {
		days[h.Day.Format(holidayDayFormat)] = h.Name
	}
	return HolidaySnapshot{version: version, days: days}
}

func (s HolidaySnapshot) Version() int64 { return s.version }

// Contains reports whether the instant falls on a holiday date when viewed
// in loc, along with the holiday name.
func (s HolidaySnapshot) Contains(t time.Time, loc *time.Location) (string, bool) {
	name, ok := s.days[t.In(loc).Format(holidayDayFormat)]
	return name, ok
}

// DayBlocked returns the full-day blocked interval for the holiday covering
// t in loc, or a zero interval when t is not a holiday.
func (s HolidaySnapshot) DayBlocked(t time.Time, loc *time.Location) Interval {
	if _, ok := s.Contains(t, loc); !ok {
		return Interval{}
	}
	day := dateOnly(t.In(loc), loc)
	return Interval{Start: day, End: day.AddDate(0, 0, 1)}
}
