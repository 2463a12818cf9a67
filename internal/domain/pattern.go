package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type PatternFrequency string

const (
	PatternFrequencyWeekly           PatternFrequency = "weekly"
	PatternFrequencyBiweekly         PatternFrequency = "biweekly"
	PatternFrequencyMonthlyByDate    PatternFrequency = "monthly_by_date"
	PatternFrequencyMonthlyByWeekday PatternFrequency = "monthly_by_weekday"
	PatternFrequencyCustomInterval   PatternFrequency = "custom_interval_days"
)

// ConflictPolicy is the closed strategy set applied when a candidate
// occurrence collides with an existing obstacle. Validated once at pattern
// creation, never per occurrence.
type ConflictPolicy string

const (
	ConflictPolicyReject            ConflictPolicy = "reject"
	ConflictPolicyRescheduleNearest ConflictPolicy = "reschedule_nearest"
	ConflictPolicySkip              ConflictPolicy = "skip"
)

func (p ConflictPolicy) Valid() bool {
	switch p {
	case ConflictPolicyReject, ConflictPolicyRescheduleNearest, ConflictPolicySkip:
		return true
	}
	return false
}

// RecurrencePattern specifies how a series generates occurrences. Immutable
// once the series has any confirmed occurrence.
type RecurrencePattern struct {
	bun.BaseModel `bun:"table:recurrence_patterns"`

	ID               uuid.UUID        `bun:"id,pk,type:uuid"`
	Frequency        PatternFrequency `bun:"frequency,notnull"`
	Weekdays         []int16          `bun:"weekdays,array"`
	DayOfMonth       int              `bun:"day_of_month"`
	NthWeekday       int              `bun:"nth_weekday"`
	IntervalDays     int              `bun:"interval_days"`
	TimeOfDayMinutes int              `bun:"time_of_day_minutes,notnull"`
	DurationMinutes  int              `bun:"duration_minutes,notnull"`
	Timezone         string           `bun:"timezone,notnull"`
	EndDate          *time.Time       `bun:"end_date"`
	Count            *int             `bun:"count"`
	SkipHolidays     bool             `bun:"skip_holidays,notnull"`
	SkipWeekends     bool             `bun:"skip_weekends,notnull"`
	Policy           ConflictPolicy   `bun:"policy,notnull"`
	CreatedAt        time.Time        `bun:"created_at,notnull"`
	UpdatedAt        time.Time        `bun:"updated_at,notnull"`
}

func (p *RecurrencePattern) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if p.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			p.ID = id
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		p.UpdatedAt = now
	}
	return nil
}

// Validate checks the pattern structurally: closed enums, field ranges per
// frequency, and the end condition (end date XOR occurrence count).
func (p RecurrencePattern) Validate() error {
	switch p.Frequency {
	case PatternFrequencyWeekly, PatternFrequencyBiweekly:
		if len(p.Weekdays) == 0 {
			return errors.New("at least one weekday is required")
		}
		seen := make(map[int16]struct{}, len(p.Weekdays))
		for _, wd := range p.Weekdays {
			if wd < 1 || wd > 7 {
				return errors.New("invalid weekday")
			}
			if _, ok := seen[wd]; ok {
				return errors.New("duplicate weekday")
			}
			seen[wd] = struct{}{}
		}
	case PatternFrequencyMonthlyByDate:
		if p.DayOfMonth < 1 || p.DayOfMonth > 31 {
			return errors.New("day_of_month must be between 1 and 31")
		}
	case PatternFrequencyMonthlyByWeekday:
		if len(p.Weekdays) != 1 || p.Weekdays[0] < 1 || p.Weekdays[0] > 7 {
			return errors.New("monthly_by_weekday requires exactly one weekday")
		}
		if p.NthWeekday < 1 || p.NthWeekday > 5 {
			return errors.New("nth_weekday must be between 1 and 5")
		}
	case PatternFrequencyCustomInterval:
		if p.IntervalDays < 1 {
			return errors.New("interval_days must be at least 1")
		}
	default:
		return errors.New("unsupported frequency")
	}

	if p.TimeOfDayMinutes < 0 || p.TimeOfDayMinutes >= 24*60 {
		return errors.New("invalid time_of_day")
	}
	if p.DurationMinutes < 1 {
		return errors.New("invalid duration")
	}
	if p.Timezone == "" {
		return errors.New("timezone is required")
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return errors.New("invalid timezone")
	}

	if (p.EndDate == nil) == (p.Count == nil) {
		return errors.New("exactly one of end_date or count is required")
	}
	if p.Count != nil && *p.Count < 1 {
		return errors.New("count must be at least 1")
	}
	if !p.Policy.Valid() {
		return errors.New("invalid conflict policy")
	}
	return nil
}

// Duration is the occurrence length.
func (p RecurrencePattern) Duration() time.Duration {
	return time.Duration(p.DurationMinutes) * time.Minute
}
