package domain

import (
	"errors"
	"time"
)

// MaxOccurrences is the hard cap on occurrences a single pattern may
// generate, roughly ten years of weekly bookings. It bounds expansion of
// malformed patterns.
const MaxOccurrences = 520

// maxScanDays bounds how far past the pattern start expansion will walk the
// calendar looking for matching days before giving up.
const maxScanDays = 366 * 11

var ErrPatternTooLarge = errors.New("pattern too large")

// ExpandCursor is the resume point of a pattern expansion. The zero value
// starts from the beginning. Expansion is a pure function of
// (pattern, startDate, cursor): resuming from a returned cursor continues
// the exact sequence a single uninterrupted call would produce.
type ExpandCursor struct {
	// NextDay is the next calendar day to examine, midnight in the
	// pattern's timezone.
	NextDay time.Time
	// Emitted counts occurrences yielded so far. Candidates removed by
	// skip_holidays or skip_weekends do not count toward the quota.
	Emitted int
}

// ExpandPattern yields up to limit candidate occurrence start times (UTC,
// chronological) and the cursor to continue from. Expansion ends at the
// pattern's end condition; patterns that would exceed MaxOccurrences, or
// whose occurrence count cannot be satisfied within the scan horizon, fail
// with ErrPatternTooLarge.
func ExpandPattern(p RecurrencePattern, startDate time.Time, holidays HolidaySnapshot, cur ExpandCursor, limit int) ([]time.Time, ExpandCursor, error) {
	if err := p.Validate(); err != nil {
		return nil, cur, err
	}
	if limit <= 0 {
		return nil, cur, nil
	}
	if p.Count != nil && *p.Count > MaxOccurrences {
		return nil, cur, ErrPatternTooLarge
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, cur, errors.New("invalid timezone")
	}

	startLocal := startDate.In(loc)
	firstDay := dateOnly(startLocal, loc)
	weekAnchor := mondayOf(firstDay)

	var lastDay time.Time
	if p.EndDate != nil {
		lastDay = dateOnly(p.EndDate.In(loc), loc)
	}

	day := cur.NextDay
	if day.IsZero() {
		day = firstDay
	} else {
		day = dateOnly(day.In(loc), loc)
	}

	emitted := cur.Emitted
	out := make([]time.Time, 0, limit)

	for len(out) < limit {
		if p.Count != nil && emitted >= *p.Count {
			break
		}
		if p.EndDate != nil && day.After(lastDay) {
			break
		}
		if daysBetween(firstDay, day) > maxScanDays {
			return nil, cur, ErrPatternTooLarge
		}

		if p.matchesDay(day, firstDay, weekAnchor) {
			candidate := time.Date(day.Year(), day.Month(), day.Day(),
				p.TimeOfDayMinutes/60, p.TimeOfDayMinutes%60, 0, 0, loc)

			switch {
			case candidate.Before(startDate):
				// Same-day candidate earlier than the requested start.
			case p.SkipWeekends && isWeekend(day):
				// Excluded candidates do not count toward the quota.
			case p.SkipHolidays && isHoliday(holidays, candidate, loc):
			default:
				if emitted >= MaxOccurrences {
					return nil, cur, ErrPatternTooLarge
				}
				out = append(out, candidate.UTC())
				emitted++
			}
		}

		day = day.AddDate(0, 0, 1)
	}

	return out, ExpandCursor{NextDay: day, Emitted: emitted}, nil
}

func (p RecurrencePattern) matchesDay(day, firstDay, weekAnchor time.Time) bool {
	switch p.Frequency {
	case PatternFrequencyWeekly, PatternFrequencyBiweekly:
		if !weekdaySetContains(p.Weekdays, day.Weekday()) {
			return false
		}
		step := 1
		if p.Frequency == PatternFrequencyBiweekly {
			step = 2
		}
		weeks := daysBetween(weekAnchor, mondayOf(day)) / 7
		return weeks%step == 0
	case PatternFrequencyMonthlyByDate:
		// Months lacking the day (the 31st in February) are skipped
		// entirely, never clamped.
		return day.Day() == p.DayOfMonth
	case PatternFrequencyMonthlyByWeekday:
		return isoWeekday(day.Weekday()) == p.Weekdays[0] && nthWeekdayInMonth(day) == p.NthWeekday
	case PatternFrequencyCustomInterval:
		d := daysBetween(firstDay, day)
		return d >= 0 && d%p.IntervalDays == 0
	}
	return false
}

func isHoliday(holidays HolidaySnapshot, t time.Time, loc *time.Location) bool {
	_, ok := holidays.Contains(t, loc)
	return ok
}

func isWeekend(day time.Time) bool {
	wd := day.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func weekdaySetContains(set []int16, wd time.Weekday) bool {
	iso := isoWeekday(wd)
	for _, v := range set {
		if v == iso {
			return true
		}
	}
	return false
}

// isoWeekday maps time.Weekday to ISO numbering, Monday = 1 through
// Sunday = 7.
func isoWeekday(wd time.Weekday) int16 {
	if wd == time.Sunday {
		return 7
	}
	return int16(wd)
}

// nthWeekdayInMonth reports which occurrence of its weekday the day is
// within its month: the 2nd Tuesday yields 2.
func nthWeekdayInMonth(day time.Time) int {
	return (day.Day()-1)/7 + 1
}

// dateOnly truncates t to midnight in loc.
func dateOnly(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// mondayOf returns the Monday beginning t's week, preserving t's location
// and midnight.
func mondayOf(t time.Time) time.Time {
	offset := int(t.Weekday()) - 1
	if t.Weekday() == time.Sunday {
		offset = 6
	}
	return dateOnly(t, t.Location()).AddDate(0, 0, -offset)
}

// daysBetween counts calendar days from a to b, DST-safe: both are reduced
// to UTC dates before subtraction.
func daysBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au) / (24 * time.Hour))
}

// withWallClock places anchor's wall-clock time onto day's date in loc.
func withWallClock(day, anchor time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), loc)
}
