package availability

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/store"
)

// ErrInvalidGranularity is returned when the slot granularity does not
// evenly divide the resource's working span. Rejected before any lock is
// taken.
var ErrInvalidGranularity = errors.New("invalid granularity")

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

type ObstacleType string

const (
	ObstacleAppointment ObstacleType = "appointment"
	ObstacleBlackout    ObstacleType = "blackout"
	ObstacleHoliday     ObstacleType = "holiday"
)

// Obstacle is one reason a candidate interval is not bookable, with enough
// detail for the caller to present alternatives.
type Obstacle struct {
	Type          ObstacleType
	Interval      domain.Interval
	AppointmentID *uuid.UUID
	Reason        string
}

// AppointmentSource lists appointments overlapping a window. Satisfied by
// the repository for advisory reads and by ScheduleTx for the authoritative
// re-check under the reservation lock.
type AppointmentSource interface {
	ListAppointments(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
}

type Service struct {
	repo store.ScheduleRepository
}

func NewService(repo store.ScheduleRepository) *Service {
	return &Service{repo: repo}
}

// OpenSlots computes, for a single calendar date in the resource's
// timezone, the chronological candidate start times where an appointment of
// the given duration fits inside working hours without touching existing
// active appointments (buffer applied on both sides) or blocked time.
// The result is a point-in-time snapshot, not a reservation.
func (s *Service) OpenSlots(ctx context.Context, resourceID uuid.UUID, date time.Time, granularity, duration time.Duration) ([]time.Time, error) {
	if granularity <= 0 {
		return nil, ErrInvalidGranularity
	}
	if duration <= 0 {
		return nil, validationError("duration must be positive")
	}

	res, err := s.repo.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	loc, err := res.Location()
	if err != nil {
		return nil, err
	}

	span := res.WorkingSpan(date.In(loc), loc)
	if span.IsZero() {
		return []time.Time{}, nil
	}
	if span.End.Sub(span.Start)%granularity != 0 {
		return nil, ErrInvalidGranularity
	}

	snap, err := s.repo.LoadHolidaySnapshot(ctx)
	if err != nil {
		return nil, err
	}

	busy, err := s.busyIntervals(ctx, s.repo, res, span.Start, span.End)
	if err != nil {
		return nil, err
	}
	blocked, err := s.blockedRanges(ctx, res, loc, snap, span.Start, span.End)
	if err != nil {
		return nil, err
	}
	obstacles := domain.MergeIntervals(append(busy, blocked...))

	slots := make([]time.Time, 0)
	for t := span.Start; !t.Add(duration).After(span.End); t = t.Add(granularity) {
		candidate := domain.Interval{Start: t, End: t.Add(duration)}
		if !overlapsAny(candidate, obstacles) {
			slots = append(slots, t)
		}
	}
	return slots, nil
}

// IsBlocked answers whether the instant falls inside any blackout or
// holiday for the resource.
func (s *Service) IsBlocked(ctx context.Context, resourceID uuid.UUID, instant time.Time) (bool, error) {
	ranges, err := s.BlockedRanges(ctx, resourceID, instant, instant.Add(time.Nanosecond))
	if err != nil {
		return false, err
	}
	for _, iv := range ranges {
		if iv.Contains(instant) {
			return true, nil
		}
	}
	return false, nil
}

// BlockedRanges returns the union of blackout and holiday time for the
// resource inside the window. Overlapping blackouts reconcile to the most
// restrictive result, and a partial-day blackout abutting a holiday merges
// into one continuous range, never a gap.
func (s *Service) BlockedRanges(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Interval, error) {
	res, err := s.repo.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	loc, err := res.Location()
	if err != nil {
		return nil, err
	}
	snap, err := s.repo.LoadHolidaySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.blockedRanges(ctx, res, loc, snap, windowStart, windowEnd)
}

func (s *Service) blockedRanges(ctx context.Context, res domain.Resource, loc *time.Location, snap domain.HolidaySnapshot, windowStart, windowEnd time.Time) ([]domain.Interval, error) {
	blackouts, err := s.repo.ListBlackouts(ctx, res.ID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	var ivs []domain.Interval
	for _, b := range blackouts {
		ivs = append(ivs, domain.ExpandBlackout(b, loc, windowStart, windowEnd)...)
	}

	for day := dayStart(windowStart, loc); day.Before(windowEnd); day = day.AddDate(0, 0, 1) {
		if blocked := snap.DayBlocked(day, loc); !blocked.IsZero() {
			ivs = append(ivs, blocked)
		}
	}

	return domain.MergeIntervals(ivs), nil
}

// FindConflicts returns every obstacle overlapping the candidate interval,
// in check order: appointments with buffer, blackouts, holidays (unless the
// caller explicitly allows holiday bookings). An empty result is the
// bookable signal. Pure read over a consistent snapshot.
func (s *Service) FindConflicts(ctx context.Context, resourceID uuid.UUID, start time.Time, duration time.Duration, allowHoliday bool) ([]Obstacle, error) {
	res, err := s.repo.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	snap, err := s.repo.LoadHolidaySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.ConflictsAgainst(ctx, s.repo, res, snap, start, duration, allowHoliday)
}

// ConflictsAgainst is FindConflicts over an explicit appointment source and
// holiday snapshot. The booking coordinator re-runs it through the
// transaction under the reservation lock, where its answer is
// authoritative.
func (s *Service) ConflictsAgainst(ctx context.Context, src AppointmentSource, res domain.Resource, snap domain.HolidaySnapshot, start time.Time, duration time.Duration, allowHoliday bool) ([]Obstacle, error) {
	if duration <= 0 {
		return nil, validationError("duration must be positive")
	}
	loc, err := res.Location()
	if err != nil {
		return nil, err
	}

	candidate := domain.Interval{Start: start, End: start.Add(duration)}
	var out []Obstacle

	buffer := res.Buffer()
	appts, err := src.ListAppointments(ctx, res.ID, start.Add(-buffer-duration), candidate.End.Add(buffer+duration))
	if err != nil {
		return nil, err
	}
	for _, a := range appts {
		if !a.Status.Active() {
			continue
		}
		if a.BufferedSpan(buffer).Overlaps(candidate) {
			id := a.ID
			out = append(out, Obstacle{
				Type:          ObstacleAppointment,
				Interval:      a.Span(),
				AppointmentID: &id,
			})
		}
	}

	blackouts, err := s.repo.ListBlackouts(ctx, res.ID, candidate.Start, candidate.End)
	if err != nil {
		return nil, err
	}
	for _, b := range blackouts {
		for _, iv := range domain.ExpandBlackout(b, loc, candidate.Start, candidate.End) {
			if iv.Overlaps(candidate) {
				out = append(out, Obstacle{
					Type:     ObstacleBlackout,
					Interval: iv,
					Reason:   b.Reason,
				})
			}
		}
	}

	if !allowHoliday {
		for day := dayStart(candidate.Start, loc); day.Before(candidate.End); day = day.AddDate(0, 0, 1) {
			if name, ok := snap.Contains(day, loc); ok {
				out = append(out, Obstacle{
					Type:     ObstacleHoliday,
					Interval: snap.DayBlocked(day, loc),
					Reason:   name,
				})
			}
		}
	}

	return out, nil
}

// NearestOpenSlot searches outward from target, within ±searchWindow, for
// the open slot closest to the requested time. The second return value is
// false when the window holds no open slot.
func (s *Service) NearestOpenSlot(ctx context.Context, resourceID uuid.UUID, target time.Time, granularity, duration, searchWindow time.Duration) (time.Time, bool, error) {
	res, err := s.repo.GetResource(ctx, resourceID)
	if err != nil {
		return time.Time{}, false, err
	}
	loc, err := res.Location()
	if err != nil {
		return time.Time{}, false, err
	}

	searchDays := int(searchWindow/(24*time.Hour)) + 1

	var best time.Time
	found := false
	consider := func(t time.Time) {
		if absDuration(t.Sub(target)) > searchWindow {
			return
		}
		if !found || absDuration(t.Sub(target)) < absDuration(best.Sub(target)) {
			best = t
			found = true
		}
	}

	for offset := 0; offset <= searchDays; offset++ {
		days := []int{offset}
		if offset > 0 {
			days = []int{-offset, offset}
		}
		for _, d := range days {
			date := dayStart(target, loc).AddDate(0, 0, d)
			slots, err := s.OpenSlots(ctx, resourceID, date, granularity, duration)
			if err != nil {
				return time.Time{}, false, err
			}
			for _, t := range slots {
				if t.Equal(target) {
					continue
				}
				consider(t)
			}
		}
		// A hit this close cannot be beaten by a farther day.
		if found && absDuration(best.Sub(target)) <= time.Duration(offset)*24*time.Hour {
			break
		}
	}

	return best, found, nil
}

func overlapsAny(candidate domain.Interval, obstacles []domain.Interval) bool {
	// Obstacles are merged and sorted, so a binary search would do, but the
	// per-day obstacle count stays small.
	i := sort.Search(len(obstacles), func(i int) bool {
		return obstacles[i].End.After(candidate.Start)
	})
	return i < len(obstacles) && obstacles[i].Overlaps(candidate)
}

func (s *Service) busyIntervals(ctx context.Context, src AppointmentSource, res domain.Resource, windowStart, windowEnd time.Time) ([]domain.Interval, error) {
	buffer := res.Buffer()
	appts, err := src.ListAppointments(ctx, res.ID, windowStart.Add(-buffer), windowEnd.Add(buffer))
	if err != nil {
		return nil, err
	}
	ivs := make([]domain.Interval, 0, len(appts))
	for _, a := range appts {
		if !a.Status.Active() {
			continue
		}
		ivs = append(ivs, a.BufferedSpan(buffer))
	}
	return ivs, nil
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
