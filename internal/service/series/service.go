// Package series manages recurring appointment series: pattern preview,
// bulk generation through the booking coordinator, per-occurrence
// management, and the series lifecycle state machine.
package series

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/notify"
	"chairtime/backend/internal/service/booking"
	"chairtime/backend/internal/store"
)

// ErrSeriesState rejects an operation the series' current status does not
// permit, such as resuming a cancelled series.
var ErrSeriesState = errors.New("series state does not permit this operation")

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

type Config struct {
	// GenerateWorkers caps in-flight reservations during bulk generation
	// so a series cannot starve other bookings on the resource.
	GenerateWorkers int
	// ExpandBatch is how many candidates are pulled from the expander per
	// round during generation.
	ExpandBatch int
}

func (c Config) withDefaults() Config {
	if c.GenerateWorkers <= 0 {
		c.GenerateWorkers = 4
	}
	if c.ExpandBatch <= 0 {
		c.ExpandBatch = 50
	}
	return c
}

type Service struct {
	repo       store.ScheduleRepository
	booking    *booking.Service
	dispatcher notify.Dispatcher
	log        *slog.Logger
	cfg        Config
}

func NewService(repo store.ScheduleRepository, bookingSvc *booking.Service, dispatcher notify.Dispatcher, log *slog.Logger, cfg Config) *Service {
	return &Service{
		repo:       repo,
		booking:    bookingSvc,
		dispatcher: dispatcher,
		log:        log,
		cfg:        cfg.withDefaults(),
	}
}

// Get loads a series with its pattern.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.RecurringSeries, error) {
	return s.repo.GetSeries(ctx, id)
}

// Preview expands the pattern without persisting anything. Zero limit
// previews the full sequence.
func (s *Service) Preview(ctx context.Context, pattern domain.RecurrencePattern, startDate time.Time, limit int) ([]time.Time, error) {
	if err := pattern.Validate(); err != nil {
		return nil, &ValidationError{msg: err.Error()}
	}
	snap, err := s.repo.LoadHolidaySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > domain.MaxOccurrences {
		limit = domain.MaxOccurrences
	}
	return expandAll(pattern, startDate, snap, limit)
}

// expandAll drains the expander in batches up to limit occurrences.
func expandAll(pattern domain.RecurrencePattern, startDate time.Time, snap domain.HolidaySnapshot, limit int) ([]time.Time, error) {
	var (
		out []time.Time
		cur domain.ExpandCursor
	)
	for len(out) < limit {
		batch := limit - len(out)
		times, next, err := domain.ExpandPattern(pattern, startDate, snap, cur, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, times...)
		if len(times) < batch {
			break
		}
		cur = next
	}
	return out, nil
}

// OccurrenceOutcome is one line of a generation report.
type OccurrenceOutcome struct {
	SequenceNumber int
	RequestedTime  time.Time
	Appointment    *domain.Appointment
	Skipped        bool
	Err            error
}

// GenerationReport accounts for every candidate the expander produced
// during CreateSeries.
type GenerationReport struct {
	Booked  int
	Skipped int
	Failed  int

	Outcomes []OccurrenceOutcome
}

type CreateSeriesInput struct {
	ResourceID uuid.UUID
	ClientID   string
	Pattern    domain.RecurrencePattern
	StartDate  time.Time
}

// CreateSeries validates and persists the pattern, expands it, and drives
// one Reserve per candidate under the pattern's conflict policy.
// Reservations run concurrently with a bounded worker count; the report
// records every outcome in sequence order. Occurrences that conflict under
// the skip policy, or fail to book under reject, count as cancelled so the
// series can still exhaust its plan and complete.
func (s *Service) CreateSeries(ctx context.Context, in CreateSeriesInput) (domain.RecurringSeries, *GenerationReport, error) {
	if in.ResourceID == uuid.Nil {
		return domain.RecurringSeries{}, nil, &ValidationError{msg: "resource_id is required"}
	}
	if in.ClientID == "" {
		return domain.RecurringSeries{}, nil, &ValidationError{msg: "client_id is required"}
	}
	if in.StartDate.IsZero() {
		return domain.RecurringSeries{}, nil, &ValidationError{msg: "start_date is required"}
	}
	if err := in.Pattern.Validate(); err != nil {
		return domain.RecurringSeries{}, nil, &ValidationError{msg: err.Error()}
	}
	if _, err := s.repo.GetResource(ctx, in.ResourceID); err != nil {
		return domain.RecurringSeries{}, nil, err
	}

	snap, err := s.repo.LoadHolidaySnapshot(ctx)
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	candidates, err := expandAll(in.Pattern, in.StartDate, snap, domain.MaxOccurrences)
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	if len(candidates) == 0 {
		return domain.RecurringSeries{}, nil, &ValidationError{msg: "pattern yields no occurrences"}
	}

	var created domain.RecurringSeries
	err = s.repo.InResourceTransaction(ctx, in.ResourceID, func(ctx context.Context, tx store.ScheduleTx) error {
		pattern, err := tx.CreatePattern(ctx, in.Pattern)
		if err != nil {
			return err
		}
		created, err = tx.CreateSeries(ctx, domain.RecurringSeries{
			ResourceID:   in.ResourceID,
			ClientID:     in.ClientID,
			PatternID:    pattern.ID,
			Status:       domain.SeriesStatusActive,
			TotalPlanned: len(candidates),
		})
		if err != nil {
			return err
		}
		created.Pattern = &pattern
		return nil
	})
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}

	report := s.generate(ctx, created, candidates)

	// Skipped and failed occurrences are terminal for their slot in the plan.
	created.CancelledCount += report.Skipped + report.Failed
	if created.Exhausted() && created.Status == domain.SeriesStatusActive {
		created.Status = domain.SeriesStatusCompleted
	}
	err = s.repo.InResourceTransaction(ctx, in.ResourceID, func(ctx context.Context, tx store.ScheduleTx) error {
		updated, err := tx.UpdateSeries(ctx, created)
		if err != nil {
			return err
		}
		created = updated
		return nil
	})
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	return created, report, nil
}

func (s *Service) generate(ctx context.Context, ser domain.RecurringSeries, candidates []time.Time) *GenerationReport {
	outcomes := make([]OccurrenceOutcome, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.GenerateWorkers)
	for i, candidate := range candidates {
		i, candidate := i, candidate
		g.Go(func() error {
			seq := i + 1
			appt, err := s.booking.Reserve(gctx, booking.ReserveInput{
				ResourceID:     ser.ResourceID,
				ClientID:       ser.ClientID,
				StartTime:      candidate,
				Duration:       ser.Pattern.Duration(),
				Policy:         ser.Pattern.Policy,
				AllowHoliday:   !ser.Pattern.SkipHolidays,
				IdempotencyKey: fmt.Sprintf("series:%s:%d", ser.ID, seq),
				SeriesID:       &ser.ID,
				SequenceNumber: &seq,
			})
			switch {
			case err == nil:
				outcomes[i] = OccurrenceOutcome{SequenceNumber: seq, RequestedTime: candidate, Appointment: &appt}
			case errors.Is(err, booking.ErrOccurrenceSkipped):
				outcomes[i] = OccurrenceOutcome{SequenceNumber: seq, RequestedTime: candidate, Skipped: true}
			default:
				s.log.Warn("series occurrence not booked",
					"series_id", ser.ID, "sequence", seq, "requested", candidate, "error", err)
				outcomes[i] = OccurrenceOutcome{SequenceNumber: seq, RequestedTime: candidate, Err: err}
			}
			return nil
		})
	}
	g.Wait()

	report := &GenerationReport{Outcomes: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Appointment != nil:
			report.Booked++
		case o.Skipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}
	return report
}

type OccurrenceAction string

const (
	ActionReschedule OccurrenceAction = "reschedule"
	ActionCancel     OccurrenceAction = "cancel"
	ActionComplete   OccurrenceAction = "complete"
)

type OccurrenceScope string

const (
	ScopeSingle          OccurrenceScope = "single"
	ScopeRemainingSeries OccurrenceScope = "remaining_series"
)

type ManageOccurrenceInput struct {
	AppointmentID uuid.UUID
	Action        OccurrenceAction
	Scope         OccurrenceScope
	// NewStartTime is required for reschedule.
	NewStartTime time.Time
}

// ManageOccurrence applies reschedule, cancel, or complete to one
// occurrence or, with remaining_series scope, to every future pending or
// confirmed occurrence of the series in a single transaction. Past
// occurrences are never touched.
func (s *Service) ManageOccurrence(ctx context.Context, in ManageOccurrenceInput) ([]domain.Appointment, error) {
	switch in.Action {
	case ActionReschedule, ActionCancel, ActionComplete:
	default:
		return nil, &ValidationError{msg: "invalid action"}
	}
	switch in.Scope {
	case "", ScopeSingle, ScopeRemainingSeries:
	default:
		return nil, &ValidationError{msg: "invalid scope"}
	}
	if in.Action == ActionReschedule && in.NewStartTime.IsZero() {
		return nil, &ValidationError{msg: "new_start_time is required for reschedule"}
	}

	appt, err := s.repo.GetAppointment(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if appt.StartTime.Before(now) && in.Action != ActionComplete {
		return nil, &ValidationError{msg: "cannot modify a past occurrence"}
	}
	if !appt.Status.Active() {
		return nil, &ValidationError{msg: "occurrence is not pending or confirmed"}
	}

	if in.Scope == ScopeRemainingSeries {
		if appt.SeriesID == nil {
			return nil, &ValidationError{msg: "appointment does not belong to a series"}
		}
		return s.manageRemaining(ctx, appt, in, now)
	}
	return s.manageSingle(ctx, appt, in)
}

func (s *Service) manageSingle(ctx context.Context, appt domain.Appointment, in ManageOccurrenceInput) ([]domain.Appointment, error) {
	res, err := s.repo.GetResource(ctx, appt.ResourceID)
	if err != nil {
		return nil, err
	}
	snap, err := s.repo.LoadHolidaySnapshot(ctx)
	if err != nil {
		return nil, err
	}

	var updated domain.Appointment
	err = s.repo.InResourceTransaction(ctx, appt.ResourceID, func(ctx context.Context, tx store.ScheduleTx) error {
		var err error
		updated, err = s.applyAction(ctx, tx, res, snap, appt, in.Action, in.NewStartTime)
		if err != nil {
			return err
		}
		if appt.SeriesID != nil {
			if err := s.bumpSeriesCounters(ctx, tx, *appt.SeriesID, in.Action); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishChange(ctx, updated, in.Action)
	return []domain.Appointment{updated}, nil
}

// manageRemaining applies the action to this and every later active
// occurrence atomically: one conflict during a bulk reschedule rolls back
// the whole batch, so a series is never left half moved.
func (s *Service) manageRemaining(ctx context.Context, appt domain.Appointment, in ManageOccurrenceInput, now time.Time) ([]domain.Appointment, error) {
	res, err := s.repo.GetResource(ctx, appt.ResourceID)
	if err != nil {
		return nil, err
	}
	snap, err := s.repo.LoadHolidaySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	shift := in.NewStartTime.Sub(appt.StartTime)

	var updated []domain.Appointment
	err = s.repo.InResourceTransaction(ctx, appt.ResourceID, func(ctx context.Context, tx store.ScheduleTx) error {
		updated = updated[:0]
		all, err := tx.ListSeriesAppointments(ctx, *appt.SeriesID)
		if err != nil {
			return err
		}
		var batch []domain.Appointment
		for _, occ := range all {
			if !occ.Status.Active() || occ.StartTime.Before(now) || occ.StartTime.Before(appt.StartTime) {
				continue
			}
			batch = append(batch, occ)
		}
		// The whole batch vacates its old slots together, so a member's new
		// time must not be checked against a sibling's not-yet-moved slot.
		exclude := make([]uuid.UUID, len(batch))
		for i, occ := range batch {
			exclude[i] = occ.ID
		}
		for _, occ := range batch {
			target := occ.StartTime.Add(shift)
			u, err := s.applyAction(ctx, tx, res, snap, occ, in.Action, target, exclude...)
			if err != nil {
				return err
			}
			updated = append(updated, u)
		}
		return s.bumpSeriesCountersN(ctx, tx, *appt.SeriesID, in.Action, len(updated))
	})
	if err != nil {
		return nil, err
	}

	for _, u := range updated {
		s.publishChange(ctx, u, in.Action)
	}
	return updated, nil
}

func (s *Service) applyAction(ctx context.Context, tx store.ScheduleTx, res domain.Resource, snap domain.HolidaySnapshot, appt domain.Appointment, action OccurrenceAction, newStart time.Time, alsoExclude ...uuid.UUID) (domain.Appointment, error) {
	switch action {
	case ActionCancel:
		appt.Status = domain.AppointmentStatusCancelled
	case ActionComplete:
		appt.Status = domain.AppointmentStatusCompleted
	case ActionReschedule:
		duration := appt.EndTime.Sub(appt.StartTime)
		exclude := append([]uuid.UUID{appt.ID}, alsoExclude...)
		obs, err := s.booking.ConflictsForMove(ctx, tx, res, snap, newStart, duration, exclude...)
		if err != nil {
			return domain.Appointment{}, err
		}
		if len(obs) > 0 {
			return domain.Appointment{}, &booking.ConflictError{Obstacles: obs}
		}
		if appt.OriginalTime == nil {
			orig := appt.StartTime
			appt.OriginalTime = &orig
		}
		appt.StartTime = newStart
		appt.EndTime = newStart.Add(duration)
	}
	return tx.UpdateAppointment(ctx, appt)
}

func (s *Service) bumpSeriesCounters(ctx context.Context, tx store.ScheduleTx, seriesID uuid.UUID, action OccurrenceAction) error {
	return s.bumpSeriesCountersN(ctx, tx, seriesID, action, 1)
}

// bumpSeriesCountersN folds n occurrence outcomes into the series counters
// and auto-completes an active series whose plan is exhausted.
func (s *Service) bumpSeriesCountersN(ctx context.Context, tx store.ScheduleTx, seriesID uuid.UUID, action OccurrenceAction, n int) error {
	if n == 0 || action == ActionReschedule {
		return nil
	}
	ser, err := s.repo.GetSeries(ctx, seriesID)
	if err != nil {
		return err
	}
	switch action {
	case ActionCancel:
		ser.CancelledCount += n
	case ActionComplete:
		ser.CompletedCount += n
	}
	if ser.Exhausted() && ser.Status == domain.SeriesStatusActive {
		ser.Status = domain.SeriesStatusCompleted
	}
	_, err = tx.UpdateSeries(ctx, ser)
	return err
}

func (s *Service) publishChange(ctx context.Context, appt domain.Appointment, action OccurrenceAction) {
	change := notify.ChangeTypeRescheduled
	switch action {
	case ActionCancel:
		change = notify.ChangeTypeCancelled
	case ActionComplete:
		change = notify.ChangeTypeCompleted
	}
	event := notify.OccurrenceChangedEvent{
		AppointmentID: appt.ID,
		ResourceID:    appt.ResourceID,
		ClientID:      appt.ClientID,
		SeriesID:      appt.SeriesID,
		ChangeType:    change,
		StartTime:     appt.StartTime,
		EndTime:       appt.EndTime,
		OccurredAt:    time.Now().UTC(),
	}
	if err := s.dispatcher.NotifyOccurrenceChanged(ctx, event); err != nil {
		s.log.Warn("occurrence notification failed",
			"appointment_id", appt.ID, "change_type", change, "error", err)
	}
}

// Pause stops a series from generating or accepting new occurrences until
// resumed. Existing future occurrences stay booked.
func (s *Service) Pause(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error) {
	return s.transition(ctx, seriesID, domain.SeriesStatusPaused, nil)
}

// Resume re-activates a paused series.
func (s *Service) Resume(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error) {
	return s.transition(ctx, seriesID, domain.SeriesStatusActive, nil)
}

// Cancel terminally cancels the series and, in the same transaction, every
// future pending or confirmed occurrence.
func (s *Service) Cancel(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error) {
	now := time.Now().UTC()
	var cancelled []domain.Appointment
	ser, err := s.transition(ctx, seriesID, domain.SeriesStatusCancelled, func(ctx context.Context, tx store.ScheduleTx, ser *domain.RecurringSeries) error {
		all, err := tx.ListSeriesAppointments(ctx, seriesID)
		if err != nil {
			return err
		}
		for _, occ := range all {
			if !occ.Status.Active() || occ.StartTime.Before(now) {
				continue
			}
			occ.Status = domain.AppointmentStatusCancelled
			u, err := tx.UpdateAppointment(ctx, occ)
			if err != nil {
				return err
			}
			cancelled = append(cancelled, u)
		}
		ser.CancelledCount += len(cancelled)
		return nil
	})
	if err != nil {
		return domain.RecurringSeries{}, err
	}

	for _, occ := range cancelled {
		s.publishChange(ctx, occ, ActionCancel)
	}
	return ser, nil
}

func (s *Service) transition(ctx context.Context, seriesID uuid.UUID, to domain.SeriesStatus, extra func(ctx context.Context, tx store.ScheduleTx, ser *domain.RecurringSeries) error) (domain.RecurringSeries, error) {
	ser, err := s.repo.GetSeries(ctx, seriesID)
	if err != nil {
		return domain.RecurringSeries{}, err
	}
	if !ser.Status.CanTransition(to) {
		return domain.RecurringSeries{}, fmt.Errorf("%s to %s: %w", ser.Status, to, ErrSeriesState)
	}

	err = s.repo.InResourceTransaction(ctx, ser.ResourceID, func(ctx context.Context, tx store.ScheduleTx) error {
		ser.Status = to
		if extra != nil {
			if err := extra(ctx, tx, &ser); err != nil {
				return err
			}
		}
		updated, err := tx.UpdateSeries(ctx, ser)
		if err != nil {
			return err
		}
		updated.Pattern = ser.Pattern
		ser = updated
		return nil
	})
	if err != nil {
		return domain.RecurringSeries{}, err
	}
	return ser, nil
}
