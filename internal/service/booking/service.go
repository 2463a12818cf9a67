// Package booking serializes appointment creation. Every write goes
// through a two-layer guard: a short-lived distributed lock on the
// (resource, time-bucket) pair keeps concurrent hot-slot requests from
// piling onto the database, and the per-resource advisory transaction plus
// the no-overlap exclusion constraint remain the authority, so a lost or
// expired lock degrades throughput, never correctness.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/lock"
	"chairtime/backend/internal/notify"
	"chairtime/backend/internal/service/availability"
	"chairtime/backend/internal/store"
)

// idempotencyNamespace salts client idempotency keys into deterministic
// appointment IDs. Changing it would break replay of in-flight requests.
var idempotencyNamespace = uuid.MustParse("7b0dca4a-9a3e-4a0b-8f6d-2f3f6a1df1c2")

type Config struct {
	// LockTTL bounds how long a crashed holder can block a bucket.
	LockTTL time.Duration
	// LockWait is the acquisition budget before ErrLockTimeout.
	LockWait time.Duration
	// SlotGranularity defines the lock bucket width and the step used by
	// nearest-slot searches.
	SlotGranularity time.Duration
	// RescheduleWindow bounds the reschedule_nearest search around the
	// requested time.
	RescheduleWindow time.Duration
	// ReconcileHorizon is how far ahead blackout reconciliation looks for
	// affected appointments.
	ReconcileHorizon time.Duration
	// ReconcileWorkers caps concurrent per-resource reconciliation.
	ReconcileWorkers int
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.SlotGranularity <= 0 {
		c.SlotGranularity = 30 * time.Minute
	}
	if c.RescheduleWindow <= 0 {
		c.RescheduleWindow = 14 * 24 * time.Hour
	}
	if c.ReconcileHorizon <= 0 {
		c.ReconcileHorizon = 90 * 24 * time.Hour
	}
	if c.ReconcileWorkers <= 0 {
		c.ReconcileWorkers = 4
	}
	return c
}

type Service struct {
	repo       store.ScheduleRepository
	avail      *availability.Service
	locker     lock.Locker
	dispatcher notify.Dispatcher
	log        *slog.Logger
	cfg        Config
}

func NewService(repo store.ScheduleRepository, avail *availability.Service, locker lock.Locker, dispatcher notify.Dispatcher, log *slog.Logger, cfg Config) *Service {
	return &Service{
		repo:       repo,
		avail:      avail,
		locker:     locker,
		dispatcher: dispatcher,
		log:        log,
		cfg:        cfg.withDefaults(),
	}
}

type ReserveInput struct {
	ResourceID uuid.UUID
	ClientID   string
	StartTime  time.Time
	Duration   time.Duration

	// Policy picks the behavior when the requested time conflicts.
	// Defaults to reject.
	Policy       domain.ConflictPolicy
	AllowHoliday bool

	// IdempotencyKey, when set, makes retries of the same logical request
	// return the already-created appointment instead of a duplicate.
	IdempotencyKey string

	SeriesID       *uuid.UUID
	SequenceNumber *int
}

func (in ReserveInput) validate() error {
	if in.ResourceID == uuid.Nil {
		return &ValidationError{msg: "resource_id is required"}
	}
	if in.ClientID == "" {
		return &ValidationError{msg: "client_id is required"}
	}
	if in.StartTime.IsZero() {
		return &ValidationError{msg: "start_time is required"}
	}
	if in.Duration <= 0 {
		return &ValidationError{msg: "duration must be positive"}
	}
	if in.Policy != "" && !in.Policy.Valid() {
		return &ValidationError{msg: "invalid conflict policy"}
	}
	return nil
}

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

// Reserve books an appointment at the requested time, applying the
// conflict policy when the slot is contested. The requested time is bucket
// locked first, then re-checked inside the resource transaction where the
// answer is authoritative.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (domain.Appointment, error) {
	if err := in.validate(); err != nil {
		return domain.Appointment{}, err
	}
	if in.Policy == "" {
		in.Policy = domain.ConflictPolicyReject
	}

	res, err := s.repo.GetResource(ctx, in.ResourceID)
	if err != nil {
		return domain.Appointment{}, err
	}
	snap, err := s.repo.LoadHolidaySnapshot(ctx)
	if err != nil {
		return domain.Appointment{}, err
	}

	key := s.lockKey(in.ResourceID, in.StartTime)
	token, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("failed to release reservation lock", "key", key, "error", err)
		}
	}()

	appt, obstacles, err := s.attempt(ctx, res, snap, in, in.StartTime, nil)
	if err != nil {
		return domain.Appointment{}, err
	}
	if obstacles == nil {
		s.publish(ctx, appt, notify.ChangeTypeBooked)
		return appt, nil
	}

	switch in.Policy {
	case domain.ConflictPolicyReject:
		return domain.Appointment{}, &ConflictError{Obstacles: obstacles}
	case domain.ConflictPolicySkip:
		return domain.Appointment{}, ErrOccurrenceSkipped
	case domain.ConflictPolicyRescheduleNearest:
		return s.rescheduleNearest(ctx, res, snap, in)
	default:
		return domain.Appointment{}, &ValidationError{msg: "invalid conflict policy"}
	}
}

// rescheduleNearest retries at the closest open slot. A retry loop absorbs
// the race where another writer takes the alternative between the search
// and the insert; each failed attempt removes that slot from the next
// search.
func (s *Service) rescheduleNearest(ctx context.Context, res domain.Resource, snap domain.HolidaySnapshot, in ReserveInput) (domain.Appointment, error) {
	const maxAttempts = 3

	original := in.StartTime
	for attempt := 0; attempt < maxAttempts; attempt++ {
		alt, ok, err := s.avail.NearestOpenSlot(ctx, in.ResourceID, original, s.cfg.SlotGranularity, in.Duration, s.cfg.RescheduleWindow)
		if err != nil {
			return domain.Appointment{}, err
		}
		if !ok {
			return domain.Appointment{}, ErrNoAlternativeSlot
		}

		appt, obstacles, err := s.attempt(ctx, res, snap, in, alt, &original)
		if err != nil {
			return domain.Appointment{}, err
		}
		if obstacles == nil {
			s.log.Info("rescheduled conflicting reservation",
				"resource_id", res.ID, "requested", original, "booked", alt)
			s.publish(ctx, appt, notify.ChangeTypeRescheduled)
			return appt, nil
		}
	}
	return domain.Appointment{}, ErrNoAlternativeSlot
}

// attempt runs one authoritative insert try. A nil obstacle slice with a
// nil error means the appointment was created; a non-nil slice means the
// transaction rolled back because the slot was contested.
func (s *Service) attempt(ctx context.Context, res domain.Resource, snap domain.HolidaySnapshot, in ReserveInput, start time.Time, original *time.Time) (domain.Appointment, []availability.Obstacle, error) {
	var (
		created   domain.Appointment
		conflicts []availability.Obstacle
	)
	errConflict := errors.New("slot contested")
	id := s.appointmentID(in)

	if id != uuid.Nil {
		existing, err := s.repo.GetAppointment(ctx, id)
		switch {
		case err == nil:
			if isReplay(existing, res.ID, in.ClientID, start, in.Duration) {
				return existing, nil, nil
			}
			return domain.Appointment{}, nil, store.ErrIdempotencyConflict
		case !errors.Is(err, store.ErrNotFound):
			return domain.Appointment{}, nil, err
		}
	}

	err := s.repo.InResourceTransaction(ctx, res.ID, func(ctx context.Context, tx store.ScheduleTx) error {
		obs, err := s.avail.ConflictsAgainst(ctx, tx, res, snap, start, in.Duration, in.AllowHoliday)
		if err != nil {
			return err
		}
		if id != uuid.Nil {
			// A retry carrying the same idempotency key sees its earlier
			// insert as busy time. Strip it so the create below can replay
			// the stored row instead of reporting the slot contested.
			obs = withoutAppointments(obs, id)
		}
		if len(obs) > 0 {
			conflicts = obs
			return errConflict
		}

		appt := domain.Appointment{
			ID:             id,
			ResourceID:     res.ID,
			ClientID:       in.ClientID,
			StartTime:      start,
			EndTime:        start.Add(in.Duration),
			Status:         domain.AppointmentStatusPending,
			SeriesID:       in.SeriesID,
			SequenceNumber: in.SequenceNumber,
			OriginalTime:   original,
		}
		created, err = tx.CreateAppointment(ctx, appt)
		return err
	})
	if err != nil {
		if errors.Is(err, errConflict) {
			return domain.Appointment{}, conflicts, nil
		}
		if errors.Is(err, store.ErrConflict) {
			// The exclusion constraint caught a writer that did not go
			// through the bucket lock.
			return domain.Appointment{}, []availability.Obstacle{{Type: availability.ObstacleAppointment}}, nil
		}
		return domain.Appointment{}, nil, err
	}
	return created, nil, nil
}

// isReplay reports whether the stored appointment is the outcome of an
// earlier call with the same idempotency key and input. The requested time
// matches either the booked slot or, when the booking was moved,
// original_time.
func isReplay(existing domain.Appointment, resourceID uuid.UUID, clientID string, start time.Time, duration time.Duration) bool {
	if existing.ResourceID != resourceID || existing.ClientID != clientID {
		return false
	}
	if existing.EndTime.Sub(existing.StartTime) != duration {
		return false
	}
	if existing.StartTime.Equal(start) {
		return true
	}
	return existing.OriginalTime != nil && existing.OriginalTime.Equal(start)
}

func (s *Service) appointmentID(in ReserveInput) uuid.UUID {
	if in.IdempotencyKey == "" {
		return uuid.Nil
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(in.IdempotencyKey))
}

// lockKey buckets the requested time by slot granularity. Requests for the
// same bucket contend; everything else proceeds in parallel.
func (s *Service) lockKey(resourceID uuid.UUID, start time.Time) string {
	bucket := start.UTC().Truncate(s.cfg.SlotGranularity).Unix()
	return fmt.Sprintf("reserve:%s:%d", resourceID, bucket)
}

func (s *Service) publish(ctx context.Context, appt domain.Appointment, change notify.ChangeType) {
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

type CreateBlackoutInput struct {
	ResourceID     *uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	FullDay        bool
	Recurrence     domain.BlackoutRecurrence
	Reason         string
	AutoReschedule bool
}

func (in CreateBlackoutInput) validate() error {
	if in.StartTime.IsZero() {
		return &ValidationError{msg: "start_time is required"}
	}
	if !in.FullDay && !in.StartTime.Before(in.EndTime) {
		return &ValidationError{msg: "end_time must be after start_time"}
	}
	switch in.Recurrence {
	case "", domain.BlackoutRecurrenceNone, domain.BlackoutRecurrenceWeekly,
		domain.BlackoutRecurrenceMonthly, domain.BlackoutRecurrenceYearly:
	default:
		return &ValidationError{msg: "invalid recurrence"}
	}
	return nil
}

// CreateBlackout registers the blackout. Existing appointments are not
// touched here; ReconcileBlackout sweeps them asynchronously so blackout
// creation stays fast.
func (s *Service) CreateBlackout(ctx context.Context, in CreateBlackoutInput) (domain.BlackoutInterval, error) {
	if err := in.validate(); err != nil {
		return domain.BlackoutInterval{}, err
	}
	rec := in.Recurrence
	if rec == "" {
		rec = domain.BlackoutRecurrenceNone
	}
	end := in.EndTime
	if in.FullDay {
		end = in.StartTime.AddDate(0, 0, 1)
	}
	b := domain.BlackoutInterval{
		ResourceID:     in.ResourceID,
		StartTime:      in.StartTime,
		EndTime:        end,
		FullDay:        in.FullDay,
		Recurrence:     rec,
		Reason:         in.Reason,
		AutoReschedule: in.AutoReschedule,
	}
	return s.repo.CreateBlackout(ctx, b)
}

// ReconcileBlackout applies a new blackout to appointments already on the
// books: auto_reschedule moves each one to the nearest open slot, anything
// unmovable (or any blackout without auto_reschedule) is flagged for manual
// review. Resources are swept concurrently with a bounded worker count;
// per-appointment failures are logged and do not stop the sweep.
func (s *Service) ReconcileBlackout(ctx context.Context, blackoutID uuid.UUID) error {
	b, err := s.repo.GetBlackout(ctx, blackoutID)
	if err != nil {
		return err
	}

	var resources []domain.Resource
	if b.ResourceID != nil {
		res, err := s.repo.GetResource(ctx, *b.ResourceID)
		if err != nil {
			return err
		}
		resources = []domain.Resource{res}
	} else {
		resources, err = s.repo.ListResources(ctx)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	horizon := now.Add(s.cfg.ReconcileHorizon)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReconcileWorkers)
	for _, res := range resources {
		res := res
		g.Go(func() error {
			if err := s.reconcileResource(gctx, b, res, now, horizon); err != nil {
				s.log.Error("blackout reconciliation failed for resource",
					"blackout_id", b.ID, "resource_id", res.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) reconcileResource(ctx context.Context, b domain.BlackoutInterval, res domain.Resource, now, horizon time.Time) error {
	loc, err := res.Location()
	if err != nil {
		return err
	}
	blocked := domain.ExpandBlackout(b, loc, now, horizon)
	if len(blocked) == 0 {
		return nil
	}

	appts, err := s.repo.ListAppointments(ctx, res.ID, now, horizon)
	if err != nil {
		return err
	}
	snap, err := s.repo.LoadHolidaySnapshot(ctx)
	if err != nil {
		return err
	}

	for _, appt := range appts {
		if !appt.Status.Active() || !overlapsAny(appt.Span(), blocked) {
			continue
		}
		if b.AutoReschedule {
			if err := s.moveAppointment(ctx, res, snap, appt); err != nil {
				s.log.Warn("could not auto-reschedule appointment, flagging for review",
					"appointment_id", appt.ID, "error", err)
				if err := s.flagForReview(ctx, res, appt); err != nil {
					return err
				}
			}
			continue
		}
		if err := s.flagForReview(ctx, res, appt); err != nil {
			return err
		}
	}
	return nil
}

// moveAppointment shifts an existing appointment to the nearest open slot,
// recording where it originally sat.
func (s *Service) moveAppointment(ctx context.Context, res domain.Resource, snap domain.HolidaySnapshot, appt domain.Appointment) error {
	duration := appt.EndTime.Sub(appt.StartTime)
	alt, ok, err := s.avail.NearestOpenSlot(ctx, res.ID, appt.StartTime, s.cfg.SlotGranularity, duration, s.cfg.RescheduleWindow)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoAlternativeSlot
	}

	errContested := errors.New("slot contested")
	err = s.repo.InResourceTransaction(ctx, res.ID, func(ctx context.Context, tx store.ScheduleTx) error {
		obs, err := s.ConflictsForMove(ctx, tx, res, snap, alt, duration, appt.ID)
		if err != nil {
			return err
		}
		if len(obs) > 0 {
			return errContested
		}

		moved := appt
		if moved.OriginalTime == nil {
			orig := appt.StartTime
			moved.OriginalTime = &orig
		}
		moved.StartTime = alt
		moved.EndTime = alt.Add(duration)
		updated, err := tx.UpdateAppointment(ctx, moved)
		if err != nil {
			return err
		}
		appt = updated
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, appt, notify.ChangeTypeRescheduled)
	return nil
}

// ConflictsForMove re-checks a proposed new time for an existing
// appointment through the transaction, ignoring the current slots of the
// excluded appointments. A bulk reschedule excludes its whole batch, since
// every member vacates its old slot in the same transaction.
func (s *Service) ConflictsForMove(ctx context.Context, tx store.ScheduleTx, res domain.Resource, snap domain.HolidaySnapshot, start time.Time, duration time.Duration, excludeIDs ...uuid.UUID) ([]availability.Obstacle, error) {
	obs, err := s.avail.ConflictsAgainst(ctx, tx, res, snap, start, duration, false)
	if err != nil {
		return nil, err
	}
	return withoutAppointments(obs, excludeIDs...), nil
}

func (s *Service) flagForReview(ctx context.Context, res domain.Resource, appt domain.Appointment) error {
	if appt.NeedsReview {
		return nil
	}
	err := s.repo.InResourceTransaction(ctx, res.ID, func(ctx context.Context, tx store.ScheduleTx) error {
		flagged := appt
		flagged.NeedsReview = true
		updated, err := tx.UpdateAppointment(ctx, flagged)
		if err != nil {
			return err
		}
		appt = updated
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, appt, notify.ChangeTypeNeedsReview)
	return nil
}

func overlapsAny(iv domain.Interval, ivs []domain.Interval) bool {
	for _, other := range ivs {
		if iv.Overlaps(other) {
			return true
		}
	}
	return false
}

func withoutAppointments(obs []availability.Obstacle, ids ...uuid.UUID) []availability.Obstacle {
	out := obs[:0]
	for _, o := range obs {
		if o.Type == availability.ObstacleAppointment && o.AppointmentID != nil && containsID(ids, *o.AppointmentID) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
