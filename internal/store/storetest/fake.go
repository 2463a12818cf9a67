// Package storetest provides an in-memory ScheduleRepository for service
// and transport tests. It mimics the postgres store's observable behavior:
// sentinel errors, overlap rejection for active appointments, idempotent
// create replay, and per-resource serialization of transactions.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/store"
)

type FakeRepo struct {
	mu           sync.Mutex
	resourceLocks map[uuid.UUID]*sync.Mutex

	Resources    map[uuid.UUID]domain.Resource
	Appointments map[uuid.UUID]domain.Appointment
	Blackouts    map[uuid.UUID]domain.BlackoutInterval
	Holidays     []domain.HolidayDate
	Patterns     map[uuid.UUID]domain.RecurrencePattern
	Series       map[uuid.UUID]domain.RecurringSeries

	// FailCreateAppointment, when set, makes every CreateAppointment return
	// the given error. Lets tests exercise rollback and retry paths.
	FailCreateAppointment error
}

func NewFakeRepo() *FakeRepo {
	return &FakeRepo{
		resourceLocks: make(map[uuid.UUID]*sync.Mutex),
		Resources:    make(map[uuid.UUID]domain.Resource),
		Appointments: make(map[uuid.UUID]domain.Appointment),
		Blackouts:    make(map[uuid.UUID]domain.BlackoutInterval),
		Patterns:     make(map[uuid.UUID]domain.RecurrencePattern),
		Series:       make(map[uuid.UUID]domain.RecurringSeries),
	}
}

var _ store.ScheduleRepository = (*FakeRepo)(nil)

func (f *FakeRepo) GetResource(ctx context.Context, id uuid.UUID) (domain.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Resources[id]
	if !ok {
		return domain.Resource{}, store.ErrNotFound
	}
	return r, nil
}

func (f *FakeRepo) ListResources(ctx context.Context) ([]domain.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Resource, 0, len(f.Resources))
	for _, r := range f.Resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeRepo) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (f *FakeRepo) ListAppointments(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listAppointmentsLocked(resourceID, windowStart, windowEnd), nil
}

func (f *FakeRepo) listAppointmentsLocked(resourceID uuid.UUID, windowStart, windowEnd time.Time) []domain.Appointment {
	out := []domain.Appointment{}
	for _, a := range f.Appointments {
		if a.ResourceID != resourceID {
			continue
		}
		if a.StartTime.Before(windowEnd) && windowStart.Before(a.EndTime) {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out
}

func (f *FakeRepo) ListSeriesAppointments(ctx context.Context, seriesID uuid.UUID) ([]domain.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Appointment{}
	for _, a := range f.Appointments {
		if a.SeriesID != nil && *a.SeriesID == seriesID {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func (f *FakeRepo) GetBlackout(ctx context.Context, id uuid.UUID) (domain.BlackoutInterval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Blackouts[id]
	if !ok {
		return domain.BlackoutInterval{}, store.ErrNotFound
	}
	return b, nil
}

func (f *FakeRepo) ListBlackouts(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.BlackoutInterval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.BlackoutInterval{}
	for _, b := range f.Blackouts {
		if !b.AppliesTo(resourceID) {
			continue
		}
		if b.Recurrence == domain.BlackoutRecurrenceNone &&
			(!b.StartTime.Before(windowEnd) || !windowStart.Before(b.EndTime)) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *FakeRepo) CreateBlackout(ctx context.Context, b domain.BlackoutInterval) (domain.BlackoutInterval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.Must(uuid.NewV7())
	}
	f.Blackouts[b.ID] = b
	return b, nil
}

func (f *FakeRepo) LoadHolidaySnapshot(ctx context.Context) (domain.HolidaySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.NewHolidaySnapshot(int64(len(f.Holidays)), f.Holidays), nil
}

func (f *FakeRepo) GetSeries(ctx context.Context, id uuid.UUID) (domain.RecurringSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Series[id]
	if !ok {
		return domain.RecurringSeries{}, store.ErrNotFound
	}
	if p, ok := f.Patterns[s.PatternID]; ok {
		pc := p
		s.Pattern = &pc
	}
	return s, nil
}

// InResourceTransaction serializes per resource like the advisory lock
// does. The fake has no rollback: writes that succeed before fn errors
// stay, which matches how the tests use it (failures happen before any
// write).
func (f *FakeRepo) InResourceTransaction(ctx context.Context, resourceID uuid.UUID, fn func(ctx context.Context, tx store.ScheduleTx) error) error {
	f.mu.Lock()
	lk, ok := f.resourceLocks[resourceID]
	if !ok {
		lk = &sync.Mutex{}
		f.resourceLocks[resourceID] = lk
	}
	f.mu.Unlock()

	lk.Lock()
	defer lk.Unlock()
	return fn(ctx, &fakeTx{repo: f})
}

type fakeTx struct {
	repo *FakeRepo
}

var _ store.ScheduleTx = (*fakeTx)(nil)

func (tx *fakeTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	f := tx.repo
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailCreateAppointment != nil {
		return domain.Appointment{}, f.FailCreateAppointment
	}

	if appt.ID != uuid.Nil {
		if existing, ok := f.Appointments[appt.ID]; ok {
			if existing.ResourceID == appt.ResourceID &&
				existing.ClientID == appt.ClientID &&
				existing.StartTime.Equal(appt.StartTime) &&
				existing.EndTime.Equal(appt.EndTime) {
				return existing, nil
			}
			return domain.Appointment{}, store.ErrIdempotencyConflict
		}
	}

	for _, other := range f.Appointments {
		if other.ResourceID != appt.ResourceID || !other.Status.Active() {
			continue
		}
		if other.StartTime.Before(appt.EndTime) && appt.StartTime.Before(other.EndTime) {
			return domain.Appointment{}, store.ErrConflict
		}
	}

	if appt.ID == uuid.Nil {
		appt.ID = uuid.Must(uuid.NewV7())
	}
	if appt.Status == "" {
		appt.Status = domain.AppointmentStatusPending
	}
	f.Appointments[appt.ID] = appt
	return appt, nil
}

func (tx *fakeTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	f := tx.repo
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Appointments[appt.ID]; !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	f.Appointments[appt.ID] = appt
	return appt, nil
}

func (tx *fakeTx) ListAppointments(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	f := tx.repo
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listAppointmentsLocked(resourceID, windowStart, windowEnd), nil
}

func (tx *fakeTx) ListSeriesAppointments(ctx context.Context, seriesID uuid.UUID) ([]domain.Appointment, error) {
	return tx.repo.ListSeriesAppointments(ctx, seriesID)
}

func (tx *fakeTx) CreatePattern(ctx context.Context, p domain.RecurrencePattern) (domain.RecurrencePattern, error) {
	f := tx.repo
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.Must(uuid.NewV7())
	}
	f.Patterns[p.ID] = p
	return p, nil
}

func (tx *fakeTx) CreateSeries(ctx context.Context, s domain.RecurringSeries) (domain.RecurringSeries, error) {
	f := tx.repo
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.Must(uuid.NewV7())
	}
	if s.Status == "" {
		s.Status = domain.SeriesStatusActive
	}
	f.Series[s.ID] = s
	return s, nil
}

func (tx *fakeTx) UpdateSeries(ctx context.Context, s domain.RecurringSeries) (domain.RecurringSeries, error) {
	f := tx.repo
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Series[s.ID]; !ok {
		return domain.RecurringSeries{}, store.ErrNotFound
	}
	f.Series[s.ID] = s
	return s, nil
}

func sortAppointments(appts []domain.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		return appts[i].StartTime.Before(appts[j].StartTime)
	})
}
