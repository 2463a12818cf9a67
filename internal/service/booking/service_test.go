package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/lock"
	"chairtime/backend/internal/notify"
	"chairtime/backend/internal/service/availability"
	"chairtime/backend/internal/store"
	"chairtime/backend/internal/store/storetest"
	"chairtime/backend/internal/testutil"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.OccurrenceChangedEvent
}

func (d *recordingDispatcher) NotifyOccurrenceChanged(ctx context.Context, event notify.OccurrenceChangedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) byType(ct notify.ChangeType) []notify.OccurrenceChangedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []notify.OccurrenceChangedEvent
	for _, e := range d.events {
		if e.ChangeType == ct {
			out = append(out, e)
		}
	}
	return out
}

type timeoutLocker struct{}

func (timeoutLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (string, error) {
	return "", lock.ErrLockTimeout
}

func (timeoutLocker) Release(ctx context.Context, key, token string) error { return nil }

func newTestService(repo *storetest.FakeRepo, dispatcher notify.Dispatcher) *Service {
	avail := availability.NewService(repo)
	return NewService(repo, avail, lock.NewMemoryLocker(), dispatcher, testutil.DiscardLogger(), Config{})
}

func mondayResource(t *testing.T, repo *storetest.FakeRepo, bufferMinutes int) domain.Resource {
	t.Helper()
	var hours domain.WorkingHours
	for wd := time.Monday; wd <= time.Friday; wd++ {
		hours[wd] = domain.DayHours{Enabled: true, OpenMinute: 9 * 60, CloseMinute: 17 * 60}
	}
	res := domain.Resource{
		ID:            uuid.Must(uuid.NewV7()),
		OrgID:         "org-1",
		Name:          "chair-1",
		Timezone:      "UTC",
		Hours:         hours,
		BufferMinutes: bufferMinutes,
	}
	repo.Resources[res.ID] = res
	return res
}

func TestReserve_BooksOpenSlot(t *testing.T) {
	repo := storetest.NewFakeRepo()
	dispatcher := &recordingDispatcher{}
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, dispatcher)

	start := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	appt, err := svc.Reserve(context.Background(), ReserveInput{
		ResourceID: res.ID,
		ClientID:   "client-1",
		StartTime:  start,
		Duration:   time.Hour,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if appt.ID == uuid.Nil {
		t.Fatal("appointment has no id")
	}
	if !appt.StartTime.Equal(start) || !appt.EndTime.Equal(start.Add(time.Hour)) {
		t.Fatalf("booked [%v, %v), want [%v, %v)", appt.StartTime, appt.EndTime, start, start.Add(time.Hour))
	}
	if appt.Status != domain.AppointmentStatusPending {
		t.Fatalf("status = %s, want pending", appt.Status)
	}
	if got := dispatcher.byType(notify.ChangeTypeBooked); len(got) != 1 {
		t.Fatalf("got %d booked events, want 1", len(got))
	}
}

func TestReserve_RejectPolicyReturnsObstacles(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, &recordingDispatcher{})

	start := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	first := ReserveInput{
		ResourceID: res.ID,
		ClientID:   "client-1",
		StartTime:  start,
		Duration:   time.Hour,
	}
	if _, err := svc.Reserve(context.Background(), first); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	second := first
	second.ClientID = "client-2"
	_, err := svc.Reserve(context.Background(), second)

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *ConflictError", err)
	}
	if len(conflict.Obstacles) != 1 || conflict.Obstacles[0].Type != availability.ObstacleAppointment {
		t.Fatalf("obstacles = %+v, want one appointment obstacle", conflict.Obstacles)
	}
}

func TestReserve_IdempotentReplayReturnsExisting(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, &recordingDispatcher{})

	in := ReserveInput{
		ResourceID:     res.ID,
		ClientID:       "client-1",
		StartTime:      time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC),
		Duration:       time.Hour,
		IdempotencyKey: "req-42",
	}
	first, err := svc.Reserve(context.Background(), in)
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	replay, err := svc.Reserve(context.Background(), in)
	if err != nil {
		t.Fatalf("replay Reserve: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay id = %s, want %s", replay.ID, first.ID)
	}
	if len(repo.Appointments) != 1 {
		t.Fatalf("got %d appointments after replay, want 1", len(repo.Appointments))
	}
}

func TestReserve_ReplayAfterRescheduleReturnsMovedAppointment(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, &recordingDispatcher{})

	requested := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	seed := ReserveInput{
		ResourceID: res.ID,
		ClientID:   "client-1",
		StartTime:  requested,
		Duration:   time.Hour,
	}
	if _, err := svc.Reserve(context.Background(), seed); err != nil {
		t.Fatalf("seed Reserve: %v", err)
	}

	in := seed
	in.ClientID = "client-2"
	in.Policy = domain.ConflictPolicyRescheduleNearest
	in.IdempotencyKey = "req-7"
	first, err := svc.Reserve(context.Background(), in)
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	// The booking was moved off the requested time; a retry of the same
	// request must find it via original_time.
	replay, err := svc.Reserve(context.Background(), in)
	if err != nil {
		t.Fatalf("replay Reserve: %v", err)
	}
	if replay.ID != first.ID || !replay.StartTime.Equal(first.StartTime) {
		t.Fatalf("replay = %s at %v, want %s at %v", replay.ID, replay.StartTime, first.ID, first.StartTime)
	}
	if len(repo.Appointments) != 2 {
		t.Fatalf("got %d appointments after replay, want 2", len(repo.Appointments))
	}
}

func TestReserve_IdempotencyKeyReusedForDifferentSlot(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, &recordingDispatcher{})

	in := ReserveInput{
		ResourceID:     res.ID,
		ClientID:       "client-1",
		StartTime:      time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC),
		Duration:       time.Hour,
		IdempotencyKey: "req-42",
	}
	if _, err := svc.Reserve(context.Background(), in); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	in.StartTime = in.StartTime.Add(3 * time.Hour)
	_, err := svc.Reserve(context.Background(), in)
	if !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}
}

func TestReserve_SkipPolicy(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, &recordingDispatcher{})

	start := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	in := ReserveInput{
		ResourceID: res.ID,
		ClientID:   "client-1",
		StartTime:  start,
		Duration:   time.Hour,
	}
	if _, err := svc.Reserve(context.Background(), in); err != nil {
		t.Fatalf("seed Reserve: %v", err)
	}

	in.ClientID = "client-2"
	in.Policy = domain.ConflictPolicySkip
	_, err := svc.Reserve(context.Background(), in)
	if !errors.Is(err, ErrOccurrenceSkipped) {
		t.Fatalf("err = %v, want ErrOccurrenceSkipped", err)
	}
}

func TestReserve_RescheduleNearestMovesAndRecordsOriginal(t *testing.T) {
	repo := storetest.NewFakeRepo()
	dispatcher := &recordingDispatcher{}
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, dispatcher)

	requested := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	seed := ReserveInput{
		ResourceID: res.ID,
		ClientID:   "client-1",
		StartTime:  requested,
		Duration:   time.Hour,
	}
	if _, err := svc.Reserve(context.Background(), seed); err != nil {
		t.Fatalf("seed Reserve: %v", err)
	}

	in := seed
	in.ClientID = "client-2"
	in.Policy = domain.ConflictPolicyRescheduleNearest
	appt, err := svc.Reserve(context.Background(), in)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if appt.StartTime.Equal(requested) {
		t.Fatal("rescheduled appointment kept the contested time")
	}
	if appt.OriginalTime == nil || !appt.OriginalTime.Equal(requested) {
		t.Fatalf("original_time = %v, want %v", appt.OriginalTime, requested)
	}
	diff := appt.StartTime.Sub(requested)
	if diff < 0 {
		diff = -diff
	}
	if diff != time.Hour {
		t.Fatalf("moved %v from the request, want the adjacent slot one hour away", diff)
	}
	if got := dispatcher.byType(notify.ChangeTypeRescheduled); len(got) != 1 {
		t.Fatalf("got %d rescheduled events, want 1", len(got))
	}
}

func TestReserve_NoAlternativeSlot(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, &recordingDispatcher{})

	// A month-long global blackout leaves the ±14 day search window empty.
	repo.Blackouts[uuid.Must(uuid.NewV7())] = domain.BlackoutInterval{
		ID:         uuid.Must(uuid.NewV7()),
		StartTime:  time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: domain.BlackoutRecurrenceNone,
		Reason:     "renovation",
	}

	_, err := svc.Reserve(context.Background(), ReserveInput{
		ResourceID: res.ID,
		ClientID:   "client-1",
		StartTime:  time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC),
		Duration:   time.Hour,
		Policy:     domain.ConflictPolicyRescheduleNearest,
	})
	if !errors.Is(err, ErrNoAlternativeSlot) {
		t.Fatalf("err = %v, want ErrNoAlternativeSlot", err)
	}
}

func TestReserve_LockTimeoutPropagates(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := mondayResource(t, repo, 0)
	avail := availability.NewService(repo)
	svc := NewService(repo, avail, timeoutLocker{}, &recordingDispatcher{}, testutil.DiscardLogger(), Config{})

	_, err := svc.Reserve(context.Background(), ReserveInput{
		ResourceID: res.ID,
		ClientID:   "client-1",
		StartTime:  time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC),
		Duration:   time.Hour,
	})
	if !errors.Is(err, lock.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}

func TestReserve_ConcurrentSameSlotSingleWinner(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, &recordingDispatcher{})

	start := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	const callers = 50

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), ReserveInput{
				ResourceID: res.ID,
				ClientID:   "client-1",
				StartTime:  start,
				Duration:   time.Hour,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			default:
				var conflict *ConflictError
				if errors.As(err, &conflict) {
					conflicts++
				} else if !errors.Is(err, lock.ErrLockTimeout) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("%d reservations won, want exactly 1", won)
	}
	if len(repo.Appointments) != 1 {
		t.Fatalf("%d appointments stored, want 1", len(repo.Appointments))
	}
}

func TestCreateBlackout_Validation(t *testing.T) {
	repo := storetest.NewFakeRepo()
	svc := newTestService(repo, &recordingDispatcher{})

	tests := []struct {
		name string
		in   CreateBlackoutInput
	}{
		{"zero start", CreateBlackoutInput{EndTime: time.Now()}},
		{"end before start", CreateBlackoutInput{
			StartTime: time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC),
			EndTime:   time.Date(2025, 6, 9, 11, 0, 0, 0, time.UTC),
		}},
		{"bad recurrence", CreateBlackoutInput{
			StartTime:  time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC),
			EndTime:    time.Date(2025, 6, 9, 13, 0, 0, 0, time.UTC),
			Recurrence: "fortnightly",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateBlackout(context.Background(), tt.in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
		})
	}
}

func TestReconcileBlackout_AutoRescheduleMoves(t *testing.T) {
	repo := storetest.NewFakeRepo()
	dispatcher := &recordingDispatcher{}
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, dispatcher)

	start := futureMonday().Add(10 * time.Hour)
	booked, err := svc.Reserve(context.Background(), ReserveInput{
		ResourceID: res.ID,
		ClientID:   "client-1",
		StartTime:  start,
		Duration:   time.Hour,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	b, err := svc.CreateBlackout(context.Background(), CreateBlackoutInput{
		ResourceID:     &res.ID,
		StartTime:      start.Add(-time.Hour),
		EndTime:        start.Add(2 * time.Hour),
		Reason:         "equipment repair",
		AutoReschedule: true,
	})
	if err != nil {
		t.Fatalf("CreateBlackout: %v", err)
	}
	if err := svc.ReconcileBlackout(context.Background(), b.ID); err != nil {
		t.Fatalf("ReconcileBlackout: %v", err)
	}

	moved := repo.Appointments[booked.ID]
	if moved.StartTime.Equal(start) {
		t.Fatal("appointment was not moved off the blackout")
	}
	if moved.OriginalTime == nil || !moved.OriginalTime.Equal(start) {
		t.Fatalf("original_time = %v, want %v", moved.OriginalTime, start)
	}
	if moved.NeedsReview {
		t.Fatal("moved appointment should not be flagged for review")
	}
	if got := dispatcher.byType(notify.ChangeTypeRescheduled); len(got) != 1 {
		t.Fatalf("got %d rescheduled events, want 1", len(got))
	}
}

func TestReconcileBlackout_FlagsForReviewWithoutAutoReschedule(t *testing.T) {
	repo := storetest.NewFakeRepo()
	dispatcher := &recordingDispatcher{}
	res := mondayResource(t, repo, 0)
	svc := newTestService(repo, dispatcher)

	start := futureMonday().Add(10 * time.Hour)
	booked, err := svc.Reserve(context.Background(), ReserveInput{
		ResourceID: res.ID,
		ClientID:   "client-1",
		StartTime:  start,
		Duration:   time.Hour,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	b, err := svc.CreateBlackout(context.Background(), CreateBlackoutInput{
		ResourceID: &res.ID,
		StartTime:  start,
		EndTime:    start.Add(time.Hour),
		Reason:     "staff meeting",
	})
	if err != nil {
		t.Fatalf("CreateBlackout: %v", err)
	}
	if err := svc.ReconcileBlackout(context.Background(), b.ID); err != nil {
		t.Fatalf("ReconcileBlackout: %v", err)
	}

	flagged := repo.Appointments[booked.ID]
	if !flagged.NeedsReview {
		t.Fatal("appointment should be flagged for review")
	}
	if !flagged.StartTime.Equal(start) {
		t.Fatal("flagged appointment must keep its time")
	}
	if got := dispatcher.byType(notify.ChangeTypeNeedsReview); len(got) != 1 {
		t.Fatalf("got %d needs_review events, want 1", len(got))
	}
}

func TestReconcileBlackout_GlobalBlackoutSweepsAllResources(t *testing.T) {
	repo := storetest.NewFakeRepo()
	dispatcher := &recordingDispatcher{}
	resA := mondayResource(t, repo, 0)
	resB := mondayResource(t, repo, 0)
	svc := newTestService(repo, dispatcher)

	start := futureMonday().Add(10 * time.Hour)
	for _, res := range []domain.Resource{resA, resB} {
		_, err := svc.Reserve(context.Background(), ReserveInput{
			ResourceID: res.ID,
			ClientID:   "client-1",
			StartTime:  start,
			Duration:   time.Hour,
		})
		if err != nil {
			t.Fatalf("Reserve on %s: %v", res.ID, err)
		}
	}

	b, err := svc.CreateBlackout(context.Background(), CreateBlackoutInput{
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Reason:    "company holiday",
	})
	if err != nil {
		t.Fatalf("CreateBlackout: %v", err)
	}
	if err := svc.ReconcileBlackout(context.Background(), b.ID); err != nil {
		t.Fatalf("ReconcileBlackout: %v", err)
	}

	if got := dispatcher.byType(notify.ChangeTypeNeedsReview); len(got) != 2 {
		t.Fatalf("got %d needs_review events, want 2 (one per resource)", len(got))
	}
}

// futureMonday returns midnight UTC of a Monday at least a week out, so
// reconciliation horizons measured from time.Now always cover it.
func futureMonday() time.Time {
	d := time.Now().UTC().AddDate(0, 0, 7)
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Monday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}
