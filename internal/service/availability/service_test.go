package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/store/storetest"
)

func utcResource(bufferMinutes int) domain.Resource {
	var hours domain.WorkingHours
	for wd := time.Monday; wd <= time.Friday; wd++ {
		hours[wd] = domain.DayHours{Enabled: true, OpenMinute: 9 * 60, CloseMinute: 17 * 60}
	}
	return domain.Resource{
		ID:            uuid.Must(uuid.NewV7()),
		OrgID:         "org-1",
		Name:          "chair-1",
		Timezone:      "UTC",
		Hours:         hours,
		BufferMinutes: bufferMinutes,
	}
}

func seedResource(repo *storetest.FakeRepo, res domain.Resource) {
	repo.Resources[res.ID] = res
}

func seedAppointment(repo *storetest.FakeRepo, resourceID uuid.UUID, start, end time.Time, status domain.AppointmentStatus) domain.Appointment {
	a := domain.Appointment{
		ID:         uuid.Must(uuid.NewV7()),
		ResourceID: resourceID,
		ClientID:   "client-1",
		StartTime:  start,
		EndTime:    end,
		Status:     status,
	}
	repo.Appointments[a.ID] = a
	return a
}

func TestOpenSlots_ExcludesBufferedAppointments(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(15)
	seedResource(repo, res)

	// Monday 2025-06-09, appointment 10:00-11:00; with 15m buffer it blocks
	// every candidate starting before 11:15.
	day := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	seedAppointment(repo, res.ID,
		day.Add(10*time.Hour), day.Add(11*time.Hour), domain.AppointmentStatusConfirmed)

	svc := NewService(repo)
	slots, err := svc.OpenSlots(context.Background(), res.ID, day, 30*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("OpenSlots: %v", err)
	}

	want := []time.Time{
		day.Add(11*time.Hour + 30*time.Minute),
		day.Add(12 * time.Hour),
		day.Add(12*time.Hour + 30*time.Minute),
		day.Add(13 * time.Hour),
		day.Add(13*time.Hour + 30*time.Minute),
		day.Add(14 * time.Hour),
		day.Add(14*time.Hour + 30*time.Minute),
		day.Add(15 * time.Hour),
		day.Add(15*time.Hour + 30*time.Minute),
		day.Add(16 * time.Hour),
	}
	if len(slots) != len(want) {
		t.Fatalf("got %d slots, want %d: %v", len(slots), len(want), slots)
	}
	for i := range want {
		if !slots[i].Equal(want[i]) {
			t.Errorf("slot %d = %v, want %v", i, slots[i], want[i])
		}
	}
}

func TestOpenSlots_IgnoresCancelledAppointments(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)

	day := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	seedAppointment(repo, res.ID,
		day.Add(9*time.Hour), day.Add(17*time.Hour), domain.AppointmentStatusCancelled)

	svc := NewService(repo)
	slots, err := svc.OpenSlots(context.Background(), res.ID, day, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("OpenSlots: %v", err)
	}
	if len(slots) != 8 {
		t.Fatalf("got %d slots, want 8", len(slots))
	}
}

func TestOpenSlots_GranularityMustDivideSpan(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)

	day := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	svc := NewService(repo)

	_, err := svc.OpenSlots(context.Background(), res.ID, day, 45*time.Minute, time.Hour)
	if !errors.Is(err, ErrInvalidGranularity) {
		t.Fatalf("err = %v, want ErrInvalidGranularity", err)
	}
	_, err = svc.OpenSlots(context.Background(), res.ID, day, 0, time.Hour)
	if !errors.Is(err, ErrInvalidGranularity) {
		t.Fatalf("zero granularity: err = %v, want ErrInvalidGranularity", err)
	}
}

func TestOpenSlots_ClosedDayIsEmpty(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)

	sunday := time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)
	svc := NewService(repo)
	slots, err := svc.OpenSlots(context.Background(), res.ID, sunday, 30*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("OpenSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("got %d slots on a closed day, want 0", len(slots))
	}
}

func TestOpenSlots_HolidayBlocksWholeDay(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)
	repo.Holidays = []domain.HolidayDate{{Day: time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), Locale: "en-US", Name: "Founders Day"}}

	day := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	svc := NewService(repo)
	slots, err := svc.OpenSlots(context.Background(), res.ID, day, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("OpenSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("got %d slots on a holiday, want 0", len(slots))
	}
}

func TestBlockedRanges_MergesBlackoutAbuttingHoliday(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)

	// Evening blackout runs up to midnight, the next day is a holiday.
	// The union must be one continuous range with no gap at midnight.
	repo.Blackouts[uuid.Must(uuid.NewV7())] = domain.BlackoutInterval{
		ID:         uuid.Must(uuid.NewV7()),
		ResourceID: &res.ID,
		StartTime:  time.Date(2025, 6, 9, 18, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
		Recurrence: domain.BlackoutRecurrenceNone,
		Reason:     "maintenance",
	}
	repo.Holidays = []domain.HolidayDate{{Day: time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC), Locale: "en-US", Name: "Founders Day"}}

	svc := NewService(repo)
	ranges, err := svc.BlockedRanges(context.Background(), res.ID,
		time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BlockedRanges: %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("got %d ranges, want 1 merged range: %v", len(ranges), ranges)
	}
	wantStart := time.Date(2025, 6, 9, 18, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)
	if !ranges[0].Start.Equal(wantStart) || !ranges[0].End.Equal(wantEnd) {
		t.Fatalf("range = [%v, %v), want [%v, %v)", ranges[0].Start, ranges[0].End, wantStart, wantEnd)
	}
}

func TestIsBlocked(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)
	repo.Blackouts[uuid.Must(uuid.NewV7())] = domain.BlackoutInterval{
		ID:         uuid.Must(uuid.NewV7()),
		StartTime:  time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2025, 6, 9, 14, 0, 0, 0, time.UTC),
		Recurrence: domain.BlackoutRecurrenceNone,
		Reason:     "lunch",
	}

	svc := NewService(repo)
	blocked, err := svc.IsBlocked(context.Background(), res.ID, time.Date(2025, 6, 9, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if !blocked {
		t.Error("13:00 inside blackout should be blocked")
	}

	blocked, err = svc.IsBlocked(context.Background(), res.ID, time.Date(2025, 6, 9, 14, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if blocked {
		t.Error("14:00 at the half-open end should not be blocked")
	}
}

func TestFindConflicts_OrderedObstacles(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(10)
	seedResource(repo, res)

	day := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	appt := seedAppointment(repo, res.ID,
		day.Add(10*time.Hour), day.Add(11*time.Hour), domain.AppointmentStatusPending)
	repo.Blackouts[uuid.Must(uuid.NewV7())] = domain.BlackoutInterval{
		ID:         uuid.Must(uuid.NewV7()),
		ResourceID: &res.ID,
		StartTime:  day.Add(11 * time.Hour),
		EndTime:    day.Add(12 * time.Hour),
		Recurrence: domain.BlackoutRecurrenceNone,
		Reason:     "cleaning",
	}
	repo.Holidays = []domain.HolidayDate{{Day: time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), Locale: "en-US", Name: "Founders Day"}}

	svc := NewService(repo)
	obstacles, err := svc.FindConflicts(context.Background(), res.ID, day.Add(10*time.Hour+30*time.Minute), time.Hour, false)
	if err != nil {
		t.Fatalf("FindConflicts: %v", err)
	}
	if len(obstacles) != 3 {
		t.Fatalf("got %d obstacles, want 3: %+v", len(obstacles), obstacles)
	}
	if obstacles[0].Type != ObstacleAppointment || obstacles[0].AppointmentID == nil || *obstacles[0].AppointmentID != appt.ID {
		t.Errorf("obstacle 0 = %+v, want appointment %s", obstacles[0], appt.ID)
	}
	if obstacles[1].Type != ObstacleBlackout || obstacles[1].Reason != "cleaning" {
		t.Errorf("obstacle 1 = %+v, want blackout", obstacles[1])
	}
	if obstacles[2].Type != ObstacleHoliday || obstacles[2].Reason != "Founders Day" {
		t.Errorf("obstacle 2 = %+v, want holiday", obstacles[2])
	}
}

func TestFindConflicts_AllowHolidaySuppressesHolidayObstacle(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)
	repo.Holidays = []domain.HolidayDate{{Day: time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), Locale: "en-US", Name: "Founders Day"}}

	svc := NewService(repo)
	day := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)

	obstacles, err := svc.FindConflicts(context.Background(), res.ID, day.Add(10*time.Hour), time.Hour, true)
	if err != nil {
		t.Fatalf("FindConflicts: %v", err)
	}
	if len(obstacles) != 0 {
		t.Fatalf("got %d obstacles with holidays allowed, want 0: %+v", len(obstacles), obstacles)
	}
}

func TestFindConflicts_BufferOnlyOverlapIsAnObstacle(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(15)
	seedResource(repo, res)

	day := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	seedAppointment(repo, res.ID,
		day.Add(10*time.Hour), day.Add(11*time.Hour), domain.AppointmentStatusConfirmed)

	svc := NewService(repo)
	// Candidate 11:00-12:00 touches only the trailing buffer (11:00-11:15).
	obstacles, err := svc.FindConflicts(context.Background(), res.ID, day.Add(11*time.Hour), time.Hour, false)
	if err != nil {
		t.Fatalf("FindConflicts: %v", err)
	}
	if len(obstacles) != 1 || obstacles[0].Type != ObstacleAppointment {
		t.Fatalf("got %+v, want one appointment obstacle", obstacles)
	}
}

func TestNearestOpenSlot_PrefersClosestTime(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)

	day := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	// 10:00-11:00 is taken; nearest alternatives to 10:00 are 9:00 and
	// 11:00, both one hour away.
	seedAppointment(repo, res.ID,
		day.Add(10*time.Hour), day.Add(11*time.Hour), domain.AppointmentStatusConfirmed)

	svc := NewService(repo)
	got, ok, err := svc.NearestOpenSlot(context.Background(), res.ID,
		day.Add(10*time.Hour), time.Hour, time.Hour, 14*24*time.Hour)
	if err != nil {
		t.Fatalf("NearestOpenSlot: %v", err)
	}
	if !ok {
		t.Fatal("expected a slot")
	}
	if !got.Equal(day.Add(9*time.Hour)) && !got.Equal(day.Add(11*time.Hour)) {
		t.Fatalf("got %v, want a slot adjacent to 10:00", got)
	}
}

func TestNearestOpenSlot_SpillsToNextOpenDay(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)

	// Friday fully booked, Saturday and Sunday closed. Thursday 16:00 is
	// nearer to the target than Monday 09:00, so the outward search must
	// land on Thursday.
	friday := time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)
	seedAppointment(repo, res.ID,
		friday.Add(9*time.Hour), friday.Add(17*time.Hour), domain.AppointmentStatusConfirmed)

	svc := NewService(repo)
	got, ok, err := svc.NearestOpenSlot(context.Background(), res.ID,
		friday.Add(16*time.Hour), time.Hour, time.Hour, 14*24*time.Hour)
	if err != nil {
		t.Fatalf("NearestOpenSlot: %v", err)
	}
	if !ok {
		t.Fatal("expected a slot")
	}
	thursday := time.Date(2025, 6, 12, 16, 0, 0, 0, time.UTC)
	if !got.Equal(thursday) {
		t.Fatalf("got %v, want %v", got, thursday)
	}
}

func TestNearestOpenSlot_NoneInWindow(t *testing.T) {
	repo := storetest.NewFakeRepo()
	res := utcResource(0)
	seedResource(repo, res)

	// Global blackout covers the whole search window.
	repo.Blackouts[uuid.Must(uuid.NewV7())] = domain.BlackoutInterval{
		ID:         uuid.Must(uuid.NewV7()),
		StartTime:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: domain.BlackoutRecurrenceNone,
		Reason:     "renovation",
	}

	svc := NewService(repo)
	_, ok, err := svc.NearestOpenSlot(context.Background(), res.ID,
		time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC), time.Hour, time.Hour, 3*24*time.Hour)
	if err != nil {
		t.Fatalf("NearestOpenSlot: %v", err)
	}
	if ok {
		t.Fatal("expected no slot inside a fully blacked-out window")
	}
}
