package scheduling

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func openTestSQLite(t *testing.T) *StoreSQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "booking.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sqliteBooking(doctorID uuid.UUID, date, start, end string) *Booking {
	return &Booking{
		DoctorID:  doctorID,
		Patient:   PatientInfo{Name: "Jane Doe", Email: "jane@example.com"},
		Date:      date,
		StartTime: mustTime(start),
		EndTime:   mustTime(end),
		Status:    StatusPending,
	}
}

func TestStoreSQLite_WeeklyRules(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	doctor := uuid.New()

	morning := &WeeklyRule{DoctorID: doctor, DayOfWeek: 1, StartTime: mustTime("09:00"), EndTime: mustTime("12:00"), IsAvailable: true}
	if err := s.UpsertWeeklyRule(ctx, morning); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if morning.ID == uuid.Nil || morning.CreatedAt.IsZero() {
		t.Fatalf("expected ID and timestamps, got %+v", morning)
	}
	afternoon := &WeeklyRule{DoctorID: doctor, DayOfWeek: 1, StartTime: mustTime("13:00"), EndTime: mustTime("17:00"), IsAvailable: true}
	if err := s.UpsertWeeklyRule(ctx, afternoon); err != nil {
		t.Fatalf("insert: %v", err)
	}

	overlapping := &WeeklyRule{DoctorID: doctor, DayOfWeek: 1, StartTime: mustTime("11:00"), EndTime: mustTime("14:00"), IsAvailable: true}
	var verr *ValidationError
	if err := s.UpsertWeeklyRule(ctx, overlapping); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for overlap, got %v", err)
	}

	// Widening a rule into its own old window is not an overlap.
	morning.EndTime = mustTime("12:30")
	if err := s.UpsertWeeklyRule(ctx, morning); err != nil {
		t.Fatalf("update: %v", err)
	}

	rules, err := s.WeeklyRules(ctx, doctor)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 2 || rules[0].EndTime.String() != "12:30" || !rules[0].IsAvailable {
		t.Errorf("unexpected rules %+v", rules)
	}

	missing := &WeeklyRule{ID: uuid.New(), DoctorID: doctor, DayOfWeek: 2, StartTime: mustTime("09:00"), EndTime: mustTime("10:00")}
	if err := s.UpsertWeeklyRule(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating a missing rule, got %v", err)
	}

	if err := s.DeleteWeeklyRule(ctx, afternoon.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteWeeklyRule(ctx, afternoon.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSQLite_Exceptions(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	doctor := uuid.New()

	closed := &AvailabilityException{DoctorID: doctor, Date: monday, IsAvailable: false}
	if err := s.UpsertException(ctx, closed); err != nil {
		t.Fatalf("insert whole day: %v", err)
	}
	reason := "cover shift"
	reopened := &AvailabilityException{DoctorID: doctor, Date: monday, IsAvailable: true, Reason: &reason}
	if err := s.UpsertException(ctx, reopened); err != nil {
		t.Fatalf("replace whole day: %v", err)
	}
	if reopened.ID != closed.ID {
		t.Errorf("expected the whole-day exception to be replaced in place")
	}

	start, end := mustTime("12:00"), mustTime("13:00")
	lunch := &AvailabilityException{DoctorID: doctor, Date: monday, StartTime: &start, EndTime: &end}
	if err := s.UpsertException(ctx, lunch); err != nil {
		t.Fatalf("insert partial: %v", err)
	}
	other := &AvailabilityException{DoctorID: doctor, Date: "2030-03-01"}
	if err := s.UpsertException(ctx, other); err != nil {
		t.Fatalf("insert: %v", err)
	}

	excs, err := s.Exceptions(ctx, doctor, DateRange{From: "2030-01-01", To: "2030-01-31"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(excs) != 2 {
		t.Fatalf("expected 2 exceptions in January, got %d", len(excs))
	}
	var whole, partial int
	for _, e := range excs {
		if e.WholeDay() {
			whole++
			if !e.IsAvailable || e.Reason == nil || *e.Reason != reason {
				t.Errorf("whole-day exception not replaced: %+v", e)
			}
		} else {
			partial++
			if e.StartTime.String() != "12:00" || e.EndTime.String() != "13:00" {
				t.Errorf("unexpected partial window %s-%s", e.StartTime, e.EndTime)
			}
		}
	}
	if whole != 1 || partial != 1 {
		t.Errorf("expected one whole-day and one partial exception, got %d and %d", whole, partial)
	}

	half := &AvailabilityException{DoctorID: doctor, Date: monday, StartTime: &start}
	var verr *ValidationError
	if err := s.UpsertException(ctx, half); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if err := s.DeleteException(ctx, lunch.ID); err != nil {
		t.Errorf("delete: %v", err)
	}
}

func TestStoreSQLite_InsertBookingConflicts(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	doctor := uuid.New()

	first := sqliteBooking(doctor, monday, "10:00", "10:30")
	if _, err := s.InsertBooking(ctx, first, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tests := []struct {
		name    string
		start   string
		end     string
		buffer  int
		wantErr bool
	}{
		{"same slot", "10:00", "10:30", 0, true},
		{"partial overlap", "10:15", "10:45", 0, true},
		{"back to back", "10:30", "11:00", 0, false},
		{"inside buffer", "11:10", "11:40", 15, true},
		{"clear of buffer", "11:15", "11:45", 15, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.InsertBooking(ctx, sqliteBooking(doctor, monday, tt.start, tt.end), tt.buffer)
			if tt.wantErr && !errors.Is(err, ErrConflict) {
				t.Errorf("expected ErrConflict, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	// Another doctor is unaffected.
	if _, err := s.InsertBooking(ctx, sqliteBooking(uuid.New(), monday, "10:00", "10:30"), 0); err != nil {
		t.Errorf("other doctor: %v", err)
	}

	// Re-inserting the same ID is a conflict, which the scheduler's retry relies on.
	dup := *first
	if _, err := s.InsertBooking(ctx, &dup, 0); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate ID, got %v", err)
	}

	if _, err := s.UpdateStatus(ctx, first.ID, StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.InsertBooking(ctx, sqliteBooking(doctor, monday, "10:00", "10:30"), 0); err != nil {
		t.Errorf("cancelled booking should not block: %v", err)
	}
}

func TestStoreSQLite_UpdateStatus(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	b := sqliteBooking(uuid.New(), monday, "09:00", "09:30")
	notes := "first visit"
	b.Notes = &notes
	b.CreatedBy = "patient-jane"
	if _, err := s.InsertBooking(ctx, b, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.UpdateStatus(ctx, b.ID, StatusConfirmed)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != StatusConfirmed || got.Notes == nil || *got.Notes != notes {
		t.Errorf("unexpected booking %+v", got)
	}

	var terr *InvalidTransitionError
	if _, err := s.UpdateStatus(ctx, b.ID, StatusPending); !errors.As(err, &terr) {
		t.Errorf("expected InvalidTransitionError, got %v", err)
	}
	if _, err := s.UpdateStatus(ctx, uuid.New(), StatusCancelled); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	stored, err := s.GetBooking(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusConfirmed || stored.Patient.Email != "jane@example.com" || stored.CreatedBy != "patient-jane" {
		t.Errorf("unexpected stored booking %+v", stored)
	}
}

func TestStoreSQLite_ListAndStale(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	doctor := uuid.New()

	base := time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	starts := []string{"09:00", "10:00", "11:00"}
	var ids []uuid.UUID
	for i, st := range starts {
		clock = base.Add(time.Duration(i) * 10 * time.Minute)
		b := sqliteBooking(doctor, monday, st, mustTime(st).Add(30).String())
		if _, err := s.InsertBooking(ctx, b, 0); err != nil {
			t.Fatalf("insert %s: %v", st, err)
		}
		ids = append(ids, b.ID)
	}
	if _, err := s.UpdateStatus(ctx, ids[0], StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	items, total, err := s.ListBookings(ctx, BookingFilter{DoctorID: &doctor}, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 || items[0].StartTime.String() != "09:00" {
		t.Errorf("unexpected page: total %d, %d items", total, len(items))
	}
	items, total, err = s.ListBookings(ctx, BookingFilter{Statuses: []BookingStatus{StatusPending}}, 10, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("expected 2 pending bookings, got %d", total)
	}

	stale, err := s.StalePending(ctx, base.Add(15*time.Minute), 10)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != ids[1] {
		t.Errorf("expected only the second booking to be stale, got %d", len(stale))
	}
}

func TestStoreSQLite_ResolverAndScheduler(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	doctor := uuid.New()
	rule := &WeeklyRule{DoctorID: doctor, DayOfWeek: 1, StartTime: mustTime("09:00"), EndTime: mustTime("12:00"), IsAvailable: true}
	if err := s.UpsertWeeklyRule(ctx, rule); err != nil {
		t.Fatalf("rule: %v", err)
	}
	start, end := mustTime("09:00"), mustTime("10:00")
	if err := s.UpsertException(ctx, &AvailabilityException{DoctorID: doctor, Date: monday, StartTime: &start, EndTime: &end}); err != nil {
		t.Fatalf("exception: %v", err)
	}

	r := NewResolver(s, s, StaticSettings(DefaultSettings()))
	r.SetClock(func() time.Time { return longBefore })
	sched := NewScheduler(r, s, nil, zerolog.Nop())

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sched.BookSlot(ctx, bookingReq(doctor, monday, "10:30"))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrSlotUnavailable) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	slots, err := r.Slots(ctx, doctor, monday, 30)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if got := slotStarts(slots); got != "10:00,11:00,11:30" {
		t.Errorf("unexpected slots: %s", got)
	}
}
