package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// Service is the entry point the request layer uses: schedule admin,
// availability queries and booking operations.
type Service struct {
	schedules ScheduleStore
	bookings  BookingStore
	resolver  *Resolver
	scheduler *Scheduler
}

func NewService(schedules ScheduleStore, bookings BookingStore, resolver *Resolver, scheduler *Scheduler) *Service {
	return &Service{schedules: schedules, bookings: bookings, resolver: resolver, scheduler: scheduler}
}

// -- Weekly rules --

func (s *Service) SaveWeeklyRule(ctx context.Context, r *WeeklyRule) error {
	return s.schedules.UpsertWeeklyRule(ctx, r)
}

func (s *Service) ListWeeklyRules(ctx context.Context, doctorID uuid.UUID) ([]*WeeklyRule, error) {
	return s.schedules.WeeklyRules(ctx, doctorID)
}

func (s *Service) DeleteWeeklyRule(ctx context.Context, id uuid.UUID) error {
	return s.schedules.DeleteWeeklyRule(ctx, id)
}

// -- Exceptions --

func (s *Service) SaveException(ctx context.Context, e *AvailabilityException) error {
	return s.schedules.UpsertException(ctx, e)
}

func (s *Service) ListExceptions(ctx context.Context, doctorID uuid.UUID, rng DateRange) ([]*AvailabilityException, error) {
	if _, err := rng.Days(); err != nil {
		return nil, NewValidationError("range", err.Error())
	}
	return s.schedules.Exceptions(ctx, doctorID, rng)
}

func (s *Service) DeleteException(ctx context.Context, id uuid.UUID) error {
	return s.schedules.DeleteException(ctx, id)
}

// -- Availability --

// Availability resolves slots for a single date or a date range.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, rng DateRange, durationMinutes int) ([]Slot, error) {
	if rng.From == rng.To {
		return s.resolver.Slots(ctx, doctorID, rng.From, durationMinutes)
	}
	return s.resolver.SlotsInRange(ctx, doctorID, rng, durationMinutes)
}

// -- Bookings --

func (s *Service) BookSlot(ctx context.Context, req BookingRequest) (*Booking, error) {
	return s.scheduler.BookSlot(ctx, req)
}

func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.bookings.GetBooking(ctx, id)
}

func (s *Service) ListBookings(ctx context.Context, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	if f.Range != nil {
		if _, err := f.Range.Days(); err != nil {
			return nil, 0, NewValidationError("range", err.Error())
		}
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, NewValidationError("status", "unknown status "+string(st))
		}
	}
	return s.bookings.ListBookings(ctx, f, limit, offset)
}

func (s *Service) CancelBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.scheduler.CancelBooking(ctx, id)
}

func (s *Service) ConfirmBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.scheduler.ConfirmBooking(ctx, id)
}

func (s *Service) UpdateBookingStatus(ctx context.Context, id uuid.UUID, status BookingStatus) (*Booking, error) {
	return s.scheduler.UpdateStatus(ctx, id, status)
}
