package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medx360/booking/internal/platform/metrics"
)

// ScheduleStore persists weekly rules and availability exceptions.
type ScheduleStore interface {
	WeeklyRules(ctx context.Context, doctorID uuid.UUID) ([]*WeeklyRule, error)
	Exceptions(ctx context.Context, doctorID uuid.UUID, rng DateRange) ([]*AvailabilityException, error)
	// UpsertWeeklyRule inserts the rule, or updates it when ID is set.
	UpsertWeeklyRule(ctx context.Context, r *WeeklyRule) error
	// UpsertException inserts or updates an exception. A whole-day exception
	// replaces any existing whole-day exception for the same doctor and date.
	UpsertException(ctx context.Context, e *AvailabilityException) error
	DeleteWeeklyRule(ctx context.Context, id uuid.UUID) error
	DeleteException(ctx context.Context, id uuid.UUID) error
}

// BookingStore persists bookings. InsertBooking is the only guard against
// double-booking: implementations must check for overlapping live bookings
// and insert atomically.
type BookingStore interface {
	Bookings(ctx context.Context, doctorID uuid.UUID, rng DateRange, statuses []BookingStatus) ([]*Booking, error)
	InsertBooking(ctx context.Context, b *Booking, bufferMinutes int) (uuid.UUID, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status BookingStatus) (*Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListBookings(ctx context.Context, f BookingFilter, limit, offset int) ([]*Booking, int, error)
	// StalePending returns pending bookings created before the cutoff.
	StalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Booking, error)
}

// Store is a full scheduling backend.
type Store interface {
	ScheduleStore
	BookingStore
}

// withTimeout bounds a store call. A non-positive timeout leaves ctx as is.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// storageErr classifies a store failure. Deadline hits become
// ErrStorageTimeout; domain errors pass through untouched; anything else is
// wrapped with the operation name.
func storageErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		metrics.RecordStorageTimeout(op)
		return fmt.Errorf("%s: %w", op, ErrStorageTimeout)
	}
	var verr *ValidationError
	var terr *InvalidTransitionError
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.As(err, &verr) || errors.As(err, &terr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// overlapsLive reports the first live booking in existing that collides with
// candidate once both are widened by the buffer.
func overlapsLive(existing []*Booking, candidate *Booking, bufferMinutes int) *Booking {
	p := Policy{BufferMinutes: bufferMinutes}
	want := p.Occupied(candidate.Interval())
	for _, b := range existing {
		if b.ID == candidate.ID || !b.Status.Live() || b.Date != candidate.Date {
			continue
		}
		if Overlaps(want, b.Interval()) {
			return b
		}
	}
	return nil
}
