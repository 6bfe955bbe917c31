package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medx360/booking/internal/platform/metrics"
)

// Notifier is told about booking events after they commit. Implementations
// must not block the caller.
type Notifier interface {
	BookingCreated(ctx context.Context, b *Booking)
	BookingStatusChanged(ctx context.Context, b *Booking)
}

type nopNotifier struct{}

func (nopNotifier) BookingCreated(context.Context, *Booking) {}
func (nopNotifier) BookingStatusChanged(context.Context, *Booking) {}

// DefaultRetryBackoff is the pause before retrying a timed-out store call.
const DefaultRetryBackoff = 150 * time.Millisecond

// BookingRequest is the input to BookSlot. A zero DurationMinutes uses the
// doctor's default slot length.
type BookingRequest struct {
	DoctorID        uuid.UUID   `json:"doctor_id" validate:"required"`
	ServiceID       *uuid.UUID  `json:"service_id,omitempty"`
	Date            string      `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime       *TimeOfDay  `json:"start_time" validate:"required,min=0,max=1439"`
	DurationMinutes int         `json:"duration_minutes" validate:"min=0,max=1440"`
	Patient         PatientInfo `json:"patient"`
	Notes           *string     `json:"notes,omitempty" validate:"omitempty,max=2000"`
	// CreatedBy is set from the caller's identity, never from the body.
	CreatedBy       string      `json:"-"`
}

// Scheduler commits booking requests and drives status transitions. It holds
// no locks; the BookingStore insert is the atomic guard.
type Scheduler struct {
	resolver *Resolver
	bookings BookingStore
	notifier Notifier
	logger   zerolog.Logger
	backoff  time.Duration
}

// NewScheduler wires a scheduler. A nil notifier disables notifications.
func NewScheduler(resolver *Resolver, bookings BookingStore, notifier Notifier, logger zerolog.Logger) *Scheduler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Scheduler{
		resolver: resolver,
		bookings: bookings,
		notifier: notifier,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		backoff:  DefaultRetryBackoff,
	}
}

// SetRetryBackoff overrides the pause between a timed-out call and its retry.
func (s *Scheduler) SetRetryBackoff(d time.Duration) { s.backoff = d }

// BookSlot validates the request, re-checks availability for the exact
// interval and inserts a pending booking. A lost race surfaces as a
// *SlotUnavailableError wrapping ErrConflict.
func (s *Scheduler) BookSlot(ctx context.Context, req BookingRequest) (*Booking, error) {
	if err := validateStruct(req); err != nil {
		metrics.RecordRejection("validation")
		return nil, err
	}
	settings, err := s.resolver.settings.SettingsFor(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}
	duration := req.DurationMinutes
	if duration == 0 {
		duration = settings.DefaultSlotMinutes
	}
	iv := Interval{Start: *req.StartTime, End: req.StartTime.Add(duration)}
	if iv.End > dayEnd {
		metrics.RecordRejection("validation")
		return nil, NewValidationError("duration_minutes", "booking must end on the same day")
	}

	log := s.logger.With().
		Str("doctor_id", req.DoctorID.String()).
		Str("date", req.Date).
		Str("start", iv.Start.String()).
		Logger()

	err = s.retry(ctx, "check_interval", func(int) error {
		return s.resolver.CheckInterval(ctx, req.DoctorID, req.Date, iv)
	})
	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			metrics.RecordRejection("unavailable")
			log.Debug().Err(err).Msg("slot unavailable")
		}
		return nil, err
	}

	b := &Booking{
		ID:        uuid.New(),
		DoctorID:  req.DoctorID,
		ServiceID: req.ServiceID,
		Patient:   req.Patient,
		Date:      req.Date,
		StartTime: iv.Start,
		EndTime:   iv.End,
		Status:    StatusPending,
		Notes:     req.Notes,
		CreatedBy: req.CreatedBy,
	}

	var committed *Booking
	err = s.retry(ctx, "insert_booking", func(attempt int) error {
		_, err := s.bookings.InsertBooking(ctx, b, settings.BufferMinutes)
		if err == nil {
			committed = b
			return nil
		}
		// The timed-out first attempt may have committed after all.
		if attempt > 0 && errors.Is(err, ErrConflict) {
			if existing, gerr := s.bookings.GetBooking(ctx, b.ID); gerr == nil {
				committed = existing
				return nil
			}
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.RecordRejection("conflict")
			log.Info().Msg("booking lost race for slot")
			return nil, &SlotUnavailableError{Date: req.Date, Interval: iv, Reason: "slot was just booked", Err: err}
		}
		return nil, err
	}

	metrics.RecordBookingCommitted()
	log.Info().Str("booking_id", committed.ID.String()).Msg("booking committed")
	s.notifier.BookingCreated(ctx, committed)
	return committed, nil
}

// CancelBooking frees the booking's slot.
func (s *Scheduler) CancelBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.UpdateStatus(ctx, id, StatusCancelled)
}

// ConfirmBooking moves a pending booking to confirmed.
func (s *Scheduler) ConfirmBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.UpdateStatus(ctx, id, StatusConfirmed)
}

// UpdateStatus applies a status transition through the store.
func (s *Scheduler) UpdateStatus(ctx context.Context, id uuid.UUID, to BookingStatus) (*Booking, error) {
	if !to.Valid() {
		return nil, NewValidationError("status", "unknown status "+string(to))
	}
	var updated *Booking
	err := s.retry(ctx, "update_status", func(attempt int) error {
		b, err := s.bookings.UpdateStatus(ctx, id, to)
		if err == nil {
			updated = b
			return nil
		}
		var terr *InvalidTransitionError
		if attempt > 0 && errors.As(err, &terr) && terr.From == to {
			existing, gerr := s.bookings.GetBooking(ctx, id)
			if gerr != nil {
				return gerr
			}
			updated = existing
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(to))
	s.logger.Info().
		Str("booking_id", id.String()).
		Str("status", string(to)).
		Msg("booking status changed")
	s.notifier.BookingStatusChanged(ctx, updated)
	return updated, nil
}

// retry runs fn and, if it fails with ErrStorageTimeout, runs it once more
// after the backoff. fn receives the attempt number starting at 0.
func (s *Scheduler) retry(ctx context.Context, op string, fn func(attempt int) error) error {
	err := fn(0)
	if !errors.Is(err, ErrStorageTimeout) {
		return err
	}
	metrics.RecordStorageRetry()
	s.logger.Warn().Err(err).Str("op", op).Dur("backoff", s.backoff).Msg("storage timeout, retrying")
	t := time.NewTimer(s.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-t.C:
	}
	return fn(1)
}
