package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusCompleted BookingStatus = "completed"
	StatusNoShow    BookingStatus = "no_show"
)

// LiveStatuses are the statuses that hold a slot against double-booking.
var LiveStatuses = []BookingStatus{StatusPending, StatusConfirmed}

var validBookingStatuses = map[BookingStatus]bool{
	StatusPending: true, StatusConfirmed: true, StatusCancelled: true,
	StatusCompleted: true, StatusNoShow: true,
}

// Valid reports whether s is a known status.
func (s BookingStatus) Valid() bool { return validBookingStatuses[s] }

// Live reports whether a booking in this status occupies its slot.
func (s BookingStatus) Live() bool {
	return s == StatusPending || s == StatusConfirmed
}

// WeeklyRule maps to the weekly_rules table: a recurring availability window
// for one doctor on one ISO day of week (1=Monday ... 7=Sunday).
type WeeklyRule struct {
	ID          uuid.UUID `db:"id" json:"id"`
	DoctorID    uuid.UUID `db:"doctor_id" json:"doctor_id" validate:"required"`
	DayOfWeek   int       `db:"day_of_week" json:"day_of_week" validate:"min=1,max=7"`
	StartTime   TimeOfDay `db:"start_time" json:"start_time" validate:"min=0,max=1440"`
	EndTime     TimeOfDay `db:"end_time" json:"end_time" validate:"min=0,max=1440,gtfield=StartTime"`
	IsAvailable bool      `db:"is_available" json:"is_available"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Interval returns the rule's time window.
func (r *WeeklyRule) Interval() Interval {
	return Interval{Start: r.StartTime, End: r.EndTime}
}

// AvailabilityException maps to the availability_exceptions table. A nil
// StartTime/EndTime pair means the exception covers the whole day.
type AvailabilityException struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	DoctorID    uuid.UUID  `db:"doctor_id" json:"doctor_id" validate:"required"`
	Date        string     `db:"exception_date" json:"date" validate:"required,datetime=2006-01-02"`
	StartTime   *TimeOfDay `db:"start_time" json:"start_time,omitempty"`
	EndTime     *TimeOfDay `db:"end_time" json:"end_time,omitempty"`
	IsAvailable bool       `db:"is_available" json:"is_available"`
	Reason      *string    `db:"reason" json:"reason,omitempty" validate:"omitempty,max=500"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// WholeDay reports whether the exception applies to the entire date.
func (e *AvailabilityException) WholeDay() bool {
	return e.StartTime == nil && e.EndTime == nil
}

// Interval returns the exception's window; whole-day exceptions span the
// default full day.
func (e *AvailabilityException) Interval() Interval {
	if e.WholeDay() {
		return FullDay
	}
	return Interval{Start: *e.StartTime, End: *e.EndTime}
}

// PatientInfo carries the patient identity fields captured at booking time.
type PatientInfo struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Phone string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// Booking maps to the bookings table.
type Booking struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	DoctorID  uuid.UUID     `db:"doctor_id" json:"doctor_id"`
	ServiceID *uuid.UUID    `db:"service_id" json:"service_id,omitempty"`
	Patient   PatientInfo   `json:"patient"`
	Date      string        `db:"appointment_date" json:"appointment_date"`
	StartTime TimeOfDay     `db:"start_time" json:"start_time"`
	EndTime   TimeOfDay     `db:"end_time" json:"end_time"`
	Status    BookingStatus `db:"status" json:"status"`
	Notes     *string       `db:"notes" json:"notes,omitempty"`
	// CreatedBy is the subject of the token that made the booking.
	CreatedBy string        `db:"created_by" json:"created_by,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// Interval returns the booked time window.
func (b *Booking) Interval() Interval {
	return Interval{Start: b.StartTime, End: b.EndTime}
}

// Slot is a discrete bookable interval returned by the resolver.
type Slot struct {
	Date      string    `json:"date"`
	StartTime TimeOfDay `json:"start_time"`
	EndTime   TimeOfDay `json:"end_time"`
}

// BookingFilter narrows ListBookings.
type BookingFilter struct {
	DoctorID *uuid.UUID
	Range    *DateRange
	Statuses []BookingStatus
}
