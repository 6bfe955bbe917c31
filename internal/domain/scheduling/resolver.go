package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medx360/booking/internal/platform/metrics"
)

// MaxRangeDays caps SlotsInRange queries.
const MaxRangeDays = 62

// Resolver computes bookable slots from weekly rules, exceptions and live
// bookings. It only reads from its stores.
type Resolver struct {
	schedules ScheduleStore
	bookings  BookingStore
	settings  SettingsProvider
	now       func() time.Time
}

func NewResolver(schedules ScheduleStore, bookings BookingStore, settings SettingsProvider) *Resolver {
	return &Resolver{schedules: schedules, bookings: bookings, settings: settings, now: time.Now}
}

// SetClock replaces the time source used for lead-time filtering.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// dayPlan is one date's availability: open is the schedule after
// exceptions, free is open minus live bookings.
type dayPlan struct {
	date string
	day  time.Time
	open []Interval
	free []Interval
}

type plan struct {
	settings Settings
	days     []dayPlan
}

// Slots returns the bookable slots of durationMinutes on date, in order.
// A zero duration uses the doctor's default slot length.
func (r *Resolver) Slots(ctx context.Context, doctorID uuid.UUID, date string, durationMinutes int) ([]Slot, error) {
	if _, err := ParseDate(date); err != nil {
		return nil, NewValidationError("date", err.Error())
	}
	return r.slots(ctx, "day", doctorID, SingleDay(date), durationMinutes)
}

// SlotsInRange returns slots for every date in rng, at most MaxRangeDays.
func (r *Resolver) SlotsInRange(ctx context.Context, doctorID uuid.UUID, rng DateRange, durationMinutes int) ([]Slot, error) {
	return r.slots(ctx, "range", doctorID, rng, durationMinutes)
}

func (r *Resolver) slots(ctx context.Context, mode string, doctorID uuid.UUID, rng DateRange, durationMinutes int) ([]Slot, error) {
	started := time.Now()
	if durationMinutes < 0 || durationMinutes > int(dayEnd) {
		return nil, NewValidationError("duration", fmt.Sprintf("must be between 0 and %d minutes", int(dayEnd)))
	}
	p, err := r.load(ctx, doctorID, rng)
	if err != nil {
		return nil, err
	}
	if durationMinutes == 0 {
		durationMinutes = p.settings.DefaultSlotMinutes
	}
	policy := p.settings.Policy()
	loc := p.settings.location()
	now := r.now()

	out := []Slot{}
	for _, d := range p.days {
		for _, iv := range discretize(d.free, durationMinutes) {
			if !policy.MeetsLead(iv.Start.On(d.day, loc), now) {
				continue
			}
			out = append(out, Slot{Date: d.date, StartTime: iv.Start, EndTime: iv.End})
		}
	}
	metrics.ObserveResolve(mode, time.Since(started).Seconds(), len(out))
	return out, nil
}

// AvailableIntervals returns the free intervals on date before they are cut
// into slots. Lead time is not applied.
func (r *Resolver) AvailableIntervals(ctx context.Context, doctorID uuid.UUID, date string) ([]Interval, error) {
	if _, err := ParseDate(date); err != nil {
		return nil, NewValidationError("date", err.Error())
	}
	p, err := r.load(ctx, doctorID, SingleDay(date))
	if err != nil {
		return nil, err
	}
	return p.days[0].free, nil
}

// CheckInterval re-resolves date and returns a *SlotUnavailableError unless
// iv lies inside one free interval and respects the lead time.
func (r *Resolver) CheckInterval(ctx context.Context, doctorID uuid.UUID, date string, iv Interval) error {
	p, err := r.load(ctx, doctorID, SingleDay(date))
	if err != nil {
		return err
	}
	d := p.days[0]
	unavailable := func(reason string) error {
		return &SlotUnavailableError{Date: date, Interval: iv, Reason: reason}
	}
	if !containedIn(d.open, iv) {
		return unavailable("outside the doctor's availability")
	}
	if !containedIn(d.free, iv) {
		return unavailable("overlaps an existing booking")
	}
	if !p.settings.Policy().MeetsLead(iv.Start.On(d.day, p.settings.location()), r.now()) {
		return unavailable("starts within the minimum lead time")
	}
	return nil
}

func containedIn(ivs []Interval, iv Interval) bool {
	for _, candidate := range ivs {
		if candidate.Contains(iv) {
			return true
		}
	}
	return false
}

func (r *Resolver) load(ctx context.Context, doctorID uuid.UUID, rng DateRange) (*plan, error) {
	if doctorID == uuid.Nil {
		return nil, NewValidationError("doctor_id", "is required")
	}
	dates, err := rng.Days()
	if err != nil {
		return nil, NewValidationError("range", err.Error())
	}
	if len(dates) > MaxRangeDays {
		return nil, NewValidationError("range", fmt.Sprintf("must not exceed %d days", MaxRangeDays))
	}

	settings, err := r.settings.SettingsFor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	rules, err := r.schedules.WeeklyRules(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	excs, err := r.schedules.Exceptions(ctx, doctorID, rng)
	if err != nil {
		return nil, err
	}
	live, err := r.bookings.Bookings(ctx, doctorID, rng, LiveStatuses)
	if err != nil {
		return nil, err
	}

	excByDate := make(map[string][]*AvailabilityException)
	for _, e := range excs {
		excByDate[e.Date] = append(excByDate[e.Date], e)
	}
	bookedByDate := make(map[string][]Interval)
	policy := settings.Policy()
	for _, b := range live {
		if b.Status.Live() {
			bookedByDate[b.Date] = append(bookedByDate[b.Date], policy.Occupied(b.Interval()))
		}
	}

	p := &plan{settings: settings, days: make([]dayPlan, 0, len(dates))}
	for _, date := range dates {
		day, _ := ParseDate(date)
		open := ApplyExceptions(weeklyBase(rules, ISOWeekday(day)), excByDate[date])
		p.days = append(p.days, dayPlan{
			date: date,
			day:  day,
			open: open,
			free: subtractAll(open, bookedByDate[date]),
		})
	}
	return p, nil
}

// weeklyBase unions the day's available rules and removes its unavailable
// ones.
func weeklyBase(rules []*WeeklyRule, dow int) []Interval {
	var open, closed []Interval
	for _, rule := range rules {
		if rule.DayOfWeek != dow {
			continue
		}
		if rule.IsAvailable {
			open = append(open, rule.Interval())
		} else {
			closed = append(closed, rule.Interval())
		}
	}
	return subtractAll(open, closed)
}
