package scheduling

import (
	"sort"
	"time"
)

// Policy holds the tie-break and edge-case rules shared by the resolver and
// the scheduler. It has no state beyond its configuration.
type Policy struct {
	MinLead       time.Duration
	BufferMinutes int
}

// Overlaps is the exact overlap test for half-open intervals.
func Overlaps(a, b Interval) bool {
	return a.Start < b.End && b.Start < a.End
}

// LeadCutoff is the earliest instant a slot may start when asked at now.
func (p Policy) LeadCutoff(now time.Time) time.Time {
	return now.Add(p.MinLead)
}

// MeetsLead reports whether a slot starting at start respects the lead time.
func (p Policy) MeetsLead(start, now time.Time) bool {
	return !start.Before(p.LeadCutoff(now))
}

// Occupied is the window a live booking removes from availability: the
// booked interval widened by the buffer on both sides, clamped to the day.
func (p Policy) Occupied(iv Interval) Interval {
	out := Interval{Start: iv.Start.Add(-p.BufferMinutes), End: iv.End.Add(p.BufferMinutes)}
	if out.Start < Midnight {
		out.Start = Midnight
	}
	if out.End > dayEnd {
		out.End = dayEnd
	}
	return out
}

// exceptionRank orders exceptions by precedence, lowest first:
// whole-day closed, whole-day open, partial closed, partial open.
func exceptionRank(e *AvailabilityException) int {
	switch {
	case e.WholeDay() && !e.IsAvailable:
		return 0
	case e.WholeDay():
		return 1
	case !e.IsAvailable:
		return 2
	default:
		return 3
	}
}

// OrderExceptions sorts exceptions by precedence, keeping the most recently
// updated first within a rank.
func OrderExceptions(excs []*AvailabilityException) []*AvailabilityException {
	out := make([]*AvailabilityException, len(excs))
	copy(out, excs)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := exceptionRank(out[i]), exceptionRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// ApplyExceptions resolves one date's exceptions against the weekly base.
// A whole-day closure empties the day. A whole-day opening replaces the
// base with FullDay. Partial openings are added, then partial closures are
// subtracted so a closure always wins over an overlapping opening.
func ApplyExceptions(base []Interval, excs []*AvailabilityException) []Interval {
	ordered := OrderExceptions(excs)
	if len(ordered) > 0 && exceptionRank(ordered[0]) == 0 {
		return nil
	}
	result := normalize(base)
	var closures []Interval
	for _, e := range ordered {
		switch exceptionRank(e) {
		case 1:
			result = []Interval{FullDay}
		case 2:
			closures = append(closures, e.Interval())
		case 3:
			result = union(result, []Interval{e.Interval()})
		}
	}
	return subtractAll(result, closures)
}

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
}

// CanTransition reports whether a booking may move from one status to another.
// Cancelled, completed and no_show are terminal.
func CanTransition(from, to BookingStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an InvalidTransitionError when CanTransition fails.
func CheckTransition(from, to BookingStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
