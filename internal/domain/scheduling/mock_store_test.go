package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store. InsertBooking holds the mutex across the
// overlap check and the insert, like a real store's transaction.
type memStore struct {
	mu       sync.Mutex
	rules    map[uuid.UUID]*WeeklyRule
	excs     map[uuid.UUID]*AvailabilityException
	bookings map[uuid.UUID]*Booking
	failures map[string][]error
	// commitThenFail makes InsertBooking store the row before returning an
	// injected error, simulating a commit whose acknowledgement timed out.
	commitThenFail bool
	calls          map[string]int
	now            func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		rules:    make(map[uuid.UUID]*WeeklyRule),
		excs:     make(map[uuid.UUID]*AvailabilityException),
		bookings: make(map[uuid.UUID]*Booking),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// fail queues errors returned by the next calls to op.
func (m *memStore) fail(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

func (m *memStore) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// enter must be called with the mutex held.
func (m *memStore) enter(op string) error {
	m.calls[op]++
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func inRange(date string, rng DateRange) bool {
	return date >= rng.From && date <= rng.To
}

func (m *memStore) WeeklyRules(_ context.Context, doctorID uuid.UUID) ([]*WeeklyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("WeeklyRules"); err != nil {
		return nil, err
	}
	var out []*WeeklyRule
	for _, r := range m.rules {
		if r.DoctorID == doctorID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (m *memStore) Exceptions(_ context.Context, doctorID uuid.UUID, rng DateRange) ([]*AvailabilityException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Exceptions"); err != nil {
		return nil, err
	}
	var out []*AvailabilityException
	for _, e := range m.excs {
		if e.DoctorID == doctorID && inRange(e.Date, rng) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *memStore) UpsertWeeklyRule(_ context.Context, r *WeeklyRule) error {
	if err := ValidateWeeklyRule(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertWeeklyRule"); err != nil {
		return err
	}
	var existing []*WeeklyRule
	for _, o := range m.rules {
		if o.DoctorID == r.DoctorID {
			existing = append(existing, o)
		}
	}
	if err := checkRuleOverlap(existing, r); err != nil {
		return err
	}
	now := m.now()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
		r.CreatedAt = now
	} else if _, ok := m.rules[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = now
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *memStore) UpsertException(_ context.Context, e *AvailabilityException) error {
	if err := ValidateException(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertException"); err != nil {
		return err
	}
	now := m.now()
	if e.WholeDay() {
		for id, o := range m.excs {
			if id != e.ID && o.DoctorID == e.DoctorID && o.Date == e.Date && o.WholeDay() {
				if e.ID == uuid.Nil {
					e.ID = id
					e.CreatedAt = o.CreatedAt
				} else {
					delete(m.excs, id)
				}
			}
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	cp := *e
	m.excs[e.ID] = &cp
	return nil
}

func (m *memStore) DeleteWeeklyRule(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *memStore) DeleteException(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.excs[id]; !ok {
		return ErrNotFound
	}
	delete(m.excs, id)
	return nil
}

func (m *memStore) Bookings(_ context.Context, doctorID uuid.UUID, rng DateRange, statuses []BookingStatus) ([]*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Bookings"); err != nil {
		return nil, err
	}
	var out []*Booking
	for _, b := range m.bookings {
		if b.DoctorID != doctorID || !inRange(b.Date, rng) || !hasStatus(statuses, b.Status) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sortBookings(out)
	return out, nil
}

func hasStatus(statuses []BookingStatus, s BookingStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func sortBookings(bs []*Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Date != bs[j].Date {
			return bs[i].Date < bs[j].Date
		}
		return bs[i].StartTime < bs[j].StartTime
	})
}

func (m *memStore) InsertBooking(_ context.Context, b *Booking, bufferMinutes int) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertBooking"); err != nil {
		if m.commitThenFail {
			m.commitThenFail = false
			cp := *b
			m.bookings[b.ID] = &cp
		}
		return uuid.Nil, err
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if _, dup := m.bookings[b.ID]; dup {
		return uuid.Nil, ErrConflict
	}
	var sameDay []*Booking
	for _, o := range m.bookings {
		if o.DoctorID == b.DoctorID && o.Date == b.Date {
			sameDay = append(sameDay, o)
		}
	}
	if overlapsLive(sameDay, b, bufferMinutes) != nil {
		return uuid.Nil, ErrConflict
	}
	now := m.now()
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	m.bookings[b.ID] = &cp
	return b.ID, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, status BookingStatus) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateStatus"); err != nil {
		return nil, err
	}
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := CheckTransition(b.Status, status); err != nil {
		return nil, err
	}
	b.Status = status
	b.UpdatedAt = m.now()
	cp := *b
	return &cp, nil
}

func (m *memStore) GetBooking(_ context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetBooking"); err != nil {
		return nil, err
	}
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) ListBookings(_ context.Context, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Booking
	for _, b := range m.bookings {
		if f.DoctorID != nil && b.DoctorID != *f.DoctorID {
			continue
		}
		if f.Range != nil && !inRange(b.Date, *f.Range) {
			continue
		}
		if !hasStatus(f.Statuses, b.Status) {
			continue
		}
		cp := *b
		all = append(all, &cp)
	}
	sortBookings(all)
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) StalePending(_ context.Context, createdBefore time.Time, limit int) ([]*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Booking
	for _, b := range m.bookings {
		if b.Status == StatusPending && b.CreatedAt.Before(createdBefore) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// seed helpers

func (m *memStore) addRule(doctorID uuid.UUID, dow int, start, end string, available bool) *WeeklyRule {
	r := &WeeklyRule{
		DoctorID:    doctorID,
		DayOfWeek:   dow,
		StartTime:   mustTime(start),
		EndTime:     mustTime(end),
		IsAvailable: available,
	}
	if err := m.UpsertWeeklyRule(context.Background(), r); err != nil {
		panic(err)
	}
	return r
}

func (m *memStore) addException(doctorID uuid.UUID, date, start, end string, available bool) *AvailabilityException {
	e := &AvailabilityException{DoctorID: doctorID, Date: date, IsAvailable: available}
	if start != "" {
		s, en := mustTime(start), mustTime(end)
		e.StartTime, e.EndTime = &s, &en
	}
	if err := m.UpsertException(context.Background(), e); err != nil {
		panic(err)
	}
	return e
}

func (m *memStore) addBooking(doctorID uuid.UUID, date, start, end string, status BookingStatus) *Booking {
	b := &Booking{
		DoctorID:  doctorID,
		Patient:   PatientInfo{Name: "Seed Patient"},
		Date:      date,
		StartTime: mustTime(start),
		EndTime:   mustTime(end),
		Status:    status,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = uuid.New()
	b.CreatedAt, b.UpdatedAt = m.now(), m.now()
	cp := *b
	m.bookings[b.ID] = &cp
	return b
}

func mustTime(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}
