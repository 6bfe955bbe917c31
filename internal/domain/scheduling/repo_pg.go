package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medx360/booking/internal/platform/db"
	"github.com/medx360/booking/internal/platform/metrics"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type storePG struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewStorePG returns a Postgres-backed Store. Calls run on the tenant
// connection from the request context when there is one. Every call is
// bounded by timeout.
func NewStorePG(pool *pgxpool.Pool, timeout time.Duration) Store {
	return &storePG{pool: pool, timeout: timeout}
}

func (r *storePG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// classify maps pgx failures onto the domain error taxonomy.
func (r *storePG) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23P01", "23505": // exclusion_violation, unique_violation
			return ErrConflict
		case "57014": // query_canceled
			metrics.RecordStorageTimeout(op)
			return fmt.Errorf("%s: %w", op, ErrStorageTimeout)
		}
	}
	if pgconn.Timeout(err) {
		metrics.RecordStorageTimeout(op)
		return fmt.Errorf("%s: %w", op, ErrStorageTimeout)
	}
	return storageErr(ctx, op, err)
}

// inTx runs fn in a transaction on the context's connection.
func (r *storePG) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const minuteMicros = int64(time.Minute / time.Microsecond)

func pgTime(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * minuteMicros, Valid: true}
}

func pgTimePtr(t *TimeOfDay) pgtype.Time {
	if t == nil {
		return pgtype.Time{}
	}
	return pgTime(*t)
}

func fromPGTime(t pgtype.Time) TimeOfDay {
	return TimeOfDay(t.Microseconds / minuteMicros)
}

func fromPGTimePtr(t pgtype.Time) *TimeOfDay {
	if !t.Valid {
		return nil
	}
	v := fromPGTime(t)
	return &v
}

func statusStrings(statuses []BookingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func parseRange(rng DateRange) (time.Time, time.Time, error) {
	from, err := ParseDate(rng.From)
	if err != nil {
		return time.Time{}, time.Time{}, NewValidationError("from", err.Error())
	}
	to, err := ParseDate(rng.To)
	if err != nil {
		return time.Time{}, time.Time{}, NewValidationError("to", err.Error())
	}
	return from, to, nil
}

// =========== Weekly rules ===========

const ruleCols = `id, doctor_id, day_of_week, start_time, end_time, is_available, created_at, updated_at`

func scanRule(row pgx.Row) (*WeeklyRule, error) {
	var w WeeklyRule
	var start, end pgtype.Time
	err := row.Scan(&w.ID, &w.DoctorID, &w.DayOfWeek, &start, &end, &w.IsAvailable, &w.CreatedAt, &w.UpdatedAt)
	w.StartTime, w.EndTime = fromPGTime(start), fromPGTime(end)
	return &w, err
}

func collectRules(rows pgx.Rows) ([]*WeeklyRule, error) {
	defer rows.Close()
	var items []*WeeklyRule
	for rows.Next() {
		w, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (r *storePG) WeeklyRules(ctx context.Context, doctorID uuid.UUID) ([]*WeeklyRule, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+ruleCols+` FROM weekly_rules
		WHERE doctor_id = $1 ORDER BY day_of_week, start_time`, doctorID)
	if err != nil {
		return nil, r.classify(ctx, "weekly rules", err)
	}
	items, err := collectRules(rows)
	return items, r.classify(ctx, "weekly rules", err)
}

func (r *storePG) UpsertWeeklyRule(ctx context.Context, w *WeeklyRule) error {
	if err := ValidateWeeklyRule(w); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		// Serialize rule writes per doctor so the overlap check holds.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "rules:"+w.DoctorID.String()); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT `+ruleCols+` FROM weekly_rules
			WHERE doctor_id = $1 AND day_of_week = $2`, w.DoctorID, w.DayOfWeek)
		if err != nil {
			return err
		}
		existing, err := collectRules(rows)
		if err != nil {
			return err
		}
		if err := checkRuleOverlap(existing, w); err != nil {
			return err
		}

		if w.ID == uuid.Nil {
			w.ID = uuid.New()
			return tx.QueryRow(ctx, `
				INSERT INTO weekly_rules (id, doctor_id, day_of_week, start_time, end_time, is_available)
				VALUES ($1,$2,$3,$4,$5,$6)
				RETURNING created_at, updated_at`,
				w.ID, w.DoctorID, w.DayOfWeek, pgTime(w.StartTime), pgTime(w.EndTime), w.IsAvailable,
			).Scan(&w.CreatedAt, &w.UpdatedAt)
		}
		return tx.QueryRow(ctx, `
			UPDATE weekly_rules SET day_of_week=$3, start_time=$4, end_time=$5, is_available=$6, updated_at=NOW()
			WHERE id = $1 AND doctor_id = $2
			RETURNING created_at, updated_at`,
			w.ID, w.DoctorID, w.DayOfWeek, pgTime(w.StartTime), pgTime(w.EndTime), w.IsAvailable,
		).Scan(&w.CreatedAt, &w.UpdatedAt)
	})
	return r.classify(ctx, "upsert weekly rule", err)
}

func (r *storePG) DeleteWeeklyRule(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM weekly_rules WHERE id = $1`, id)
	if err != nil {
		return r.classify(ctx, "delete weekly rule", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Exceptions ===========

const excCols = `id, doctor_id, exception_date, start_time, end_time, is_available, reason, created_at, updated_at`

func scanException(row pgx.Row) (*AvailabilityException, error) {
	var e AvailabilityException
	var day time.Time
	var start, end pgtype.Time
	err := row.Scan(&e.ID, &e.DoctorID, &day, &start, &end, &e.IsAvailable, &e.Reason, &e.CreatedAt, &e.UpdatedAt)
	e.Date = day.Format(DateLayout)
	e.StartTime, e.EndTime = fromPGTimePtr(start), fromPGTimePtr(end)
	return &e, err
}

func (r *storePG) Exceptions(ctx context.Context, doctorID uuid.UUID, rng DateRange) ([]*AvailabilityException, error) {
	from, to, err := parseRange(rng)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+excCols+` FROM availability_exceptions
		WHERE doctor_id = $1 AND exception_date BETWEEN $2 AND $3
		ORDER BY exception_date, start_time NULLS FIRST`, doctorID, from, to)
	if err != nil {
		return nil, r.classify(ctx, "exceptions", err)
	}
	defer rows.Close()
	var items []*AvailabilityException
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, r.classify(ctx, "exceptions", err)
		}
		items = append(items, e)
	}
	return items, r.classify(ctx, "exceptions", rows.Err())
}

func (r *storePG) UpsertException(ctx context.Context, e *AvailabilityException) error {
	if err := ValidateException(e); err != nil {
		return err
	}
	day, _ := ParseDate(e.Date)
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	switch {
	case e.ID == uuid.Nil && e.WholeDay():
		// The partial unique index keeps one whole-day row per doctor and date.
		err = r.conn(ctx).QueryRow(ctx, `
			INSERT INTO availability_exceptions (id, doctor_id, exception_date, start_time, end_time, is_available, reason)
			VALUES ($1,$2,$3,NULL,NULL,$4,$5)
			ON CONFLICT (doctor_id, exception_date) WHERE start_time IS NULL
			DO UPDATE SET is_available = EXCLUDED.is_available, reason = EXCLUDED.reason, updated_at = NOW()
			RETURNING id, created_at, updated_at`,
			uuid.New(), e.DoctorID, day, e.IsAvailable, e.Reason,
		).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	case e.ID == uuid.Nil:
		e.ID = uuid.New()
		err = r.conn(ctx).QueryRow(ctx, `
			INSERT INTO availability_exceptions (id, doctor_id, exception_date, start_time, end_time, is_available, reason)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING created_at, updated_at`,
			e.ID, e.DoctorID, day, pgTimePtr(e.StartTime), pgTimePtr(e.EndTime), e.IsAvailable, e.Reason,
		).Scan(&e.CreatedAt, &e.UpdatedAt)
	default:
		err = r.inTx(ctx, func(tx pgx.Tx) error {
			if e.WholeDay() {
				if _, err := tx.Exec(ctx, `DELETE FROM availability_exceptions
					WHERE doctor_id = $1 AND exception_date = $2 AND start_time IS NULL AND id <> $3`,
					e.DoctorID, day, e.ID); err != nil {
					return err
				}
			}
			return tx.QueryRow(ctx, `
				UPDATE availability_exceptions
				SET exception_date=$3, start_time=$4, end_time=$5, is_available=$6, reason=$7, updated_at=NOW()
				WHERE id = $1 AND doctor_id = $2
				RETURNING created_at, updated_at`,
				e.ID, e.DoctorID, day, pgTimePtr(e.StartTime), pgTimePtr(e.EndTime), e.IsAvailable, e.Reason,
			).Scan(&e.CreatedAt, &e.UpdatedAt)
		})
	}
	return r.classify(ctx, "upsert exception", err)
}

func (r *storePG) DeleteException(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_exceptions WHERE id = $1`, id)
	if err != nil {
		return r.classify(ctx, "delete exception", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Bookings ===========

const bookingCols = `id, doctor_id, service_id, patient_name, patient_email, patient_phone,
	appointment_date, start_time, end_time, status, notes, created_by, created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var day time.Time
	var start, end pgtype.Time
	err := row.Scan(&b.ID, &b.DoctorID, &b.ServiceID, &b.Patient.Name, &b.Patient.Email, &b.Patient.Phone,
		&day, &start, &end, &b.Status, &b.Notes, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	b.Date = day.Format(DateLayout)
	b.StartTime, b.EndTime = fromPGTime(start), fromPGTime(end)
	return &b, err
}

func collectBookings(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *storePG) Bookings(ctx context.Context, doctorID uuid.UUID, rng DateRange, statuses []BookingStatus) ([]*Booking, error) {
	from, to, err := parseRange(rng)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	query := `SELECT ` + bookingCols + ` FROM bookings
		WHERE doctor_id = $1 AND appointment_date BETWEEN $2 AND $3`
	args := []interface{}{doctorID, from, to}
	if len(statuses) > 0 {
		query += ` AND status = ANY($4)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY appointment_date, start_time`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, r.classify(ctx, "bookings", err)
	}
	items, err := collectBookings(rows)
	return items, r.classify(ctx, "bookings", err)
}

// InsertBooking takes a transaction-scoped advisory lock on doctor and date,
// re-checks the buffered overlap and inserts. The bookings_no_overlap
// exclusion constraint backs this up for the unbuffered case.
func (r *storePG) InsertBooking(ctx context.Context, b *Booking, bufferMinutes int) (uuid.UUID, error) {
	day, err := ParseDate(b.Date)
	if err != nil {
		return uuid.Nil, NewValidationError("date", err.Error())
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	occupied := Policy{BufferMinutes: bufferMinutes}.Occupied(b.Interval())
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, b.DoctorID.String()+":"+b.Date); err != nil {
			return err
		}
		var clash bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM bookings
				WHERE doctor_id = $1 AND appointment_date = $2 AND status = ANY($3) AND id <> $4
				  AND start_time < $5 AND end_time > $6
			)`,
			b.DoctorID, day, statusStrings(LiveStatuses), b.ID, pgTime(occupied.End), pgTime(occupied.Start),
		).Scan(&clash)
		if err != nil {
			return err
		}
		if clash {
			return ErrConflict
		}
		return tx.QueryRow(ctx, `
			INSERT INTO bookings (id, doctor_id, service_id, patient_name, patient_email, patient_phone,
				appointment_date, start_time, end_time, status, notes, created_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			RETURNING created_at, updated_at`,
			b.ID, b.DoctorID, b.ServiceID, b.Patient.Name, b.Patient.Email, b.Patient.Phone,
			day, pgTime(b.StartTime), pgTime(b.EndTime), string(b.Status), b.Notes, b.CreatedBy,
		).Scan(&b.CreatedAt, &b.UpdatedAt)
	})
	if err != nil {
		return uuid.Nil, r.classify(ctx, "insert booking", err)
	}
	return b.ID, nil
}

// UpdateStatus locks the row, checks the transition table and applies it.
func (r *storePG) UpdateStatus(ctx context.Context, id uuid.UUID, status BookingStatus) (*Booking, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var out *Booking
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var current BookingStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			return err
		}
		if err := CheckTransition(current, status); err != nil {
			return err
		}
		b, err := scanBooking(tx.QueryRow(ctx, `
			UPDATE bookings SET status = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING `+bookingCols, id, string(status)))
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, r.classify(ctx, "update status", err)
	}
	return out, nil
}

func (r *storePG) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, r.classify(ctx, "get booking", err)
	}
	return b, nil
}

func (r *storePG) ListBookings(ctx context.Context, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.DoctorID != nil {
		where += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, *f.DoctorID)
		idx++
	}
	if f.Range != nil {
		from, to, err := parseRange(*f.Range)
		if err != nil {
			return nil, 0, err
		}
		where += fmt.Sprintf(` AND appointment_date BETWEEN $%d AND $%d`, idx, idx+1)
		args = append(args, from, to)
		idx += 2
	}
	if len(f.Statuses) > 0 {
		where += fmt.Sprintf(` AND status = ANY($%d)`, idx)
		args = append(args, statusStrings(f.Statuses))
		idx++
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bookings`+where, args...).Scan(&total); err != nil {
		return nil, 0, r.classify(ctx, "list bookings", err)
	}

	query := `SELECT ` + bookingCols + ` FROM bookings` + where +
		fmt.Sprintf(` ORDER BY appointment_date, start_time LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, r.classify(ctx, "list bookings", err)
	}
	items, err := collectBookings(rows)
	if err != nil {
		return nil, 0, r.classify(ctx, "list bookings", err)
	}
	return items, total, nil
}

func (r *storePG) StalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Booking, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM bookings
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at LIMIT $3`, string(StatusPending), createdBefore, limit)
	if err != nil {
		return nil, r.classify(ctx, "stale pending", err)
	}
	items, err := collectBookings(rows)
	return items, r.classify(ctx, "stale pending", err)
}
