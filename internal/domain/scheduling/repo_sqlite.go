package scheduling

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// tsLayout is fixed width so stored timestamps compare as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// StoreSQLite is an embedded single-file Store for development and small
// single-clinic deployments. One connection serializes all access, so a
// transaction's check-then-insert cannot interleave with another writer.
type StoreSQLite struct {
	db      *sql.DB
	timeout time.Duration
	now     func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string, timeout time.Duration) (*StoreSQLite, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &StoreSQLite{db: db, timeout: timeout, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL`,
	`CREATE TABLE IF NOT EXISTS weekly_rules (
		id TEXT PRIMARY KEY,
		doctor_id TEXT NOT NULL,
		day_of_week INTEGER NOT NULL CHECK (day_of_week BETWEEN 1 AND 7),
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		is_available INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (start_minute < end_minute)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_weekly_rules_doctor ON weekly_rules(doctor_id, day_of_week)`,
	`CREATE TABLE IF NOT EXISTS availability_exceptions (
		id TEXT PRIMARY KEY,
		doctor_id TEXT NOT NULL,
		exception_date TEXT NOT NULL,
		start_minute INTEGER,
		end_minute INTEGER,
		is_available INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_exceptions_doctor_date ON availability_exceptions(doctor_id, exception_date)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_exceptions_whole_day
		ON availability_exceptions(doctor_id, exception_date) WHERE start_minute IS NULL`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		doctor_id TEXT NOT NULL,
		service_id TEXT,
		patient_name TEXT NOT NULL,
		patient_email TEXT NOT NULL DEFAULT '',
		patient_phone TEXT NOT NULL DEFAULT '',
		appointment_date TEXT NOT NULL,
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','confirmed','cancelled','completed','no_show')),
		notes TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (start_minute < end_minute)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_doctor_date ON bookings(doctor_id, appointment_date)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_status_created ON bookings(status, created_at)`,
	// Backstop for identical live slots; partial overlaps are caught in InsertBooking.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_bookings_live_start
		ON bookings(doctor_id, appointment_date, start_minute) WHERE status IN ('pending','confirmed')`,
}

func (s *StoreSQLite) migrate() error {
	for _, q := range sqliteSchema {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("execute %q: %w", strings.SplitN(strings.TrimSpace(q), "\n", 2)[0], err)
		}
	}
	return nil
}

func (s *StoreSQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *StoreSQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *StoreSQLite) stamp() string { return s.now().UTC().Format(tsLayout) }

func parseStamp(v string) time.Time {
	t, _ := time.Parse(tsLayout, v)
	return t
}

func (s *StoreSQLite) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if msg := err.Error(); strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE") {
		return ErrConflict
	}
	return storageErr(ctx, op, err)
}

func (s *StoreSQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullableMinute(t *TimeOfDay) interface{} {
	if t == nil {
		return nil
	}
	return int(*t)
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

// =========== Weekly rules ===========

const sqliteRuleCols = `id, doctor_id, day_of_week, start_minute, end_minute, is_available, created_at, updated_at`

func scanSQLiteRule(row rowScanner) (*WeeklyRule, error) {
	var w WeeklyRule
	var id, doctorID, created, updated string
	var start, end int
	if err := row.Scan(&id, &doctorID, &w.DayOfWeek, &start, &end, &w.IsAvailable, &created, &updated); err != nil {
		return nil, err
	}
	w.ID, _ = uuid.Parse(id)
	w.DoctorID, _ = uuid.Parse(doctorID)
	w.StartTime, w.EndTime = TimeOfDay(start), TimeOfDay(end)
	w.CreatedAt, w.UpdatedAt = parseStamp(created), parseStamp(updated)
	return &w, nil
}

func (s *StoreSQLite) WeeklyRules(ctx context.Context, doctorID uuid.UUID) ([]*WeeklyRule, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteRuleCols+` FROM weekly_rules
		WHERE doctor_id = ? ORDER BY day_of_week, start_minute`, doctorID.String())
	if err != nil {
		return nil, s.classify(ctx, "weekly rules", err)
	}
	defer rows.Close()
	var items []*WeeklyRule
	for rows.Next() {
		w, err := scanSQLiteRule(rows)
		if err != nil {
			return nil, s.classify(ctx, "weekly rules", err)
		}
		items = append(items, w)
	}
	return items, s.classify(ctx, "weekly rules", rows.Err())
}

func (s *StoreSQLite) UpsertWeeklyRule(ctx context.Context, w *WeeklyRule) error {
	if err := ValidateWeeklyRule(w); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+sqliteRuleCols+` FROM weekly_rules
			WHERE doctor_id = ? AND day_of_week = ?`, w.DoctorID.String(), w.DayOfWeek)
		if err != nil {
			return err
		}
		var existing []*WeeklyRule
		for rows.Next() {
			o, err := scanSQLiteRule(rows)
			if err != nil {
				rows.Close()
				return err
			}
			existing = append(existing, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if err := checkRuleOverlap(existing, w); err != nil {
			return err
		}

		now := s.stamp()
		if w.ID == uuid.Nil {
			w.ID = uuid.New()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO weekly_rules (id, doctor_id, day_of_week, start_minute, end_minute, is_available, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,?)`,
				w.ID.String(), w.DoctorID.String(), w.DayOfWeek, int(w.StartTime), int(w.EndTime), w.IsAvailable, now, now); err != nil {
				return err
			}
			w.CreatedAt, w.UpdatedAt = parseStamp(now), parseStamp(now)
			return nil
		}
		var created string
		err = tx.QueryRowContext(ctx, `
			UPDATE weekly_rules SET day_of_week=?, start_minute=?, end_minute=?, is_available=?, updated_at=?
			WHERE id = ? AND doctor_id = ?
			RETURNING created_at`,
			w.DayOfWeek, int(w.StartTime), int(w.EndTime), w.IsAvailable, now, w.ID.String(), w.DoctorID.String(),
		).Scan(&created)
		w.CreatedAt, w.UpdatedAt = parseStamp(created), parseStamp(now)
		return err
	})
	return s.classify(ctx, "upsert weekly rule", err)
}

func (s *StoreSQLite) DeleteWeeklyRule(ctx context.Context, id uuid.UUID) error {
	return s.deleteByID(ctx, "weekly_rules", id)
}

func (s *StoreSQLite) deleteByID(ctx context.Context, table string, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id.String())
	if err != nil {
		return s.classify(ctx, "delete "+table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Exceptions ===========

const sqliteExcCols = `id, doctor_id, exception_date, start_minute, end_minute, is_available, reason, created_at, updated_at`

func scanSQLiteException(row rowScanner) (*AvailabilityException, error) {
	var e AvailabilityException
	var id, doctorID, created, updated string
	var start, end sql.NullInt64
	var reason sql.NullString
	if err := row.Scan(&id, &doctorID, &e.Date, &start, &end, &e.IsAvailable, &reason, &created, &updated); err != nil {
		return nil, err
	}
	e.ID, _ = uuid.Parse(id)
	e.DoctorID, _ = uuid.Parse(doctorID)
	if start.Valid {
		v := TimeOfDay(start.Int64)
		e.StartTime = &v
	}
	if end.Valid {
		v := TimeOfDay(end.Int64)
		e.EndTime = &v
	}
	if reason.Valid {
		e.Reason = &reason.String
	}
	e.CreatedAt, e.UpdatedAt = parseStamp(created), parseStamp(updated)
	return &e, nil
}

func (s *StoreSQLite) Exceptions(ctx context.Context, doctorID uuid.UUID, rng DateRange) ([]*AvailabilityException, error) {
	if _, _, err := parseRange(rng); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteExcCols+` FROM availability_exceptions
		WHERE doctor_id = ? AND exception_date BETWEEN ? AND ?
		ORDER BY exception_date, start_minute`, doctorID.String(), rng.From, rng.To)
	if err != nil {
		return nil, s.classify(ctx, "exceptions", err)
	}
	defer rows.Close()
	var items []*AvailabilityException
	for rows.Next() {
		e, err := scanSQLiteException(rows)
		if err != nil {
			return nil, s.classify(ctx, "exceptions", err)
		}
		items = append(items, e)
	}
	return items, s.classify(ctx, "exceptions", rows.Err())
}

func (s *StoreSQLite) UpsertException(ctx context.Context, e *AvailabilityException) error {
	if err := ValidateException(e); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	now := s.stamp()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var created string
		switch {
		case e.ID == uuid.Nil && e.WholeDay():
			var id string
			err := tx.QueryRowContext(ctx, `
				INSERT INTO availability_exceptions (id, doctor_id, exception_date, start_minute, end_minute, is_available, reason, created_at, updated_at)
				VALUES (?,?,?,NULL,NULL,?,?,?,?)
				ON CONFLICT (doctor_id, exception_date) WHERE start_minute IS NULL
				DO UPDATE SET is_available = excluded.is_available, reason = excluded.reason, updated_at = excluded.updated_at
				RETURNING id, created_at`,
				uuid.New().String(), e.DoctorID.String(), e.Date, e.IsAvailable, nullableString(e.Reason), now, now,
			).Scan(&id, &created)
			if err != nil {
				return err
			}
			e.ID, _ = uuid.Parse(id)
		case e.ID == uuid.Nil:
			e.ID = uuid.New()
			created = now
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO availability_exceptions (id, doctor_id, exception_date, start_minute, end_minute, is_available, reason, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,?,?)`,
				e.ID.String(), e.DoctorID.String(), e.Date, nullableMinute(e.StartTime), nullableMinute(e.EndTime),
				e.IsAvailable, nullableString(e.Reason), now, now); err != nil {
				return err
			}
		default:
			if e.WholeDay() {
				if _, err := tx.ExecContext(ctx, `DELETE FROM availability_exceptions
					WHERE doctor_id = ? AND exception_date = ? AND start_minute IS NULL AND id <> ?`,
					e.DoctorID.String(), e.Date, e.ID.String()); err != nil {
					return err
				}
			}
			err := tx.QueryRowContext(ctx, `
				UPDATE availability_exceptions
				SET exception_date=?, start_minute=?, end_minute=?, is_available=?, reason=?, updated_at=?
				WHERE id = ? AND doctor_id = ?
				RETURNING created_at`,
				e.Date, nullableMinute(e.StartTime), nullableMinute(e.EndTime), e.IsAvailable, nullableString(e.Reason), now,
				e.ID.String(), e.DoctorID.String(),
			).Scan(&created)
			if err != nil {
				return err
			}
		}
		e.CreatedAt, e.UpdatedAt = parseStamp(created), parseStamp(now)
		return nil
	})
	return s.classify(ctx, "upsert exception", err)
}

func (s *StoreSQLite) DeleteException(ctx context.Context, id uuid.UUID) error {
	return s.deleteByID(ctx, "availability_exceptions", id)
}

// =========== Bookings ===========

const sqliteBookingCols = `id, doctor_id, service_id, patient_name, patient_email, patient_phone,
	appointment_date, start_minute, end_minute, status, notes, created_by, created_at, updated_at`

func scanSQLiteBooking(row rowScanner) (*Booking, error) {
	var b Booking
	var id, doctorID, status, created, updated string
	var serviceID, notes sql.NullString
	var start, end int
	err := row.Scan(&id, &doctorID, &serviceID, &b.Patient.Name, &b.Patient.Email, &b.Patient.Phone,
		&b.Date, &start, &end, &status, &notes, &b.CreatedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	b.ID, _ = uuid.Parse(id)
	b.DoctorID, _ = uuid.Parse(doctorID)
	if serviceID.Valid {
		if sid, err := uuid.Parse(serviceID.String); err == nil {
			b.ServiceID = &sid
		}
	}
	if notes.Valid {
		b.Notes = &notes.String
	}
	b.StartTime, b.EndTime = TimeOfDay(start), TimeOfDay(end)
	b.Status = BookingStatus(status)
	b.CreatedAt, b.UpdatedAt = parseStamp(created), parseStamp(updated)
	return &b, nil
}

func scanSQLiteBookings(rows *sql.Rows) ([]*Booking, error) {
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := scanSQLiteBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

// statusIn renders "status IN (?,?)" and its args; empty statuses match all.
func statusIn(statuses []BookingStatus) (string, []interface{}) {
	if len(statuses) == 0 {
		return "", nil
	}
	marks := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return ` AND status IN (` + strings.Join(marks, ",") + `)`, args
}

func (s *StoreSQLite) Bookings(ctx context.Context, doctorID uuid.UUID, rng DateRange, statuses []BookingStatus) ([]*Booking, error) {
	if _, _, err := parseRange(rng); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	clause, statusArgs := statusIn(statuses)
	args := append([]interface{}{doctorID.String(), rng.From, rng.To}, statusArgs...)
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteBookingCols+` FROM bookings
		WHERE doctor_id = ? AND appointment_date BETWEEN ? AND ?`+clause+`
		ORDER BY appointment_date, start_minute`, args...)
	if err != nil {
		return nil, s.classify(ctx, "bookings", err)
	}
	items, err := scanSQLiteBookings(rows)
	return items, s.classify(ctx, "bookings", err)
}

// InsertBooking checks for buffered overlap and inserts inside one immediate
// transaction on the single connection.
func (s *StoreSQLite) InsertBooking(ctx context.Context, b *Booking, bufferMinutes int) (uuid.UUID, error) {
	if _, err := ParseDate(b.Date); err != nil {
		return uuid.Nil, NewValidationError("date", err.Error())
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	now := s.stamp()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		clause, statusArgs := statusIn(LiveStatuses)
		args := append([]interface{}{b.DoctorID.String(), b.Date}, statusArgs...)
		rows, err := tx.QueryContext(ctx, `SELECT `+sqliteBookingCols+` FROM bookings
			WHERE doctor_id = ? AND appointment_date = ?`+clause, args...)
		if err != nil {
			return err
		}
		existing, err := scanSQLiteBookings(rows)
		if err != nil {
			return err
		}
		if overlapsLive(existing, b, bufferMinutes) != nil {
			return ErrConflict
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bookings (id, doctor_id, service_id, patient_name, patient_email, patient_phone,
				appointment_date, start_minute, end_minute, status, notes, created_by, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			b.ID.String(), b.DoctorID.String(), nullableUUID(b.ServiceID), b.Patient.Name, b.Patient.Email, b.Patient.Phone,
			b.Date, int(b.StartTime), int(b.EndTime), string(b.Status), nullableString(b.Notes), b.CreatedBy, now, now)
		return err
	})
	if err != nil {
		return uuid.Nil, s.classify(ctx, "insert booking", err)
	}
	b.CreatedAt, b.UpdatedAt = parseStamp(now), parseStamp(now)
	return b.ID, nil
}

func (s *StoreSQLite) UpdateStatus(ctx context.Context, id uuid.UUID, status BookingStatus) (*Booking, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var out *Booking
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := scanSQLiteBooking(tx.QueryRowContext(ctx,
			`SELECT `+sqliteBookingCols+` FROM bookings WHERE id = ?`, id.String()))
		if err != nil {
			return err
		}
		if err := CheckTransition(current.Status, status); err != nil {
			return err
		}
		now := s.stamp()
		if _, err := tx.ExecContext(ctx, `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id.String()); err != nil {
			return err
		}
		current.Status = status
		current.UpdatedAt = parseStamp(now)
		out = current
		return nil
	})
	if err != nil {
		return nil, s.classify(ctx, "update status", err)
	}
	return out, nil
}

func (s *StoreSQLite) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	b, err := scanSQLiteBooking(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBookingCols+` FROM bookings WHERE id = ?`, id.String()))
	if err != nil {
		return nil, s.classify(ctx, "get booking", err)
	}
	return b, nil
}

func (s *StoreSQLite) ListBookings(ctx context.Context, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if f.DoctorID != nil {
		where += ` AND doctor_id = ?`
		args = append(args, f.DoctorID.String())
	}
	if f.Range != nil {
		if _, _, err := parseRange(*f.Range); err != nil {
			return nil, 0, err
		}
		where += ` AND appointment_date BETWEEN ? AND ?`
		args = append(args, f.Range.From, f.Range.To)
	}
	clause, statusArgs := statusIn(f.Statuses)
	where += clause
	args = append(args, statusArgs...)

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings`+where, args...).Scan(&total); err != nil {
		return nil, 0, s.classify(ctx, "list bookings", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteBookingCols+` FROM bookings`+where+
		` ORDER BY appointment_date, start_minute LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, s.classify(ctx, "list bookings", err)
	}
	items, err := scanSQLiteBookings(rows)
	if err != nil {
		return nil, 0, s.classify(ctx, "list bookings", err)
	}
	return items, total, nil
}

func (s *StoreSQLite) StalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Booking, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteBookingCols+` FROM bookings
		WHERE status = ? AND created_at < ?
		ORDER BY created_at LIMIT ?`, string(StatusPending), createdBefore.UTC().Format(tsLayout), limit)
	if err != nil {
		return nil, s.classify(ctx, "stale pending", err)
	}
	items, err := scanSQLiteBookings(rows)
	return items, s.classify(ctx, "stale pending", err)
}
