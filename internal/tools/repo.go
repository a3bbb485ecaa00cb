package tools

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"hvac-voice-agent/pkg/utils"
)

// Repository is the persistence contract for tool executors. The Postgres
// implementation is authoritative; the in-memory one backs tests and
// degraded KV-less operation of the turn flow.
type Repository interface {
	ListLocations(ctx context.Context) ([]Location, error)
	GetLocation(ctx context.Context, code string) (Location, error)

	// CreateBooking inserts atomically with the idempotency and collision
	// checks inside one transaction. call_id also carries a unique
	// constraint as a backstop.
	CreateBooking(ctx context.Context, a Appointment) (Appointment, BookingStatus, error)
	FindBookingByCallID(ctx context.Context, callID string) (Appointment, error)
	SlotTaken(ctx context.Context, locationCode, date, tm string) (bool, error)
	LatestFutureBooking(ctx context.Context, name, locationCode, afterDate string) (Appointment, error)
	RescheduleBooking(ctx context.Context, id int, date, tm string) error
	CancelBooking(ctx context.Context, id int) error

	InsertEmergency(ctx context.Context, e EmergencyLog) (EmergencyLog, error)
	InsertLead(ctx context.Context, l Lead) (Lead, error)
}

// PostgresRepository implements Repository over database/sql with the pgx
// stdlib driver.
type PostgresRepository struct {
	db *sql.DB

	mu        sync.RWMutex
	locCache  map[string]Location
	locLoaded time.Time
}

const locCacheWindow = 5 * time.Minute

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, locCache: make(map[string]Location)}
}

func (r *PostgresRepository) ListLocations(ctx context.Context) ([]Location, error) {
	const q = `
SELECT code, name, address, phone, opening_hour, closing_hour, COALESCE(emergency_phone, ''), is_active
FROM locations
WHERE is_active
ORDER BY code
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.Code, &l.Name, &l.Address, &l.Phone, &l.OpeningHour, &l.ClosingHour, &l.EmergencyPhone, &l.Active); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.locCache = make(map[string]Location, len(out))
	for _, l := range out {
		r.locCache[l.Code] = l
	}
	r.locLoaded = time.Now()
	r.mu.Unlock()
	return out, nil
}

func (r *PostgresRepository) GetLocation(ctx context.Context, code string) (Location, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	r.mu.RLock()
	l, ok := r.locCache[code]
	fresh := time.Since(r.locLoaded) < locCacheWindow
	r.mu.RUnlock()
	if ok && fresh {
		return l, nil
	}

	const q = `
SELECT code, name, address, phone, opening_hour, closing_hour, COALESCE(emergency_phone, ''), is_active
FROM locations
WHERE code = $1 AND is_active
`
	var loc Location
	err := r.db.QueryRowContext(ctx, q, code).Scan(
		&loc.Code, &loc.Name, &loc.Address, &loc.Phone,
		&loc.OpeningHour, &loc.ClosingHour, &loc.EmergencyPhone, &loc.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Location{}, ErrUnknownLocation
		}
		return Location{}, err
	}

	r.mu.Lock()
	r.locCache[loc.Code] = loc
	r.mu.Unlock()
	return loc, nil
}

func (r *PostgresRepository) CreateBooking(ctx context.Context, a Appointment) (Appointment, BookingStatus, error) {
	var out Appointment
	var status BookingStatus

	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Idempotency: a live booking for this call wins over everything.
		if a.CallID != "" {
			existing, found, err := findBookingByCallIDTx(ctx, tx, a.CallID)
			if err != nil {
				return err
			}
			if found {
				out = existing
				status = BookingIdempotent
				return nil
			}
		}

		taken, err := slotTakenTx(ctx, tx, a.LocationCode, a.Date, a.Time)
		if err != nil {
			return err
		}
		if taken {
			status = BookingTaken
			return nil
		}

		const ins = `
INSERT INTO appointments (
  call_id, customer_name, customer_phone, customer_email,
  date, time, issue, issue_category, priority, location_id, is_cancelled, created_at
) VALUES (
  NULLIF($1,''), $2, $3, $4, $5, $6, $7, $8, $9,
  (SELECT id FROM locations WHERE code = $10), FALSE, $11
)
RETURNING id, created_at
`
		now := time.Now().UTC()
		if err := tx.QueryRowContext(ctx, ins,
			a.CallID, a.CustomerName, a.CustomerPhone, a.CustomerEmail,
			a.Date, a.Time, a.Issue, a.IssueCategory, a.Priority,
			a.LocationCode, now,
		).Scan(&a.ID, &a.CreatedAt); err != nil {
			return err
		}
		out = a
		status = BookingSuccess
		return nil
	})
	if err != nil {
		return Appointment{}, "", err
	}
	return out, status, nil
}

func (r *PostgresRepository) FindBookingByCallID(ctx context.Context, callID string) (Appointment, error) {
	const q = bookingSelect + `
WHERE a.call_id = $1 AND NOT a.is_cancelled
LIMIT 1
`
	return scanBooking(r.db.QueryRowContext(ctx, q, callID))
}

func (r *PostgresRepository) SlotTaken(ctx context.Context, locationCode, date, tm string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM appointments a
  JOIN locations l ON l.id = a.location_id
  WHERE l.code = $1 AND a.date = $2 AND a.time = $3 AND NOT a.is_cancelled
)
`
	var taken bool
	if err := r.db.QueryRowContext(ctx, q, locationCode, date, tm).Scan(&taken); err != nil {
		return false, err
	}
	return taken, nil
}

func (r *PostgresRepository) LatestFutureBooking(ctx context.Context, name, locationCode, afterDate string) (Appointment, error) {
	const q = bookingSelect + `
WHERE LOWER(a.customer_name) = LOWER($1) AND l.code = $2
  AND a.date >= $3 AND NOT a.is_cancelled
ORDER BY a.date DESC, a.time DESC
LIMIT 1
`
	return scanBooking(r.db.QueryRowContext(ctx, q, name, locationCode, afterDate))
}

func (r *PostgresRepository) RescheduleBooking(ctx context.Context, id int, date, tm string) error {
	const q = `UPDATE appointments SET date = $2, time = $3 WHERE id = $1 AND NOT is_cancelled`
	res, err := r.db.ExecContext(ctx, q, id, date, tm)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r *PostgresRepository) CancelBooking(ctx context.Context, id int) error {
	const q = `UPDATE appointments SET is_cancelled = TRUE WHERE id = $1 AND NOT is_cancelled`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r *PostgresRepository) InsertEmergency(ctx context.Context, e EmergencyLog) (EmergencyLog, error) {
	const q = `
INSERT INTO emergency_logs (call_id, caller_phone, emergency_type, description, location_id, created_at)
VALUES ($1, $2, $3, $4, (SELECT id FROM locations WHERE code = NULLIF($5,'')), $6)
RETURNING id, created_at
`
	now := time.Now().UTC()
	if err := r.db.QueryRowContext(ctx, q,
		e.CallID, e.CallerPhone, e.Type, e.Description, e.LocationCode, now,
	).Scan(&e.ID, &e.CreatedAt); err != nil {
		return EmergencyLog{}, err
	}
	return e, nil
}

func (r *PostgresRepository) InsertLead(ctx context.Context, l Lead) (Lead, error) {
	const q = `
INSERT INTO leads (name, phone, issue, notes, call_id, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5,''), $6)
RETURNING id, created_at
`
	now := time.Now().UTC()
	if err := r.db.QueryRowContext(ctx, q,
		l.Name, l.Phone, l.Issue, l.Notes, l.CallID, now,
	).Scan(&l.ID, &l.CreatedAt); err != nil {
		return Lead{}, err
	}
	return l, nil
}

const bookingSelect = `
SELECT a.id, COALESCE(a.call_id, ''), a.customer_name, COALESCE(a.customer_phone, ''),
       COALESCE(a.customer_email, ''), a.date, a.time, a.issue,
       COALESCE(a.issue_category, ''), COALESCE(a.priority, ''), l.code, a.is_cancelled, a.created_at
FROM appointments a
JOIN locations l ON l.id = a.location_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID, &a.CallID, &a.CustomerName, &a.CustomerPhone, &a.CustomerEmail,
		&a.Date, &a.Time, &a.Issue, &a.IssueCategory, &a.Priority,
		&a.LocationCode, &a.Cancelled, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appointment{}, ErrNotFound
		}
		return Appointment{}, err
	}
	return a, nil
}

func findBookingByCallIDTx(ctx context.Context, tx *sql.Tx, callID string) (Appointment, bool, error) {
	const q = bookingSelect + `
WHERE a.call_id = $1 AND NOT a.is_cancelled
LIMIT 1
`
	a, err := scanBooking(tx.QueryRowContext(ctx, q, callID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Appointment{}, false, nil
		}
		return Appointment{}, false, err
	}
	return a, true, nil
}

func slotTakenTx(ctx context.Context, tx *sql.Tx, locationCode, date, tm string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM appointments a
  JOIN locations l ON l.id = a.location_id
  WHERE l.code = $1 AND a.date = $2 AND a.time = $3 AND NOT a.is_cancelled
)
`
	var taken bool
	if err := tx.QueryRowContext(ctx, q, locationCode, date, tm).Scan(&taken); err != nil {
		return false, err
	}
	return taken, nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
