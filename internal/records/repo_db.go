package records

import (
	"context"
	"database/sql"
	"errors"
)

// DBRepo persists call records in Postgres via database/sql (pgx stdlib).
type DBRepo struct {
	db *sql.DB
}

func NewDBRepo(db *sql.DB) *DBRepo {
	return &DBRepo{db: db}
}

func (r *DBRepo) Start(ctx context.Context, rec CallRecord) error {
	const q = `
INSERT INTO call_records (call_id, caller_phone, dialed_phone, tenant_id, path, started_at, ended_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (call_id) DO NOTHING
`
	_, err := r.db.ExecContext(ctx, q,
		rec.CallID, rec.CallerPhone, rec.DialedPhone, rec.TenantID, rec.Path, rec.StartedAt, rec.EndedReason)
	return err
}

// Finish upserts so a record survives even when the admitting webhook's
// insert was lost.
func (r *DBRepo) Finish(ctx context.Context, rec CallRecord) error {
	const q = `
INSERT INTO call_records
  (call_id, caller_phone, dialed_phone, tenant_id, path, started_at,
   duration_s, ended_reason, tools_used, emergency, booked, transcript)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (call_id) DO UPDATE SET
  duration_s   = EXCLUDED.duration_s,
  ended_reason = EXCLUDED.ended_reason,
  tools_used   = EXCLUDED.tools_used,
  emergency    = EXCLUDED.emergency,
  booked       = EXCLUDED.booked,
  transcript   = EXCLUDED.transcript,
  updated_at   = now()
`
	_, err := r.db.ExecContext(ctx, q,
		rec.CallID, rec.CallerPhone, rec.DialedPhone, rec.TenantID, rec.Path, rec.StartedAt,
		rec.DurationS, rec.EndedReason, rec.ToolsUsed, rec.Emergency, rec.Booked, rec.Transcript)
	return err
}

func (r *DBRepo) Get(ctx context.Context, callID string) (CallRecord, error) {
	const q = `
SELECT call_id, caller_phone, dialed_phone, tenant_id, path, started_at,
       duration_s, ended_reason, tools_used, emergency, booked, transcript,
       created_at, updated_at
FROM call_records
WHERE call_id = $1
`
	var rec CallRecord
	if err := r.db.QueryRowContext(ctx, q, callID).Scan(
		&rec.CallID,
		&rec.CallerPhone,
		&rec.DialedPhone,
		&rec.TenantID,
		&rec.Path,
		&rec.StartedAt,
		&rec.DurationS,
		&rec.EndedReason,
		&rec.ToolsUsed,
		&rec.Emergency,
		&rec.Booked,
		&rec.Transcript,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}
