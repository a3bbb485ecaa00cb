// Package records persists one row per handled call for reporting and
// billing reconciliation.
package records

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("records: call not found")

// Path identifies which pipeline served the call.
type Path string

const (
	PathStream Path = "stream"
	PathTurn   Path = "turn"
)

// CallRecord is the durable summary of a call. A row is inserted when the
// call arrives and finalized when it ends; a call refused by the rate
// limiter still gets a row with ended_reason "rate_limited".
type CallRecord struct {
	CallID      string    `json:"call_id" db:"call_id"`
	CallerPhone string    `json:"caller_phone" db:"caller_phone"`
	DialedPhone string    `json:"dialed_phone" db:"dialed_phone"`
	TenantID    string    `json:"tenant_id,omitempty" db:"tenant_id"`
	Path        Path      `json:"path" db:"path"`
	StartedAt   time.Time `json:"started_at" db:"started_at"`

	DurationS   int    `json:"duration_s" db:"duration_s"`
	EndedReason string `json:"ended_reason,omitempty" db:"ended_reason"`
	ToolsUsed   int    `json:"tools_used" db:"tools_used"`
	Emergency   bool   `json:"emergency" db:"emergency"`
	Booked      bool   `json:"booked" db:"booked"`
	Transcript  string `json:"transcript,omitempty" db:"transcript"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Repository stores call records. Implementations must tolerate Finish
// arriving for a call Start never saw (the stream can outlive the webhook
// process that admitted it).
type Repository interface {
	Start(ctx context.Context, rec CallRecord) error
	Finish(ctx context.Context, rec CallRecord) error
	Get(ctx context.Context, callID string) (CallRecord, error)
}
