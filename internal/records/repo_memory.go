package records

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is the in-process implementation used in tests and when the
// service runs without Postgres.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]CallRecord
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: make(map[string]CallRecord)}
}

func (r *MemoryRepo) Start(_ context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[rec.CallID]; exists {
		return nil
	}
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	r.rows[rec.CallID] = rec
	return nil
}

func (r *MemoryRepo) Finish(_ context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.rows[rec.CallID]; exists {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()
	r.rows[rec.CallID] = rec
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, callID string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

// Len reports the number of stored records.
func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}
