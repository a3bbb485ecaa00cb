package records

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRepo_StartDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	first := CallRecord{CallID: "CA1", CallerPhone: "+15551234567", Path: PathStream, StartedAt: time.Now()}
	if err := repo.Start(ctx, first); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// A duplicate webhook delivery must not reset the record.
	dup := first
	dup.CallerPhone = "+19999999999"
	if err := repo.Start(ctx, dup); err != nil {
		t.Fatalf("Start duplicate: %v", err)
	}

	got, err := repo.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CallerPhone != "+15551234567" {
		t.Errorf("caller = %q, want original preserved", got.CallerPhone)
	}
}

func TestMemoryRepo_FinishUpsertsWithoutStart(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	// A stream that reconnected directly never hit the incoming webhook,
	// so Finish must create the row on its own.
	rec := CallRecord{
		CallID:      "CA2",
		Path:        PathStream,
		DurationS:   93,
		EndedReason: "caller_hangup",
		ToolsUsed:   2,
		Booked:      true,
	}
	if err := repo.Finish(ctx, rec); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := repo.Get(ctx, "CA2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DurationS != 93 || got.EndedReason != "caller_hangup" || !got.Booked {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set on upsert insert")
	}
}

func TestMemoryRepo_FinishPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	if err := repo.Start(ctx, CallRecord{CallID: "CA3", Path: PathTurn, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before, _ := repo.Get(ctx, "CA3")

	if err := repo.Finish(ctx, CallRecord{CallID: "CA3", Path: PathTurn, DurationS: 10, EndedReason: "completed"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	after, err := repo.Get(ctx, "CA3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("CreatedAt changed on finalize: %v -> %v", before.CreatedAt, after.CreatedAt)
	}
	if after.UpdatedAt.Before(after.CreatedAt) {
		t.Errorf("UpdatedAt %v before CreatedAt %v", after.UpdatedAt, after.CreatedAt)
	}
}

func TestMemoryRepo_GetNotFound(t *testing.T) {
	repo := NewMemoryRepo()
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
