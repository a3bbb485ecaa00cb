package session

import (
	"context"
	"testing"
	"time"
)

func TestAppendTurn_MonotonicTimestamps(t *testing.T) {
	s := New("CA1", "+15550001111", "+15550002222", time.Now())

	base := time.Now()
	if err := s.AppendTurn(Turn{Role: RoleCaller, Text: "hi", Timestamp: base}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if err := s.AppendTurn(Turn{Role: RoleAgent, Text: "hello", Timestamp: base.Add(time.Second)}); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	// Equal timestamp is nudged forward rather than rejected.
	if err := s.AppendTurn(Turn{Role: RoleCaller, Text: "again", Timestamp: base.Add(time.Second)}); err != nil {
		t.Fatalf("equal timestamp: %v", err)
	}
	if !s.Turns[2].Timestamp.After(s.Turns[1].Timestamp) {
		t.Fatalf("timestamps not strictly increasing")
	}

	// Going backwards is rejected.
	if err := s.AppendTurn(Turn{Role: RoleCaller, Text: "old", Timestamp: base}); err != ErrTurnOutOfOrder {
		t.Fatalf("expected ErrTurnOutOfOrder, got %v", err)
	}
	if s.TurnCount != 3 {
		t.Fatalf("expected 3 turns, got %d", s.TurnCount)
	}
}

func TestStore_SetGetDelete_InMemory(t *testing.T) {
	ctx := context.Background()
	st := NewStore(nil, StoreOptions{}, nil)

	if got, err := st.Get(ctx, "CA404"); err != nil || got != nil {
		t.Fatalf("expected nil,nil for missing session, got %v,%v", got, err)
	}

	sess := New("CA1", "+15550001111", "+15550002222", time.Now())
	sess.Slots.Name = "Alice"
	if err := st.Set(ctx, sess); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := st.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Slots.Name != "Alice" {
		t.Fatalf("round trip lost data: %+v", got)
	}

	if err := st.Delete(ctx, "CA1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := st.Get(ctx, "CA1"); got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestStore_SetRejectsEmptyCallID(t *testing.T) {
	st := NewStore(nil, StoreOptions{}, nil)
	if err := st.Set(context.Background(), &Session{}); err == nil {
		t.Fatalf("expected error for empty call id")
	}
}

func TestStore_HealthyWithoutKV(t *testing.T) {
	st := NewStore(nil, StoreOptions{}, nil)
	if !st.Healthy(time.Second) {
		t.Fatalf("in-memory store should always be healthy")
	}
}

func TestLRUCache_EvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	far := time.Now().Add(time.Hour)
	c.put("a", &Session{CallID: "a"}, far)
	c.put("b", &Session{CallID: "b"}, far)

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.get("a", time.Now()); !ok {
		t.Fatalf("a should be cached")
	}
	c.put("c", &Session{CallID: "c"}, far)

	if _, ok := c.get("b", time.Now()); ok {
		t.Fatalf("b should have been evicted")
	}
	if _, ok := c.get("a", time.Now()); !ok {
		t.Fatalf("a should survive eviction")
	}
}

func TestLRUCache_ExpiresEntries(t *testing.T) {
	c := newLRUCache(10)
	c.put("a", &Session{CallID: "a"}, time.Now().Add(-time.Second))
	if _, ok := c.get("a", time.Now()); ok {
		t.Fatalf("expired entry should miss")
	}
}

func TestSlotsComplete(t *testing.T) {
	s := New("CA1", "", "", time.Now())
	if s.SlotsComplete() {
		t.Fatalf("empty slots should not be complete")
	}
	s.Slots = Slots{
		Name: "Alice", CallbackPhone: "+15551234567", Issue: "AC out",
		PreferredDate: "2025-02-10", PreferredTime: "09:00", LocationCode: "DAL",
	}
	if !s.SlotsComplete() {
		t.Fatalf("filled slots should be complete")
	}
}
