package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"hvac-voice-agent/internal/resilience"
	"hvac-voice-agent/internal/tools"
)

func TestBookingConfirmation_PostsEnvelope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, Retries: 1}, nil, nil)
	err := c.BookingConfirmation(context.Background(), tools.Appointment{ID: 1042, CustomerName: "Alice"})
	if err != nil {
		t.Fatal(err)
	}
	if got["event"] != "booking.confirmed" {
		t.Fatalf("wrong event: %v", got["event"])
	}
	data, _ := got["data"].(map[string]any)
	if data["customer_name"] != "Alice" {
		t.Fatalf("payload missing: %v", got)
	}
}

func TestPost_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, Retries: 2}, nil, nil)
	if err := c.PostCallSummary(context.Background(), CallSummary{CallID: "C1"}); err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestPost_ExhaustedRetriesReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, Retries: 1}, nil, nil)
	if err := c.EmergencyAlert(context.Background(), tools.EmergencyLog{ID: 1}); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}

func TestPost_BreakerOpenFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	br := resilience.NewBreaker("notify", resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	br.RecordFailure()

	c := NewClient(Config{URL: srv.URL, Retries: 1}, br, nil)
	err := c.PostCallSummary(context.Background(), CallSummary{CallID: "C2"})
	if !errors.Is(err, resilience.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency-unavailable, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("no request should reach the endpoint")
	}
}

func TestPost_DisabledIsNoOp(t *testing.T) {
	c := NewClient(Config{}, nil, nil)
	if err := c.PostCallSummary(context.Background(), CallSummary{CallID: "C3"}); err != nil {
		t.Fatalf("disabled client must be silent: %v", err)
	}
}
