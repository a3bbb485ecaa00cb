package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"hvac-voice-agent/internal/session"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	ex, _ := newTestExecutors(t, nil)
	return NewRegistry(ex, cfg, nil)
}

func decodeResult(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("result not JSON: %v (%s)", err, raw)
	}
	return m
}

func TestRegistry_Definitions(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	defs := reg.Definitions()
	if len(defs) != 9 {
		t.Fatalf("expected 9 tools, got %d", len(defs))
	}
	byName := map[string]Definition{}
	for _, d := range defs {
		if d.Description == "" {
			t.Errorf("%s has no description", d.Name)
		}
		byName[d.Name] = d
	}

	booking, ok := byName["create_booking"]
	if !ok {
		t.Fatal("create_booking not registered")
	}
	props, _ := booking.Parameters["properties"].(map[string]any)
	for _, want := range []string{"name", "date", "time", "issue", "location_code", "phone", "email"} {
		if _, ok := props[want]; !ok {
			t.Errorf("create_booking schema missing %q", want)
		}
	}
	required, _ := booking.Parameters["required"].([]string)
	for _, r := range required {
		if r == "phone" || r == "email" {
			t.Errorf("optional field %q listed as required", r)
		}
	}

	emergency := byName["log_emergency"]
	props, _ = emergency.Parameters["properties"].(map[string]any)
	typ, _ := props["type"].(map[string]any)
	enum, _ := typ["enum"].([]any)
	if len(enum) == 0 {
		t.Fatal("log_emergency type has no enum")
	}
	seen := map[any]bool{}
	for _, v := range enum {
		seen[v] = true
	}
	if !seen["gas_leak"] || !seen["carbon_monoxide"] {
		t.Fatalf("enum incomplete: %v", enum)
	}
}

func TestInvoker_BudgetPerResponse(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{BudgetPerResponse: 2})
	inv := reg.NewInvoker(session.New("CB1", "", "", fixedNow))

	args := json.RawMessage(`{}`)
	for i := 0; i < 2; i++ {
		res := decodeResult(t, inv.Invoke(context.Background(), "resp-1", "list_service_locations", args))
		if _, bad := res["error"]; bad {
			t.Fatalf("invocation %d should succeed: %v", i, res)
		}
	}
	res := decodeResult(t, inv.Invoke(context.Background(), "resp-1", "list_service_locations", args))
	if res["error"] != "budget-exceeded" {
		t.Fatalf("expected budget-exceeded, got %v", res)
	}

	// A new model response resets the counter.
	res = decodeResult(t, inv.Invoke(context.Background(), "resp-2", "list_service_locations", args))
	if _, bad := res["error"]; bad {
		t.Fatalf("budget should reset per response: %v", res)
	}
}

func TestInvoker_UnknownTool(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	inv := reg.NewInvoker(nil)
	res := decodeResult(t, inv.Invoke(context.Background(), "r", "frobnicate", nil))
	if res["error"] != "unknown tool" {
		t.Fatalf("expected unknown tool, got %v", res)
	}
}

func TestInvoker_Timeout(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{Timeout: 20 * time.Millisecond})
	reg.tools["slow"] = tool{
		def: Definition{Name: "slow"},
		handler: func(ctx context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
			select {
			case <-time.After(time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	inv := reg.NewInvoker(nil)
	res := decodeResult(t, inv.Invoke(context.Background(), "r", "slow", nil))
	if res["error"] != "timeout" {
		t.Fatalf("expected timeout, got %v", res)
	}
}

// stuckRepo parks InsertEmergency until released, like a wedged DB call that
// ignores its deadline.
type stuckRepo struct {
	*MemoryRepo
	release chan struct{}
}

func (r *stuckRepo) InsertEmergency(ctx context.Context, e EmergencyLog) (EmergencyLog, error) {
	<-r.release
	return r.MemoryRepo.InsertEmergency(ctx, e)
}

func TestInvoker_LateHandlerLeavesSessionAlone(t *testing.T) {
	repo := &stuckRepo{MemoryRepo: NewMemoryRepo(testLocations()...), release: make(chan struct{})}
	ex := NewExecutors(repo, nil, ExecutorConfig{Location: time.UTC}, nil)
	ex.now = func() time.Time { return fixedNow }
	reg := NewRegistry(ex, RegistryConfig{Timeout: 20 * time.Millisecond}, nil)

	sess := session.New("CB3", "+15551234567", "", fixedNow)
	inv := reg.NewInvoker(sess)

	res := decodeResult(t, inv.Invoke(context.Background(), "r", "log_emergency",
		json.RawMessage(`{"type":"gas_leak","description":"smell of gas"}`)))
	if res["error"] != "timeout" {
		t.Fatalf("expected timeout, got %v", res)
	}

	// Release the wedged call and give the abandoned goroutine time to run
	// to completion; the session it was handed must stay untouched.
	close(repo.release)
	time.Sleep(100 * time.Millisecond)

	if sess.Emergency {
		t.Fatal("handler past its deadline still flagged the session")
	}
	if sess.ToolCallCount != 0 {
		t.Fatalf("timed-out invocation counted as a tool call: %d", sess.ToolCallCount)
	}
}

func TestInvoker_PanicIsolated(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	reg.tools["boom"] = tool{
		def: Definition{Name: "boom"},
		handler: func(context.Context, *session.Session, json.RawMessage) (any, error) {
			panic("kaboom")
		},
	}
	inv := reg.NewInvoker(nil)
	res := decodeResult(t, inv.Invoke(context.Background(), "r", "boom", nil))
	if res["error"] == nil {
		t.Fatalf("panic should surface as error result, got %v", res)
	}
}

func TestInvoker_BadArguments(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	inv := reg.NewInvoker(nil)
	res := decodeResult(t, inv.Invoke(context.Background(), "r", "create_booking", json.RawMessage(`{"name": 7}`)))
	if res["error"] == nil {
		t.Fatalf("malformed arguments should surface as error result, got %v", res)
	}
}

func TestInvoker_CountsToolCalls(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	sess := session.New("CB2", "", "", fixedNow)
	inv := reg.NewInvoker(sess)
	inv.Invoke(context.Background(), "r", "list_service_locations", nil)
	inv.Invoke(context.Background(), "r", "list_service_locations", nil)
	if sess.ToolCallCount != 2 {
		t.Fatalf("expected 2 tool calls recorded, got %d", sess.ToolCallCount)
	}
}
