package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hvac-voice-agent/internal/bridge"
	"hvac-voice-agent/internal/realtime"
	"hvac-voice-agent/internal/records"
	"hvac-voice-agent/internal/resilience"
	"hvac-voice-agent/internal/session"
	"hvac-voice-agent/internal/telephony"
	"hvac-voice-agent/internal/tenant"
	"hvac-voice-agent/internal/tools"
	"hvac-voice-agent/internal/turnflow"
)

type supHarness struct {
	sup   *Supervisor
	store *session.Store
	repo  *tools.MemoryRepo
	recs  *records.MemoryRepo
	brk   *resilience.Breaker
}

func newSupHarness(t *testing.T, defaults tenant.Defaults) *supHarness {
	t.Helper()
	repo := tools.NewMemoryRepo(
		tools.Location{Code: "DAL", Name: "Dallas", OpeningHour: 0, ClosingHour: 24, Active: true},
	)
	ex := tools.NewExecutors(repo, nil, tools.ExecutorConfig{Location: time.UTC, IncludeWeekends: true}, nil)
	reg := tools.NewRegistry(ex, tools.RegistryConfig{}, nil)
	store := session.NewStore(nil, session.StoreOptions{}, nil)
	flow := turnflow.New(turnflow.Config{
		CompanyName:   defaults.CompanyName,
		TransferPhone: defaults.TransferPhone,
	}, store, reg, nil)
	recs := records.NewMemoryRepo()
	brk := resilience.NewBreaker("model", resilience.BreakerConfig{FailureThreshold: 2})
	limiter := resilience.NewCallLimiter(nil, 2, time.Minute)

	sup := New(Config{
		StreamURL:     "wss://voice.example.com/voice/stream",
		StartTimeout:  time.Second,
		FanoutTimeout: 2 * time.Second,
	}, store, reg, flow, tenant.StaticResolver{Defaults: defaults},
		limiter, brk, recs, nil, nil, nil)
	return &supHarness{sup: sup, store: store, repo: repo, recs: recs, brk: brk}
}

func incomingForm(callSid string) telephony.VoiceForm {
	return telephony.VoiceForm{
		CallSid: callSid,
		From:    "+15550001111",
		To:      "+12145550100",
	}
}

func TestIncoming_StreamPath(t *testing.T) {
	h := newSupHarness(t, tenant.Defaults{CompanyName: "Comfort Air", PreferStreaming: true})

	out, err := h.sup.Incoming(context.Background(), incomingForm("CA1"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "<Connect>") || !strings.Contains(out, "wss://voice.example.com/voice/stream") {
		t.Fatalf("expected stream connect TwiML:\n%s", out)
	}

	rec, err := h.recs.Get(context.Background(), "CA1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Path != records.PathStream {
		t.Fatalf("path = %s", rec.Path)
	}
	sess, _ := h.store.Get(context.Background(), "CA1")
	if sess == nil || sess.TenantID != "default" {
		t.Fatalf("session not seeded: %+v", sess)
	}
}

func TestIncoming_TurnPathWhenTenantOptsOut(t *testing.T) {
	h := newSupHarness(t, tenant.Defaults{CompanyName: "Comfort Air", PreferStreaming: false})

	out, err := h.sup.Incoming(context.Background(), incomingForm("CA2"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "<Gather") || strings.Contains(out, "<Connect>") {
		t.Fatalf("expected turn-flow TwiML:\n%s", out)
	}
	rec, _ := h.recs.Get(context.Background(), "CA2")
	if rec.Path != records.PathTurn {
		t.Fatalf("path = %s", rec.Path)
	}
}

func TestIncoming_DigitForcesTurnPath(t *testing.T) {
	h := newSupHarness(t, tenant.Defaults{CompanyName: "Comfort Air", PreferStreaming: true})

	form := incomingForm("CA3")
	form.Digits = "0"
	out, err := h.sup.Incoming(context.Background(), form)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "<Connect>") {
		t.Fatalf("digit should force the turn path:\n%s", out)
	}
}

func TestIncoming_OpenBreakerFallsBackToTurnPath(t *testing.T) {
	h := newSupHarness(t, tenant.Defaults{CompanyName: "Comfort Air", PreferStreaming: true})
	h.brk.RecordFailure()
	h.brk.RecordFailure() // threshold 2, breaker now open

	out, err := h.sup.Incoming(context.Background(), incomingForm("CA4"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "<Connect>") {
		t.Fatalf("open breaker must not hand calls to the stream:\n%s", out)
	}
}

func TestIncoming_RateLimited(t *testing.T) {
	h := newSupHarness(t, tenant.Defaults{CompanyName: "Comfort Air", PreferStreaming: true})

	for i, id := range []string{"CA5", "CA6"} {
		if _, err := h.sup.Incoming(context.Background(), incomingForm(id)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	out, err := h.sup.Incoming(context.Background(), incomingForm("CA7"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "<Hangup") || strings.Contains(out, "<Connect>") {
		t.Fatalf("third call should be refused:\n%s", out)
	}
	rec, err := h.recs.Get(context.Background(), "CA7")
	if err != nil {
		t.Fatal(err)
	}
	if rec.EndedReason != "rate_limited" {
		t.Fatalf("ended_reason = %q", rec.EndedReason)
	}
}

func TestStatus_FinalizesTurnCallAndBooksCompletedSlots(t *testing.T) {
	h := newSupHarness(t, tenant.Defaults{CompanyName: "Comfort Air"})

	sess := session.New("CA8", "+15550001111", "+12145550100", time.Now())
	sess.FlowState = turnflow.StateCollectTime // caller hung up mid-flow
	sess.Slots = session.Slots{
		Name: "Ann", CallbackPhone: "+15551234567", Issue: "AC out",
		LocationCode: "DAL",
		PreferredDate: time.Now().AddDate(0, 0, 3).Format("2006-01-02"),
		PreferredTime: "10:00",
	}
	if err := h.store.Set(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	h.sup.Status(context.Background(), telephony.VoiceForm{
		CallSid: "CA8", CallStatus: "completed", CallDuration: 42,
	})

	rec, err := h.recs.Get(context.Background(), "CA8")
	if err != nil {
		t.Fatal(err)
	}
	if rec.DurationS != 42 || rec.Path != records.PathTurn {
		t.Fatalf("record wrong: %+v", rec)
	}
	if !rec.Booked {
		t.Fatal("completed slots should convert to a booking")
	}
	if len(h.repo.Appointments) != 1 || h.repo.Appointments[0].CustomerName != "Ann" {
		t.Fatalf("appointment missing: %+v", h.repo.Appointments)
	}
}

func TestStatus_IgnoresNonTerminalAndStreamCalls(t *testing.T) {
	h := newSupHarness(t, tenant.Defaults{CompanyName: "Comfort Air"})

	// Streaming session (no flow state): status callback must not double-finalize.
	sess := session.New("CA9", "+15550001111", "+12145550100", time.Now())
	if err := h.store.Set(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	h.sup.Status(context.Background(), telephony.VoiceForm{CallSid: "CA9", CallStatus: "completed"})
	if _, err := h.recs.Get(context.Background(), "CA9"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("stream call finalized by status callback: %v", err)
	}

	h.sup.Status(context.Background(), telephony.VoiceForm{CallSid: "CA10", CallStatus: "ringing"})
	if h.recs.Len() != 0 {
		t.Fatal("non-terminal status produced a record")
	}
}

// scriptedModel satisfies bridge.ModelPeer with a canned event stream.
type scriptedModel struct {
	events chan realtime.ServerEvent
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{events: make(chan realtime.ServerEvent, 16)}
}

func (m *scriptedModel) ReadEvent() (realtime.ServerEvent, error) {
	ev, ok := <-m.events
	if !ok {
		return realtime.ServerEvent{}, errors.New("closed")
	}
	return ev, nil
}
func (m *scriptedModel) ConfigureSession(realtime.SessionConfig) error      { return nil }
func (m *scriptedModel) AppendAudio([]byte) error                           { return nil }
func (m *scriptedModel) CreateResponse(string) error                        { return nil }
func (m *scriptedModel) CancelResponse() error                              { return nil }
func (m *scriptedModel) SendToolResult(string, json.RawMessage) error       { return nil }
func (m *scriptedModel) Close() error                                       { return nil }

// dialStream returns a client websocket wired to a supervisor-run stream.
func dialStream(t *testing.T, h *supHarness) (*websocket.Conn, chan struct{}) {
	t.Helper()
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := telephony.Accept(w, r, time.Second)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		h.sup.HandleStream(r.Context(), st)
		close(done)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, done
}

func sendStart(t *testing.T, client *websocket.Conn, callSid string) {
	t.Helper()
	if err := client.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "MZ1",
			"callSid":   callSid,
			"customParameters": map[string]string{
				"caller": "+15550001111",
				"dialed": "+12145550100",
			},
		},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestHandleStream_ModelUnreachable(t *testing.T) {
	h := newSupHarness(t, tenant.Defaults{CompanyName: "Comfort Air", PreferStreaming: true})
	h.sup.dialModel = func(context.Context) (bridge.ModelPeer, error) {
		return nil, errors.New("connect refused")
	}

	client, done := dialStream(t, h)
	sendStart(t, client, "CB1")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream handler did not finish")
	}

	rec, err := h.recs.Get(context.Background(), "CB1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.EndedReason != "model_unreachable" || rec.Path != records.PathStream {
		t.Fatalf("record wrong: %+v", rec)
	}
	if h.brk.Stats().Failures == 0 {
		t.Fatal("dial failure should count against the model breaker")
	}
}

func TestHandleStream_RunsBridgeAndFinalizes(t *testing.T) {
	h := newSupHarness(t, tenant.Defaults{CompanyName: "Comfort Air", PreferStreaming: true})
	model := newScriptedModel()
	h.sup.dialModel = func(context.Context) (bridge.ModelPeer, error) { return model, nil }

	client, done := dialStream(t, h)
	sendStart(t, client, "CB2")

	// Caller hangs up.
	time.Sleep(50 * time.Millisecond)
	if err := client.WriteJSON(map[string]any{
		"event": "stop",
		"stop":  map[string]any{"callSid": "CB2"},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream handler did not finish")
	}

	rec, err := h.recs.Get(context.Background(), "CB2")
	if err != nil {
		t.Fatal(err)
	}
	if rec.EndedReason != string(bridge.ReasonCallerHangup) {
		t.Fatalf("ended_reason = %q", rec.EndedReason)
	}
	sess, _ := h.store.Get(context.Background(), "CB2")
	if sess == nil || sess.StreamID != "MZ1" {
		t.Fatalf("session not updated: %+v", sess)
	}
}
