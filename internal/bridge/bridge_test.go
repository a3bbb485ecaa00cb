package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hvac-voice-agent/internal/audio"
	"hvac-voice-agent/internal/realtime"
	"hvac-voice-agent/internal/session"
	"hvac-voice-agent/internal/telephony"
	"hvac-voice-agent/internal/tenant"
	"hvac-voice-agent/internal/tools"
	"hvac-voice-agent/internal/tts"
)

// fakeTel is a scripted telephony peer.
type fakeTel struct {
	in     chan telephony.Envelope
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	media  [][]byte
	clears int
	marks  []string
}

func newFakeTel() *fakeTel {
	return &fakeTel{in: make(chan telephony.Envelope, 64), closed: make(chan struct{})}
}

func (f *fakeTel) Read() (telephony.Envelope, error) {
	select {
	case env := <-f.in:
		return env, nil
	case <-f.closed:
		return telephony.Envelope{}, errors.New("closed")
	}
}

func (f *fakeTel) WriteMedia(ulaw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(ulaw))
	copy(cp, ulaw)
	f.media = append(f.media, cp)
	return nil
}

func (f *fakeTel) WriteMark(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeTel) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTel) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTel) mediaFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.media))
	copy(out, f.media)
	return out
}

func (f *fakeTel) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeTel) stop() { f.in <- telephony.Envelope{Event: "stop"} }

type sentMsg struct {
	kind    string // configure | create | cancel | append | tool_result
	callID  string
	payload []byte
}

// fakeModel is a scripted model peer.
type fakeModel struct {
	events chan realtime.ServerEvent
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []sentMsg
}

func newFakeModel() *fakeModel {
	return &fakeModel{events: make(chan realtime.ServerEvent, 64), closed: make(chan struct{})}
}

func (f *fakeModel) ReadEvent() (realtime.ServerEvent, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.closed:
		return realtime.ServerEvent{}, errors.New("closed")
	}
}

func (f *fakeModel) record(m sentMsg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
}

func (f *fakeModel) ConfigureSession(cfg realtime.SessionConfig) error {
	raw, _ := json.Marshal(cfg)
	f.record(sentMsg{kind: "configure", payload: raw})
	return nil
}

func (f *fakeModel) AppendAudio(b []byte) error {
	f.record(sentMsg{kind: "append", payload: append([]byte(nil), b...)})
	return nil
}

func (f *fakeModel) CreateResponse(instructions string) error {
	f.record(sentMsg{kind: "create", payload: []byte(instructions)})
	return nil
}

func (f *fakeModel) CancelResponse() error {
	f.record(sentMsg{kind: "cancel"})
	return nil
}

func (f *fakeModel) SendToolResult(callID string, output json.RawMessage) error {
	f.record(sentMsg{kind: "tool_result", callID: callID, payload: append([]byte(nil), output...)})
	return nil
}

func (f *fakeModel) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeModel) sentOfKind(kind string) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func testTenant() tenant.Tenant {
	return tenant.Tenant{
		ID:          "t1",
		CompanyName: "Comfort Air",
		Greeting:    "Thanks for calling Comfort Air!",
	}
}

type runHarness struct {
	tel     *fakeTel
	model   *fakeModel
	sess    *session.Session
	repo    *tools.MemoryRepo
	results chan Result
}

func startBridge(t *testing.T, cfg Config) *runHarness {
	t.Helper()
	tel := newFakeTel()
	model := newFakeModel()
	sess := session.New("CS1", "+15551230000", "+15559990000", time.Now())

	repo := tools.NewMemoryRepo(tools.Location{
		Code: "DAL", Name: "Dallas", OpeningHour: 0, ClosingHour: 24, Active: true,
	})
	ex := tools.NewExecutors(repo, nil, tools.ExecutorConfig{Location: time.UTC, IncludeWeekends: true}, nil)
	reg := tools.NewRegistry(ex, tools.RegistryConfig{}, nil)

	b := New(cfg, testTenant(), sess, nil, reg.NewInvoker(sess), nil, nil, nil)
	h := &runHarness{tel: tel, model: model, sess: sess, repo: repo, results: make(chan Result, 1)}
	go func() { h.results <- b.Run(context.Background(), tel, model) }()
	return h
}

func (h *runHarness) result(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish")
		return Result{}
	}
}

// pcmDelta builds n PCM16 24 kHz samples of a constant amplitude, base64.
func pcmDelta(amp int16, samples int) string {
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		b[2*i] = byte(uint16(amp))
		b[2*i+1] = byte(uint16(amp) >> 8)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeUlaw(t *testing.T, b64 string) []byte {
	t.Helper()
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatal(err)
	}
	ulaw, err := audio.EncodePCM24kToULaw(pcm)
	if err != nil {
		t.Fatal(err)
	}
	return ulaw
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_GreetingHappyPath(t *testing.T) {
	h := startBridge(t, Config{})

	// Session configuration then the greeting request go out first.
	waitFor(t, "configure", func() bool { return len(h.model.sentOfKind("configure")) == 1 })
	waitFor(t, "greeting create", func() bool { return len(h.model.sentOfKind("create")) == 1 })
	var cfg realtime.SessionConfig
	json.Unmarshal(h.model.sentOfKind("configure")[0].payload, &cfg)
	if cfg.TurnDetection == nil || cfg.TurnDetection.Type != "server_vad" {
		t.Fatalf("vad config missing: %+v", cfg)
	}
	if cfg.InputAudioFormat != "pcm16" || cfg.OutputAudioFormat != "pcm16" {
		t.Fatalf("audio formats wrong: %+v", cfg)
	}

	// Three audio deltas, each 480 samples (one 20 ms telephony frame).
	deltas := []string{pcmDelta(0, 480), pcmDelta(1000, 480), pcmDelta(-2000, 480)}
	h.model.events <- realtime.ServerEvent{Type: realtime.EventResponseCreated, Response: &realtime.ResponseMeta{ID: "r1"}}
	for _, d := range deltas {
		h.model.events <- realtime.ServerEvent{Type: realtime.EventAudioDelta, ResponseID: "r1", Delta: d}
	}
	h.model.events <- realtime.ServerEvent{Type: realtime.EventResponseDone, ResponseID: "r1"}

	waitFor(t, "three media frames", func() bool { return len(h.tel.mediaFrames()) == 3 })
	frames := h.tel.mediaFrames()
	for i, d := range deltas {
		want := decodeUlaw(t, d)
		if len(frames[i]) != audio.FrameBytes {
			t.Fatalf("frame %d is %d bytes", i, len(frames[i]))
		}
		if string(frames[i]) != string(want) {
			t.Fatalf("frame %d not the converted delta", i)
		}
	}

	h.tel.stop()
	if r := h.result(t); r.Reason != ReasonCallerHangup {
		t.Fatalf("expected caller_hangup, got %s", r.Reason)
	}
}

func TestRun_CallerAudioForwarded(t *testing.T) {
	h := startBridge(t, Config{})

	ulaw := make([]byte, audio.FrameBytes)
	for i := range ulaw {
		ulaw[i] = 0x3A
	}
	h.tel.in <- telephony.Envelope{Event: "media", Media: &telephony.MediaPayload{
		Payload: base64.StdEncoding.EncodeToString(ulaw),
	}}

	waitFor(t, "append", func() bool { return len(h.model.sentOfKind("append")) == 1 })
	got := h.model.sentOfKind("append")[0].payload
	want := audio.DecodeULawToPCM24k(ulaw)
	if string(got) != string(want) {
		t.Fatalf("caller audio not upsampled before append")
	}

	h.tel.stop()
	h.result(t)
}

func TestRun_BargeIn(t *testing.T) {
	h := startBridge(t, Config{})

	h.model.events <- realtime.ServerEvent{Type: realtime.EventResponseCreated, Response: &realtime.ResponseMeta{ID: "r1"}}
	h.model.events <- realtime.ServerEvent{Type: realtime.EventAudioDelta, ResponseID: "r1", Delta: pcmDelta(500, 480)}
	waitFor(t, "first frame", func() bool { return len(h.tel.mediaFrames()) == 1 })

	start := time.Now()
	h.model.events <- realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	waitFor(t, "clear and cancel", func() bool {
		return h.tel.clearCount() == 1 && len(h.model.sentOfKind("cancel")) == 1
	})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("barge-in took %v", elapsed)
	}

	// Stale deltas from the cancelled response must be dropped, even though
	// no response is active when they arrive.
	h.model.events <- realtime.ServerEvent{Type: realtime.EventAudioDelta, ResponseID: "r1", Delta: pcmDelta(500, 480)}
	time.Sleep(50 * time.Millisecond)
	if n := len(h.tel.mediaFrames()); n != 1 {
		t.Fatalf("stale delta reached telephony: %d frames", n)
	}

	// A replayed response.created for the cancelled id must not revive it.
	h.model.events <- realtime.ServerEvent{Type: realtime.EventResponseCreated, Response: &realtime.ResponseMeta{ID: "r1"}}
	h.model.events <- realtime.ServerEvent{Type: realtime.EventAudioDelta, ResponseID: "r1", Delta: pcmDelta(500, 480)}
	time.Sleep(50 * time.Millisecond)
	if n := len(h.tel.mediaFrames()); n != 1 {
		t.Fatalf("cancelled response revived: %d frames", n)
	}

	// A fresh response flows again.
	h.model.events <- realtime.ServerEvent{Type: realtime.EventResponseCreated, Response: &realtime.ResponseMeta{ID: "r2"}}
	h.model.events <- realtime.ServerEvent{Type: realtime.EventAudioDelta, ResponseID: "r2", Delta: pcmDelta(700, 480)}
	waitFor(t, "new response audio", func() bool { return len(h.tel.mediaFrames()) == 2 })

	h.tel.stop()
	h.result(t)
}

func TestRun_ToolCallIdempotent(t *testing.T) {
	h := startBridge(t, Config{})

	date := time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02")
	args := fmt.Sprintf(`{"name":"Alice","date":%q,"time":"09:00","issue":"AC out","location_code":"DAL"}`, date)

	h.model.events <- realtime.ServerEvent{
		Type: realtime.EventFunctionCallDone, ResponseID: "r1",
		CallID: "call_1", Name: "create_booking", Arguments: args,
	}
	waitFor(t, "tool result", func() bool { return len(h.model.sentOfKind("tool_result")) == 1 })

	var first map[string]any
	json.Unmarshal(h.model.sentOfKind("tool_result")[0].payload, &first)
	if first["status"] != "success" {
		t.Fatalf("booking failed: %v", first)
	}
	if len(h.repo.Appointments) != 1 {
		t.Fatalf("expected one row, got %d", len(h.repo.Appointments))
	}

	// The model retries the same tool call in a later response.
	h.model.events <- realtime.ServerEvent{
		Type: realtime.EventFunctionCallDone, ResponseID: "r2",
		CallID: "call_2", Name: "create_booking", Arguments: args,
	}
	waitFor(t, "second tool result", func() bool { return len(h.model.sentOfKind("tool_result")) == 2 })

	var second map[string]any
	json.Unmarshal(h.model.sentOfKind("tool_result")[1].payload, &second)
	if second["idempotent"] != true {
		t.Fatalf("retry not idempotent: %v", second)
	}
	if second["confirmation_id"] != first["confirmation_id"] {
		t.Fatalf("confirmation changed: %v vs %v", first, second)
	}
	if len(h.repo.Appointments) != 1 {
		t.Fatalf("duplicate row created")
	}

	h.tel.stop()
	h.result(t)
}

func TestRun_Emergency(t *testing.T) {
	h := startBridge(t, Config{})

	h.model.events <- realtime.ServerEvent{
		Type: realtime.EventFunctionCallDone, ResponseID: "r1",
		CallID: "call_9", Name: "log_emergency",
		Arguments: `{"type":"gas_leak","description":"smells gas"}`,
	}
	waitFor(t, "emergency result", func() bool { return len(h.model.sentOfKind("tool_result")) == 1 })

	if len(h.repo.Emergencies) != 1 {
		t.Fatalf("emergency row missing")
	}
	if !h.sess.Emergency {
		t.Fatalf("session emergency flag not set")
	}

	h.tel.stop()
	h.result(t)
}

func TestRun_ModelFatalError(t *testing.T) {
	h := startBridge(t, Config{})

	h.model.events <- realtime.ServerEvent{
		Type:  realtime.EventError,
		Error: &realtime.APIError{Type: "authentication_error", Code: "invalid_api_key", Message: "bad key"},
	}

	r := h.result(t)
	if r.Reason != ReasonModelFatal {
		t.Fatalf("expected model_fatal, got %s", r.Reason)
	}
	if !h.sess.TransferRequested {
		t.Fatalf("fatal model error should request a transfer")
	}
}

// slowTransientErrors keep the call alive but are logged; the call only
// dies when the protocol error limit is hit.
func TestRun_TransientModelErrorContinues(t *testing.T) {
	h := startBridge(t, Config{ProtocolErrorLimit: 100})

	h.model.events <- realtime.ServerEvent{
		Type:  realtime.EventError,
		Error: &realtime.APIError{Type: "server_error", Code: "internal", Message: "blip"},
	}
	h.model.events <- realtime.ServerEvent{Type: realtime.EventResponseCreated, Response: &realtime.ResponseMeta{ID: "r1"}}
	h.model.events <- realtime.ServerEvent{Type: realtime.EventAudioDelta, ResponseID: "r1", Delta: pcmDelta(100, 480)}

	waitFor(t, "audio after transient error", func() bool { return len(h.tel.mediaFrames()) == 1 })
	h.tel.stop()
	if r := h.result(t); r.Reason != ReasonCallerHangup {
		t.Fatalf("transient error should not end the call: %s", r.Reason)
	}
}

// wrapProvider emits a single silent frame so the wrap-up announcement is
// observable on the telephony side.
type wrapProvider struct{}

func (wrapProvider) Name() string    { return "wrap" }
func (wrapProvider) Streaming() bool { return true }
func (wrapProvider) Synthesize(_ context.Context, _ string, emit func([]byte) error) error {
	return emit(make([]byte, audio.FrameBytes))
}

func TestRun_WallClockCap(t *testing.T) {
	tel := newFakeTel()
	model := newFakeModel()
	sess := session.New("CS2", "+15551230000", "", time.Now())
	speaker := tts.NewEngine([]tts.Provider{wrapProvider{}}, time.Second, nil)

	b := New(Config{MaxCallDuration: 300 * time.Millisecond}, testTenant(), sess, nil, nil, nil, speaker, nil)

	results := make(chan Result, 1)
	start := time.Now()
	go func() { results <- b.Run(context.Background(), tel, model) }()

	var r Result
	select {
	case r = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("cap did not fire")
	}
	if r.Reason != ReasonDurationCap {
		t.Fatalf("expected duration_cap, got %s", r.Reason)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond+150*time.Millisecond {
		t.Fatalf("cap enforcement too slow: %v", elapsed)
	}
	if len(tel.mediaFrames()) == 0 {
		t.Fatalf("wrap-up message was not spoken")
	}
}

func TestRun_TranscriptAccumulates(t *testing.T) {
	h := startBridge(t, Config{})

	h.model.events <- realtime.ServerEvent{Type: realtime.EventInputTranscript, Transcript: "my AC is broken"}
	h.model.events <- realtime.ServerEvent{Type: realtime.EventTranscriptDone, Transcript: "I can help with that."}

	time.Sleep(100 * time.Millisecond)
	h.tel.stop()
	h.result(t)

	if h.sess.TurnCount != 2 {
		t.Fatalf("expected 2 turns, got %d", h.sess.TurnCount)
	}
	lines := h.sess.Transcript()
	if lines[0] != "caller: my AC is broken" || lines[1] != "agent: I can help with that." {
		t.Fatalf("transcript wrong: %v", lines)
	}
}
