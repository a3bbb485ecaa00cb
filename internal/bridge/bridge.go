// Package bridge joins one telephony media stream to one realtime model
// session: audio in both directions, barge-in, tool dispatch, and the hard
// per-call limits. One Bridge instance serves exactly one call.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hvac-voice-agent/internal/audio"
	"hvac-voice-agent/internal/realtime"
	"hvac-voice-agent/internal/session"
	"hvac-voice-agent/internal/telephony"
	"hvac-voice-agent/internal/tenant"
	"hvac-voice-agent/internal/tts"
)

// EndReason classifies why a call ended.
type EndReason string

const (
	ReasonCallerHangup EndReason = "caller_hangup"
	ReasonDurationCap  EndReason = "duration_cap"
	ReasonModelFatal   EndReason = "model_fatal"
	ReasonBackpressure EndReason = "backpressure"
	ReasonStreamError  EndReason = "stream_error"
	ReasonModelClosed  EndReason = "model_closed"
)

// State is the bridge lifecycle position, for logging and tests.
type State string

const (
	StateInit             State = "init"
	StateAwaitingStart    State = "awaiting-start"
	StateConfiguringModel State = "configuring-model"
	StateLive             State = "live"
	StateDraining         State = "draining"
	StateEnded            State = "ended"
)

// TelephonyPeer is the caller side of the bridge.
type TelephonyPeer interface {
	Read() (telephony.Envelope, error)
	WriteMedia(ulaw []byte) error
	WriteMark(name string) error
	Clear() error
	Close() error
}

// ModelPeer is the realtime model side.
type ModelPeer interface {
	ReadEvent() (realtime.ServerEvent, error)
	ConfigureSession(realtime.SessionConfig) error
	AppendAudio([]byte) error
	CreateResponse(instructions string) error
	CancelResponse() error
	SendToolResult(callID string, output json.RawMessage) error
	Close() error
}

// ToolInvoker dispatches one tool call; all failures come back as an
// {"error": ...} payload.
type ToolInvoker interface {
	Invoke(ctx context.Context, responseID, name string, args json.RawMessage) json.RawMessage
}

// Config tunes one bridge run.
type Config struct {
	MaxCallDuration time.Duration // wall-clock cap, default 600s
	// FirstAudioDeadline bounds the wait for a response's first delta
	// before a spoken filler goes out.
	FirstAudioDeadline time.Duration
	Voice              string
	Temperature        float64
	MaxResponseTokens  int
	// ProtocolErrorLimit ends the call once this many malformed or
	// out-of-sequence model events were seen.
	ProtocolErrorLimit int

	// Server-side VAD tuning forwarded in session.update.
	VADThreshold       float64
	VADPrefixPaddingMS int
	VADSilenceMS       int
}

func (c Config) withDefaults() Config {
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = 10 * time.Minute
	}
	if c.FirstAudioDeadline <= 0 {
		c.FirstAudioDeadline = 4 * time.Second
	}
	if c.Temperature == 0 {
		c.Temperature = 0.8
	}
	if c.MaxResponseTokens == 0 {
		c.MaxResponseTokens = 4096
	}
	if c.ProtocolErrorLimit <= 0 {
		c.ProtocolErrorLimit = 25
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = 0.5
	}
	if c.VADPrefixPaddingMS == 0 {
		c.VADPrefixPaddingMS = 300
	}
	if c.VADSilenceMS == 0 {
		c.VADSilenceMS = 500
	}
	return c
}

// Result summarizes a finished call for the supervisor's fan-out.
type Result struct {
	Reason   EndReason
	Duration time.Duration
}

// Bridge mediates one call. The two peer goroutines share only the session
// (guarded by mu) and the outbound ordering state.
type Bridge struct {
	cfg     Config
	ten     tenant.Tenant
	sess    *session.Session
	store   *session.Store
	invoker ToolInvoker
	tools   []realtime.ToolDefinition
	speaker *tts.Engine
	log     *slog.Logger

	tel   TelephonyPeer
	model ModelPeer

	mu             sync.Mutex
	state          State
	activeResponse string // "" while no response may reach telephony
	cancelledID    string // last barged-in response; its deltas are dead
	residual       []byte // partial outbound frame for the active response
	protocolErrs   int
	firstAudio     *time.Timer
}

func New(cfg Config, ten tenant.Tenant, sess *session.Session, store *session.Store,
	invoker ToolInvoker, toolDefs []realtime.ToolDefinition, speaker *tts.Engine, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		cfg:     cfg.withDefaults(),
		ten:     ten,
		sess:    sess,
		store:   store,
		invoker: invoker,
		tools:   toolDefs,
		speaker: speaker,
		log:     log.With("call_id", sess.CallID),
		state:   StateInit,
	}
}

// Run drives the call to completion. The telephony stream must already have
// delivered its start event; the model peer must be connected but not yet
// configured. Run always persists the session before returning.
func (b *Bridge) Run(ctx context.Context, tel TelephonyPeer, model ModelPeer) Result {
	b.tel = tel
	b.model = model
	started := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.setState(StateConfiguringModel)
	if err := b.configureModel(); err != nil {
		b.log.Error("model session configure failed", "err", err)
		return b.finish(ctx, started, ReasonModelFatal)
	}
	b.setState(StateLive)

	type exit struct {
		reason EndReason
		err    error
	}
	exits := make(chan exit, 2)

	go func() {
		reason, err := b.telephonyLoop(ctx)
		exits <- exit{reason, err}
	}()
	go func() {
		reason, err := b.modelLoop(ctx)
		exits <- exit{reason, err}
	}()

	capTimer := time.NewTimer(b.cfg.MaxCallDuration)
	defer capTimer.Stop()

	var first exit
	select {
	case first = <-exits:
	case <-capTimer.C:
		b.speakAnnouncement(ctx, "I'm sorry, we've reached the time limit for this call. Please call back to continue. Goodbye.")
		first = exit{reason: ReasonDurationCap}
	case <-ctx.Done():
		first = exit{reason: ReasonCallerHangup, err: ctx.Err()}
	}
	if first.err != nil && first.reason != ReasonCallerHangup {
		b.log.Warn("call ending", "reason", string(first.reason), "err", first.err)
	}

	// Tear down: cancel the surviving peer and unblock its socket read.
	b.setState(StateDraining)
	cancel()
	tel.Close()
	model.Close()

	drain := time.After(100 * time.Millisecond)
	for n := 0; n < 2; n++ {
		select {
		case <-exits:
		case <-drain:
			n = 2
		}
	}
	return b.finish(context.WithoutCancel(ctx), started, first.reason)
}

func (b *Bridge) configureModel() error {
	err := b.model.ConfigureSession(realtime.SessionConfig{
		Instructions:      b.ten.Instructions(),
		Voice:             b.ten.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       b.cfg.Temperature,
		MaxResponseOutputTokens: b.cfg.MaxResponseTokens,
		Modalities:        []string{"audio", "text"},
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         b.cfg.VADThreshold,
			PrefixPaddingMS:   b.cfg.VADPrefixPaddingMS,
			SilenceDurationMS: b.cfg.VADSilenceMS,
		},
		Tools: b.tools,
	})
	if err != nil {
		return err
	}
	b.armFirstAudio()
	return b.model.CreateResponse(b.ten.GreetingInstruction())
}

// telephonyLoop forwards caller audio to the model and watches for stop.
func (b *Bridge) telephonyLoop(ctx context.Context) (EndReason, error) {
	for {
		env, err := b.tel.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ReasonCallerHangup, nil
			}
			return ReasonStreamError, err
		}
		switch env.Event {
		case "media":
			if env.Media == nil {
				continue
			}
			ulaw, derr := decodeB64(env.Media.Payload)
			if derr != nil {
				b.noteProtocolError("telephony media payload", derr)
				continue
			}
			b.countIn(len(ulaw))
			pcm := audio.DecodeULawToPCM24k(ulaw)
			if aerr := b.model.AppendAudio(pcm); aerr != nil {
				if ctx.Err() != nil {
					return ReasonCallerHangup, nil
				}
				return ReasonModelClosed, aerr
			}
		case "stop":
			return ReasonCallerHangup, nil
		case "dtmf":
			if env.DTMF != nil {
				b.log.Debug("dtmf", "digit", env.DTMF.Digit)
			}
		case "mark", "connected":
			// Synchronization echoes, nothing to do.
		default:
			b.log.Debug("unhandled telephony event", "event", env.Event)
		}
	}
}

// modelLoop forwards model audio and events to telephony, handling barge-in
// and tool calls inline (at most one in-flight tool per call).
func (b *Bridge) modelLoop(ctx context.Context) (EndReason, error) {
	for {
		ev, err := b.model.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				return ReasonCallerHangup, nil
			}
			return ReasonModelClosed, err
		}

		switch ev.Type {
		case realtime.EventResponseCreated:
			b.beginResponse(ev.AudioResponseID())

		case realtime.EventAudioDelta:
			reason, err := b.forwardDelta(ev)
			if err != nil {
				return reason, err
			}
			b.disarmFirstAudio()

		case realtime.EventAudioDone, realtime.EventResponseDone:
			b.endResponse(ev.AudioResponseID())

		case realtime.EventSpeechStarted:
			// Caller barge-in: drop pending playback on both sides.
			b.interruptPlayback()
			if err := b.tel.Clear(); err != nil && ctx.Err() == nil {
				if errors.Is(err, telephony.ErrBackpressure) {
					return ReasonBackpressure, err
				}
				return ReasonStreamError, err
			}
			if err := b.model.CancelResponse(); err != nil && ctx.Err() == nil {
				return ReasonModelClosed, err
			}

		case realtime.EventFunctionCallDone:
			b.handleToolCall(ctx, ev)

		case realtime.EventTranscriptDone:
			b.appendTurn(session.RoleAgent, ev.Transcript, ev.Delta)

		case realtime.EventInputTranscript:
			b.appendTurn(session.RoleCaller, ev.Transcript, "")

		case realtime.EventError:
			if ev.Error != nil && ev.Error.Fatal() {
				b.log.Error("fatal model error", "code", ev.Error.Code, "msg", ev.Error.Message)
				b.speakAnnouncement(ctx, "I'm sorry, I'm having trouble on my end. Let me connect you with someone who can help.")
				b.mu.Lock()
				b.sess.TransferRequested = true
				b.mu.Unlock()
				return ReasonModelFatal, fmt.Errorf("model error: %s", ev.Error.Message)
			}
			b.noteProtocolError("model error event", errors.New(eventErrMsg(ev)))
			if b.tooManyProtocolErrors() {
				return ReasonModelFatal, errors.New("protocol error rate exceeded")
			}

		case realtime.EventSessionCreated, realtime.EventSessionUpdated,
			realtime.EventSpeechStopped, realtime.EventTranscriptDelta:
			// Informational.

		default:
			b.log.Debug("unhandled model event", "event", ev.Type)
		}
	}
}

// forwardDelta converts one model audio delta and writes it out, preserving
// per-response ordering and dropping deltas from cancelled responses.
func (b *Bridge) forwardDelta(ev realtime.ServerEvent) (EndReason, error) {
	id := ev.AudioResponseID()
	b.mu.Lock()
	if b.activeResponse == "" && id != "" && id != b.cancelledID {
		// response.created can lag behind the first delta.
		b.beginResponseLocked(id)
	}
	if id != b.activeResponse || b.activeResponse == "" {
		b.mu.Unlock()
		return "", nil // stale delta from a cancelled response
	}
	pcm, err := ev.DecodedAudio()
	if err != nil {
		b.mu.Unlock()
		b.noteProtocolError("model audio delta", err)
		return "", nil
	}
	ulaw, err := audio.EncodePCM24kToULaw(pcm)
	if err != nil {
		b.mu.Unlock()
		b.noteProtocolError("model audio delta", err)
		return "", nil
	}
	b.residual = append(b.residual, ulaw...)
	var frames [][]byte
	frames, b.residual = audio.Frames(b.residual, audio.FrameBytes)
	b.mu.Unlock()

	for _, f := range frames {
		if err := b.tel.WriteMedia(f); err != nil {
			if errors.Is(err, telephony.ErrBackpressure) {
				return ReasonBackpressure, err
			}
			return ReasonStreamError, err
		}
		b.countOut(len(f))
	}
	return "", nil
}

func (b *Bridge) handleToolCall(ctx context.Context, ev realtime.ServerEvent) {
	args := json.RawMessage(ev.Arguments)
	result := b.invoker.Invoke(ctx, ev.AudioResponseID(), ev.Name, args)

	b.appendTurn(session.RoleTool, ev.Name+" -> "+string(result), "")
	if err := b.model.SendToolResult(ev.CallID, result); err != nil {
		b.log.Warn("tool result not delivered", "tool", ev.Name, "err", err)
		return
	}
	b.armFirstAudio()
}

// beginResponse flushes ordering state so the new response's first frame
// never trails an older response's audio.
func (b *Bridge) beginResponse(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id != "" && id == b.cancelledID {
		return
	}
	b.beginResponseLocked(id)
}

func (b *Bridge) beginResponseLocked(id string) {
	b.activeResponse = id
	b.residual = nil
	b.sess.LastResponseID = id
}

func (b *Bridge) endResponse(id string) {
	b.mu.Lock()
	if id != "" && id == b.cancelledID {
		// The cancelled response has fully drained; its id won't recur.
		b.cancelledID = ""
	}
	var tail []byte
	if id == "" || id == b.activeResponse {
		// Flush the partial tail frame before closing the response.
		if len(b.residual) > 0 {
			tail = make([]byte, audio.FrameBytes)
			for i := range tail {
				tail[i] = audio.ULawSilence
			}
			copy(tail, b.residual)
			b.residual = nil
		}
		b.activeResponse = ""
	}
	b.mu.Unlock()
	if tail != nil {
		if err := b.tel.WriteMedia(tail); err == nil {
			b.countOut(len(tail))
		}
	}
}

func (b *Bridge) interruptPlayback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activeResponse != "" {
		b.cancelledID = b.activeResponse
	}
	b.activeResponse = ""
	b.residual = nil
	b.disarmFirstAudioLocked()
}

// armFirstAudio starts the filler timer after response.create; if no delta
// lands in time the caller hears a short hold line instead of silence.
func (b *Bridge) armFirstAudio() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disarmFirstAudioLocked()
	b.firstAudio = time.AfterFunc(b.cfg.FirstAudioDeadline, func() {
		b.log.Warn("first audio delta late")
		b.speakAnnouncement(context.Background(), "One moment, please.")
	})
}

func (b *Bridge) disarmFirstAudio() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disarmFirstAudioLocked()
}

func (b *Bridge) disarmFirstAudioLocked() {
	if b.firstAudio != nil {
		b.firstAudio.Stop()
		b.firstAudio = nil
	}
}

// speakAnnouncement plays a fixed line through the TTS chain, straight to
// the telephony stream, bypassing the model.
func (b *Bridge) speakAnnouncement(ctx context.Context, text string) {
	if b.speaker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	b.speaker.Speak(ctx, text, streamSink{tel: b.tel}, tts.PreferFast)
}

func (b *Bridge) appendTurn(role session.Role, transcript, fallback string) {
	text := transcript
	if text == "" {
		text = fallback
	}
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sess.AppendTurn(session.Turn{Role: role, Text: text}); err != nil {
		b.log.Warn("turn dropped", "err", err)
	}
}

func (b *Bridge) finish(ctx context.Context, started time.Time, reason EndReason) Result {
	b.setState(StateEnded)
	b.mu.Lock()
	b.disarmFirstAudioLocked()
	b.sess.Touch(time.Now())
	b.mu.Unlock()

	if b.store != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := b.store.Set(ctx, b.sess); err != nil {
			b.log.Warn("final session persist failed", "err", err)
		}
	}
	d := time.Since(started)
	b.log.Info("call ended", "reason", string(reason), "duration_s", int(d.Seconds()))
	return Result{Reason: reason, Duration: d}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.log.Debug("bridge state", "state", string(s))
}

// CurrentState is read by tests and the health surface.
func (b *Bridge) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) noteProtocolError(where string, err error) {
	b.mu.Lock()
	b.protocolErrs++
	n := b.protocolErrs
	b.mu.Unlock()
	b.log.Warn("protocol error", "where", where, "count", n, "err", err)
}

func (b *Bridge) tooManyProtocolErrors() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.protocolErrs >= b.cfg.ProtocolErrorLimit
}

func (b *Bridge) countIn(n int) {
	b.mu.Lock()
	b.sess.BytesIn += int64(n)
	b.mu.Unlock()
}

func (b *Bridge) countOut(n int) {
	b.mu.Lock()
	b.sess.BytesOut += int64(n)
	b.mu.Unlock()
}

func eventErrMsg(ev realtime.ServerEvent) string {
	if ev.Error != nil {
		return ev.Error.Message
	}
	return "error event without payload"
}

// streamSink adapts the telephony peer to the TTS engine. The builtin say
// marker has no rendering on a live media stream, so it is refused and the
// engine moves on.
type streamSink struct {
	tel TelephonyPeer
}

func (s streamSink) WriteAudio(frame []byte) error { return s.tel.WriteMedia(frame) }

func (s streamSink) SayMarker(string) error {
	return errors.New("bridge: say marker unsupported on media stream")
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
