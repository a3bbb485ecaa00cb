// Package supervisor owns the lifecycle of a call: admission, tenant
// resolution, path selection between the realtime bridge and the turn-based
// flow, and the post-call fan-out.
package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"hvac-voice-agent/internal/bridge"
	"hvac-voice-agent/internal/notify"
	"hvac-voice-agent/internal/realtime"
	"hvac-voice-agent/internal/records"
	"hvac-voice-agent/internal/resilience"
	"hvac-voice-agent/internal/session"
	"hvac-voice-agent/internal/telephony"
	"hvac-voice-agent/internal/tenant"
	"hvac-voice-agent/internal/tools"
	"hvac-voice-agent/internal/tts"
	"hvac-voice-agent/internal/turnflow"
)

// Config carries the per-process knobs for call handling.
type Config struct {
	// StreamURL is the wss:// URL handed to the telephony provider in
	// <Connect><Stream>.
	StreamURL string

	Bridge bridge.Config
	Model  realtime.Config

	// StartTimeout bounds the wait for the media stream's start event.
	StartTimeout time.Duration
	// FanoutTimeout bounds the post-call persistence and notification work.
	FanoutTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.FanoutTimeout <= 0 {
		c.FanoutTimeout = 15 * time.Second
	}
	return c
}

// Supervisor coordinates the per-call collaborators. It is safe for
// concurrent use; per-call state lives in the session store.
type Supervisor struct {
	cfg      Config
	store    *session.Store
	registry *tools.Registry
	flow     *turnflow.Flow
	tenants  tenant.Resolver
	limiter  *resilience.CallLimiter
	modelBrk *resilience.Breaker
	records  records.Repository
	notifier *notify.Client
	speaker  *tts.Engine
	log      *slog.Logger
	now      func() time.Time

	// dialModel is swappable in tests.
	dialModel func(ctx context.Context) (bridge.ModelPeer, error)
}

func New(cfg Config, store *session.Store, registry *tools.Registry, flow *turnflow.Flow,
	tenants tenant.Resolver, limiter *resilience.CallLimiter, modelBrk *resilience.Breaker,
	recs records.Repository, notifier *notify.Client, speaker *tts.Engine, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: registry,
		flow:     flow,
		tenants:  tenants,
		limiter:  limiter,
		modelBrk: modelBrk,
		records:  recs,
		notifier: notifier,
		speaker:  speaker,
		log:      log,
		now:      time.Now,
	}
	s.dialModel = func(ctx context.Context) (bridge.ModelPeer, error) {
		return realtime.Dial(ctx, s.cfg.Model)
	}
	return s
}

// Incoming admits a new call and returns the opening TwiML. One tenant
// lookup happens here; the stream handler reuses the resolver's cache.
func (s *Supervisor) Incoming(ctx context.Context, form telephony.VoiceForm) (string, error) {
	now := s.now()

	if s.limiter != nil && !s.limiter.Allow(ctx, form.From) {
		s.log.Warn("call refused by rate limiter", "call_id", form.CallSid, "caller", form.From)
		if s.records != nil {
			_ = s.records.Start(ctx, records.CallRecord{
				CallID: form.CallSid, CallerPhone: form.From, DialedPhone: form.To,
				Path: records.PathTurn, StartedAt: now, EndedReason: "rate_limited",
			})
		}
		tw := telephony.NewTwiML()
		tw.Say("You have reached us too many times in a short period. Please try again later.").Hangup()
		return tw.Render()
	}

	ten, err := s.tenants.Resolve(ctx, form.To)
	if err != nil {
		return "", err
	}

	sess := session.New(form.CallSid, form.From, form.To, now)
	sess.TenantID = ten.ID
	if err := s.store.Set(ctx, sess); err != nil {
		return "", err
	}

	// Any keypad digit on the incoming webhook opts out of streaming. This
	// only inspects the breaker; the stream handler claims the trial slot
	// when it dials.
	streaming := ten.PreferStreaming && form.Digits == "" &&
		(s.modelBrk == nil || s.modelBrk.State() != resilience.StateOpen)

	path := records.PathTurn
	if streaming {
		path = records.PathStream
	}
	if s.records != nil {
		if err := s.records.Start(ctx, records.CallRecord{
			CallID: form.CallSid, CallerPhone: form.From, DialedPhone: form.To,
			TenantID: ten.ID, Path: path, StartedAt: now,
		}); err != nil {
			s.log.Error("call record insert failed", "call_id", form.CallSid, "err", err)
		}
	}

	if streaming {
		tw := telephony.NewTwiML()
		tw.ConnectStream(s.cfg.StreamURL, map[string]string{
			"caller": form.From,
			"dialed": form.To,
		})
		return tw.Render()
	}
	return s.flow.Begin(ctx, sess)
}

// Turn advances the turn-based flow by one webhook round-trip.
func (s *Supervisor) Turn(ctx context.Context, form telephony.VoiceForm) (string, error) {
	return s.flow.HandleTurn(ctx, form)
}

// Status handles the provider's call status callback. Turn-based calls are
// finalized here; bridge calls were finalized when the stream ended.
func (s *Supervisor) Status(ctx context.Context, form telephony.VoiceForm) {
	if !terminalStatus(form.CallStatus) {
		return
	}
	sess, err := s.store.Get(ctx, form.CallSid)
	if err != nil || sess == nil {
		return
	}
	if sess.FlowState == "" {
		// Streaming call; the stream handler already ran the fan-out.
		return
	}
	reason := "caller_hangup"
	if sess.FlowState == turnflow.StateComplete {
		reason = "completed"
	}
	s.finish(sess, records.PathTurn, reason, time.Duration(form.CallDuration)*time.Second)
}

// HandleStream drives one media-stream connection end to end.
func (s *Supervisor) HandleStream(ctx context.Context, st *telephony.Stream) {
	defer st.Close()

	start, err := st.AwaitStart(s.cfg.StartTimeout)
	if err != nil {
		s.log.Warn("media stream never started", "err", err)
		return
	}
	log := s.log.With("call_id", start.CallSid, "stream_sid", start.StreamSid)

	sess, err := s.store.Get(ctx, start.CallSid)
	if err != nil {
		log.Error("session load failed", "err", err)
	}
	if sess == nil {
		sess = session.New(start.CallSid,
			start.CustomParameters["caller"], start.CustomParameters["dialed"], s.now())
	}
	sess.StreamID = start.StreamSid

	ten, err := s.tenants.Resolve(ctx, sess.DialedPhone)
	if err != nil {
		log.Error("tenant resolve failed", "err", err)
		return
	}
	if sess.TenantID == "" {
		sess.TenantID = ten.ID
	}

	var model bridge.ModelPeer
	dial := func() error {
		var derr error
		model, derr = s.dialModel(ctx)
		return derr
	}
	var dialErr error
	if s.modelBrk != nil {
		dialErr = s.modelBrk.Guard(dial)
	} else {
		dialErr = dial()
	}
	if dialErr != nil {
		log.Error("model dial failed", "err", dialErr)
		s.speakUnavailable(ctx, st)
		sess.TransferRequested = true
		s.finish(sess, records.PathStream, "model_unreachable", time.Since(sess.StartedAt))
		return
	}

	br := bridge.New(s.cfg.Bridge, ten, sess, s.store,
		s.registry.NewInvoker(sess), modelTools(s.registry.Definitions()), s.speaker, s.log)
	res := br.Run(ctx, st, model)
	log.Info("bridge finished", "reason", res.Reason, "duration", res.Duration)

	s.finish(sess, records.PathStream, string(res.Reason), res.Duration)
}

// finish runs the post-call fan-out: a booking from completed slots, the
// durable call record, and the operator summary. Each step is independent;
// one failing does not stop the others.
func (s *Supervisor) finish(sess *session.Session, path records.Path, reason string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FanoutTimeout)
	defer cancel()

	if sess.SlotsComplete() && !sess.AppointmentBooked && !sess.Emergency {
		s.bookFromSlots(ctx, sess)
	}

	if s.records != nil {
		rec := records.CallRecord{
			CallID:      sess.CallID,
			CallerPhone: sess.CallerPhone,
			DialedPhone: sess.DialedPhone,
			TenantID:    sess.TenantID,
			Path:        path,
			StartedAt:   sess.StartedAt,
			DurationS:   int(duration / time.Second),
			EndedReason: reason,
			ToolsUsed:   sess.ToolCallCount,
			Emergency:   sess.Emergency,
			Booked:      sess.AppointmentBooked,
			Transcript:  strings.Join(sess.Transcript(), "\n"),
		}
		if err := s.records.Finish(ctx, rec); err != nil {
			s.log.Error("call record finalize failed", "call_id", sess.CallID, "err", err)
		}
	}

	if s.notifier != nil && s.notifier.Enabled() {
		summary := notify.CallSummary{
			CallID:      sess.CallID,
			CallerPhone: sess.CallerPhone,
			TenantID:    sess.TenantID,
			DurationS:   int(duration / time.Second),
			EndedReason: reason,
			ToolsUsed:   sess.ToolCallCount,
			Emergency:   sess.Emergency,
			Booked:      sess.AppointmentBooked,
			Transcript:  strings.Join(sess.Transcript(), "\n"),
			Slots:       sess.Slots,
		}
		if err := s.notifier.PostCallSummary(ctx, summary); err != nil {
			s.log.Warn("post-call summary not delivered", "call_id", sess.CallID, "err", err)
		}
	}

	if err := s.store.Set(ctx, sess); err != nil {
		s.log.Error("final session persist failed", "call_id", sess.CallID, "err", err)
	}
}

// bookFromSlots converts fully collected slots into an appointment when the
// call ended before the model (or flow) confirmed one.
func (s *Supervisor) bookFromSlots(ctx context.Context, sess *session.Session) {
	raw, _ := json.Marshal(map[string]string{
		"name":          sess.Slots.Name,
		"date":          sess.Slots.PreferredDate,
		"time":          sess.Slots.PreferredTime,
		"issue":         sess.Slots.Issue,
		"location_code": sess.Slots.LocationCode,
		"phone":         sess.Slots.CallbackPhone,
	})
	res := s.registry.NewInvoker(sess).Invoke(ctx, "postcall:"+sess.CallID, "create_booking", raw)
	s.log.Info("post-call booking attempted", "call_id", sess.CallID, "result", string(res))
}

func (s *Supervisor) speakUnavailable(ctx context.Context, st *telephony.Stream) {
	const apology = "I'm sorry, our voice assistant is unavailable right now. Please call back in a few minutes, or stay on the line to leave a message."
	if s.speaker == nil {
		return
	}
	s.speaker.Speak(ctx, apology, unavailableSink{st}, tts.PreferReliable)
}

type unavailableSink struct{ st *telephony.Stream }

func (u unavailableSink) WriteAudio(frame []byte) error { return u.st.WriteMedia(frame) }
func (u unavailableSink) SayMarker(string) error        { return nil }

func modelTools(defs []tools.Definition) []realtime.ToolDefinition {
	out := make([]realtime.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, realtime.ToolDefinition{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

func terminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		return true
	}
	return false
}
