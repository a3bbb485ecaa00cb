// Package tts turns text into μ-law 8 kHz telephony audio through a chain
// of providers with health-aware fallback. It is used on the turn-based
// voice path and for fixed announcements (apologies, wrap-ups) on the
// streaming path.
package tts

import (
	"context"
	"log/slog"
	"time"

	"hvac-voice-agent/internal/audio"
)

// Preference selects the provider ordering strategy for one utterance.
type Preference string

const (
	PreferBest     Preference = "best"     // quality order, streaming first
	PreferFast     Preference = "fast"     // lowest observed latency first
	PreferReliable Preference = "reliable" // fewest recent failures first
)

// Sink receives the synthesized output. Streaming providers deliver framed
// μ-law audio; the built-in provider delivers a marker the caller turns
// into a platform announcement instead of raw audio.
type Sink interface {
	WriteAudio(frame []byte) error
	SayMarker(text string) error
}

// Provider is one synthesis backend.
type Provider interface {
	Name() string
	// Streaming providers emit μ-law 8 kHz chunks through emit; the engine
	// frames them. Non-streaming providers are handled via the sink marker.
	Streaming() bool
	Synthesize(ctx context.Context, text string, emit func([]byte) error) error
}

// Engine runs the fallback chain. One Engine serves many calls; per-call
// state lives in the sink and the caller's context.
type Engine struct {
	providers []Provider
	health    *healthBoard
	// FirstByteTimeout bounds the wait for a provider's first audio chunk
	// before falling through to the next one.
	firstByte time.Duration
	log       *slog.Logger
}

func NewEngine(providers []Provider, firstByte time.Duration, log *slog.Logger) *Engine {
	if firstByte <= 0 {
		firstByte = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		providers: providers,
		health:    newHealthBoard(providers),
		firstByte: firstByte,
		log:       log,
	}
}

// Speak synthesizes text into sink, trying providers in preference-and-health
// order. It returns true once any provider delivered output, false when the
// whole chain failed. Cancelling ctx aborts between frames.
func (e *Engine) Speak(ctx context.Context, text string, sink Sink, pref Preference) bool {
	if text == "" {
		return true
	}
	for _, p := range e.health.ordered(e.providers, pref) {
		if ctx.Err() != nil {
			return false
		}
		if !p.Streaming() {
			if err := sink.SayMarker(text); err != nil {
				e.log.Warn("say marker rejected", "provider", p.Name(), "err", err)
				continue
			}
			e.health.recordSuccess(p.Name(), 0)
			return true
		}

		start := time.Now()
		delivered, err := e.speakStreaming(ctx, p, text, sink)
		switch {
		case err == nil:
			e.health.recordSuccess(p.Name(), time.Since(start))
			return true
		case ctx.Err() != nil:
			// Barge-in or teardown, not a provider fault.
			return delivered
		default:
			e.health.recordFailure(p.Name())
			e.log.Warn("tts provider failed", "provider", p.Name(), "delivered", delivered, "err", err)
			if delivered {
				// Partial audio already reached the caller; restarting the
				// utterance on another provider would repeat it.
				return true
			}
		}
	}
	e.log.Error("all tts providers failed", "preference", string(pref))
	return false
}

// speakStreaming drives one provider, enforcing the first-byte timeout and
// writing fixed-size frames to the sink between context checks.
func (e *Engine) speakStreaming(ctx context.Context, p Provider, text string, sink Sink) (delivered bool, err error) {
	synthCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type chunk struct {
		data []byte
		err  error
	}
	ch := make(chan chunk, 8)
	go func() {
		serr := p.Synthesize(synthCtx, text, func(b []byte) error {
			if len(b) == 0 {
				return nil
			}
			cp := make([]byte, len(b))
			copy(cp, b)
			select {
			case ch <- chunk{data: cp}:
				return nil
			case <-synthCtx.Done():
				return synthCtx.Err()
			}
		})
		ch <- chunk{err: serr}
	}()

	firstByte := time.NewTimer(e.firstByte)
	defer firstByte.Stop()

	var residual []byte
	gotAudio := false
	for {
		var c chunk
		if gotAudio {
			select {
			case c = <-ch:
			case <-ctx.Done():
				return delivered, ctx.Err()
			}
		} else {
			select {
			case c = <-ch:
			case <-firstByte.C:
				return false, ErrFirstByteTimeout
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		if c.err != nil || (c.data == nil && c.err == nil) {
			// Provider finished; flush the residual padded to a full frame.
			if len(residual) > 0 && c.err == nil {
				frame := make([]byte, audio.FrameBytes)
				for i := range frame {
					frame[i] = audio.ULawSilence
				}
				copy(frame, residual)
				if werr := sink.WriteAudio(frame); werr != nil {
					return delivered, werr
				}
				delivered = true
			}
			if c.err == nil && !gotAudio {
				return false, ErrNoAudio
			}
			return delivered, c.err
		}

		gotAudio = true
		residual = append(residual, c.data...)
		var frames [][]byte
		frames, residual = audio.Frames(residual, audio.FrameBytes)
		for _, f := range frames {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			if werr := sink.WriteAudio(f); werr != nil {
				return delivered, werr
			}
			delivered = true
		}
	}
}
