package tts

import (
	"sort"
	"sync"
	"time"
)

// ewmaWeight is the smoothing factor for latency tracking. Higher weights
// favour recent observations.
const ewmaWeight = 0.3

// failureCooldown is how long a provider stays demoted after a failure
// before ordering treats it as clean again.
const failureCooldown = 30 * time.Second

type providerHealth struct {
	latencyEWMA time.Duration
	failures    int
	lastFailure time.Time
	samples     int
}

// healthBoard tracks per-provider latency and failures and produces the
// try-order for an utterance.
type healthBoard struct {
	mu  sync.Mutex
	byN map[string]*providerHealth
	now func() time.Time
}

func newHealthBoard(providers []Provider) *healthBoard {
	b := &healthBoard{byN: make(map[string]*providerHealth), now: time.Now}
	for _, p := range providers {
		b.byN[p.Name()] = &providerHealth{}
	}
	return b
}

func (b *healthBoard) recordSuccess(name string, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.get(name)
	h.failures = 0
	h.samples++
	if h.latencyEWMA == 0 {
		h.latencyEWMA = latency
	} else {
		h.latencyEWMA = time.Duration(float64(h.latencyEWMA)*(1-ewmaWeight) + float64(latency)*ewmaWeight)
	}
}

func (b *healthBoard) recordFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.get(name)
	h.failures++
	h.lastFailure = b.now()
}

func (b *healthBoard) get(name string) *providerHealth {
	h, ok := b.byN[name]
	if !ok {
		h = &providerHealth{}
		b.byN[name] = h
	}
	return h
}

// ordered returns providers in try-order for the given preference. The
// chain's configured order is the quality order; health adjusts it:
// recently failing providers sink, and PreferFast additionally sorts the
// streaming providers by observed latency. The non-streaming terminal
// fallback always stays last.
func (b *healthBoard) ordered(chain []Provider, pref Preference) []Provider {
	b.mu.Lock()
	defer b.mu.Unlock()

	type ranked struct {
		p       Provider
		pos     int
		suspect bool
		latency time.Duration
	}
	now := b.now()
	var streaming []ranked
	var terminal []Provider
	for i, p := range chain {
		if !p.Streaming() {
			terminal = append(terminal, p)
			continue
		}
		h := b.get(p.Name())
		streaming = append(streaming, ranked{
			p:       p,
			pos:     i,
			suspect: h.failures > 0 && now.Sub(h.lastFailure) < failureCooldown,
			latency: h.latencyEWMA,
		})
	}

	sort.SliceStable(streaming, func(i, j int) bool {
		a, c := streaming[i], streaming[j]
		if a.suspect != c.suspect {
			return !a.suspect
		}
		switch pref {
		case PreferFast:
			// Unmeasured providers keep their configured position.
			if a.latency > 0 && c.latency > 0 && a.latency != c.latency {
				return a.latency < c.latency
			}
		case PreferReliable:
			ha, hc := b.get(a.p.Name()), b.get(c.p.Name())
			if ha.failures != hc.failures {
				return ha.failures < hc.failures
			}
		}
		return a.pos < c.pos
	})

	out := make([]Provider, 0, len(chain))
	for _, r := range streaming {
		out = append(out, r.p)
	}
	return append(out, terminal...)
}
