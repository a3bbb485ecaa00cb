// Package resilience protects external dependencies with circuit breakers
// and guards inbound traffic with per-caller rate limits.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDependencyUnavailable is returned by guarded calls while a breaker is
// open.
var ErrDependencyUnavailable = errors.New("resilience: dependency unavailable")

// BreakerState is the classic three-state breaker lifecycle.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a breaker. Zero values take the defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	RecoveryTimeout  time.Duration // open duration before a half-open trial (default 60s)
	SuccessThreshold int           // half-open successes before closing (default 2)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = time.Minute
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// BreakerStats is a point-in-time snapshot for health endpoints and logs.
type BreakerStats struct {
	Name          string       `json:"name"`
	State         string       `json:"state"`
	Failures      int          `json:"consecutive_failures"`
	TotalCalls    int64        `json:"total_calls"`
	TotalFailures int64        `json:"total_failures"`
	LastFailure   time.Time    `json:"last_failure,omitempty"`
}

// Breaker is a process-local circuit breaker for one external dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	halfOpenOKs   int
	halfOpenInUse bool // a trial call is in flight
	lastFailure   time.Time
	totalCalls    int64
	totalFailures int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// CanExecute reports whether a call may proceed, claiming the half-open
// trial slot when it does. Half-open admits one trial at a time; the slot
// frees when the trial's outcome is recorded. Callers that only want to
// inspect the breaker use State instead.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			b.halfOpenOKs = 0
			b.halfOpenInUse = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenInUse {
			return false
		}
		b.halfOpenInUse = true
		return true
	default:
		return false
	}
}

// RecordSuccess counts a successful call, closing a half-open breaker once
// enough trials succeed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case StateHalfOpen:
		b.halfOpenInUse = false
		b.halfOpenOKs++
		if b.halfOpenOKs >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure counts a failed call. Any half-open failure reopens; closed
// opens after the consecutive-failure threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.totalFailures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenInUse = false
		b.failures = b.cfg.FailureThreshold
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// State returns the current state, applying the open→half-open transition if
// the recovery timeout has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Stats snapshots the breaker.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:          b.name,
		State:         b.state.String(),
		Failures:      b.failures,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
		LastFailure:   b.lastFailure,
	}
}

// Guard runs fn behind the breaker, translating an open breaker into
// ErrDependencyUnavailable.
func (b *Breaker) Guard(fn func() error) error {
	if !b.CanExecute() {
		return fmt.Errorf("%w: %s", ErrDependencyUnavailable, b.name)
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Registry holds one breaker per dependency name.
type Registry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for name, creating it on first use.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Stats snapshots every registered breaker.
func (r *Registry) Stats() []BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
