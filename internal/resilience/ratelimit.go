package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript counts a caller's calls in the trailing window and
// admits the new one atomically. ZSET member uniqueness comes from the
// nanosecond timestamp argument.
var slidingWindowScript = redis.NewScript(`
-- KEYS[1] = window key (per caller)
-- ARGV[1] = now (unix nanos)
-- ARGV[2] = window (nanos)
-- ARGV[3] = limit
--
-- Returns 1 if admitted, 0 if the limit is reached.
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[1])
redis.call('PEXPIRE', KEYS[1], math.ceil(window / 1000000))
return 1
`)

// CallLimiter enforces the per-caller sliding window. It prefers the shared
// Redis window so the limit holds across processes, and degrades to an
// in-memory window when Redis is absent or failing.
type CallLimiter struct {
	rdb    *redis.Client // nil means in-memory only
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	local map[string][]time.Time
}

// NewCallLimiter creates a limiter admitting limit calls per caller per
// window.
func NewCallLimiter(rdb *redis.Client, limit int, window time.Duration) *CallLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Hour
	}
	return &CallLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		now:    time.Now,
		local:  make(map[string][]time.Time),
	}
}

// Allow records an inbound call attempt from caller and reports whether it
// is admitted.
func (l *CallLimiter) Allow(ctx context.Context, caller string) bool {
	if caller == "" {
		return true // anonymous callers cannot be windowed; admit
	}
	now := l.now()
	if l.rdb != nil {
		res, err := slidingWindowScript.Run(ctx, l.rdb,
			[]string{"call:window:" + caller},
			now.UnixNano(), l.window.Nanoseconds(), l.limit,
		).Int()
		if err == nil {
			return res == 1
		}
		// fall through to the local window on Redis failure
	}
	return l.allowLocal(caller, now)
}

func (l *CallLimiter) allowLocal(caller string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.local[caller][:0]
	for _, t := range l.local[caller] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.local[caller] = kept
		return false
	}
	l.local[caller] = append(kept, now)
	return true
}
