package session

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "call:session:"

// Store layers a bounded local cache over a shared Redis KV, with an
// in-process fallback map when the KV is unavailable. Within one process a
// reader never observes state older than the writer's last write.
type Store struct {
	rdb      *redis.Client // nil means in-memory only
	ttl      time.Duration
	cacheTTL time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	cache    *lruCache
	fallback map[string]*Session
	degraded bool
	lastOK   time.Time
}

// StoreOptions bounds the local cache.
type StoreOptions struct {
	TTL       time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 1000
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	return o
}

// NewStore creates a session store. rdb may be nil for single-process mode.
func NewStore(rdb *redis.Client, opts StoreOptions, log *slog.Logger) *Store {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		rdb:      rdb,
		ttl:      opts.TTL,
		cacheTTL: opts.CacheTTL,
		log:      log,
		cache:    newLRUCache(opts.CacheSize),
		fallback: make(map[string]*Session),
		lastOK:   time.Now(),
	}
}

// Get returns the session for callID, or nil if none exists.
func (s *Store) Get(ctx context.Context, callID string) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.cache.get(callID, time.Now()); ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, keyPrefix+callID).Bytes()
		switch {
		case err == nil:
			var sess Session
			if uerr := json.Unmarshal(raw, &sess); uerr != nil {
				return nil, uerr
			}
			s.markHealthy()
			s.mu.Lock()
			s.cache.put(callID, &sess, time.Now().Add(s.cacheTTL))
			s.mu.Unlock()
			return &sess, nil
		case errors.Is(err, redis.Nil):
			s.markHealthy()
			return nil, nil
		default:
			s.markDegraded(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback[callID], nil
}

// Set writes through the local cache and the KV with TTL. On KV error the
// session is kept in the in-process fallback map instead.
func (s *Store) Set(ctx context.Context, sess *Session) error {
	if sess == nil || sess.CallID == "" {
		return errors.New("session: call id required")
	}
	now := time.Now()
	s.mu.Lock()
	s.cache.put(sess.CallID, sess, now.Add(s.cacheTTL))
	s.mu.Unlock()

	if s.rdb == nil {
		s.mu.Lock()
		s.fallback[sess.CallID] = sess
		s.mu.Unlock()
		return nil
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.rdb.SetEx(ctx, keyPrefix+sess.CallID, raw, s.ttl).Err(); err != nil {
		s.markDegraded(err)
		s.mu.Lock()
		s.fallback[sess.CallID] = sess
		s.mu.Unlock()
		return nil
	}
	s.markHealthy()
	s.mu.Lock()
	delete(s.fallback, sess.CallID)
	s.mu.Unlock()
	return nil
}

// Delete removes the session from every layer.
func (s *Store) Delete(ctx context.Context, callID string) error {
	s.mu.Lock()
	s.cache.remove(callID)
	delete(s.fallback, callID)
	s.mu.Unlock()

	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Del(ctx, keyPrefix+callID).Err(); err != nil {
		s.markDegraded(err)
		return nil
	}
	s.markHealthy()
	return nil
}

// Healthy reports whether the KV answered within the given window. A store
// without a KV is always healthy (single-process mode).
func (s *Store) Healthy(window time.Duration) bool {
	if s.rdb == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastOK) <= window
}

// Probe pings the KV, refreshing the health window.
func (s *Store) Probe(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.markDegraded(err)
		return err
	}
	s.markHealthy()
	return nil
}

func (s *Store) markDegraded(err error) {
	s.mu.Lock()
	edge := !s.degraded
	s.degraded = true
	s.mu.Unlock()
	if edge {
		s.log.Warn("session store degraded to single-process mode", "err", err)
	}
}

func (s *Store) markHealthy() {
	s.mu.Lock()
	edge := s.degraded
	s.degraded = false
	s.lastOK = time.Now()
	s.mu.Unlock()
	if edge {
		s.log.Info("session store KV recovered")
	}
}

// lruCache is a size-bounded LRU whose entries also expire. Callers hold the
// store mutex; the cache itself is not safe for concurrent use.
type lruCache struct {
	max   int
	order *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key       string
	sess      *Session
	expiresAt time.Time
}

func newLRUCache(max int) *lruCache {
	return &lruCache{
		max:   max,
		order: list.New(),
		items: make(map[string]*list.Element, max),
	}
}

func (c *lruCache) get(key string, now time.Time) (*Session, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*lruEntry)
	if now.After(ent.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.sess, true
}

func (c *lruCache) put(key string, sess *Session, expiresAt time.Time) {
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*lruEntry)
		ent.sess = sess
		ent.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}
	for len(c.items) >= c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, sess: sess, expiresAt: expiresAt})
}

func (c *lruCache) remove(key string) {
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}
