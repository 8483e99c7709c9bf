package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/marmos91/sharefs/internal/logger"
	"github.com/marmos91/sharefs/internal/ratelimiter"
	"github.com/marmos91/sharefs/pkg/connection"
)

// DefaultCapacity is used when Config.Capacity is not positive.
const DefaultCapacity = 30

// Config configures a Cache.
type Config struct {
	// Capacity is the maximum number of live sessions (the open-file limit).
	Capacity int

	// Settings are resolved into a Tuning for every dial.
	Settings Settings

	// DialRate and DialBurst throttle new dials. A zero DialRate disables it.
	DialRate  float64
	DialBurst int

	Metrics Metrics
}

// Cache is a bounded LRU of live sessions keyed by connection identity.
//
// The cache owns every session it holds: it tears a session down exactly once,
// when the session is evicted for capacity, replaced by a forced Acquire,
// invalidated, or dropped by EvictAll. Teardown runs outside the cache lock
// and never propagates errors.
//
// The cache serializes its own bookkeeping only. It does not serialize use of
// the sessions it hands out; a session may be torn down while a caller still
// holds it, in which case the driver reports ErrClosed.
type Cache struct {
	capacity int
	dialer   Dialer
	settings Settings
	limiter  *ratelimiter.RateLimiter
	metrics  Metrics
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	// generation is bumped by EvictAll. A dial that started in an earlier
	// generation is torn down instead of installed.
	generation uint64
}

type cacheEntry struct {
	key       string
	id        string
	target    string
	protocol  string
	session   Session
	createdAt time.Time
}

type doomedEntry struct {
	entry  *cacheEntry
	reason EvictionReason
}

// New creates a Cache that opens sessions through dialer.
func New(dialer Dialer, cfg Config) *Cache {
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics()
	}

	return &Cache{
		capacity: capacity,
		dialer:   dialer,
		settings: cfg.Settings,
		limiter:  ratelimiter.New(cfg.DialRate, cfg.DialBurst),
		metrics:  metrics,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Acquire returns the session for conn's identity, dialing one on a miss.
//
// With forceNew a fresh session is always dialed; it replaces (and tears
// down) any cached session of the same identity and leaves other entries
// untouched. Concurrent non-forced misses for one identity share a single
// dial. A failed dial installs nothing and returns the dial error as is.
func (c *Cache) Acquire(ctx context.Context, conn connection.Connection, forceNew bool) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := conn.Key()
	protocol := string(conn.Protocol)

	if forceNew {
		c.metrics.RecordMiss(protocol)
		gen := c.currentGeneration()
		s, err := c.dial(ctx, conn)
		if err != nil {
			return nil, err
		}
		if err := c.install(key, conn, s, gen); err != nil {
			return nil, err
		}
		return s, nil
	}

	if s, ok := c.lookup(key); ok {
		c.metrics.RecordHit(protocol)
		return s, nil
	}
	c.metrics.RecordMiss(protocol)

	// The shared dial must not die with the first caller's context.
	dialCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if s, ok := c.lookup(key); ok {
			return s, nil
		}
		gen := c.currentGeneration()
		s, err := c.dial(dialCtx, conn)
		if err != nil {
			return nil, err
		}
		if err := c.install(key, conn, s, gen); err != nil {
			return nil, err
		}
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Probe dials a session for conn without caching it. The caller owns the
// returned session and must Close it.
func (c *Cache) Probe(ctx context.Context, conn connection.Connection) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.metrics.RecordMiss(string(conn.Protocol))
	return c.dial(ctx, conn)
}

// Invalidate tears down the session cached for conn's identity, if any.
func (c *Cache) Invalidate(conn connection.Connection) {
	key := conn.Key()

	c.mu.Lock()
	elem, ok := c.entries[key]
	var e *cacheEntry
	if ok {
		e = c.removeLocked(elem)
	}
	n := c.lru.Len()
	c.mu.Unlock()

	if !ok {
		return
	}
	c.metrics.SetActive(e.protocol, n)
	c.teardown(e, ReasonInvalidate)
}

// EvictAll tears down every cached session. Dials still in flight when it
// runs are torn down as soon as they complete and never enter the cache.
func (c *Cache) EvictAll() {
	c.mu.Lock()
	c.generation++
	doomed := make([]*cacheEntry, 0, c.lru.Len())
	for c.lru.Len() > 0 {
		doomed = append(doomed, c.removeLocked(c.lru.Back()))
	}
	c.mu.Unlock()

	for _, e := range doomed {
		c.metrics.SetActive(e.protocol, 0)
		c.teardown(e, ReasonShutdown)
	}
	if len(doomed) > 0 {
		logger.Debug("Session cache: evicted all %d sessions", len(doomed))
	}
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the maximum number of cached sessions.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Contains reports whether a session is cached for conn's identity.
func (c *Cache) Contains(conn connection.Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[conn.Key()]
	return ok
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Cache) lookup(key string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*cacheEntry).session, true
}

func (c *Cache) dial(ctx context.Context, conn connection.Connection) (Session, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tuning := c.settings.TuningFor(conn)
	protocol := string(conn.Protocol)

	start := time.Now()
	s, err := c.dialer.Dial(ctx, conn, tuning)
	if err == nil && s == nil {
		err = errors.New("dialer returned no session")
	}
	c.metrics.RecordDial(protocol, time.Since(start), err)

	if err != nil {
		logger.Debug("Session cache: dial %s (auth=%s) failed: %v", conn.RootURI(), tuning.Auth, err)
		return nil, err
	}
	return s, nil
}

// install caches s under key. It fails with ErrClosed, after tearing s
// down, when EvictAll ran since the dial for s started in generation gen.
func (c *Cache) install(key string, conn connection.Connection, s Session, gen uint64) error {
	e := &cacheEntry{
		key:       key,
		id:        uuid.NewString(),
		target:    conn.RootURI(),
		protocol:  string(conn.Protocol),
		session:   s,
		createdAt: time.Now(),
	}

	var doomed []doomedEntry

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.teardown(e, ReasonShutdown)
		return fmt.Errorf("session for %s evicted while dialing: %w", e.target, ErrClosed)
	}
	if elem, ok := c.entries[key]; ok {
		doomed = append(doomed, doomedEntry{c.removeLocked(elem), ReasonReplaced})
	}
	c.entries[key] = c.lru.PushFront(e)
	for c.lru.Len() > c.capacity {
		doomed = append(doomed, doomedEntry{c.removeLocked(c.lru.Back()), ReasonCapacity})
	}
	n := c.lru.Len()
	c.mu.Unlock()

	logger.Debug("Session cache: opened session %s for %s (%d/%d)", e.id, e.target, n, c.capacity)
	c.metrics.SetActive(e.protocol, n)

	for _, d := range doomed {
		c.teardown(d.entry, d.reason)
	}
	return nil
}

// removeLocked unlinks elem. c.mu must be held.
func (c *Cache) removeLocked(elem *list.Element) *cacheEntry {
	e := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, e.key)
	return e
}

// teardown closes a session that is no longer reachable through the cache.
// Errors and panics from Close are logged and swallowed.
func (c *Cache) teardown(e *cacheEntry, reason EvictionReason) {
	c.metrics.RecordEviction(e.protocol, reason)

	err := safeClose(e.session)
	if err != nil {
		logger.Warn("Session cache: closing session %s for %s (%s): %v", e.id, e.target, reason, err)
		return
	}
	logger.Debug("Session cache: closed session %s for %s (%s, age %s)",
		e.id, e.target, reason, time.Since(e.createdAt).Round(time.Millisecond))
}

func safeClose(s Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during close: %v", r)
		}
	}()
	return s.Close()
}
