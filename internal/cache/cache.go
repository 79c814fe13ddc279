// Package cache memoizes verdicts per binary identity and coalesces
// concurrent evaluations of the same identity behind a single pending entry.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"execguard/internal/domain"
)

// ErrAlreadyPending is returned by BeginPending when another evaluation of
// the same identity is in flight. The existing handle is returned with it.
var ErrAlreadyPending = errors.New("evaluation already pending")

// DefaultMaxEntries bounds the cache when no size is configured.
const DefaultMaxEntries = 10000

type entry struct {
	key     string
	verdict domain.Verdict
	// provisional entries carry AllowPendingTransitive until the provenance
	// chain resolves.
	provisional bool
	elem        *list.Element
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List
	pending map[string]*Pending
	max     int

	hits   atomic.Uint64
	misses atomic.Uint64
	evicts atomic.Uint64
}

func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		pending: make(map[string]*Pending),
		max:     maxEntries,
	}
}

// Get returns the cached verdict for key.
func (c *Cache) Get(key string) (domain.Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (domain.Verdict, bool) {
	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return domain.Verdict{}, false
	}
	c.hits.Add(1)
	return e.verdict, true
}

// Put stores a verdict. Non-cacheable verdicts are ignored; malformed ones
// are rejected with domain.ErrCacheInconsistency.
func (c *Cache) Put(key string, v domain.Verdict) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if !v.Cacheable {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, v)
	return nil
}

func (c *Cache) putLocked(key string, v domain.Verdict) {
	provisional := v.Decision.Reason == domain.EventStateAllowPendingTransitive
	if e, ok := c.entries[key]; ok {
		e.verdict = v
		e.provisional = provisional
		c.order.MoveToBack(e.elem)
		return
	}
	e := &entry{key: key, verdict: v, provisional: provisional}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	for len(c.entries) > c.max {
		oldest := c.order.Front()
		c.removeLocked(oldest.Value.(*entry))
		c.evicts.Add(1)
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

// BeginPending claims the evaluation of key. When another evaluation holds
// the claim, the existing handle is returned together with ErrAlreadyPending.
func (c *Cache) BeginPending(key string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(key)
}

func (c *Cache) beginLocked(key string) (*Pending, error) {
	if p, ok := c.pending[key]; ok {
		return p, ErrAlreadyPending
	}
	p := &Pending{key: key, cache: c, done: make(chan struct{})}
	c.pending[key] = p
	return p, nil
}

// GetOrBegin returns the cached verdict for key if present. Otherwise it
// claims the evaluation like BeginPending. The two steps happen under one
// lock, so a verdict resolved between them cannot be missed.
func (c *Cache) GetOrBegin(key string) (domain.Verdict, bool, *Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.getLocked(key); ok {
		return v, true, nil, nil
	}
	p, err := c.beginLocked(key)
	return domain.Verdict{}, false, p, err
}

// Wait blocks until the pending evaluation of key resolves, the timeout
// elapses or ctx is done. A key with no pending evaluation returns the cached
// verdict, or domain.ErrNotFound.
func (c *Cache) Wait(ctx context.Context, key string, timeout time.Duration) (domain.Verdict, error) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if !ok {
		v, hit := c.getLocked(key)
		c.mu.Unlock()
		if !hit {
			return domain.Verdict{}, domain.ErrNotFound
		}
		return v, nil
	}
	c.mu.Unlock()
	return p.Wait(ctx, timeout)
}

// FinalizeTransitive promotes a provisional AllowPendingTransitive entry to
// AllowTransitive. It reports whether an entry was promoted.
func (c *Cache) FinalizeTransitive(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.provisional {
		return false
	}
	e.verdict.Decision.Reason = domain.EventStateAllowTransitive
	e.provisional = false
	return true
}

// Invalidate drops the entry for key. An evaluation of key already in flight
// still answers its waiters but its verdict is not cached.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[key]; ok {
		p.stale = true
	}
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// Flush drops every resolved entry. Evaluations in flight still answer their
// waiters but their verdicts are not cached.
func (c *Cache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		p.stale = true
	}
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.order.Init()
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PendingLen returns the number of evaluations in flight.
func (c *Cache) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Entries   int
	Pending   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, pending := len(c.entries), len(c.pending)
	c.mu.Unlock()
	return Stats{
		Entries:   entries,
		Pending:   pending,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evicts.Load(),
	}
}

// Pending is the claim on one in-flight evaluation. Exactly one of Resolve
// or Abandon takes effect; later calls are no-ops.
type Pending struct {
	key   string
	cache *Cache
	once  sync.Once
	done  chan struct{}
	// stale is set under the cache lock when the entry was invalidated while
	// the evaluation ran against an older rule set or settings.
	stale bool

	verdict domain.Verdict
	err     error
}

func (p *Pending) Key() string { return p.key }

// Done is closed once the evaluation resolves or is abandoned.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Resolve publishes v to every waiter and caches it when cacheable and not
// invalidated since BeginPending. A malformed verdict is not cached and
// waiters receive the validation error.
func (p *Pending) Resolve(v domain.Verdict) error {
	err := v.Validate()
	p.finish(func() {
		if err != nil {
			p.err = err
			return
		}
		p.verdict = v
		if v.Cacheable && !p.stale {
			p.cache.putLocked(p.key, v)
		}
	})
	return err
}

// Abandon releases the claim without a verdict. Waiters receive
// domain.ErrCacheInconsistency.
func (p *Pending) Abandon() {
	p.finish(func() {
		p.err = fmt.Errorf("%w: evaluation of %s abandoned", domain.ErrCacheInconsistency, p.key)
	})
}

func (p *Pending) finish(set func()) {
	p.once.Do(func() {
		p.cache.mu.Lock()
		set()
		if p.cache.pending[p.key] == p {
			delete(p.cache.pending, p.key)
		}
		p.cache.mu.Unlock()
		close(p.done)
	})
}

// Wait blocks for the outcome. Timeouts and context cancellation both
// report domain.ErrTimeout.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (domain.Verdict, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-p.done:
		return p.verdict, p.err
	case <-timer:
		return domain.Verdict{}, fmt.Errorf("%w: waited %s for %s", domain.ErrTimeout, timeout, p.key)
	case <-ctx.Done():
		return domain.Verdict{}, fmt.Errorf("%w: %w", domain.ErrTimeout, ctx.Err())
	}
}
