// Package cache maps kernel signatures to compiled entries. The read path
// is read-mostly (shared lock plus atomics); the miss path collapses
// concurrent first-use of one signature into a single backend compilation
// while distinct signatures compile in parallel. Capacity is bounded by a
// recency-based eviction that never destroys an entry with launches still
// outstanding.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/signature"
)

// DefaultCapacity bounds the entry count when no explicit capacity is set.
const DefaultCapacity = 128

// Entry is a live cache entry. Pin/Unpin share ownership with in-flight
// launches: an entry evicted or invalidated while pinned stays loaded
// until its last pin is released.
type Entry struct {
	sig      signature.Signature
	compiled *compile.Entry

	pins     atomic.Int64
	retired  atomic.Bool
	lastUsed atomic.Int64 // cache tick of most recent lookup
	released atomic.Bool
}

// Compiled returns the immutable compiled form.
func (e *Entry) Compiled() *compile.Entry { return e.compiled }

// Signature returns the signature this entry specializes.
func (e *Entry) Signature() signature.Signature { return e.sig }

// Pin takes a share of ownership, deferring destruction past Unpin.
func (e *Entry) Pin() { e.pins.Add(1) }

// Unpin releases one share. The last Unpin of a retired entry frees the
// compiled binary.
func (e *Entry) Unpin() { e.UnpinN(1) }

// UnpinN releases n shares at once.
func (e *Entry) UnpinN(n int64) {
	if left := e.pins.Add(-n); left == 0 && e.retired.Load() {
		e.release()
	} else if left < 0 {
		panic("cache: entry unpinned below zero")
	}
}

func (e *Entry) release() {
	if e.released.CompareAndSwap(false, true) && e.compiled.Release != nil {
		e.compiled.Release()
	}
}

// retire marks the entry as removed from the cache. If nothing holds a
// pin, the binary is freed immediately; otherwise the last Unpin frees it.
func (e *Entry) retire() {
	e.retired.Store(true)
	if e.pins.Load() == 0 {
		e.release()
	}
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Failures  int64
	Entries   int
}

type flight struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Cache is the specialization cache. Construct with New; the zero value is
// not usable.
type Cache struct {
	backend  compile.Backend
	log      logger.Logger
	capacity int

	mu       sync.RWMutex
	entries  map[string]*Entry
	inflight map[string]*flight
	closed   bool

	tick      atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	failures  atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity bounds the number of live entries. Values below 1 are
// treated as 1.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n < 1 {
			n = 1
		}
		c.capacity = n
	}
}

// WithLogger injects the logger used for compile and eviction events.
func WithLogger(log logger.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// New builds a cache over the given compile backend.
func New(backend compile.Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:  backend,
		log:      logger.Default(),
		capacity: DefaultCapacity,
		entries:  make(map[string]*Entry),
		inflight: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the entry for a raw signature key, pinned, or (nil,
// false) on a miss. The hit path takes the shared lock only and performs
// no allocation: the byte-slice key indexes the map directly.
func (c *Cache) Lookup(key []byte) (*Entry, bool) {
	c.mu.RLock()
	e := c.entries[string(key)]
	if e == nil {
		c.mu.RUnlock()
		c.misses.Add(1)
		return nil, false
	}
	e.Pin()
	e.lastUsed.Store(c.tick.Add(1))
	c.mu.RUnlock()
	c.hits.Add(1)
	return e, true
}

// GetOrCompile returns the entry for sig, compiling it first if absent.
// Exactly one caller compiles a given signature; concurrent callers for
// the same signature wait on that compilation (or ctx). A backend failure
// inserts nothing, so a later identical call re-attempts the build.
// The returned entry is pinned.
func (c *Cache) GetOrCompile(ctx context.Context, def kernel.Def, sig signature.Signature) (*Entry, error) {
	key := sig.Key()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("cache: closed")
		}
		if e := c.entries[key]; e != nil {
			e.Pin()
			e.lastUsed.Store(c.tick.Add(1))
			c.mu.Unlock()
			c.hits.Add(1)
			return e, nil
		}
		if f := c.inflight[key]; f != nil {
			c.mu.Unlock()
			select {
			case <-f.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if f.err != nil {
				return nil, f.err
			}
			// The winner inserted an entry; loop to pick it up (it may
			// have been evicted in between, in which case we compile).
			continue
		}
		f := &flight{done: make(chan struct{})}
		c.inflight[key] = f
		c.mu.Unlock()

		compiled, err := c.backend.Compile(ctx, def, sig)

		c.mu.Lock()
		delete(c.inflight, key)
		if err != nil {
			c.mu.Unlock()
			c.failures.Add(1)
			f.err = &compile.Error{Kernel: def.Name, Key: key, Err: err}
			close(f.done)
			c.log.Warn("kernel compilation failed", "kernel", def.Name, "error", err)
			return nil, f.err
		}
		e := &Entry{sig: sig, compiled: compiled}
		e.lastUsed.Store(c.tick.Add(1))
		c.entries[key] = e
		// Pin before evicting so a full cache of pinned entries cannot
		// select the entry being handed out as its own victim.
		e.Pin()
		c.evictLocked()
		c.mu.Unlock()

		f.entry = e
		close(f.done)
		c.log.Debug("kernel compiled", "kernel", def.Name, "entries", c.Len())
		return e, nil
	}
}

// evictLocked drops least-recently-used entries until the capacity bound
// holds, skipping pinned entries: an entry with launches outstanding is
// never destroyed, it is retired once its last pin drops. Caller holds mu.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.capacity {
		var victimKey string
		var victim *Entry
		for k, e := range c.entries {
			if e.pins.Load() != 0 {
				continue
			}
			if victim == nil || e.lastUsed.Load() < victim.lastUsed.Load() {
				victimKey, victim = k, e
			}
		}
		if victim == nil {
			// Everything is pinned; stay over capacity until pins drain.
			return
		}
		delete(c.entries, victimKey)
		victim.retire()
		c.evictions.Add(1)
	}
}

// Invalidate removes the entry for key, if present. In-flight launches
// against it stay valid; the binary is freed when the last pin drops.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	e := c.entries[key]
	if e != nil {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if e != nil {
		e.retire()
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Failures:  c.failures.Load(),
		Entries:   n,
	}
}

// Close tears the cache down. Entries still pinned by outstanding launches
// are freed as those pins release.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
	for _, e := range entries {
		e.retire()
	}
}
