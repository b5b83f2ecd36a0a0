// Package cache is a write-through cache over a kv.Store with debounced
// persistence.
//
// Reads and writes hit an in-memory mirror first, so a value set in this
// process is visible to every later read in this process immediately
// (read-your-writes), even before it reaches the durable store. Durable
// writes are scheduled after a debounce window; a newer write to the same
// key restarts the window, so only the last value of a burst is persisted.
//
// Persistence is best effort: a failed write is logged, counted and left
// dirty in memory, and the cache never retries on its own. Flush before
// process teardown. The cache never publishes events; callers publish on the
// bus after a meaningful change.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/kv"
)

// Cache is a write-through cache with per-key debounced flushes.
//
// Thread-safety: all methods are safe for concurrent use. Debounce timers
// fire on scheduler goroutines.
type Cache struct {
	store kv.Store
	sched clock.Scheduler
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// writeMu serializes durable writes so the value read under mu at write
	// time is the one that lands last.
	writeMu sync.Mutex

	writes   atomic.Int64
	failures atomic.Int64
}

// entry is the in-memory mirror of one key.
type entry struct {
	value []byte // encoded JSON
	dirty bool
	timer clock.Timer
	gen   uint64 // bumped by every write; stale timers compare against it
}

// Option configures a Cache.
type Option func(*Cache)

// WithScheduler sets the scheduler used for debounce timers.
func WithScheduler(s clock.Scheduler) Option {
	return func(c *Cache) { c.sched = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New creates a cache over store.
func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		sched:   clock.System{},
		log:     slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats reports persistence counters for the operational layer.
type Stats struct {
	Writes   int64 // successful durable writes
	Failures int64 // failed durable writes
	Dirty    int   // entries not yet persisted
}

// Get returns the value under key decoded as T, or def when the key is
// absent, unreadable or does not decode. Failures are logged, not returned.
func Get[T any](ctx context.Context, c *Cache, key string, def T) T {
	raw, ok := c.Raw(ctx, key)
	if !ok {
		return def
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Warn("cached value does not decode, using default", "key", key, "error", err)
		return def
	}
	return v
}

// Raw returns a copy of the encoded value under key. A miss reads the store
// and memoizes the result if it is valid JSON.
func (c *Cache) Raw(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		v := append([]byte(nil), e.value...)
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	data, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("durable read failed", "key", key, "error", err)
		return nil, false
	}
	if !json.Valid(data) {
		c.log.Warn("stored value is not valid JSON, ignoring", "key", key)
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent Set wins over what we just read.
	e, ok := c.entries[key]
	if !ok {
		e = &entry{value: data}
		c.entries[key] = e
	}
	return append([]byte(nil), e.value...), true
}

// Set updates the in-memory value now and schedules a durable write after
// debounce. A newer Set on the same key within the window cancels this one.
// The only error is failure to encode value.
func (c *Cache) Set(key string, value any, debounce time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	if debounce < 0 {
		debounce = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.updateLocked(key, data)
	gen := e.gen
	e.timer = c.sched.AfterFunc(debounce, func() { c.flushKey(key, gen) })
	return nil
}

// SetImmediate updates the in-memory value and writes it to the store
// before returning. Use it for data that must survive a crash right away.
// The returned error is the persistence error; the in-memory value is kept
// either way.
func (c *Cache) SetImmediate(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}

	c.mu.Lock()
	c.updateLocked(key, data)
	c.mu.Unlock()

	return c.persist(ctx, key)
}

// updateLocked installs a new value and cancels any pending flush.
// Caller holds c.mu.
func (c *Cache) updateLocked(key string, data []byte) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.value = data
	e.dirty = true
	e.gen++
	return e
}

// flushKey is the debounce timer callback for generation gen of key.
func (c *Cache) flushKey(key string, gen uint64) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		return
	}
	e.timer = nil
	c.mu.Unlock()

	// Errors are logged inside persist; nobody waits on a timer.
	_ = c.persist(context.Background(), key)
}

// persist writes the current value of key if it is dirty.
func (c *Cache) persist(ctx context.Context, key string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || !e.dirty {
		c.mu.Unlock()
		return nil
	}
	value := e.value
	gen := e.gen
	c.mu.Unlock()

	if err := c.store.Set(ctx, key, value); err != nil {
		c.failures.Add(1)
		c.log.Error("durable write failed, keeping in-memory value", "key", key, "error", err)
		return fmt.Errorf("cache: persist %q: %w", key, err)
	}
	c.writes.Add(1)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.gen == gen {
		e.dirty = false
	}
	c.mu.Unlock()
	return nil
}

// Flush cancels every pending timer and synchronously persists every dirty
// entry, including entries whose earlier write failed.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	var keys []string
	for k, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.dirty {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	sort.Strings(keys)
	var errs []error
	for _, k := range keys {
		if err := c.persist(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete drops key from memory and the store.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.timer != nil {
		e.timer.Stop()
	}
	delete(c.entries, key)
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Error("durable delete failed", "key", key, "error", err)
		return fmt.Errorf("cache: delete %q: %w", key, err)
	}
	return nil
}

// Reload forgets a clean memoized value and reads key from the store again,
// picking up writes made by other processes. Dirty entries are kept: they
// are newer than anything durable.
func (c *Cache) Reload(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !e.dirty {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return c.Raw(ctx, key)
}

// Keys returns the sorted union of in-memory and durable keys with prefix.
// On a store error the in-memory keys are still returned with the error.
func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	set := make(map[string]struct{})
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			set[k] = struct{}{}
		}
	}
	c.mu.Unlock()

	stored, err := c.store.Keys(ctx, prefix)
	for _, k := range stored {
		set[k] = struct{}{}
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err != nil {
		return keys, fmt.Errorf("cache: list %q: %w", prefix, err)
	}
	return keys, nil
}

// Stats returns persistence counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	dirty := 0
	for _, e := range c.entries {
		if e.dirty {
			dirty++
		}
	}
	c.mu.Unlock()

	return Stats{
		Writes:   c.writes.Load(),
		Failures: c.failures.Load(),
		Dirty:    dirty,
	}
}
