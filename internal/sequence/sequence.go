// Package sequence allocates strictly increasing business identifiers
// (invoice numbers, shift numbers) of the form PREFIX-00000001.
//
// Counters live in the cache under counter:<name> and are always written
// with SetImmediate: a debounced increment lost in a crash would hand out
// the same number again after restart.
//
// On the first allocation ever for a sequence (no counter persisted) the
// generator scans the records registered as sources for that sequence and
// starts one past the highest number already in use, so a wiped counter
// cannot cause reuse.
//
// Cross-process uniqueness depends on the store. With a kv.Locker the
// read-increment-write runs under a named lock and re-reads the durable
// counter, so processes sharing the store never allocate the same number.
// Without one, the generator assumes a single writer: two processes
// allocating at overlapping instants can receive the same number, and the
// duplicate is only caught downstream (the reconciliation report flags
// duplicate record ids).
package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/tillsync/internal/cache"
	"github.com/roach88/tillsync/internal/kv"
)

// Well-known sequence names.
const (
	Invoice = "invoice"
	Shift   = "shift"
)

// DefaultPad is the zero-padded width of the numeric part.
const DefaultPad = 8

// Format describes how a sequence renders its numbers.
type Format struct {
	Prefix string
	Pad    int
}

// Source names records that carry identifiers of a sequence. Recovery reads
// every cached key under KeyPrefix and parses the string at Field, as well
// as the key suffix itself.
type Source struct {
	KeyPrefix string
	Field     string
}

// Generator hands out identifiers. Safe for concurrent use.
type Generator struct {
	cache   *cache.Cache
	locker  kv.Locker
	log     *slog.Logger
	formats map[string]Format
	sources map[string][]Source

	mu     sync.Mutex
	issued map[string]int64 // highest number handed out by this process
}

// Option configures a Generator.
type Option func(*Generator)

// WithLocker makes allocation unique across processes sharing the store.
func WithLocker(l kv.Locker) Option {
	return func(g *Generator) { g.locker = l }
}

// WithSource registers records scanned during cold-start recovery of name.
func WithSource(name string, src Source) Option {
	return func(g *Generator) { g.sources[name] = append(g.sources[name], src) }
}

// WithFormat overrides the prefix and width of a named sequence.
func WithFormat(name, prefix string, pad int) Option {
	return func(g *Generator) { g.formats[name] = Format{Prefix: prefix, Pad: pad} }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// New creates a generator reading and writing counters through c.
func New(c *cache.Cache, opts ...Option) *Generator {
	g := &Generator{
		cache: c,
		log:   slog.Default(),
		formats: map[string]Format{
			Invoice: {Prefix: "INV", Pad: DefaultPad},
			Shift:   {Prefix: "SHF", Pad: DefaultPad},
		},
		sources: make(map[string][]Source),
		issued:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CounterKey is the cache key holding the next value of a sequence.
func CounterKey(name string) string { return "counter:" + name }

// LockName is the kv lock held while a counter is read and advanced.
func LockName(name string) string { return "sequence:" + name }

// FormatID renders n as "{prefix}-{n zero padded to pad}".
func FormatID(prefix string, n int64, pad int) string {
	return fmt.Sprintf("%s-%0*d", prefix, pad, n)
}

// ParseID extracts the number from an identifier with the given prefix.
func ParseID(prefix, id string) (int64, bool) {
	digits, ok := strings.CutPrefix(id, prefix+"-")
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextInvoiceID allocates the next invoice identifier.
func (g *Generator) NextInvoiceID(ctx context.Context) (string, error) {
	return g.next(ctx, Invoice)
}

// NextShiftID allocates the next shift identifier.
func (g *Generator) NextShiftID(ctx context.Context) (string, error) {
	return g.next(ctx, Shift)
}

// Next allocates from a named sequence using its configured format.
func (g *Generator) Next(ctx context.Context, name string) (string, error) {
	return g.next(ctx, name)
}

func (g *Generator) next(ctx context.Context, name string) (string, error) {
	f, ok := g.formats[name]
	if !ok {
		f = Format{Prefix: strings.ToUpper(name), Pad: DefaultPad}
	}
	return g.NextID(ctx, name, f.Prefix, f.Pad)
}

// NextID reads the counter of name, increments it, persists the new value
// immediately and returns the formatted identifier. Persistence failures
// are logged and the identifier is still returned. The only error is
// failing to acquire the cross-process lock.
func (g *Generator) NextID(ctx context.Context, name, prefix string, pad int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.locker != nil {
		unlock, err := g.locker.Lock(ctx, LockName(name))
		if err != nil {
			return "", fmt.Errorf("sequence %s: %w", name, err)
		}
		defer unlock()
	}

	n := g.load(ctx, name, prefix)
	if floor := g.issued[name] + 1; n < floor {
		n = floor
	}

	if err := g.cache.SetImmediate(ctx, CounterKey(name), n+1); err != nil {
		g.log.Warn("sequence counter not persisted", "sequence", name, "issued", n, "error", err)
	}
	g.issued[name] = n

	return FormatID(prefix, n, pad), nil
}

// load returns the next value to issue, recovering it from records when no
// usable counter exists.
func (g *Generator) load(ctx context.Context, name, prefix string) int64 {
	key := CounterKey(name)

	var (
		raw []byte
		ok  bool
	)
	if g.locker != nil {
		// Under the lock, a sibling may have advanced the durable counter.
		raw, ok = g.cache.Reload(ctx, key)
	} else {
		raw, ok = g.cache.Raw(ctx, key)
	}
	if ok {
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil && n >= 1 {
			return n
		}
		g.log.Warn("sequence counter unreadable, recovering from records", "sequence", name, "value", string(raw))
	}

	max := g.recoverMax(ctx, name, prefix)
	g.log.Info("sequence recovered", "sequence", name, "max_in_use", max)
	return max + 1
}

// recoverMax scans the registered sources for the highest number in use.
func (g *Generator) recoverMax(ctx context.Context, name, prefix string) int64 {
	var max int64
	for _, src := range g.sources[name] {
		keys, err := g.cache.Keys(ctx, src.KeyPrefix)
		if err != nil {
			g.log.Warn("sequence recovery scan incomplete", "sequence", name, "prefix", src.KeyPrefix, "error", err)
		}
		for _, key := range keys {
			if n, ok := ParseID(prefix, strings.TrimPrefix(key, src.KeyPrefix)); ok && n > max {
				max = n
			}
			if src.Field == "" {
				continue
			}
			raw, ok := g.cache.Raw(ctx, key)
			if !ok {
				continue
			}
			var rec map[string]json.RawMessage
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			var id string
			if err := json.Unmarshal(rec[src.Field], &id); err != nil {
				continue
			}
			if n, ok := ParseID(prefix, id); ok && n > max {
				max = n
			}
		}
	}
	return max
}
