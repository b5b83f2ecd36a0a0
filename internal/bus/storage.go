package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/kv"
)

// MarkerPrefix is the reserved key namespace for bus markers.
const MarkerPrefix = "__bus__/"

// DefaultMarkerTTL is how long a marker stays in the store.
const DefaultMarkerTTL = 2 * time.Second

// StorageTransport carries events through the shared store: Send writes a
// marker holding the event, siblings see it through the store's change
// feed, and the marker is deleted after a TTL.
type StorageTransport struct {
	store   kv.Store
	watcher kv.Watcher
	sched   clock.Scheduler
	ttl     time.Duration
	log     *slog.Logger
}

// StorageOption configures a StorageTransport.
type StorageOption func(*StorageTransport)

// WithMarkerTTL sets the marker lifetime.
func WithMarkerTTL(d time.Duration) StorageOption {
	return func(t *StorageTransport) { t.ttl = d }
}

// WithStorageScheduler sets the scheduler used for marker expiry.
func WithStorageScheduler(s clock.Scheduler) StorageOption {
	return func(t *StorageTransport) { t.sched = s }
}

// WithStorageLogger sets the logger.
func WithStorageLogger(l *slog.Logger) StorageOption {
	return func(t *StorageTransport) { t.log = l }
}

// NewStorageTransport creates a transport writing markers to store and
// reading them through watcher. Both usually refer to the same kv backend.
func NewStorageTransport(store kv.Store, watcher kv.Watcher, opts ...StorageOption) *StorageTransport {
	t := &StorageTransport{
		store:   store,
		watcher: watcher,
		sched:   clock.System{},
		ttl:     DefaultMarkerTTL,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkerKey returns the store key for an event id.
func MarkerKey(id string) string { return MarkerPrefix + id }

// Name implements Transport.
func (t *StorageTransport) Name() string { return "storage" }

// Send writes the marker and schedules its removal.
func (t *StorageTransport) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	key := MarkerKey(ev.ID)
	if err := t.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("write marker %s: %w", key, err)
	}
	t.sched.AfterFunc(t.ttl, func() {
		if err := t.store.Delete(context.Background(), key); err != nil {
			t.log.Debug("marker cleanup failed", "key", key, "error", err)
		}
	})
	return nil
}

// Listen sweeps expired markers, then delivers every marker written by a
// sibling until ctx is done.
func (t *StorageTransport) Listen(ctx context.Context, deliver func(Event)) error {
	if err := t.Sweep(ctx); err != nil {
		t.log.Warn("marker sweep failed", "error", err)
	}
	return t.watcher.Watch(ctx, func(c kv.Change) {
		if c.Deleted || !strings.HasPrefix(c.Key, MarkerPrefix) {
			return
		}
		ev, err := t.read(ctx, c.Key)
		if err != nil {
			if !errors.Is(err, kv.ErrNotFound) {
				t.log.Warn("unreadable marker", "key", c.Key, "error", err)
			}
			return
		}
		deliver(ev)
	})
}

// Sweep deletes markers older than the TTL and markers that do not decode.
// Markers left behind by a process that exited before its cleanup timers
// fired are removed here.
func (t *StorageTransport) Sweep(ctx context.Context) error {
	keys, err := t.store.Keys(ctx, MarkerPrefix)
	if err != nil {
		return fmt.Errorf("list markers: %w", err)
	}
	now := t.sched.Now()
	var removed int
	for _, key := range keys {
		ev, err := t.read(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err == nil && now.Sub(ev.Timestamp) <= t.ttl {
			continue
		}
		if err := t.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete marker %s: %w", key, err)
		}
		removed++
	}
	if removed > 0 {
		t.log.Debug("stale markers removed", "count", removed)
	}
	return nil
}

func (t *StorageTransport) read(ctx context.Context, key string) (Event, error) {
	data, err := t.store.Get(ctx, key)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode marker: %w", err)
	}
	return ev, nil
}

// Close implements Transport. Pending cleanup timers still run.
func (t *StorageTransport) Close() error { return nil }

var _ Transport = (*StorageTransport)(nil)
