package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/bus"
	"github.com/roach88/tillsync/internal/sequence"
)

// SnapshotVersion is the current backup format.
const SnapshotVersion = 1

// Snapshot is a backup of every durable key.
type Snapshot struct {
	Version   int                        `json:"version"`
	CreatedAt time.Time                  `json:"created_at"`
	Origin    string                     `json:"origin"`
	Entries   map[string]json.RawMessage `json:"entries"`
}

// DataChange is the payload of data:backed-up and data:imported.
type DataChange struct {
	Entries int `json:"entries"`
}

// Backup flushes pending writes and writes every durable key except bus
// markers to w. It returns the number of entries written.
func (a *App) Backup(ctx context.Context, w io.Writer) (int, error) {
	if err := a.Cache.Flush(ctx); err != nil {
		return 0, fmt.Errorf("flush before backup: %w", err)
	}
	keys, err := a.Store.Keys(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	snap := Snapshot{
		Version:   SnapshotVersion,
		CreatedAt: time.Now().UTC(),
		Origin:    a.Origin,
		Entries:   make(map[string]json.RawMessage, len(keys)),
	}
	for _, key := range keys {
		if strings.HasPrefix(key, bus.MarkerPrefix) {
			continue
		}
		data, err := a.Store.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", key, err)
		}
		if !json.Valid(data) {
			a.log.Warn("skipping key that is not JSON", "key", key)
			continue
		}
		snap.Entries[key] = data
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return 0, fmt.Errorf("write backup: %w", err)
	}

	a.log.Info("backup written", "entries", len(snap.Entries))
	if err := a.Bus.Publish(bus.TopicBackedUp, DataChange{Entries: len(snap.Entries)}); err != nil {
		a.log.Warn("publish failed", "topic", bus.TopicBackedUp, "error", err)
	}
	return len(snap.Entries), nil
}

// Import merges a snapshot into the store, persisting each change
// immediately. Counters keep the larger of the stored and imported value
// so no identifier is issued twice. Any other key that already holds
// different content is left alone and logged. It returns the number of
// entries written.
func (a *App) Import(ctx context.Context, r io.Reader) (int, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return 0, fmt.Errorf("read backup: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return 0, fmt.Errorf("unsupported backup version %d", snap.Version)
	}

	counterPrefix := sequence.CounterKey("")
	keys := make([]string, 0, len(snap.Entries))
	for key := range snap.Entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	n, kept := 0, 0
	for _, key := range keys {
		value := snap.Entries[key]
		var (
			wrote bool
			err   error
		)
		switch {
		case strings.HasPrefix(key, bus.MarkerPrefix):
			continue
		case strings.HasPrefix(key, counterPrefix):
			wrote, err = a.importCounter(ctx, strings.TrimPrefix(key, counterPrefix), value)
		default:
			wrote, err = a.importRecord(ctx, key, value)
			if err == nil && !wrote {
				kept++
			}
		}
		if err != nil {
			return n, fmt.Errorf("import %s: %w", key, err)
		}
		if wrote {
			n++
		}
	}

	a.log.Info("backup imported", "entries", n, "kept_existing", kept, "from", snap.Origin)
	if err := a.Bus.Publish(bus.TopicImported, DataChange{Entries: n}); err != nil {
		a.log.Warn("publish failed", "topic", bus.TopicImported, "error", err)
	}
	return n, nil
}

// importCounter raises the stored counter of name to the imported value.
// It never lowers it.
func (a *App) importCounter(ctx context.Context, name string, value json.RawMessage) (bool, error) {
	var incoming int64
	if err := json.Unmarshal(value, &incoming); err != nil {
		return false, fmt.Errorf("counter is not a number: %w", err)
	}

	unlock, err := a.Store.Lock(ctx, sequence.LockName(name))
	if err != nil {
		return false, err
	}
	defer unlock()

	key := sequence.CounterKey(name)
	if raw, ok := a.Cache.Reload(ctx, key); ok {
		var current int64
		if err := json.Unmarshal(raw, &current); err == nil && current >= incoming {
			if current > incoming {
				a.log.Info("kept newer counter", "sequence", name, "stored", current, "imported", incoming)
			}
			return false, nil
		}
	}
	return true, a.Cache.SetImmediate(ctx, key, incoming)
}

// importRecord writes key unless the store already holds something else.
func (a *App) importRecord(ctx context.Context, key string, value json.RawMessage) (bool, error) {
	raw, ok := a.Cache.Reload(ctx, key)
	if !ok {
		return true, a.Cache.SetImmediate(ctx, key, value)
	}
	if !sameJSON(raw, value) {
		a.log.Warn("kept existing entry that differs from backup", "key", key)
	}
	return false, nil
}

func sameJSON(x, y []byte) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, x) != nil || json.Compact(&cb, y) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
