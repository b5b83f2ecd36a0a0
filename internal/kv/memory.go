package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/fifo"
)

// Memory is an in-process Store. Every cache built on the same *Memory sees
// the same data, which makes it the substrate for simulating several
// processes inside one test.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	data     map[string][]byte
	rev      int64
	watchers map[int]*fifo.Queue[Change]
	nextID   int
	locks    map[string]chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string][]byte),
		watchers: make(map[int]*fifo.Queue[Change]),
		locks:    make(map[string]chan struct{}),
	}
}

// Get returns a copy of the stored bytes.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	m.notifyLocked(key, false)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[key]; !ok {
		return nil
	}
	delete(m.data, key)
	m.notifyLocked(key, true)
	return nil
}

// Keys returns the sorted keys with the given prefix.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// notifyLocked fans a change out to every watcher. Caller holds m.mu.
func (m *Memory) notifyLocked(key string, deleted bool) {
	m.rev++
	c := Change{Key: key, Deleted: deleted, Rev: m.rev, At: time.Now()}
	for _, q := range m.watchers {
		q.Enqueue(c)
	}
}

// Watch delivers changes on the caller's goroutine until ctx is done.
func (m *Memory) Watch(ctx context.Context, fn func(Change)) error {
	q := fifo.New[Change]()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = q
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
		q.Close()
	}()

	for {
		if c, ok := q.TryDequeue(); ok {
			fn(c)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.Wait():
		}
	}
}

// Lock acquires a named in-process lock.
func (m *Memory) Lock(ctx context.Context, name string) (func(), error) {
	m.mu.Lock()
	sem, ok := m.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		m.locks[name] = sem
	}
	m.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-sem }) }, nil
}

var (
	_ Store   = (*Memory)(nil)
	_ Watcher = (*Memory)(nil)
	_ Locker  = (*Memory)(nil)
)
