package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/tillsync/internal/kv"
)

// ErrInjected is returned by CountingStore writes while failures are on.
var ErrInjected = errors.New("injected write failure")

// Write records one durable write seen by CountingStore.
type Write struct {
	Key   string
	Value string
}

// CountingStore wraps a kv.Store and records every successful Set, so tests
// can assert how many durable writes a burst of cache updates produced.
type CountingStore struct {
	kv.Store

	mu     sync.Mutex
	writes []Write
	fail   bool
}

// NewCountingStore wraps inner, or a fresh kv.Memory when inner is nil.
func NewCountingStore(inner kv.Store) *CountingStore {
	if inner == nil {
		inner = kv.NewMemory()
	}
	return &CountingStore{Store: inner}
}

// Set records the write, or fails with ErrInjected.
func (s *CountingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	if s.fail {
		s.mu.Unlock()
		return ErrInjected
	}
	s.writes = append(s.writes, Write{Key: key, Value: string(value)})
	s.mu.Unlock()
	return s.Store.Set(ctx, key, value)
}

// FailWrites toggles injected write failures.
func (s *CountingStore) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// Writes returns the recorded writes for key, or all writes when key is "".
func (s *CountingStore) Writes(key string) []Write {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Write
	for _, w := range s.writes {
		if key == "" || w.Key == key {
			out = append(out, w)
		}
	}
	return out
}
