package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable key/value map.
type Store interface {
	// Get returns the stored bytes or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Change describes one write observed on the store.
type Change struct {
	Key     string
	Deleted bool
	// Rev is the store-wide position of the change, strictly increasing.
	Rev int64
	At  time.Time
}

// Watcher delivers store changes made by any process, including the caller.
// Consumers filter out their own writes.
type Watcher interface {
	// Watch calls fn for every change made after Watch starts, in Rev
	// order, until ctx is done. It returns ctx.Err() on cancellation.
	Watch(ctx context.Context, fn func(Change)) error
}

// Locker provides named mutual exclusion across every process sharing the
// store.
type Locker interface {
	// Lock blocks until the named lock is held or ctx is done. The returned
	// func releases it and is safe to call more than once.
	Lock(ctx context.Context, name string) (unlock func(), err error)
}
