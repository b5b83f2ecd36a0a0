// Package kv is the durable key-value boundary of tillsync.
//
// A Store is a plain persisted map with single-key last-write-wins
// semantics: no ordering between keys, no transactions. It is the only
// resource shared between processes.
//
// Two optional capabilities sit beside it:
//   - Watcher: a change feed that fires when any process changes a key.
//     The event bus uses it as its storage fallback transport.
//   - Locker: a named mutual-exclusion primitive across processes. The
//     sequence generator uses it to make identifier allocation unique.
//
// Implementations:
//   - Memory: in-process map, shared by every App built on the same value.
//   - SQLite: a file shared by OS processes. Changes are recorded in an
//     append-only change log that watchers poll; locks are leases in a
//     table so a crashed holder cannot block others forever.
//
// # SQLite Configuration
//
//   - WAL mode: concurrent readers while one process writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: wait for other processes' write locks
package kv
