// Package clock provides the two notions of time used by tillsync.
//
// Clock is a monotonic logical counter. Every event a process publishes is
// stamped with the next value, so events from one origin have a total order
// that does not depend on the wall clock.
//
// Scheduler is the wall clock plus timers. Every debounce window (cache
// flushes, coalesced publishes, marker expiry) is scheduled through it, so
// tests can substitute a virtual clock and advance time deterministically.
package clock
