package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/clock"
)

// Epoch is the virtual time every FakeScheduler starts at.
var Epoch = time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)

// FakeScheduler is a clock.Scheduler whose time only moves when Advance is
// called. Due callbacks run synchronously inside Advance, in due-time order
// (ties broken by scheduling order).
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	nextID int64
	timers map[int64]*fakeTimer
}

type fakeTimer struct {
	s   *FakeScheduler
	id  int64
	due time.Time
	f   func()
}

// NewFakeScheduler creates a scheduler starting at Epoch.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{now: Epoch, timers: make(map[int64]*fakeTimer)}
}

// Now returns the virtual time.
func (s *FakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc schedules f at Now()+d.
func (s *FakeScheduler) AfterFunc(d time.Duration, f func()) clock.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t := &fakeTimer{s: s, id: s.nextID, due: s.now.Add(d), f: f}
	s.timers[t.id] = t
	return t
}

// Stop cancels the timer if it has not fired yet.
func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.timers[t.id]; !ok {
		return false
	}
	delete(t.s.timers, t.id)
	return true
}

// Advance moves virtual time forward by d, firing every timer that becomes
// due, including timers scheduled by callbacks within the window.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.earliestLocked()
		if next == nil || next.due.After(target) {
			s.now = target
			s.mu.Unlock()
			return
		}
		delete(s.timers, next.id)
		if next.due.After(s.now) {
			s.now = next.due
		}
		s.mu.Unlock()

		next.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *FakeScheduler) earliestLocked() *fakeTimer {
	if len(s.timers) == 0 {
		return nil
	}
	all := make([]*fakeTimer, 0, len(s.timers))
	for _, t := range s.timers {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].due.Equal(all[j].due) {
			return all[i].id < all[j].id
		}
		return all[i].due.Before(all[j].due)
	})
	return all[0]
}

var _ clock.Scheduler = (*FakeScheduler)(nil)
