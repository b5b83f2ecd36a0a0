package clock

import "time"

// Timer is a scheduled callback. Stop reports whether the call stopped the
// timer before it fired.
type Timer interface {
	Stop() bool
}

// Scheduler supplies wall-clock time and delayed callbacks.
//
// Callbacks run on a goroutine owned by the scheduler; receivers must do
// their own locking.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// System is the real Scheduler backed by package time.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time { return time.Now() }

// AfterFunc runs f after d on its own goroutine.
func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
