// Package clock supplies wall-clock time to the control plane.
//
// Every timestamp the ledger stores is unix milliseconds, so Now truncates
// to the millisecond: a time read back from storage compares equal to the
// one that was written.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the real clock, in UTC with millisecond precision.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Func adapts a function to Clock.
type Func func() time.Time

// Now implements Clock.
func (f Func) Now() time.Time {
	return f().UTC().Truncate(time.Millisecond)
}

// OrSystem returns c, or System when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
