// Package clock supplies time to the dispatcher and orchestrator.
//
// Handler CPU charges, job timestamps and scheduled firings all read time
// through a Clock so tests can drive them with a manual clock
// (see testutil.ManualClock).
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Millis returns the whole milliseconds elapsed on c since start, never
// negative.
func Millis(c Clock, start time.Time) int64 {
	return max(c.Now().Sub(start).Milliseconds(), 0)
}
