// Package timeutil provides the virtual-time task scheduler that drives
// every protocol engine, and a wall-clock view of it for timestamping.
package timeutil

import "time"

// Clock reports wall time. The capture writer stamps frames with one.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration
}

// virtualClock exposes a Scheduler's virtual time as wall time anchored at
// a fixed epoch.
type virtualClock struct {
	epoch time.Time
	s     *Scheduler
}

func (c virtualClock) Now() time.Time                  { return c.epoch.Add(c.s.Now()) }
func (c virtualClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
