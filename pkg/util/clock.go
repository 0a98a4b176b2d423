// Package util holds small shared utilities with no better home. Clock is
// the batch engine's substitutable time source: transaction timestamps and
// the finalize ticker go through it so tests can freeze or step time.
package util

import "time"

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }
