/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package clock abstracts the monotonic time source driving all scheduling
// decisions, so tests can step time manually.
package clock

import "time"

// Clock is the time source used by the scheduler, prefetch timeouts, and the
// sink's reconnect backoff.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// System is the wall clock.
type System struct{}

func NewSystem() *System { return &System{} }

func (*System) Now() time.Time                         { return time.Now() }
func (*System) Since(t time.Time) time.Duration        { return time.Since(t) }
func (*System) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (*System) Sleep(d time.Duration)                  { time.Sleep(d) }
