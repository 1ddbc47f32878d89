// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability.
//
// Claim expiry, namespace epochs, lock TTLs, and request timeouts are
// all time-driven. Production code injects Real(); tests inject Fake()
// and advance time deterministically, so no test sleeps waiting for a
// real deadline to pass.
package clock

import "time"

// Clock provides the time operations this module needs. Every
// component that reads the current time or waits on a deadline takes a
// Clock instead of calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }
