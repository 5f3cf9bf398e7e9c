// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the tunnel's timeout-heavy code
// paths: the pending-request deadline, the connect-ack wait, the P2P
// watchdog, and the retry back-off all take a Clock so tests can drive
// them deterministically with [Fake] instead of sleeping.
package clock

import "time"

// Clock is the subset of the time package the tunnel components need.
// Production code uses [Real]; tests use [NewFake].
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d elapses.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine after d elapses. The
	// returned stop function cancels the call if it has not fired yet
	// and reports whether it did.
	AfterFunc(d time.Duration, f func()) (stop func() bool)

	// NewTicker delivers ticks at the given interval until stopped.
	NewTicker(d time.Duration) Ticker

	// Sleep blocks the calling goroutine for d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C until Stop is called.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns the wall clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	timer := time.AfterFunc(d, f)
	return timer.Stop
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }
