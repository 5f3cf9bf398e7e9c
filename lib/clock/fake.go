// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when the
// test calls Advance; timers and tickers whose deadlines are reached
// fire synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is a pending timer: either a channel send (After, Sleep,
// ticker tick) or a function call (AfterFunc).
type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	// period is non-zero for ticker waiters, which re-arm on fire.
	period  time.Duration
	stopped bool
}

// NewFake creates a Fake clock starting at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, firing every timer and ticker
// whose deadline is reached, in deadline order. AfterFunc callbacks run
// on the calling goroutine; channel waiters receive without blocking
// (their channels are buffered).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		next := f.nextDueLocked(target)
		if next == nil {
			break
		}
		f.now = next.deadline
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			next.stopped = true
		}
		if next.fn != nil {
			// Release the lock while running the callback: callbacks
			// commonly re-arm timers on the same clock.
			f.mu.Unlock()
			next.fn()
			f.mu.Lock()
		} else {
			select {
			case next.ch <- f.now:
			default:
			}
		}
	}

	f.now = target
	f.compactLocked()
	f.mu.Unlock()
}

// nextDueLocked returns the earliest unexpired waiter with a deadline
// at or before target, or nil.
func (f *Fake) nextDueLocked(target time.Time) *fakeWaiter {
	var due *fakeWaiter
	for _, w := range f.waiters {
		if w.stopped || w.deadline.After(target) {
			continue
		}
		if due == nil || w.deadline.Before(due.deadline) {
			due = w
		}
	}
	return due
}

func (f *Fake) compactLocked() {
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			kept = append(kept, w)
		}
	}
	f.waiters = kept
	sort.Slice(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
}

// After implements Clock.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

// AfterFunc implements Clock.
func (f *Fake) AfterFunc(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), fn: fn}
	f.waiters = append(f.waiters, w)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if w.stopped {
			return false
		}
		w.stopped = true
		return true
	}
}

// NewTicker implements Clock.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1), period: d}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, waiter: w}
}

type fakeTicker struct {
	clock  *Fake
	waiter *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.waiter.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.waiter.stopped = true
}

// Sleep implements Clock. It blocks until another goroutine advances
// the clock past the wake deadline — a Fake Sleep on the test goroutine
// itself would deadlock, which is intentional: production code sleeps,
// tests advance.
func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}
