// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFakeAfter(t *testing.T) {
	fake := NewFake()
	ch := fake.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired one second early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := NewFake()
	var fired atomic.Bool
	stop := fake.AfterFunc(5*time.Second, func() { fired.Store(true) })

	if !stop() {
		t.Error("stop before deadline = false, want true")
	}
	fake.Advance(time.Minute)
	if fired.Load() {
		t.Error("stopped AfterFunc still fired")
	}
	if stop() {
		t.Error("second stop = true, want false")
	}
}

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	fake := NewFake()
	var order []int
	fake.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	fake.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("fire order = %v, want [1 2 3]", order)
	}
}

func TestFakeAfterFuncReArm(t *testing.T) {
	// Callbacks that re-arm on the same clock must not deadlock and
	// must fire within the same Advance when due.
	fake := NewFake()
	var count atomic.Int32
	var rearm func()
	rearm = func() {
		if count.Add(1) < 3 {
			fake.AfterFunc(time.Second, rearm)
		}
	}
	fake.AfterFunc(time.Second, rearm)

	fake.Advance(10 * time.Second)
	if got := count.Load(); got != 3 {
		t.Errorf("re-armed callback fired %d times, want 3", got)
	}
}

func TestFakeTicker(t *testing.T) {
	fake := NewFake()
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	ticks := 0
	for i := 0; i < 3; i++ {
		fake.Advance(time.Second)
		select {
		case <-ticker.C():
			ticks++
		default:
		}
	}
	if ticks != 3 {
		t.Errorf("got %d ticks, want 3", ticks)
	}

	ticker.Stop()
	fake.Advance(time.Minute)
	select {
	case <-ticker.C():
		t.Error("stopped ticker still ticked")
	default:
	}
}

func TestFakeNowAdvances(t *testing.T) {
	fake := NewFake()
	before := fake.Now()
	fake.Advance(90 * time.Second)
	if got := fake.Now().Sub(before); got != 90*time.Second {
		t.Errorf("Now advanced by %v, want 90s", got)
	}
}

func TestRealClockBasics(t *testing.T) {
	real := Real()
	if real.Now().IsZero() {
		t.Error("Real Now returned zero time")
	}
	select {
	case <-real.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Error("Real After(1ms) did not fire within 1s")
	}
}
