// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only on Advance. It is safe
// for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	period   time.Duration // zero for one-shot timers
	channel  chan time.Time
	stopped  bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.addLocked(&fakeTimer{deadline: f.now.Add(d), channel: channel})
	return channel
}

func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{deadline: f.now.Add(d), period: d, channel: make(chan time.Time, 1)}
	f.addLocked(timer)
	return &Ticker{
		C: timer.channel,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			timer.stopped = true
			f.changed.Broadcast()
		},
	}
}

func (f *FakeClock) addLocked(timer *fakeTimer) {
	f.pending = append(f.pending, timer)
	f.changed.Broadcast()
}

// Advance moves time forward by d and fires every timer whose deadline
// is reached, earliest first. A ticker spanning several periods fires
// once per period; ticks that find the channel full are dropped.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	for {
		due := f.dueLocked()
		if due == nil {
			return
		}
		select {
		case due.channel <- due.deadline:
		default:
		}
		if due.period > 0 {
			due.deadline = due.deadline.Add(due.period)
		} else {
			due.stopped = true
		}
	}
}

// dueLocked returns the earliest live timer at or before now, pruning
// stopped timers.
func (f *FakeClock) dueLocked() *fakeTimer {
	f.pending = slices.DeleteFunc(f.pending, func(timer *fakeTimer) bool { return timer.stopped })
	var earliest *fakeTimer
	for _, timer := range f.pending {
		if timer.deadline.After(f.now) {
			continue
		}
		if earliest == nil || timer.deadline.Before(earliest.deadline) {
			earliest = timer
		}
	}
	return earliest
}

// WaitForTimers blocks until at least n timers or tickers are pending.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

// PendingCount reports the number of live timers and tickers.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *FakeClock) pendingLocked() int {
	count := 0
	for _, timer := range f.pending {
		if !timer.stopped {
			count++
		}
	}
	return count
}
