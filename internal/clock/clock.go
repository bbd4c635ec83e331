// Package clock lets timer-driven code run against real time in production
// and a hand-advanced clock in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. The returned Timer cancels it.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake is a Clock that only moves when Advance is called. Callbacks due
// within an Advance run synchronously, in deadline order, on the caller's
// goroutine.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

func NewFake(start time.Time) *Fake { return &Fake{now: start} }

type fakeTimer struct {
	c        *Fake
	deadline time.Time
	fn       func()
	done     bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.done {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and fires every timer that falls due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		due := c.nextDueLocked(target)
		if due == nil {
			break
		}
		due.done = true
		if due.deadline.After(c.now) {
			c.now = due.deadline
		}
		c.mu.Unlock()
		due.fn()
		c.mu.Lock()
	}
	c.now = target
	c.compactLocked()
	c.mu.Unlock()
}

func (c *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var live []*fakeTimer
	for _, t := range c.pending {
		if !t.done && !t.deadline.After(target) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
	return live[0]
}

func (c *Fake) compactLocked() {
	kept := c.pending[:0]
	for _, t := range c.pending {
		if !t.done {
			kept = append(kept, t)
		}
	}
	c.pending = kept
}
