package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// Timer callbacks run synchronously inside Advance, in deadline order,
// without the clock's lock held, so callbacks may arm new timers.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	armed   int
}

type fakeTimer struct {
	deadline time.Time
	callback func()
	ticks    chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock frozen at start.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	t := &fakeTimer{deadline: c.now.Add(d), callback: f}
	c.pending = append(c.pending, t)
	c.armed++
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ticks := make(chan time.Time, 1)
	t := &fakeTimer{deadline: c.now.Add(d), ticks: ticks, interval: d}
	c.pending = append(c.pending, t)
	return &Ticker{C: ticks, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		t.stopped = true
	}}
}

// Advance moves time forward by d and fires everything that came due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			if t.callback != nil {
				t.callback()
				continue
			}
			select {
			case t.ticks <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) collectDue(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*fakeTimer
	for _, t := range c.pending {
		switch {
		case t.stopped:
		case !t.deadline.After(target):
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		if t.interval > 0 {
			t.deadline = t.deadline.Add(t.interval)
			remaining = append(remaining, t)
		} else {
			t.fired = true
		}
	}
	c.pending = remaining
	return due
}

// PendingTimers counts AfterFunc timers that are neither stopped nor fired.
// Tickers are not counted.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if t.callback != nil && !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ArmedTotal counts every AfterFunc call made on the clock so far.
func (c *FakeClock) ArmedTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// NextDeadline returns the earliest pending AfterFunc deadline.
func (c *FakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range c.pending {
		if t.callback == nil || t.stopped || t.fired {
			continue
		}
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}
