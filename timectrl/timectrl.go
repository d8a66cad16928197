package timectrl

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the tracker and commanders. Production
// code uses Wall; tests substitute a ManualClock to control freshness and
// pacing deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Wall is the real-time Clock.
type Wall struct{}

// Now returns time.Now().
func (Wall) Now() time.Time { return time.Now() }

// After delegates to time.After.
func (Wall) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ManualClock is a Clock whose time only moves when Set or Advance is called.
// Timers created through After fire as soon as the clock passes their
// deadline.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewManualClock constructs a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a timer that fires when the manual time reaches now+d.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, manualWaiter{at: at, ch: ch})
	sort.Slice(c.waiters, func(i, j int) bool { return c.waiters[i].at.Before(c.waiters[j].at) })
	return ch
}

// Pending returns the number of timers that have not fired yet.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Advance moves the clock forward by d and fires due timers.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.setLocked(c.now.Add(d))
	c.mu.Unlock()
}

// Set jumps the clock to t and fires due timers. Moving backwards is allowed
// but never un-fires a timer.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.setLocked(t)
	c.mu.Unlock()
}

func (c *ManualClock) setLocked(t time.Time) {
	c.now = t
	fired := 0
	for _, w := range c.waiters {
		if w.at.After(t) {
			break
		}
		w.ch <- t
		fired++
	}
	c.waiters = c.waiters[fired:]
}

// Pacer keeps a loop at a fixed period regardless of how long each
// iteration's work takes: after an iteration that took elapsed, the next
// wait is max(0, interval-elapsed).
type Pacer struct {
	clock    Clock
	interval time.Duration
	start    time.Time
}

// NewPacer constructs a pacer for the given period. A nil clock means Wall.
func NewPacer(clock Clock, interval time.Duration) *Pacer {
	if clock == nil {
		clock = Wall{}
	}
	return &Pacer{clock: clock, interval: interval}
}

// Interval returns the configured loop period.
func (p *Pacer) Interval() time.Duration { return p.interval }

// Begin marks the start of an iteration.
func (p *Pacer) Begin() {
	p.start = p.clock.Now()
}

// Remaining returns how long the caller should wait before the next
// iteration.
func (p *Pacer) Remaining() time.Duration {
	elapsed := p.clock.Now().Sub(p.start)
	if rem := p.interval - elapsed; rem > 0 {
		return rem
	}
	return 0
}

// Wait blocks for the remainder of the current period or until stop is
// closed. It reports false when stopped early.
func (p *Pacer) Wait(stop <-chan struct{}) bool {
	rem := p.Remaining()
	if rem == 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	select {
	case <-stop:
		return false
	case <-p.clock.After(rem):
		return true
	}
}
