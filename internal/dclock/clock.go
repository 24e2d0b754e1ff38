// Package dclock provides the monotonic clock and single-wakeup scheduling
// primitive the DNCP run loop is built on.
package dclock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock wraps a clockwork.Clock and coalesces scheduling requests down to a
// single pending wakeup, matching DNCP's "multiple calls coalesce to the
// earliest" contract for schedule(delta_ms).
type Clock struct {
	inner clockwork.Clock

	mu      sync.Mutex
	timer   clockwork.Timer
	wake    time.Time
	onWake  func()
	started bool
}

// New wraps the given clockwork.Clock. onWake is invoked (on its own
// goroutine) whenever a scheduled wakeup fires; callers typically pass a
// function that requests a run-loop pass.
func New(inner clockwork.Clock, onWake func()) *Clock {
	return &Clock{inner: inner, onWake: onWake}
}

// NewReal constructs a Clock backed by the real wall/monotonic clock.
func NewReal(onWake func()) *Clock {
	return New(clockwork.NewRealClock(), onWake)
}

// Now returns the current monotonic time.
func (c *Clock) Now() time.Time {
	return c.inner.Now()
}

// NowMS returns the current time as Unix milliseconds. This is a wall-clock
// reading; the monotonic component of Now is not carried over.
func (c *Clock) NowMS() int64 {
	return c.inner.Now().UnixMilli()
}

// Schedule asks for a wakeup no later than d from now. Calls coalesce to the
// single earliest pending wakeup: scheduling a later time than what is
// already pending is a no-op.
func (c *Clock) Schedule(d time.Duration) {
	if d < 0 {
		d = 0
	}
	target := c.inner.Now().Add(d)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started && !c.wake.IsZero() && !target.Before(c.wake) {
		// An earlier or equal wakeup is already scheduled.
		return
	}
	c.wake = target
	if c.timer == nil {
		c.timer = c.inner.AfterFunc(d, c.fire)
		c.started = true
		return
	}
	c.timer.Stop()
	c.timer = c.inner.AfterFunc(d, c.fire)
	c.started = true
}

func (c *Clock) fire() {
	c.mu.Lock()
	c.wake = time.Time{}
	c.started = false
	c.mu.Unlock()
	if c.onWake != nil {
		c.onWake()
	}
}

// Stop cancels any pending wakeup.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.started = false
	c.wake = time.Time{}
}
