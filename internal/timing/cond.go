// Package timing provides the clock and condition primitives shared by the
// rate limiter and its calibration.
package timing

import (
	"sync"
	"time"
)

// Clock returns the current time. Values must carry a monotonic reading
// (time.Now does), since every comparison in the limiter is made against it.
type Clock func() time.Time

// Now is the default Clock.
func Now() time.Time {
	return time.Now()
}

// Cond is a condition variable whose Wait accepts a timeout, which
// sync.Cond cannot do.
//
// As with sync.Cond, L must be held when calling Wait or Broadcast.
type Cond struct {
	L sync.Locker

	// Closed and replaced on every Broadcast. Guarded by L.
	ch chan struct{}
}

// NewCond returns a Cond bound to l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{
		L:  l,
		ch: make(chan struct{}),
	}
}

// Wait atomically unlocks c.L and suspends the caller until Broadcast is
// called or timeout elapses, then re-locks c.L before returning. A negative
// timeout waits until Broadcast. Returns false if the wait timed out.
func (c *Cond) Wait(timeout time.Duration) bool {
	ch := c.ch
	c.L.Unlock()
	defer c.L.Lock()

	if timeout < 0 {
		<-ch
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// Broadcast wakes every goroutine currently waiting on c.
func (c *Cond) Broadcast() {
	close(c.ch)
	c.ch = make(chan struct{})
}
