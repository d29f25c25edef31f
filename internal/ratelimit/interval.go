package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/internal/timing"
)

// maxDuration caps conversions from seconds; slower rates are treated as
// this slow.
const maxDuration = time.Duration(math.MaxInt64 / 2)

// maxCount caps a layer's count. Rates that would exceed it per window
// are clamped.
const maxCount = math.MaxInt32

// seconds converts a float number of seconds to a Duration, saturating.
func seconds(s float64) time.Duration {
	ns := s * float64(time.Second)
	if ns >= float64(maxDuration) {
		return maxDuration
	}
	return time.Duration(ns)
}

// layer is one stage of the layered limiter. startWait returns with the
// layer's lock held; finishWait releases it.
type layer interface {
	startWait() time.Time
	finishWait(ts time.Time)
	setRate(rate float64)
	rate() float64
	status() (window time.Duration, count int)
}

// rateSnapshot publishes a rate for lock-free reads.
type rateSnapshot struct {
	bits atomic.Uint64
}

func (r *rateSnapshot) store(rate float64) { r.bits.Store(math.Float64bits(rate)) }
func (r *rateSnapshot) load() float64     { return math.Float64frombits(r.bits.Load()) }

// intervalLimiter admits at most count events in any window-long span.
//
// The lock is taken in startWait and held until finishWait, so a caller
// admitted here keeps every other caller out until it has cleared the finer
// layers below. The sliding window makes the admission rate smooth on
// scales of window; finer layers smooth it further.
type intervalLimiter struct {
	profile   calibration.Profile
	clock     timing.Clock
	minWindow time.Duration

	mu   sync.Mutex
	cond *timing.Cond
	held atomic.Bool

	// Guarded by mu.
	window time.Duration
	count  int
	times  []time.Time // admissions within window, strictly increasing

	snapshot rateSnapshot
	// Mirrors window and count for status reads without mu.
	windowNs atomic.Int64
	countN   atomic.Int64
}

func newIntervalLimiter(profile calibration.Profile, clock timing.Clock, minWindow time.Duration) *intervalLimiter {
	l := &intervalLimiter{
		profile:   profile,
		clock:     clock,
		minWindow: minWindow,
		window:    minWindow,
	}
	l.cond = timing.NewCond(&l.mu)
	l.windowNs.Store(int64(minWindow))
	return l
}

// windowAndCount converts a rate to the (window, count) pair this layer
// enforces. The window is never shorter than minWindow.
func (l *intervalLimiter) windowAndCount(rate float64) (time.Duration, int) {
	minSeconds := l.minWindow.Seconds()
	switch {
	case rate == 0:
		return l.minWindow, 0
	case rate < 1/minSeconds:
		return seconds(1 / rate), 1
	default:
		exact := rate * minSeconds
		if exact >= maxCount {
			return l.minWindow, maxCount
		}
		count := math.Ceil(exact)
		return seconds(minSeconds + (count-exact)/rate), int(count)
	}
}

func (l *intervalLimiter) setRate(rate float64) {
	l.set(l.windowAndCount(rate))
}

// set replaces the window and count and wakes every waiter so it can
// re-evaluate. Shrinking count keeps the most recent admissions.
func (l *intervalLimiter) set(window time.Duration, count int) {
	if window <= 0 {
		panic(fmt.Sprintf("ratelimit: window must be positive, got %v", window))
	}
	if count < 0 {
		panic(fmt.Sprintf("ratelimit: count must be non-negative, got %d", count))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.times) > count {
		n := copy(l.times, l.times[len(l.times)-count:])
		l.times = l.times[:n]
	}
	l.window = window
	l.count = count
	l.snapshot.store(float64(count) / window.Seconds())
	l.windowNs.Store(int64(window))
	l.countN.Store(int64(count))

	l.cond.Broadcast()
}

// startWait blocks until fewer than count admissions fall within the
// window ending now, and returns now. The lock stays held.
func (l *intervalLimiter) startWait() time.Time {
	l.mu.Lock()
	l.held.Store(true)

	for {
		now := l.clock()
		l.prune(now)
		if len(l.times) < l.count {
			return now
		}
		if len(l.times) == 0 {
			// count is 0: nothing expires, only a rate change helps.
			l.profile.Delay(l.cond, calibration.Forever)
			continue
		}
		l.profile.Delay(l.cond, l.times[0].Add(l.window).Sub(now))
	}
}

// prune drops admissions older than the window ending at now. Must hold mu.
func (l *intervalLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.times) && l.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(l.times, l.times[i:])
		l.times = l.times[:n]
	}
}

// finishWait records ts as an admission, unless it is zero because the
// overall wait was aborted, and releases the lock. Calling it without the
// lock held is a no-op.
func (l *intervalLimiter) finishWait(ts time.Time) {
	if !l.held.CompareAndSwap(true, false) {
		return
	}
	if !ts.IsZero() {
		l.times = append(l.times, ts)
	}
	l.mu.Unlock()
}

func (l *intervalLimiter) rate() float64 {
	return l.snapshot.load()
}

func (l *intervalLimiter) status() (time.Duration, int) {
	return time.Duration(l.windowNs.Load()), int(l.countN.Load())
}
