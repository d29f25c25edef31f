package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/internal/timing"
)

// delayLimiter spaces admissions at least 1/rate apart. It is an interval
// limiter with count fixed at 1, without the bookkeeping.
type delayLimiter struct {
	profile calibration.Profile
	clock   timing.Clock

	mu   sync.Mutex
	cond *timing.Cond
	held atomic.Bool

	// Guarded by mu. Zero interval means rate 0.
	interval time.Duration
	last     time.Time

	snapshot   rateSnapshot
	intervalNs atomic.Int64
}

func newDelayLimiter(profile calibration.Profile, clock timing.Clock) *delayLimiter {
	l := &delayLimiter{
		profile: profile,
		clock:   clock,
	}
	l.cond = timing.NewCond(&l.mu)
	return l
}

func (l *delayLimiter) setRate(rate float64) {
	if rate < 0 {
		panic(fmt.Sprintf("ratelimit: rate must be non-negative, got %v", rate))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rate == 0 {
		l.interval = 0
	} else {
		l.interval = max(seconds(1/rate), 1)
	}
	l.snapshot.store(rate)
	l.intervalNs.Store(int64(l.interval))

	l.cond.Broadcast()
}

func (l *delayLimiter) startWait() time.Time {
	l.mu.Lock()
	l.held.Store(true)

	for {
		if l.interval == 0 {
			l.profile.Delay(l.cond, calibration.Forever)
			continue
		}
		now := l.clock()
		if l.last.IsZero() {
			return now
		}
		delay := l.last.Add(l.interval).Sub(now)
		if delay <= 0 {
			return now
		}
		l.profile.Delay(l.cond, delay)
	}
}

func (l *delayLimiter) finishWait(ts time.Time) {
	if !l.held.CompareAndSwap(true, false) {
		return
	}
	if !ts.IsZero() {
		l.last = ts
	}
	l.mu.Unlock()
}

func (l *delayLimiter) rate() float64 {
	return l.snapshot.load()
}

func (l *delayLimiter) status() (time.Duration, int) {
	interval := time.Duration(l.intervalNs.Load())
	if interval == 0 {
		return 0, 0
	}
	return interval, 1
}
