// Package ratelimit provides a process-wide rate limiter that holds many
// goroutines to a combined target rate, smoothly and without bursts.
//
// Lock ordering: Wait takes the scheduling lock, then each layer's lock from
// coarse to fine. SetRate takes layer locks one at a time and never the
// scheduling lock. No goroutine holding a layer lock ever requests the
// scheduling lock, so the two orders cannot deadlock.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/internal/timing"
	"github.com/gateway-fm/pacer/pkg/types"
)

// Recorder receives limiter events, typically for metrics export.
type Recorder interface {
	RecordRelease(waited time.Duration)
	SetTargetRate(rate float64)
}

// Option configures a Limiter.
type Option func(*options)

type options struct {
	profile  calibration.Profile
	clock    timing.Clock
	logger   *slog.Logger
	recorder Recorder
}

// WithProfile sets the calibration profile. The default is
// calibration.Default.
func WithProfile(p calibration.Profile) Option {
	return func(o *options) { o.profile = p }
}

// WithClock replaces the monotonic clock, for tests.
func WithClock(c timing.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics reports every release and rate change to r.
func WithMetrics(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// Limiter releases callers of Wait no faster than the target rate, shared
// across all goroutines that use it.
//
// Waiters enter one at a time through the scheduling lock. Only the caller
// at the head is timing its release; the rest block on the lock, so a rate
// change or a release wakes one goroutine rather than all of them.
type Limiter struct {
	sched sync.Mutex

	limiter  *layeredLimiter
	recorder Recorder
}

// New creates a limiter at rate events per second. Panics if rate < 0.
func New(rate float64, opts ...Option) *Limiter {
	o := options{
		profile: calibration.Default,
		clock:   timing.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	l := &Limiter{
		limiter:  newLayeredLimiter(o.profile, o.clock, o.logger),
		recorder: o.recorder,
	}
	l.SetRate(rate)
	return l
}

// Wait blocks until the caller may proceed and returns its release time.
// At rate 0 it blocks until the rate is raised.
func (l *Limiter) Wait() time.Time {
	start := time.Now()
	ts := l.wait()
	if l.recorder != nil {
		l.recorder.RecordRelease(time.Since(start))
	}
	return ts
}

func (l *Limiter) wait() time.Time {
	l.sched.Lock()
	defer l.sched.Unlock()
	return l.limiter.wait()
}

// SetRate changes the target rate, in events per second, waking any waiter
// so it re-evaluates against the new rate. Panics if rate < 0.
//
// SetRate does not take the scheduling lock: the goroutine blocked inside
// Wait holds it, and would otherwise keep a rate change out until its
// old-rate release.
func (l *Limiter) SetRate(rate float64) {
	l.limiter.setRate(rate)
	if l.recorder != nil {
		l.recorder.SetTargetRate(rate)
	}
}

// Rate returns the effective rate of the coarsest layer. It reads without
// locking and may trail a concurrent SetRate.
func (l *Limiter) Rate() float64 {
	return l.limiter.rate()
}

// Layers describes the layers currently in use, coarse to fine.
func (l *Limiter) Layers() []types.LayerStatus {
	n := l.limiter.layersInUse()
	out := make([]types.LayerStatus, 0, n)
	for i := 0; i < n && i < len(l.limiter.layers); i++ {
		window, count := l.limiter.layers[i].status()
		kind := "interval"
		if i == len(l.limiter.intervals) {
			kind = "delay"
		}
		out = append(out, types.LayerStatus{
			Kind:     kind,
			WindowMs: float64(window) / float64(time.Millisecond),
			Count:    count,
		})
	}
	return out
}
