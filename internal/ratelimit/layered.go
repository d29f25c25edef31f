package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/internal/timing"
)

// minWindows are the shortest windows of the interval layers, coarse to
// fine.
var minWindows = []time.Duration{100 * time.Millisecond, 10 * time.Millisecond}

// smoothingBoost is the rate multiplier applied to each finer layer, so a
// finer layer smooths bursts without becoming the binding constraint.
const smoothingBoost = 1.05

// layeredLimiter chains interval limiters of decreasing window, then a delay
// limiter. A caller must clear every layer in use, coarse to fine; once
// through, it holds all their locks until it releases them in reverse.
//
// Only the first inUse layers take part. A rate whose coarse layer already
// admits one event per window needs no refinement, so those rates use fewer
// layers and cost fewer lock round trips.
type layeredLimiter struct {
	clock  timing.Clock
	logger *slog.Logger

	intervals []*intervalLimiter
	delay     *delayLimiter
	layers    []layer // intervals then delay

	inUse atomic.Int32

	// Serialises setRate so that concurrent rate changes cannot interleave
	// layer by layer.
	setMu sync.Mutex
}

func newLayeredLimiter(profile calibration.Profile, clock timing.Clock, logger *slog.Logger) *layeredLimiter {
	l := &layeredLimiter{
		clock:  clock,
		logger: logger,
		delay:  newDelayLimiter(profile, clock),
	}
	for _, w := range minWindows {
		iv := newIntervalLimiter(profile, clock, w)
		l.intervals = append(l.intervals, iv)
		l.layers = append(l.layers, iv)
	}
	l.layers = append(l.layers, l.delay)
	return l
}

type layerPlan struct {
	window time.Duration
	count  int
}

func (l *layeredLimiter) setRate(rate float64) {
	if rate < 0 || math.IsNaN(rate) {
		panic(fmt.Sprintf("ratelimit: rate must be non-negative, got %v", rate))
	}

	l.setMu.Lock()
	defer l.setMu.Unlock()

	plans := make([]layerPlan, 0, len(l.intervals))
	layerRate := rate
	for _, iv := range l.intervals {
		window, count := iv.windowAndCount(layerRate)
		plans = append(plans, layerPlan{window: window, count: count})
		if count == 1 {
			break
		}
		layerRate *= smoothingBoost
	}

	useDelay := len(plans) == len(l.intervals) && plans[len(plans)-1].count != 1
	n := len(plans)
	if useDelay {
		n++
	}

	// A waiter woken by the coarse layer reads inUse before descending, so
	// when fewer layers are needed it must see the new count first. Layers
	// being added are configured before they are published.
	if int32(n) < l.inUse.Load() {
		l.inUse.Store(int32(n))
	}

	for i, p := range plans {
		l.intervals[i].set(p.window, p.count)
		l.logger.Debug("rate limiter layer configured",
			"layer", i,
			"count", p.count,
			"window", p.window,
			"rate", rate,
		)
	}
	if useDelay {
		l.delay.setRate(rate)
		l.logger.Debug("rate limiter layer configured",
			"layer", len(plans),
			"delay", seconds(1/rate),
			"rate", rate,
		)
	}

	l.inUse.Store(int32(n))
}

// wait blocks until every layer in use admits the caller and returns the
// admission time.
//
// Layers are finished in reverse with the final timestamp even if a layer
// panics part way, in which case they record nothing.
func (l *layeredLimiter) wait() time.Time {
	var (
		started  int
		released time.Time
		ok       bool
	)
	defer func() {
		ts := released
		if !ok {
			ts = time.Time{}
		}
		for i := started - 1; i >= 0; i-- {
			l.layers[i].finishWait(ts)
		}
	}()

	for i := 0; i < len(l.layers) && i < int(l.inUse.Load()); i++ {
		started++
		released = l.layers[i].startWait()
	}
	if started == 0 {
		released = l.clock()
	}
	ok = true
	return released
}

// rate reports the coarsest layer's effective rate.
func (l *layeredLimiter) rate() float64 {
	return l.intervals[0].rate()
}

// layersInUse reports how many layers currently take part in wait.
func (l *layeredLimiter) layersInUse() int {
	return int(l.inUse.Load())
}
