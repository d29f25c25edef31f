package metrics

import (
	"sync"
	"time"

	"github.com/gateway-fm/pacer/pkg/types"
)

// Snapshot contains a point-in-time view of release metrics.
type Snapshot struct {
	Releases     uint64
	TargetRate   float64
	AchievedRate float64
	PeakRate     int64
}

// Collector accumulates limiter release metrics. It satisfies the
// limiter's Recorder interface.
type Collector interface {
	RecordRelease(waited time.Duration)
	SetTargetRate(rate float64)

	GetReleases() uint64
	GetTargetRate() float64
	GetAchievedRate() float64
	GetPeakRate() int64
	GetWaitStats() *types.HistogramStats
	GetSnapshot() Snapshot

	Reset()
}

// rateBucketWidth and rateBuckets give the achieved-rate window: ten 100ms
// buckets.
const (
	rateBucketWidth = 100 * time.Millisecond
	rateBuckets     = 10
)

// MemoryCollector is an in-memory implementation of Collector, optionally
// mirrored to Prometheus.
type MemoryCollector struct {
	releases UCounter
	target   Float
	peakRate Counter
	waits    *Histogram // milliseconds

	mu      sync.Mutex
	ring    [rateBuckets]int64
	ringPos int64 // bucket number of ring head, in rateBucketWidth units

	now  func() time.Time
	prom *PrometheusMetrics
}

// NewMemoryCollector creates a collector. prom may be nil.
func NewMemoryCollector(prom *PrometheusMetrics) *MemoryCollector {
	return &MemoryCollector{
		waits: NewHistogram(0.1, 1, 10, 100, 1000),
		now:   time.Now,
		prom:  prom,
	}
}

// RecordRelease implements ratelimit.Recorder.
func (c *MemoryCollector) RecordRelease(waited time.Duration) {
	c.releases.Inc()
	c.waits.Add(float64(waited) / float64(time.Millisecond))

	c.mu.Lock()
	c.advance(c.now())
	c.ring[c.ringPos%rateBuckets]++
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.RecordRelease(waited)
	}
}

// SetTargetRate implements ratelimit.Recorder.
func (c *MemoryCollector) SetTargetRate(rate float64) {
	c.target.Store(rate)
	if c.prom != nil {
		c.prom.SetTargetRate(rate)
	}
}

// advance moves the ring head to now, zeroing skipped buckets. Must hold mu.
func (c *MemoryCollector) advance(now time.Time) {
	pos := now.UnixNano() / int64(rateBucketWidth)
	if pos <= c.ringPos {
		return
	}
	// The bucket being closed is complete; it feeds the peak rate.
	if c.ringPos > 0 {
		c.peakRate.Max(c.sumRing())
	}
	steps := pos - c.ringPos
	if steps > rateBuckets {
		steps = rateBuckets
	}
	for i := int64(1); i <= steps; i++ {
		c.ring[(c.ringPos+i)%rateBuckets] = 0
	}
	c.ringPos = pos
}

func (c *MemoryCollector) sumRing() int64 {
	var sum int64
	for _, n := range c.ring {
		sum += n
	}
	return sum
}

// GetReleases returns the total number of releases.
func (c *MemoryCollector) GetReleases() uint64 {
	return c.releases.Load()
}

// GetTargetRate returns the last target rate set.
func (c *MemoryCollector) GetTargetRate() float64 {
	return c.target.Load()
}

// GetAchievedRate returns releases over the last second.
func (c *MemoryCollector) GetAchievedRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance(c.now())
	rate := float64(c.sumRing())
	if c.prom != nil {
		c.prom.SetAchievedRate(rate)
	}
	return rate
}

// GetPeakRate returns the highest one-second release count seen.
func (c *MemoryCollector) GetPeakRate() int64 {
	return c.peakRate.Load()
}

// GetWaitStats returns the distribution of time spent in Wait, in ms.
func (c *MemoryCollector) GetWaitStats() *types.HistogramStats {
	return c.waits.Stats(nil)
}

// GetSnapshot returns a point-in-time view.
func (c *MemoryCollector) GetSnapshot() Snapshot {
	return Snapshot{
		Releases:     c.GetReleases(),
		TargetRate:   c.GetTargetRate(),
		AchievedRate: c.GetAchievedRate(),
		PeakRate:     c.GetPeakRate(),
	}
}

// Reset clears release counts and the wait histogram. The target rate is
// kept since the limiter still runs at it.
func (c *MemoryCollector) Reset() {
	c.releases.Reset()
	c.peakRate.Reset()
	c.waits.Reset()

	c.mu.Lock()
	c.ring = [rateBuckets]int64{}
	c.ringPos = 0
	c.mu.Unlock()
}
