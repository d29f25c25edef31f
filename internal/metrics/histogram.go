// Package metrics provides release accounting, sample histograms and the
// Prometheus exporter.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/gateway-fm/pacer/pkg/types"
)

// Histogram accumulates float samples and answers distribution queries.
// Percentiles are estimated from a fixed-size reservoir so memory stays
// bounded however many samples are added. Safe for concurrent use.
type Histogram struct {
	mu sync.RWMutex

	count int64
	sum   float64
	sumSq float64
	min   float64
	max   float64

	// Algorithm R (Vitter)
	reservoir     []float64
	reservoirSize int
	seen          int64

	bounds  []float64
	buckets []int64

	// xorshift64* state, per instance
	randState uint64
}

// DefaultReservoirSize is the number of samples kept for percentile
// estimation. 10000 gives <1% error at p99.
const DefaultReservoirSize = 10000

// NewHistogram creates a histogram that also counts samples into buckets
// split at the given ascending upper bounds. The last bucket is unbounded.
func NewHistogram(bounds ...float64) *Histogram {
	b := make([]float64, len(bounds))
	copy(b, bounds)
	sort.Float64s(b)

	return &Histogram{
		min:           math.MaxFloat64,
		max:           -math.MaxFloat64,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		bounds:        b,
		buckets:       make([]int64, len(b)+1),
		randState:     1,
	}
}

// ExponentialBounds returns n bucket bounds starting at start, each factor
// times the previous one.
func ExponentialBounds(start, factor float64, n int) []float64 {
	bounds := make([]float64, n)
	v := start
	for i := range bounds {
		bounds[i] = v
		v *= factor
	}
	return bounds
}

// Add records one sample.
func (h *Histogram) Add(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.add(v)
}

// AddAll records a batch of samples under a single lock acquisition.
func (h *Histogram) AddAll(values []float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range values {
		h.add(v)
	}
}

func (h *Histogram) add(v float64) {
	h.count++
	h.sum += v
	h.sumSq += v * v
	h.seen++

	if v < h.min {
		h.min = v
	}
	if v > h.max {
		h.max = v
	}

	h.buckets[h.bucketIndex(v)]++

	if len(h.reservoir) < h.reservoirSize {
		h.reservoir = append(h.reservoir, v)
		return
	}
	// Replace with probability reservoirSize/seen
	j := h.fastRand() % uint64(h.seen)
	if j < uint64(h.reservoirSize) {
		h.reservoir[j] = v
	}
}

func (h *Histogram) bucketIndex(v float64) int {
	return sort.Search(len(h.bounds), func(i int) bool { return v < h.bounds[i] })
}

func (h *Histogram) fastRand() uint64 {
	h.randState ^= h.randState >> 12
	h.randState ^= h.randState << 25
	h.randState ^= h.randState >> 27
	return h.randState * 0x2545F4914F6CDD1D
}

// Count returns the number of samples recorded.
func (h *Histogram) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Mean returns the arithmetic mean, or NaN when empty.
func (h *Histogram) Mean() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return math.NaN()
	}
	return h.sum / float64(h.count)
}

// StdDev returns the population standard deviation, or NaN when empty.
func (h *Histogram) StdDev() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return math.NaN()
	}
	mean := h.sum / float64(h.count)
	variance := h.sumSq/float64(h.count) - mean*mean
	if variance < 0 {
		// rounding
		variance = 0
	}
	return math.Sqrt(variance)
}

// Min returns the smallest sample, or NaN when empty.
func (h *Histogram) Min() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return math.NaN()
	}
	return h.min
}

// Max returns the largest sample, or NaN when empty.
func (h *Histogram) Max() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return math.NaN()
	}
	return h.max
}

// Percentile returns the p-th percentile, p in [0, 100], or NaN when empty.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.RLock()
	sorted := h.sortedReservoir()
	h.mu.RUnlock()

	if len(sorted) == 0 {
		return math.NaN()
	}
	return percentile(sorted, p/100)
}

// Median is Percentile(50).
func (h *Histogram) Median() float64 {
	return h.Percentile(50)
}

// Buckets returns the per-bucket counts. Bucket i holds samples below
// bounds[i] and at or above bounds[i-1].
func (h *Histogram) Buckets() []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]int64, len(h.buckets))
	copy(out, h.buckets)
	return out
}

// Stats returns a summary for the API, or nil when empty. format renders a
// bucket bound as a label; nil uses %g.
func (h *Histogram) Stats(format func(float64) string) *types.HistogramStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return nil
	}
	if format == nil {
		format = func(v float64) string { return fmt.Sprintf("%g", v) }
	}

	sorted := h.sortedReservoir()

	stats := &types.HistogramStats{
		Count: int(h.count),
		Min:   h.min,
		Max:   h.max,
		Avg:   h.sum / float64(h.count),
		P50:   percentile(sorted, 0.50),
		P75:   percentile(sorted, 0.75),
		P90:   percentile(sorted, 0.90),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}

	for i, n := range h.buckets {
		var label string
		switch {
		case len(h.bounds) == 0:
			label = "all"
		case i == 0:
			label = "<" + format(h.bounds[0])
		case i == len(h.bounds):
			label = format(h.bounds[i-1]) + "+"
		default:
			label = format(h.bounds[i-1]) + "-" + format(h.bounds[i])
		}
		stats.Buckets = append(stats.Buckets, types.HistogramBucket{Label: label, Count: int(n)})
	}

	return stats
}

// Reset clears all samples.
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count = 0
	h.sum = 0
	h.sumSq = 0
	h.min = math.MaxFloat64
	h.max = -math.MaxFloat64
	h.reservoir = h.reservoir[:0]
	h.seen = 0
	for i := range h.buckets {
		h.buckets[i] = 0
	}
}

// sortedReservoir must be called with mu held.
func (h *Histogram) sortedReservoir() []float64 {
	sorted := make([]float64, len(h.reservoir))
	copy(sorted, h.reservoir)
	sort.Float64s(sorted)
	return sorted
}

// percentile interpolates the empirical CDF of a sorted slice; p in [0, 1].
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return stat.Quantile(math.Max(0, math.Min(1, p)), stat.LinInterp, sorted, nil)
}
