package metrics

import (
	"math"
	"sync/atomic"
)

// AtomicMax atomically sets *addr to max(*addr, val) and returns the new value.
func AtomicMax(addr *int64, val int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		if val <= current {
			return current
		}
		if atomic.CompareAndSwapInt64(addr, current, val) {
			return val
		}
	}
}

// Counter is an atomic int64 with convenience methods.
type Counter struct {
	value int64
}

// Add adds delta and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return atomic.AddInt64(&c.value, delta)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return atomic.LoadInt64(&c.value)
}

// Max raises the value to val if val is larger.
func (c *Counter) Max(val int64) int64 {
	return AtomicMax(&c.value, val)
}

// Reset sets the counter to 0.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// UCounter is an unsigned atomic counter.
type UCounter struct {
	value uint64
}

// Inc increments by 1.
func (c *UCounter) Inc() uint64 {
	return atomic.AddUint64(&c.value, 1)
}

// Load returns the current value.
func (c *UCounter) Load() uint64 {
	return atomic.LoadUint64(&c.value)
}

// Reset sets to 0.
func (c *UCounter) Reset() {
	atomic.StoreUint64(&c.value, 0)
}

// Float is an atomic float64 gauge.
type Float struct {
	bits uint64
}

// Store sets the value.
func (f *Float) Store(v float64) {
	atomic.StoreUint64(&f.bits, math.Float64bits(v))
}

// Load returns the current value.
func (f *Float) Load() float64 {
	return math.Float64frombits(atomic.LoadUint64(&f.bits))
}
