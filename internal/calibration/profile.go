// Package calibration measures how precisely this machine can wait, and
// exposes the result as a Profile that picks the cheapest adequate way to
// pause for a given duration.
package calibration

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/gateway-fm/pacer/internal/timing"
	"github.com/gateway-fm/pacer/pkg/types"
)

// Forever, passed to Delay, waits until the condition is broadcast.
const Forever = time.Duration(math.MaxInt64)

// DefaultWaitFudge scales timed waits so that wakeup overshoot lands before
// the deadline rather than after it. The caller loops to cover the rest.
const DefaultWaitFudge = 0.9

// never is a threshold no real delay reaches.
const never = 24 * time.Hour

// Profile describes the costs of the three ways to pause.
//
// Below YieldThreshold the caller spins; between YieldThreshold and
// WaitThreshold it yields the processor; at or above WaitThreshold it blocks
// on a timed condition wait. The expected relation is
// SpinInterval <= YieldThreshold <= WaitThreshold, but degenerate profiles
// (always spin, always yield, always wait) are legal.
type Profile struct {
	SpinInterval   time.Duration `yaml:"spin_interval" json:"spinInterval"`
	YieldThreshold time.Duration `yaml:"yield_threshold" json:"yieldThreshold"`
	WaitThreshold  time.Duration `yaml:"wait_threshold" json:"waitThreshold"`

	// WaitFudge multiplies timed waits. Zero means DefaultWaitFudge.
	WaitFudge float64 `yaml:"wait_fudge,omitempty" json:"waitFudge,omitempty"`
}

// Default is a conservative profile for use before calibration has run.
var Default = Profile{
	SpinInterval:   time.Microsecond,
	YieldThreshold: 2 * time.Microsecond,
	WaitThreshold:  200 * time.Microsecond,
}

var (
	// AlwaysSpin never yields or waits.
	AlwaysSpin = Profile{YieldThreshold: never, WaitThreshold: never}

	// AlwaysYield yields for every positive delay and never waits.
	AlwaysYield = Profile{WaitThreshold: never}

	// AlwaysWait blocks on the condition for every positive delay, for
	// exactly the requested time.
	AlwaysWait = Profile{WaitFudge: 1}
)

// Delay pauses for roughly d, choosing spin, yield or timed wait. c.L must
// be held; it is held again on return, though a timed wait releases it in
// between. Delay may return early, so callers re-check their condition in a
// loop.
func (p Profile) Delay(c *timing.Cond, d time.Duration) {
	switch {
	case d == Forever:
		c.Wait(-1)
	case d <= 0:
	case d < p.YieldThreshold:
		// Spin: the caller's loop is the spin.
	case d < p.WaitThreshold:
		runtime.Gosched()
	default:
		c.Wait(p.fudged(d))
	}
}

func (p Profile) fudged(d time.Duration) time.Duration {
	f := p.WaitFudge
	if f <= 0 {
		f = DefaultWaitFudge
	}
	return time.Duration(float64(d) * f)
}

// MaxRate estimates the fastest release rate, in events per second, this
// machine can sustain.
func (p Profile) MaxRate() float64 {
	if p.SpinInterval <= 0 {
		return math.Inf(1)
	}
	return 0.9 / p.SpinInterval.Seconds()
}

// String implements fmt.Stringer.
func (p Profile) String() string {
	return fmt.Sprintf("spin=%v yield=%v wait=%v", p.SpinInterval, p.YieldThreshold, p.WaitThreshold)
}

// Wire converts p to its API form.
func (p Profile) Wire(fingerprint, source string) types.Profile {
	fudge := p.WaitFudge
	if fudge <= 0 {
		fudge = DefaultWaitFudge
	}
	maxRate := p.MaxRate()
	if math.IsInf(maxRate, 1) {
		// JSON cannot carry +Inf.
		maxRate = 0
	}
	return types.Profile{
		Fingerprint:      fingerprint,
		SpinIntervalNs:   int64(p.SpinInterval),
		YieldThresholdNs: int64(p.YieldThreshold),
		WaitThresholdNs:  int64(p.WaitThreshold),
		WaitFudge:        fudge,
		MaxRate:          maxRate,
		Source:           source,
	}
}

// Fingerprint identifies the environment a profile was measured in. A
// profile should only be reused where the fingerprint matches.
func Fingerprint() string {
	return fmt.Sprintf("%s/%s/%s/cpu%d", runtime.GOOS, runtime.GOARCH, runtime.Version(), runtime.NumCPU())
}
