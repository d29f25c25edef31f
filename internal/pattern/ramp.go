package pattern

import (
	"math"
	"time"

	"github.com/gateway-fm/pacer/internal/metrics"
	"github.com/gateway-fm/pacer/pkg/types"
)

// Ramp moves the rate linearly from startRate to endRate over duration,
// then holds endRate.
type Ramp struct {
	startRate float64
	endRate   float64
	steps     int
	duration  time.Duration
	current   metrics.Float
}

// NewRamp creates a ramp pattern. steps > 0 moves in that many equal jumps
// instead of continuously.
func NewRamp(startRate, endRate float64, steps int, duration time.Duration) *Ramp {
	r := &Ramp{
		startRate: startRate,
		endRate:   endRate,
		steps:     steps,
		duration:  duration,
	}
	r.current.Store(startRate)
	return r
}

// Name returns the pattern identifier.
func (r *Ramp) Name() types.LoadPattern {
	return types.PatternRamp
}

// Rate returns the rate based on linear interpolation of elapsed time.
func (r *Ramp) Rate(elapsed time.Duration) float64 {
	var rate float64
	switch {
	case elapsed <= 0:
		rate = r.startRate
	case elapsed >= r.duration:
		rate = r.endRate
	default:
		progress := float64(elapsed) / float64(r.duration)
		if r.steps > 0 {
			progress = math.Floor(progress*float64(r.steps)) / float64(r.steps)
		}
		rate = r.startRate + progress*(r.endRate-r.startRate)
	}

	r.current.Store(rate)
	return rate
}

// Current returns the last computed rate.
func (r *Ramp) Current() float64 {
	return r.current.Load()
}
