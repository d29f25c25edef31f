package pattern

import (
	"time"

	"github.com/gateway-fm/pacer/internal/metrics"
	"github.com/gateway-fm/pacer/pkg/types"
)

// Spike implements a pattern with periodic rate spikes.
type Spike struct {
	baselineRate  float64
	spikeRate     float64
	spikeDuration time.Duration
	spikeInterval time.Duration
	current       metrics.Float
}

// NewSpike creates a spike pattern.
// Runs at baselineRate normally, and spikeRate during spikes.
// Spikes occur every spikeInterval and last spikeDuration.
func NewSpike(baselineRate, spikeRate float64, spikeDuration, spikeInterval time.Duration) *Spike {
	s := &Spike{
		baselineRate:  baselineRate,
		spikeRate:     spikeRate,
		spikeDuration: spikeDuration,
		spikeInterval: spikeInterval,
	}
	s.current.Store(baselineRate)
	return s
}

// Name returns the pattern identifier.
func (s *Spike) Name() types.LoadPattern {
	return types.PatternSpike
}

// Rate returns the rate based on whether we're in a spike window.
func (s *Spike) Rate(elapsed time.Duration) float64 {
	positionInInterval := elapsed % s.spikeInterval

	// The spike occupies the last spikeDuration of each interval.
	spikeStart := s.spikeInterval - s.spikeDuration

	rate := s.baselineRate
	if positionInInterval >= spikeStart {
		rate = s.spikeRate
	}

	s.current.Store(rate)
	return rate
}

// Current returns the last computed rate.
func (s *Spike) Current() float64 {
	return s.current.Load()
}
