package pattern

import (
	"time"

	"github.com/gateway-fm/pacer/internal/metrics"
	"github.com/gateway-fm/pacer/pkg/types"
)

// Steps runs each rate in turn for stepDuration and holds the last one.
// Useful for checking how quickly the limiter settles after a rate change.
type Steps struct {
	rates        []float64
	stepDuration time.Duration
	current      metrics.Float
}

// NewSteps creates a steps pattern. rates must not be empty.
func NewSteps(rates []float64, stepDuration time.Duration) *Steps {
	s := &Steps{
		rates:        append([]float64(nil), rates...),
		stepDuration: stepDuration,
	}
	s.current.Store(rates[0])
	return s
}

// Name returns the pattern identifier.
func (s *Steps) Name() types.LoadPattern {
	return types.PatternSteps
}

// Rate returns the rate of the step elapsed falls in.
func (s *Steps) Rate(elapsed time.Duration) float64 {
	i := 0
	if elapsed > 0 {
		i = int(elapsed / s.stepDuration)
	}
	if i >= len(s.rates) {
		i = len(s.rates) - 1
	}

	rate := s.rates[i]
	s.current.Store(rate)
	return rate
}

// Current returns the last computed rate.
func (s *Steps) Current() float64 {
	return s.current.Load()
}
