package pattern

import (
	"time"

	"github.com/gateway-fm/pacer/internal/metrics"
	"github.com/gateway-fm/pacer/pkg/types"
)

// Constant implements a fixed-rate pattern.
type Constant struct {
	rate metrics.Float
}

// NewConstant creates a constant rate pattern.
func NewConstant(rate float64) *Constant {
	c := &Constant{}
	c.rate.Store(rate)
	return c
}

// Name returns the pattern identifier.
func (c *Constant) Name() types.LoadPattern {
	return types.PatternConstant
}

// Rate returns the constant rate regardless of elapsed time.
func (c *Constant) Rate(time.Duration) float64 {
	return c.rate.Load()
}

// Current returns the rate.
func (c *Constant) Current() float64 {
	return c.rate.Load()
}
