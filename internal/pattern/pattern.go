// Package pattern provides rate schedules for load runs.
package pattern

import (
	"fmt"
	"time"

	"github.com/gateway-fm/pacer/pkg/types"
)

// Pattern calculates the target rate based on elapsed time.
type Pattern interface {
	// Name returns the pattern identifier.
	Name() types.LoadPattern

	// Rate returns the target rate, in events per second, at elapsed.
	Rate(elapsed time.Duration) float64

	// Current returns the rate most recently returned by Rate.
	Current() float64
}

// Config holds pattern-specific configuration.
type Config struct {
	Duration time.Duration

	// Constant pattern
	ConstantRate float64

	// Ramp pattern. RampSteps > 0 quantises the ramp into that many equal
	// steps; zero ramps continuously.
	RampStart float64
	RampEnd   float64
	RampSteps int

	// Spike pattern
	BaselineRate  float64
	SpikeRate     float64
	SpikeDuration time.Duration
	SpikeInterval time.Duration

	// Steps pattern
	StepRates    []float64
	StepDuration time.Duration
}

// FromRequest builds a Config from an API request.
func FromRequest(req types.StartRunRequest) Config {
	return Config{
		Duration:      time.Duration(req.DurationSec) * time.Second,
		ConstantRate:  req.ConstantRate,
		RampStart:     req.RampStart,
		RampEnd:       req.RampEnd,
		RampSteps:     req.RampSteps,
		BaselineRate:  req.BaselineRate,
		SpikeRate:     req.SpikeRate,
		SpikeDuration: time.Duration(req.SpikeDuration) * time.Second,
		SpikeInterval: time.Duration(req.SpikeInterval) * time.Second,
		StepRates:     req.StepRates,
		StepDuration:  time.Duration(req.StepDurationSec) * time.Second,
	}
}

// Registry manages pattern lookup by name.
type Registry struct {
	patterns map[types.LoadPattern]func(Config) (Pattern, error)
}

// NewRegistry creates a new pattern registry with all built-in patterns.
func NewRegistry() *Registry {
	r := &Registry{
		patterns: make(map[types.LoadPattern]func(Config) (Pattern, error)),
	}

	r.Register(types.PatternConstant, func(cfg Config) (Pattern, error) {
		if err := nonNegative("constantRate", cfg.ConstantRate); err != nil {
			return nil, err
		}
		return NewConstant(cfg.ConstantRate), nil
	})
	r.Register(types.PatternRamp, func(cfg Config) (Pattern, error) {
		if err := nonNegative("rampStart", cfg.RampStart); err != nil {
			return nil, err
		}
		if err := nonNegative("rampEnd", cfg.RampEnd); err != nil {
			return nil, err
		}
		if cfg.Duration <= 0 {
			return nil, fmt.Errorf("ramp pattern requires a positive duration")
		}
		return NewRamp(cfg.RampStart, cfg.RampEnd, cfg.RampSteps, cfg.Duration), nil
	})
	r.Register(types.PatternSpike, func(cfg Config) (Pattern, error) {
		if err := nonNegative("baselineRate", cfg.BaselineRate); err != nil {
			return nil, err
		}
		if err := nonNegative("spikeRate", cfg.SpikeRate); err != nil {
			return nil, err
		}
		if cfg.SpikeInterval <= 0 || cfg.SpikeDuration <= 0 {
			return nil, fmt.Errorf("spike pattern requires positive spikeDuration and spikeInterval")
		}
		if cfg.SpikeDuration > cfg.SpikeInterval {
			return nil, fmt.Errorf("spikeDuration (%v) exceeds spikeInterval (%v)", cfg.SpikeDuration, cfg.SpikeInterval)
		}
		return NewSpike(cfg.BaselineRate, cfg.SpikeRate, cfg.SpikeDuration, cfg.SpikeInterval), nil
	})
	r.Register(types.PatternSteps, func(cfg Config) (Pattern, error) {
		if len(cfg.StepRates) == 0 {
			return nil, fmt.Errorf("steps pattern requires at least one rate")
		}
		for i, rate := range cfg.StepRates {
			if err := nonNegative(fmt.Sprintf("stepRates[%d]", i), rate); err != nil {
				return nil, err
			}
		}
		if cfg.StepDuration <= 0 {
			return nil, fmt.Errorf("steps pattern requires a positive stepDuration")
		}
		return NewSteps(cfg.StepRates, cfg.StepDuration), nil
	})

	return r
}

func nonNegative(field string, v float64) error {
	if v < 0 {
		return fmt.Errorf("%s must be non-negative, got %v", field, v)
	}
	return nil
}

// Register adds a pattern factory to the registry.
func (r *Registry) Register(name types.LoadPattern, factory func(Config) (Pattern, error)) {
	r.patterns[name] = factory
}

// Get returns a pattern instance for the given name and config.
func (r *Registry) Get(name types.LoadPattern, cfg Config) (Pattern, error) {
	factory, ok := r.patterns[name]
	if !ok {
		return nil, fmt.Errorf("unknown pattern: %s", name)
	}
	return factory(cfg)
}
