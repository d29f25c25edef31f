package pattern

import (
	"math"
	"testing"
	"time"

	"github.com/gateway-fm/pacer/pkg/types"
)

func TestConstantPattern(t *testing.T) {
	p := NewConstant(500)

	if p.Name() != types.PatternConstant {
		t.Errorf("expected name %s, got %s", types.PatternConstant, p.Name())
	}

	testCases := []time.Duration{
		0,
		30 * time.Second,
		60 * time.Second,
		5 * time.Minute,
	}

	for _, elapsed := range testCases {
		if rate := p.Rate(elapsed); rate != 500 {
			t.Errorf("at %v: expected rate 500, got %v", elapsed, rate)
		}
	}
}

func TestRampPattern(t *testing.T) {
	p := NewRamp(100, 1000, 0, 60*time.Second)

	if p.Name() != types.PatternRamp {
		t.Errorf("expected name %s, got %s", types.PatternRamp, p.Name())
	}

	testCases := []struct {
		elapsed      time.Duration
		expectedRate float64
	}{
		{0, 100},
		{30 * time.Second, 550},  // Midpoint
		{60 * time.Second, 1000}, // End
		{90 * time.Second, 1000}, // Past end, should stay at max
	}

	for _, tc := range testCases {
		rate := p.Rate(tc.elapsed)
		if math.Abs(rate-tc.expectedRate) > 1e-9 {
			t.Errorf("at %v: expected rate %v, got %v", tc.elapsed, tc.expectedRate, rate)
		}
		if p.Current() != rate {
			t.Errorf("at %v: Current %v does not track Rate %v", tc.elapsed, p.Current(), rate)
		}
	}
}

func TestRampPatternSteps(t *testing.T) {
	p := NewRamp(0, 100, 4, 40*time.Second)

	testCases := []struct {
		elapsed      time.Duration
		expectedRate float64
	}{
		{5 * time.Second, 0},
		{10 * time.Second, 25},
		{19 * time.Second, 25},
		{35 * time.Second, 75},
		{40 * time.Second, 100},
	}

	for _, tc := range testCases {
		if rate := p.Rate(tc.elapsed); math.Abs(rate-tc.expectedRate) > 1e-9 {
			t.Errorf("at %v: expected rate %v, got %v", tc.elapsed, tc.expectedRate, rate)
		}
	}
}

func TestSpikePattern(t *testing.T) {
	baseline := 100.0
	spike := 1000.0

	p := NewSpike(baseline, spike, 5*time.Second, 15*time.Second)

	if p.Name() != types.PatternSpike {
		t.Errorf("expected name %s, got %s", types.PatternSpike, p.Name())
	}

	testCases := []struct {
		elapsed      time.Duration
		expectedRate float64
	}{
		{0, baseline},                // Start of interval, baseline
		{9 * time.Second, baseline},  // Just before spike
		{10 * time.Second, spike},    // During spike (10-15s)
		{14 * time.Second, spike},    // End of spike
		{15 * time.Second, baseline}, // New interval, back to baseline
		{25 * time.Second, spike},    // Second spike (25-30s)
	}

	for _, tc := range testCases {
		if rate := p.Rate(tc.elapsed); rate != tc.expectedRate {
			t.Errorf("at %v: expected rate %v, got %v", tc.elapsed, tc.expectedRate, rate)
		}
	}
}

func TestStepsPattern(t *testing.T) {
	p := NewSteps([]float64{20, 0, 50}, time.Second)

	testCases := []struct {
		elapsed      time.Duration
		expectedRate float64
	}{
		{0, 20},
		{999 * time.Millisecond, 20},
		{time.Second, 0},
		{2500 * time.Millisecond, 50},
		{time.Minute, 50}, // holds the last step
	}

	for _, tc := range testCases {
		if rate := p.Rate(tc.elapsed); rate != tc.expectedRate {
			t.Errorf("at %v: expected rate %v, got %v", tc.elapsed, tc.expectedRate, rate)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	cfg := Config{
		Duration:      60 * time.Second,
		ConstantRate:  500,
		RampStart:     100,
		RampEnd:       1000,
		BaselineRate:  100,
		SpikeRate:     1000,
		SpikeDuration: 5 * time.Second,
		SpikeInterval: 15 * time.Second,
		StepRates:     []float64{10, 20},
		StepDuration:  time.Second,
	}

	patterns := []types.LoadPattern{
		types.PatternConstant,
		types.PatternRamp,
		types.PatternSpike,
		types.PatternSteps,
	}

	for _, name := range patterns {
		p, err := r.Get(name, cfg)
		if err != nil {
			t.Errorf("failed to get pattern %s: %v", name, err)
			continue
		}
		if p.Name() != name {
			t.Errorf("expected pattern %s, got %s", name, p.Name())
		}
	}

	if _, err := r.Get("unknown", cfg); err == nil {
		t.Error("expected error for unknown pattern")
	}
}

func TestRegistryRejectsInvalidConfig(t *testing.T) {
	r := NewRegistry()

	testCases := []struct {
		name    string
		pattern types.LoadPattern
		cfg     Config
	}{
		{"negative constant", types.PatternConstant, Config{ConstantRate: -1}},
		{"ramp without duration", types.PatternRamp, Config{RampStart: 1, RampEnd: 2}},
		{"spike without interval", types.PatternSpike, Config{BaselineRate: 1, SpikeRate: 2, SpikeDuration: time.Second}},
		{"spike longer than interval", types.PatternSpike, Config{SpikeDuration: 2 * time.Second, SpikeInterval: time.Second}},
		{"steps without rates", types.PatternSteps, Config{StepDuration: time.Second}},
		{"steps with negative rate", types.PatternSteps, Config{StepRates: []float64{1, -1}, StepDuration: time.Second}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Get(tc.pattern, tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	cfg := FromRequest(types.StartRunRequest{
		DurationSec:     30,
		SpikeDuration:   2,
		SpikeInterval:   10,
		StepRates:       []float64{1, 2},
		StepDurationSec: 5,
	})

	if cfg.Duration != 30*time.Second {
		t.Errorf("expected duration 30s, got %v", cfg.Duration)
	}
	if cfg.SpikeInterval != 10*time.Second || cfg.SpikeDuration != 2*time.Second {
		t.Errorf("spike timings not converted: %v/%v", cfg.SpikeDuration, cfg.SpikeInterval)
	}
	if cfg.StepDuration != 5*time.Second || len(cfg.StepRates) != 2 {
		t.Errorf("steps not converted: %v %v", cfg.StepRates, cfg.StepDuration)
	}
}
