package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/gateway-fm/pacer/internal/metrics"
	"github.com/gateway-fm/pacer/internal/timing"
)

// yieldPercentile is the yield-time percentile taken as the yield threshold.
const yieldPercentile = 90

// ctxCheckEvery is how many loop iterations pass between context checks.
const ctxCheckEvery = 4096

const (
	// linearTolerance is the largest mean log10(actual/requested) at which a
	// timed wait still counts as linear, about 12% overshoot.
	linearTolerance = 0.05

	// minNoiseRise is how far, in log10 seconds, σ must climb across the
	// fitted slope for the breakpoint to count as a knee.
	minNoiseRise = 0.05
)

// Config controls the calibration run.
type Config struct {
	Logger *slog.Logger

	// Fitter fits the wait-noise curve. Calibrate fails with ErrNoFitter
	// when nil; DefaultConfig supplies GonumFitter.
	Fitter Fitter

	SpinWorkers    int
	SpinIterations int

	YieldWorkers    int
	YieldIterations int

	WaitWorkers    int
	WaitIterations int

	// Requested wait durations are drawn log-uniformly from
	// [10^MinLogWait, 10^MaxLogWait] seconds.
	MinLogWait float64
	MaxLogWait float64

	// Seed for the wait-duration draws. Zero seeds from the clock.
	Seed uint64
}

// DefaultConfig returns the standard calibration settings. A full run takes
// a few seconds, most of it in the wait phase.
func DefaultConfig() Config {
	return Config{
		Fitter:          GonumFitter{},
		SpinWorkers:     1,
		SpinIterations:  500000,
		YieldWorkers:    10,
		YieldIterations: 200000,
		WaitWorkers:     1,
		WaitIterations:  1000,
		MinLogWait:      -7,
		MaxLogWait:      -1,
	}
}

// Calibrator measures spin, yield and wait behaviour on this machine.
type Calibrator struct {
	cfg    Config
	logger *slog.Logger
}

// NewCalibrator creates a calibrator. Zero counts fall back to
// DefaultConfig values; the Fitter does not.
func NewCalibrator(cfg Config) *Calibrator {
	def := DefaultConfig()
	if cfg.SpinWorkers <= 0 {
		cfg.SpinWorkers = def.SpinWorkers
	}
	if cfg.SpinIterations <= 0 {
		cfg.SpinIterations = def.SpinIterations
	}
	if cfg.YieldWorkers <= 0 {
		cfg.YieldWorkers = def.YieldWorkers
	}
	if cfg.YieldIterations <= 0 {
		cfg.YieldIterations = def.YieldIterations
	}
	if cfg.WaitWorkers <= 0 {
		cfg.WaitWorkers = def.WaitWorkers
	}
	if cfg.WaitIterations <= 0 {
		cfg.WaitIterations = def.WaitIterations
	}
	if cfg.MinLogWait == 0 && cfg.MaxLogWait == 0 {
		cfg.MinLogWait, cfg.MaxLogWait = def.MinLogWait, def.MaxLogWait
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Calibrator{cfg: cfg, logger: logger}
}

// Calibrate runs all three phases with DefaultConfig.
func Calibrate(ctx context.Context) (Profile, error) {
	return NewCalibrator(DefaultConfig()).Calibrate(ctx)
}

// Calibrate measures this machine and returns its profile. It is slow and
// CPU-hungry; run it once per environment and store the result (see
// Fingerprint).
func (c *Calibrator) Calibrate(ctx context.Context) (Profile, error) {
	if c.cfg.Fitter == nil {
		return Profile{}, ErrNoFitter
	}

	c.logger.Info("measuring spins", "workers", c.cfg.SpinWorkers, "iterations", c.cfg.SpinIterations)
	spins := c.measureSpin(ctx)
	if err := ctx.Err(); err != nil {
		return Profile{}, fmt.Errorf("calibration cancelled during spin phase: %w", err)
	}
	spin := time.Duration(spins.Median())
	c.logger.Info("spin interval measured", "spin_interval", spin, "p90", time.Duration(spins.Percentile(yieldPercentile)))

	c.logger.Info("measuring yields", "workers", c.cfg.YieldWorkers, "iterations", c.cfg.YieldIterations)
	yields := c.measureYield(ctx)
	if err := ctx.Err(); err != nil {
		return Profile{}, fmt.Errorf("calibration cancelled during yield phase: %w", err)
	}
	yield := time.Duration(yields.Percentile(yieldPercentile))
	c.logger.Info("yield threshold measured", "yield_threshold", yield, "median", time.Duration(yields.Median()))

	c.logger.Info("measuring waits", "workers", c.cfg.WaitWorkers, "iterations", c.cfg.WaitIterations)
	pairs := c.measureWait(ctx)
	if err := ctx.Err(); err != nil {
		return Profile{}, fmt.Errorf("calibration cancelled during wait phase: %w", err)
	}
	wait, err := c.minWaitTime(pairs)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to analyse wait measurements: %w", err)
	}
	if wait < yield {
		c.logger.Info("wait threshold below yield threshold, raising", "wait_threshold", wait, "yield_threshold", yield)
		wait = yield
	}
	c.logger.Info("wait threshold measured", "wait_threshold", wait)

	return Profile{
		SpinInterval:   spin,
		YieldThreshold: yield,
		WaitThreshold:  wait,
	}, nil
}

// nanosecondBounds buckets interval samples: 20ns steps to 400ns, then
// doubling.
func nanosecondBounds() []float64 {
	bounds := make([]float64, 0, 40)
	for v := 20.0; v <= 400; v += 20 {
		bounds = append(bounds, v)
	}
	return append(bounds, metrics.ExponentialBounds(800, 2, 16)...)
}

// runWorkers runs fn on n goroutines released together by a start barrier
// and waits for all of them.
func runWorkers(n int, fn func()) {
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn()
		}()
	}
	close(start)
	wg.Wait()
}

// measureSpin times a tight loop of clock reads. Samples are in ns.
func (c *Calibrator) measureSpin(ctx context.Context) *metrics.Histogram {
	hist := metrics.NewHistogram(nanosecondBounds()...)
	var mu sync.Mutex
	cond := timing.NewCond(&mu)

	runWorkers(c.cfg.SpinWorkers, func() {
		samples := make([]float64, 0, c.cfg.SpinIterations)
		last := time.Now()
		for i := 0; i < c.cfg.SpinIterations; i++ {
			if i%ctxCheckEvery == 0 && ctx.Err() != nil {
				break
			}
			now := time.Now()
			AlwaysSpin.Delay(cond, 0)
			samples = append(samples, float64(now.Sub(last)))
			last = now
		}
		hist.AddAll(samples)
	})

	return hist
}

// measureYield times one processor yield per iteration under contention
// from the other workers. Samples are in ns.
func (c *Calibrator) measureYield(ctx context.Context) *metrics.Histogram {
	hist := metrics.NewHistogram(nanosecondBounds()...)
	var mu sync.Mutex
	cond := timing.NewCond(&mu)

	runWorkers(c.cfg.YieldWorkers, func() {
		samples := make([]float64, 0, c.cfg.YieldIterations)
		last := time.Now()
		for i := 0; i < c.cfg.YieldIterations; i++ {
			if i%ctxCheckEvery == 0 && ctx.Err() != nil {
				break
			}
			AlwaysYield.Delay(cond, time.Nanosecond)
			now := time.Now()
			samples = append(samples, float64(now.Sub(last)))
			last = now
		}
		hist.AddAll(samples)
	})

	return hist
}

// waitSample is one timed wait: log10 of requested and actual seconds.
type waitSample struct {
	requested float64
	actual    float64
}

// measureWait performs timed waits that are never signalled, so every wait
// runs to its timeout.
func (c *Calibrator) measureWait(ctx context.Context) []waitSample {
	var (
		resultMu sync.Mutex
		result   = make([]waitSample, 0, c.cfg.WaitWorkers*c.cfg.WaitIterations)
		mu       sync.Mutex
		cond     = timing.NewCond(&mu)
	)

	seed := c.cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	var worker uint64
	runWorkers(c.cfg.WaitWorkers, func() {
		resultMu.Lock()
		worker++
		rng := rand.New(rand.NewPCG(seed, worker))
		resultMu.Unlock()

		samples := make([]waitSample, 0, c.cfg.WaitIterations)
		mu.Lock()
		for i := 0; i < c.cfg.WaitIterations; i++ {
			if ctx.Err() != nil {
				break
			}
			logRequested := c.cfg.MinLogWait + rng.Float64()*(c.cfg.MaxLogWait-c.cfg.MinLogWait)
			requested := time.Duration(math.Pow(10, logRequested) * float64(time.Second))
			before := time.Now()
			AlwaysWait.Delay(cond, requested)
			actual := time.Since(before)
			if actual <= 0 {
				actual = 1
			}
			samples = append(samples, waitSample{
				requested: logRequested,
				actual:    math.Log10(actual.Seconds()),
			})
		}
		mu.Unlock()

		resultMu.Lock()
		result = append(result, samples...)
		resultMu.Unlock()
	})

	return result
}

// minWaitTime finds the shortest requested duration for which a timed wait
// can be trusted.
//
// Requested durations are sliced into buckets. Two tests are applied. A
// bucket is linear when its mean log10(actual/requested) lies within
// linearTolerance; the threshold is no lower than the start of the lowest
// run of linear buckets reaching the top of the range. Within a bucket the
// spread of actual durations is treated as noise: above some point its σ
// settles to a small constant, below it σ climbs. Fitting
// σ(x) = b − a·min(x, c) places that point at 10^c seconds. A fit whose
// breakpoint falls outside the measured range, or whose noise never rises,
// found no knee and is ignored.
func (c *Calibrator) minWaitTime(samples []waitSample) (time.Duration, error) {
	numWindows := min(100, len(samples)/20)
	if numWindows < 3 {
		return 0, fmt.Errorf("need at least 60 wait samples, have %d", len(samples))
	}

	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.requested
	}
	xmin, xmax := floats.Min(xs), floats.Max(xs)
	if xmax <= xmin {
		return 0, fmt.Errorf("wait samples span no range")
	}
	windowSize := (xmax - xmin) / float64(numWindows)

	bucket := func(x float64) int {
		return int(math.Floor((x - xmin) / windowSize))
	}
	// xmax lands exactly on the upper edge and is dropped.
	numBuckets := bucket(xmax)

	grouped := make([][]waitSample, numBuckets)
	for _, s := range samples {
		if b := bucket(s.requested); b >= 0 && b < numBuckets {
			grouped[b] = append(grouped[b], s)
		}
	}

	bucketX := make([]float64, numBuckets)
	sigmas := make([]float64, numBuckets)
	biases := make([]float64, numBuckets)
	actual := make([]float64, 0, len(samples))
	overshoot := make([]float64, 0, len(samples))
	for i, group := range grouped {
		bucketX[i] = xmin + float64(i)/float64(numBuckets)*(xmax-xmin)
		if len(group) == 0 {
			sigmas[i] = 1
			biases[i] = math.NaN()
			continue
		}
		actual, overshoot = actual[:0], overshoot[:0]
		for _, s := range group {
			actual = append(actual, s.actual)
			overshoot = append(overshoot, s.actual-s.requested)
		}
		_, sigmas[i] = stat.PopMeanStdDev(actual, nil)
		biases[i] = stat.Mean(overshoot, nil)
		c.logger.Debug("wait bucket", "bucket", i, "log10_requested", bucketX[i], "samples", len(group),
			"sigma", sigmas[i], "log10_overshoot", biases[i])
	}

	logThreshold, err := linearFrom(bucketX, biases)
	if err != nil {
		return 0, err
	}

	params, err := c.cfg.Fitter.Fit(breakpoint, bucketX, sigmas, []float64{1, 1, -4})
	if err != nil {
		c.logger.Warn("wait noise fit failed, using linearity alone", "error", err)
		return toDuration(logThreshold), nil
	}
	a, knee := params[0], params[2]
	c.logger.Debug("wait noise fit", "a", a, "b", params[1], "c", knee, "linear_from", logThreshold)

	switch {
	case knee <= xmin || knee >= xmax:
		c.logger.Info("wait noise breakpoint outside measured range, ignoring fit",
			"c", knee, "min", xmin, "max", xmax)
	case a*(knee-xmin) < minNoiseRise:
		c.logger.Info("wait noise does not rise below breakpoint, ignoring fit", "a", a, "c", knee)
	default:
		logThreshold = math.Max(logThreshold, knee)
	}

	return toDuration(logThreshold), nil
}

// toDuration converts log10 seconds to a Duration.
func toDuration(logSeconds float64) time.Duration {
	return time.Duration(math.Round(math.Pow(10, logSeconds) * float64(time.Second)))
}

// linearFrom returns the log10 start of the lowest bucket from which every
// measured bucket up to the top of the range is linear. Buckets with no
// samples (NaN bias) carry no evidence either way.
func linearFrom(bucketX, biases []float64) (float64, error) {
	from := -1
	for i := len(biases) - 1; i >= 0; i-- {
		if math.IsNaN(biases[i]) {
			continue
		}
		if math.Abs(biases[i]) > linearTolerance {
			break
		}
		from = i
	}
	if from < 0 {
		return 0, fmt.Errorf("timed waits overshoot by more than %.0f%% across the whole measured range",
			(math.Pow(10, linearTolerance)-1)*100)
	}
	return bucketX[from], nil
}
