// Package runner drives a rate limiter with worker goroutines while a
// controller follows a rate pattern, and records when each release happened.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/pacer/internal/metrics"
	"github.com/gateway-fm/pacer/internal/pattern"
	"github.com/gateway-fm/pacer/internal/ratelimit"
	"github.com/gateway-fm/pacer/pkg/types"
)

// ErrAlreadyRunning is returned by Run when the runner is busy.
var ErrAlreadyRunning = errors.New("run already in progress")

// drainRate is applied on shutdown so that workers blocked at a low or zero
// rate are released promptly and can observe cancellation.
const drainRate = 1e6

// Config for creating a Runner.
type Config struct {
	Limiter  *ratelimit.Limiter
	Pattern  pattern.Pattern
	Workers  int           // default 1
	Duration time.Duration // 0 runs until ctx is cancelled
	Tick     time.Duration // pattern update interval, default 100ms

	// Task, if set, is dispatched once per release.
	Task        Task
	Concurrency int // max in-flight tasks, default 500

	Logger *slog.Logger
}

// Result is the outcome of one run.
type Result struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Releases    []time.Time // sorted
	Dispatched  uint64
	Failed      uint64
	Dropped     uint64 // task not started: dispatcher at capacity
}

// Runner executes one run at a time.
type Runner struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *Dispatcher

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	releases  []time.Time

	count      metrics.UCounter
	dispatched metrics.UCounter
	failed     metrics.UCounter
	dropped    metrics.UCounter
}

// New validates cfg and creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if cfg.Pattern == nil {
		return nil, fmt.Errorf("pattern is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("duration must be non-negative, got %v", cfg.Duration)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		cfg:    cfg,
		logger: logger,
	}
	if cfg.Task != nil {
		r.dispatcher = NewDispatcher(cfg.Task, cfg.Concurrency, logger)
	}
	return r, nil
}

// Run blocks until the duration elapses or ctx is cancelled. The limiter's
// rate is restored to its value before the run when Run returns.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.running = true
	r.startedAt = time.Now()
	r.releases = r.releases[:0]
	r.mu.Unlock()

	r.count.Reset()
	r.dispatched.Reset()
	r.failed.Reset()
	r.dropped.Reset()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	limiter := r.cfg.Limiter
	previousRate := limiter.Rate()
	startedAt := r.startedAt
	limiter.SetRate(r.cfg.Pattern.Rate(0))

	r.logger.Info("run started",
		"pattern", r.cfg.Pattern.Name(),
		"workers", r.cfg.Workers,
		"duration", r.cfg.Duration,
		"rate", r.cfg.Pattern.Current(),
	)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx)
		}()
	}

	r.control(ctx, startedAt)

	limiter.SetRate(drainRate)
	wg.Wait()
	limiter.SetRate(previousRate)

	if r.dispatcher != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.dispatcher.Drain(drainCtx); err != nil {
			r.logger.Warn("tasks still in flight after run", "in_flight", r.dispatcher.InFlight())
		}
		cancel()
	}

	r.mu.Lock()
	releases := make([]time.Time, len(r.releases))
	copy(releases, r.releases)
	r.mu.Unlock()
	sortTimes(releases)

	result := &Result{
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
		Releases:    releases,
		Dispatched:  r.dispatched.Load(),
		Failed:      r.failed.Load(),
		Dropped:     r.dropped.Load(),
	}

	r.logger.Info("run finished",
		"releases", len(releases),
		"elapsed", result.CompletedAt.Sub(startedAt),
		"dropped", result.Dropped,
	)

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return result, err
	}
	return result, nil
}

// control applies the pattern's rate every tick until ctx is done.
func (r *Runner) control(ctx context.Context, startedAt time.Time) {
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	current := r.cfg.Pattern.Current()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rate := r.cfg.Pattern.Rate(now.Sub(startedAt))
			if rate != current {
				r.logger.Debug("rate changed", "from", current, "to", rate)
				r.cfg.Limiter.SetRate(rate)
				current = rate
			}
		}
	}
}

func (r *Runner) worker(ctx context.Context) {
	for ctx.Err() == nil {
		ts := r.cfg.Limiter.Wait()
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		r.releases = append(r.releases, ts)
		r.mu.Unlock()
		r.count.Inc()

		if r.dispatcher == nil {
			continue
		}
		// Tasks outlive the run's deadline; Run drains them.
		err := r.dispatcher.TryDispatch(context.WithoutCancel(ctx), func(err error) {
			if err != nil {
				r.failed.Inc()
			}
		})
		if err != nil {
			r.dropped.Inc()
			continue
		}
		r.dispatched.Inc()
	}
}

// Status reports the live state of the runner.
func (r *Runner) Status() types.Status {
	r.mu.Lock()
	running := r.running
	startedAt := r.startedAt
	r.mu.Unlock()

	st := types.Status{
		Status:     types.StatusIdle,
		Pattern:    r.cfg.Pattern.Name(),
		TargetRate: r.cfg.Limiter.Rate(),
		Releases:   r.count.Load(),
		Workers:    r.cfg.Workers,
		Layers:     r.cfg.Limiter.Layers(),
	}
	if running {
		st.Status = types.StatusRunning
		st.ElapsedMs = time.Since(startedAt).Milliseconds()
	}
	return st
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
