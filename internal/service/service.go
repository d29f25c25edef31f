// Package service ties the limiter, the run driver, metrics and storage
// together behind the API the transports serve.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/pacer/internal/metrics"
	"github.com/gateway-fm/pacer/internal/pattern"
	"github.com/gateway-fm/pacer/internal/ratelimit"
	"github.com/gateway-fm/pacer/internal/runner"
	"github.com/gateway-fm/pacer/internal/storage"
	"github.com/gateway-fm/pacer/pkg/types"
)

// ErrNoStorage is returned by history queries when no store is configured.
var ErrNoStorage = errors.New("run history is not enabled")

// summaryWindow is the sub-window used to measure burstiness of a run.
const summaryWindow = 10 * time.Millisecond

// Config for creating a Pacer.
type Config struct {
	Limiter   *ratelimit.Limiter
	Collector *metrics.MemoryCollector
	Prom      PromSink         // may be nil
	Store     storage.RunStore // may be nil
	Profile   types.Profile    // active calibration profile
	Task      runner.Task      // dispatched per release during runs, may be nil
	Workers   int              // default workers for runs
	Logger    *slog.Logger

	// Concurrency caps in-flight tasks. Zero uses the runner default.
	Concurrency int
}

// PromSink is the subset of metrics.PrometheusMetrics the service drives.
type PromSink interface {
	SetWorkers(n int)
	SetRunStatus(status string)
}

// Pacer is the process-wide limiter service.
type Pacer struct {
	limiter   *ratelimit.Limiter
	collector *metrics.MemoryCollector
	prom      PromSink
	store     storage.RunStore
	profile   types.Profile
	task      runner.Task
	workers   int
	inflight  int
	registry  *pattern.Registry
	logger    *slog.Logger

	mu      sync.Mutex
	status  types.RunStatus
	runID   string
	runErr  string
	current *runner.Runner
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun *types.RunResult
}

// New creates a Pacer.
func New(cfg Config) (*Pacer, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if cfg.Collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pacer{
		limiter:   cfg.Limiter,
		collector: cfg.Collector,
		prom:      cfg.Prom,
		store:     cfg.Store,
		profile:   cfg.Profile,
		task:      cfg.Task,
		workers:   cfg.Workers,
		inflight:  cfg.Concurrency,
		registry:  pattern.NewRegistry(),
		logger:    logger,
		status:    types.StatusIdle,
	}
	p.publishStatus(types.StatusIdle)
	return p, nil
}

// Limiter returns the shared limiter.
func (p *Pacer) Limiter() *ratelimit.Limiter {
	return p.limiter
}

// Profile returns the active calibration profile.
func (p *Pacer) Profile() types.Profile {
	return p.profile
}

// SetRate changes the target rate. Rejected while a run controls the rate.
func (p *Pacer) SetRate(rate float64) error {
	if rate < 0 {
		return fmt.Errorf("rate cannot be negative: %v", rate)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == types.StatusRunning {
		return fmt.Errorf("rate is controlled by run %s", p.runID)
	}
	p.limiter.SetRate(rate)
	p.logger.Info("rate changed", "rate", rate)
	return nil
}

// Status returns the live state of the limiter and any run.
func (p *Pacer) Status() types.Status {
	p.mu.Lock()
	current := p.current
	st := types.Status{
		Status: p.status,
		RunID:  p.runID,
		Error:  p.runErr,
	}
	p.mu.Unlock()

	if current != nil {
		rs := current.Status()
		st.Pattern = rs.Pattern
		st.Releases = rs.Releases
		st.Workers = rs.Workers
		st.ElapsedMs = rs.ElapsedMs
	} else {
		st.Releases = p.collector.GetReleases()
	}
	st.TargetRate = p.limiter.Rate()
	st.AchievedRate = p.collector.GetAchievedRate()
	st.Layers = p.limiter.Layers()
	return st
}

// StartRun validates req and starts a run in the background. Returns the
// run ID.
func (p *Pacer) StartRun(req types.StartRunRequest) (string, error) {
	r, err := p.newRunner(req)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.status == types.StatusRunning {
		p.mu.Unlock()
		return "", runner.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	p.begin(id, r, cancel)
	p.mu.Unlock()

	go func() {
		defer cancel()
		if _, err := p.execute(ctx, id, r, req); err != nil {
			p.logger.Error("run failed", "run_id", id, "error", err)
		}
	}()
	return id, nil
}

// Run executes a run in the foreground and returns its result.
func (p *Pacer) Run(ctx context.Context, req types.StartRunRequest) (*types.RunResult, error) {
	r, err := p.newRunner(req)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.status == types.StatusRunning {
		p.mu.Unlock()
		return nil, runner.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := uuid.NewString()
	p.begin(id, r, cancel)
	p.mu.Unlock()

	return p.execute(ctx, id, r, req)
}

// StopRun cancels the active run, if any, and waits for it to finish.
func (p *Pacer) StopRun() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// LastRun returns the most recent run result, or nil.
func (p *Pacer) LastRun() *types.RunResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

// ListRuns returns stored runs, newest first.
func (p *Pacer) ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	if p.store == nil {
		return nil, ErrNoStorage
	}
	return p.store.ListRuns(ctx, limit, offset)
}

// GetRun returns one stored run.
func (p *Pacer) GetRun(ctx context.Context, id string) (*types.RunResult, error) {
	if p.store == nil {
		return nil, ErrNoStorage
	}
	return p.store.GetRun(ctx, id)
}

func (p *Pacer) newRunner(req types.StartRunRequest) (*runner.Runner, error) {
	pat, err := p.registry.Get(req.Pattern, pattern.FromRequest(req))
	if err != nil {
		return nil, err
	}
	workers := req.Workers
	if workers <= 0 {
		workers = p.workers
	}
	return runner.New(runner.Config{
		Limiter:     p.limiter,
		Pattern:     pat,
		Workers:     workers,
		Duration:    time.Duration(req.DurationSec) * time.Second,
		Task:        p.task,
		Concurrency: p.inflight,
		Logger:      p.logger,
	})
}

// begin marks a run as active. p.mu must be held.
func (p *Pacer) begin(id string, r *runner.Runner, cancel context.CancelFunc) {
	p.status = types.StatusRunning
	p.runID = id
	p.runErr = ""
	p.current = r
	p.cancel = cancel
	p.done = make(chan struct{})
	p.publishStatus(types.StatusRunning)
	p.collector.Reset()
}

func (p *Pacer) execute(ctx context.Context, id string, r *runner.Runner, req types.StartRunRequest) (*types.RunResult, error) {
	status := r.Status()
	if p.prom != nil {
		p.prom.SetWorkers(status.Workers)
	}

	res, err := r.Run(ctx)

	// A stop request is a normal end of run.
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	var result *types.RunResult
	if res != nil {
		result = &types.RunResult{
			ID:          id,
			StartedAt:   res.StartedAt,
			CompletedAt: res.CompletedAt,
			Pattern:     req.Pattern,
			DurationMs:  res.CompletedAt.Sub(res.StartedAt).Milliseconds(),
			Workers:     status.Workers,
			Summary:     runner.Summarize(res.Releases, summaryWindow),
			WaitStats:   p.collector.GetWaitStats(),
			Profile:     p.profile,
			Config:      req,
		}
		if p.store != nil {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if serr := p.store.SaveRun(saveCtx, result); serr != nil {
				p.logger.Error("failed to save run", "run_id", id, "error", serr)
			}
			cancel()
		}
		p.logger.Info("run complete",
			"run_id", id,
			"releases", result.Summary.Releases,
			"achieved_rate", result.Summary.AchievedRate,
			"max_per_window", result.Summary.MaxPerWindow,
		)
	}

	p.mu.Lock()
	p.current = nil
	p.cancel = nil
	if result != nil {
		p.lastRun = result
	}
	if err != nil {
		p.status = types.StatusError
		p.runErr = err.Error()
	} else {
		p.status = types.StatusCompleted
	}
	p.publishStatus(p.status)
	close(p.done)
	p.mu.Unlock()

	if p.prom != nil {
		p.prom.SetWorkers(0)
	}
	return result, err
}

func (p *Pacer) publishStatus(s types.RunStatus) {
	if p.prom != nil {
		p.prom.SetRunStatus(string(s))
	}
}
