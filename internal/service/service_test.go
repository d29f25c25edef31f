package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/internal/metrics"
	"github.com/gateway-fm/pacer/internal/ratelimit"
	"github.com/gateway-fm/pacer/internal/runner"
	"github.com/gateway-fm/pacer/internal/storage"
	"github.com/gateway-fm/pacer/pkg/types"
)

type promStub struct {
	workers  []int
	statuses []string
}

func (p *promStub) SetWorkers(n int)           { p.workers = append(p.workers, n) }
func (p *promStub) SetRunStatus(status string) { p.statuses = append(p.statuses, status) }

func newPacer(t *testing.T, store storage.RunStore, prom PromSink) *Pacer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := metrics.NewMemoryCollector(nil)
	limiter := ratelimit.New(5,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(collector),
	)
	p, err := New(Config{
		Limiter:   limiter,
		Collector: collector,
		Prom:      prom,
		Store:     store,
		Profile:   calibration.Default.Wire("test", "default"),
		Workers:   4,
		Logger:    logger,
	})
	require.NoError(t, err)
	return p
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Limiter: ratelimit.New(1)})
	assert.Error(t, err)
}

func TestSetRate(t *testing.T) {
	p := newPacer(t, nil, nil)

	require.NoError(t, p.SetRate(40))
	assert.InDelta(t, 40, p.Status().TargetRate, 0.5)

	assert.Error(t, p.SetRate(-1))
	assert.InDelta(t, 40, p.Status().TargetRate, 0.5)
}

func TestStatus_Idle(t *testing.T) {
	p := newPacer(t, nil, nil)

	st := p.Status()
	assert.Equal(t, types.StatusIdle, st.Status)
	assert.Empty(t, st.RunID)
	assert.NotEmpty(t, st.Layers)
	assert.Equal(t, "test", p.Profile().Fingerprint)
}

func TestRun_StoresResult(t *testing.T) {
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "pacer.db"))
	require.NoError(t, err)
	defer store.Close()

	prom := &promStub{}
	p := newPacer(t, store, prom)

	result, err := p.Run(context.Background(), types.StartRunRequest{
		Pattern:      types.PatternConstant,
		DurationSec:  1,
		ConstantRate: 100,
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.NotEmpty(t, result.ID)
	assert.Equal(t, 4, result.Workers, "default workers")
	assert.InDelta(t, 100, result.Summary.Releases, 12)
	assert.LessOrEqual(t, result.Summary.MaxPerWindow, 2)
	require.NotNil(t, result.WaitStats)
	assert.Equal(t, "test", result.Profile.Fingerprint)

	stored, err := p.GetRun(context.Background(), result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Summary, stored.Summary)

	page, err := p.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	st := p.Status()
	assert.Equal(t, types.StatusCompleted, st.Status)
	assert.InDelta(t, 5, st.TargetRate, 0.5, "rate restored after run")
	assert.Equal(t, result, p.LastRun())

	assert.Equal(t, []int{4, 0}, prom.workers)
	assert.Equal(t, []string{"idle", "running", "completed"}, prom.statuses)
}

func TestStartRun_BackgroundAndStop(t *testing.T) {
	p := newPacer(t, nil, nil)

	id, err := p.StartRun(types.StartRunRequest{
		Pattern:      types.PatternConstant,
		DurationSec:  60,
		ConstantRate: 50,
		Workers:      2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		return p.Status().Releases > 0
	}, 2*time.Second, 10*time.Millisecond)

	st := p.Status()
	assert.Equal(t, types.StatusRunning, st.Status)
	assert.Equal(t, id, st.RunID)
	assert.Equal(t, types.PatternConstant, st.Pattern)
	assert.Equal(t, 2, st.Workers)

	// The run owns the rate.
	assert.Error(t, p.SetRate(1))

	_, err = p.StartRun(types.StartRunRequest{Pattern: types.PatternConstant, DurationSec: 1})
	assert.ErrorIs(t, err, runner.ErrAlreadyRunning)

	p.StopRun()
	assert.Equal(t, types.StatusCompleted, p.Status().Status)
	require.NotNil(t, p.LastRun())
	assert.Equal(t, id, p.LastRun().ID)

	require.NoError(t, p.SetRate(1))
	p.StopRun() // no run: returns at once
}

func TestStartRun_InvalidPattern(t *testing.T) {
	p := newPacer(t, nil, nil)

	_, err := p.StartRun(types.StartRunRequest{Pattern: "sawtooth", DurationSec: 1})
	assert.Error(t, err)
	assert.Equal(t, types.StatusIdle, p.Status().Status)
}

func TestHistory_NoStorage(t *testing.T) {
	p := newPacer(t, nil, nil)

	_, err := p.ListRuns(context.Background(), 10, 0)
	assert.ErrorIs(t, err, ErrNoStorage)
	_, err = p.GetRun(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoStorage)
}
