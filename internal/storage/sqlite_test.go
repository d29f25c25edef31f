package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/pkg/types"
)

func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "nested", "pacer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRun(id string, startedAt time.Time) *types.RunResult {
	return &types.RunResult{
		ID:          id,
		StartedAt:   startedAt,
		CompletedAt: startedAt.Add(2 * time.Second),
		Pattern:     types.PatternConstant,
		DurationMs:  2000,
		Workers:     10,
		Summary: types.RunSummary{
			Releases:     200,
			AchievedRate: 100,
			WindowMs:     10,
			MaxPerWindow: 2,
		},
		Config: types.StartRunRequest{
			Pattern:      types.PatternConstant,
			DurationSec:  2,
			Workers:      10,
			ConstantRate: 100,
		},
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"runs", true},
		{"wait_stats", true},
		{"Col9", true},
		{"", false},
		{"runs; DROP TABLE runs", false},
		{"a'b", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, isValidIdentifier(tt.in))
		})
	}
}

func TestNewSQLiteStorage_MigratesColumns(t *testing.T) {
	store := createTestStorage(t)

	assert.True(t, store.columnExists("profiles", "wait_fudge"))
	assert.True(t, store.columnExists("runs", "wait_stats"))
	assert.True(t, store.columnExists("runs", "profile"))
	assert.False(t, store.columnExists("runs", "missing"))
}

func TestNewSQLiteStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pacer.db")
	ctx := context.Background()

	store, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveProfile(ctx, "host", calibration.Default))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStorage(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.LoadProfile(ctx, "host")
	require.NoError(t, err)
	assert.Equal(t, calibration.Default, got)
}

func TestProfiles_SaveAndLoad(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	p := calibration.Profile{
		SpinInterval:   350 * time.Nanosecond,
		YieldThreshold: 1500 * time.Nanosecond,
		WaitThreshold:  180 * time.Microsecond,
		WaitFudge:      0.85,
	}
	require.NoError(t, store.SaveProfile(ctx, "linux/amd64/go1.25/cpu8", p))

	got, err := store.LoadProfile(ctx, "linux/amd64/go1.25/cpu8")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestProfiles_SaveReplaces(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.SaveProfile(ctx, "host", calibration.Default))
	require.NoError(t, store.SaveProfile(ctx, "host", calibration.AlwaysWait))

	got, err := store.LoadProfile(ctx, "host")
	require.NoError(t, err)
	assert.Equal(t, calibration.AlwaysWait, got)

	all, err := store.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProfiles_NotFound(t *testing.T) {
	store := createTestStorage(t)

	_, err := store.LoadProfile(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProfiles_RequiresFingerprint(t *testing.T) {
	store := createTestStorage(t)

	err := store.SaveProfile(context.Background(), "", calibration.Default)
	assert.Error(t, err)
}

func TestProfiles_ListAndDelete(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.SaveProfile(ctx, "a", calibration.Default))
	require.NoError(t, store.SaveProfile(ctx, "b", calibration.AlwaysSpin))

	all, err := store.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	byKey := map[string]StoredProfile{}
	for _, sp := range all {
		byKey[sp.Fingerprint] = sp
		assert.False(t, sp.UpdatedAt.IsZero())
	}
	assert.Equal(t, calibration.AlwaysSpin, byKey["b"].Profile)
	assert.Equal(t, "stored", byKey["a"].Wire().Source)

	require.NoError(t, store.DeleteProfile(ctx, "a"))
	_, err = store.LoadProfile(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRuns_SaveAndGet(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := testRun("run-1", started)
	run.WaitStats = &types.HistogramStats{Count: 200, Avg: 47.5, P99: 99}
	run.Profile = calibration.Default.Wire("host", "default")
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)

	assert.True(t, started.Equal(got.StartedAt), "startedAt %v", got.StartedAt)
	assert.True(t, run.CompletedAt.Equal(got.CompletedAt))
	assert.Equal(t, run.Pattern, got.Pattern)
	assert.Equal(t, run.Workers, got.Workers)
	assert.Equal(t, run.Summary, got.Summary)
	assert.Equal(t, run.Config, got.Config)
	assert.Equal(t, run.Profile, got.Profile)
	require.NotNil(t, got.WaitStats)
	assert.Equal(t, 200, got.WaitStats.Count)
}

func TestRuns_AssignsID(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	run := testRun("", time.Now())
	require.NoError(t, store.SaveRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WaitStats)
}

func TestRuns_NotFound(t *testing.T) {
	store := createTestStorage(t)

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRuns_ListPaginates(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := testRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, store.SaveRun(ctx, run))
	}

	page, err := store.ListRuns(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Runs, 2)
	assert.Equal(t, "run-4", page.Runs[0].ID, "newest first")
	assert.Equal(t, "run-3", page.Runs[1].ID)

	page, err = store.ListRuns(ctx, 2, 4)
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, "run-0", page.Runs[0].ID)
}

func TestRuns_ListEmpty(t *testing.T) {
	store := createTestStorage(t)

	page, err := store.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Runs)
	assert.Empty(t, page.Runs)
}

func TestRuns_Delete(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRun(ctx, testRun("gone", time.Now())))
	require.NoError(t, store.DeleteRun(ctx, "gone"))

	_, err := store.GetRun(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}
