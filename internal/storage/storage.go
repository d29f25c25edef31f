package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunStore persists completed run results.
type RunStore interface {
	SaveRun(ctx context.Context, run *types.RunResult) error
	GetRun(ctx context.Context, id string) (*types.RunResult, error)
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
}

// Storage defines the persistence interface for the pacer service.
type Storage interface {
	RunStore
	ProfileStore

	// Lifecycle
	Close() error
}

var (
	_ Storage      = (*SQLiteStorage)(nil)
	_ ProfileStore = (*SQLiteStorage)(nil)
	_ RunStore     = (*SQLiteStorage)(nil)
)

// profileFromRow rebuilds a calibration profile from its stored columns.
func profileFromRow(spinNs, yieldNs, waitNs int64, fudge float64) calibration.Profile {
	return calibration.Profile{
		SpinInterval:   durationNs(spinNs),
		YieldThreshold: durationNs(yieldNs),
		WaitThreshold:  durationNs(waitNs),
		WaitFudge:      fudge,
	}
}
