// Package storage provides persistence for calibration profiles and run
// history.
package storage

import (
	"time"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/pkg/types"
)

// StoredProfile is a calibration profile together with its cache key.
type StoredProfile struct {
	Fingerprint string              `json:"fingerprint"`
	Profile     calibration.Profile `json:"profile"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Wire returns the API form of the stored profile.
func (sp StoredProfile) Wire() types.Profile {
	return sp.Profile.Wire(sp.Fingerprint, "stored")
}

// PaginatedRuns represents a paginated list of run results.
type PaginatedRuns struct {
	Runs   []types.RunResult `json:"runs"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}
