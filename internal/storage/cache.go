package storage

import (
	"context"

	"github.com/gateway-fm/pacer/internal/calibration"
)

// ProfileStore caches calibration profiles so a host only calibrates once.
// Scoped by fingerprint to keep profiles from different machines or Go
// versions apart.
type ProfileStore interface {
	SaveProfile(ctx context.Context, fingerprint string, p calibration.Profile) error
	LoadProfile(ctx context.Context, fingerprint string) (calibration.Profile, error)
	ListProfiles(ctx context.Context) ([]StoredProfile, error)
	DeleteProfile(ctx context.Context, fingerprint string) error
}
