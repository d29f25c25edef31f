// Package types contains public API types for the pacer service.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// LoadPattern represents the type of rate schedule a run follows.
type LoadPattern string

const (
	PatternConstant LoadPattern = "constant"
	PatternRamp     LoadPattern = "ramp"
	PatternSpike    LoadPattern = "spike"
	PatternSteps    LoadPattern = "steps"
)

// RunStatus represents the current runner state.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// HistogramBucket represents one histogram bucket.
type HistogramBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// HistogramStats holds summary statistics of a sample distribution.
// Units are those of the recorded samples.
type HistogramStats struct {
	Count   int               `json:"count"`
	Min     float64           `json:"min"`
	Max     float64           `json:"max"`
	Avg     float64           `json:"avg"`
	P50     float64           `json:"p50"`
	P75     float64           `json:"p75"`
	P90     float64           `json:"p90"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
	Buckets []HistogramBucket `json:"buckets,omitempty"`
}

// Profile is the wire form of a calibration profile. Durations are in
// nanoseconds.
type Profile struct {
	Fingerprint      string  `json:"fingerprint,omitempty"`
	SpinIntervalNs   int64   `json:"spinIntervalNs"`
	YieldThresholdNs int64   `json:"yieldThresholdNs"`
	WaitThresholdNs  int64   `json:"waitThresholdNs"`
	WaitFudge        float64 `json:"waitFudge"`
	MaxRate          float64 `json:"maxRate"`
	Source           string  `json:"source,omitempty"` // file, stored, calibrated or default
}

// LayerStatus describes one resolved limiter layer.
type LayerStatus struct {
	Kind     string  `json:"kind"` // interval or delay
	WindowMs float64 `json:"windowMs"`
	Count    int     `json:"count"`
}

// Status is the live state of the limiter and the active run.
type Status struct {
	Status       RunStatus     `json:"status"`
	RunID        string        `json:"runId,omitempty"`
	Pattern      LoadPattern   `json:"pattern,omitempty"`
	TargetRate   float64       `json:"targetRate"`
	AchievedRate float64       `json:"achievedRate"`
	Releases     uint64        `json:"releases"`
	Workers      int           `json:"workers"`
	ElapsedMs    int64         `json:"elapsedMs"`
	Layers       []LayerStatus `json:"layers,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// SetRateRequest is the API request to change the target rate.
type SetRateRequest struct {
	Rate float64 `json:"rate"`
}

// StartRunRequest is the API request to start a run.
type StartRunRequest struct {
	Pattern     LoadPattern `json:"pattern"`
	DurationSec int         `json:"durationSec"`
	Workers     int         `json:"workers,omitempty"`

	// Constant pattern
	ConstantRate float64 `json:"constantRate,omitempty"`

	// Ramp pattern
	RampStart float64 `json:"rampStart,omitempty"`
	RampEnd   float64 `json:"rampEnd,omitempty"`
	RampSteps int     `json:"rampSteps,omitempty"`

	// Spike pattern
	BaselineRate  float64 `json:"baselineRate,omitempty"`
	SpikeRate     float64 `json:"spikeRate,omitempty"`
	SpikeDuration int     `json:"spikeDuration,omitempty"` // seconds
	SpikeInterval int     `json:"spikeInterval,omitempty"` // seconds

	// Steps pattern
	StepRates       []float64 `json:"stepRates,omitempty"`
	StepDurationSec int       `json:"stepDurationSec,omitempty"`
}

// RunSummary is the analysis of one run's release timestamps.
type RunSummary struct {
	Releases         int     `json:"releases"`
	AchievedRate     float64 `json:"achievedRate"`
	WindowMs         float64 `json:"windowMs"`
	MaxPerWindow     int     `json:"maxPerWindow"`
	MinWindowRate    float64 `json:"minWindowRate"`
	MeanWindowRate   float64 `json:"meanWindowRate"`
	MeanIntervalMs   float64 `json:"meanIntervalMs"`
	StdDevIntervalMs float64 `json:"stdDevIntervalMs"`
}

// RunResult stores the final results of a completed run.
type RunResult struct {
	ID          string          `json:"id"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
	Pattern     LoadPattern     `json:"pattern"`
	DurationMs  int64           `json:"durationMs"`
	Workers     int             `json:"workers"`
	Summary     RunSummary      `json:"summary"`
	WaitStats   *HistogramStats `json:"waitStats,omitempty"` // ms spent in Wait
	Profile     Profile         `json:"profile"`
	Config      StartRunRequest `json:"config"`
}
