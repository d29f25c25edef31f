// Package config handles configuration loading and validation.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/pacer/pkg/types"
)

// Config holds pacer service configuration.
type Config struct {
	Rate               float64 // initial target rate, events per second
	Workers            int
	ListenAddr         string
	DatabasePath       string // Path to SQLite database file
	ProfilePath        string // YAML calibration profile; empty uses the stored one
	LogLevel           string
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all

	// Calibrate runs calibration, stores the result and exits.
	Calibrate bool
	// ExportProfile writes the resolved profile to this YAML path.
	ExportProfile string

	// Target, when set, is requested once per release during a run.
	Target      string
	Concurrency int // max in-flight target requests
}

// RunConfig holds settings for a single run started from the command line.
type RunConfig struct {
	Pattern  types.LoadPattern
	Rate     float64
	Duration time.Duration
	Workers  int
}

// Defaults
const (
	DefaultRate               = 100.0
	DefaultWorkers            = 10
	DefaultListenAddr         = ":3002"
	DefaultDatabasePath       = "./data/pacer.db"
	DefaultLogLevel           = "info"
	DefaultCORSAllowedOrigins = "*"
	DefaultDuration           = 30 * time.Second
	DefaultConcurrency        = 256

	// Spike shape for command-line runs.
	DefaultSpikeDurationSec = 5
	DefaultSpikeIntervalSec = 20

	MaxWorkers = 10000
)

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
// Returns the config, run config (nil unless -run is set), and any error.
func Load() (*Config, *RunConfig, error) {
	return Parse(os.Args[1:], os.Getenv)
}

// Parse is Load with explicit arguments and environment lookup.
func Parse(args []string, getenv func(string) string) (*Config, *RunConfig, error) {
	cfg := &Config{
		Rate:               DefaultRate,
		Workers:            DefaultWorkers,
		ListenAddr:         DefaultListenAddr,
		DatabasePath:       DefaultDatabasePath,
		LogLevel:           DefaultLogLevel,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		Concurrency:        DefaultConcurrency,
	}

	// Environment first
	if v := getenv("PACER_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid PACER_RATE %q: %w", v, err)
		}
		cfg.Rate = rate
	}
	if v := getenv("PACER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid PACER_WORKERS %q: %w", v, err)
		}
		cfg.Workers = n
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := getenv("PACER_PROFILE"); v != "" {
		cfg.ProfilePath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}
	if v := getenv("PACER_TARGET"); v != "" {
		cfg.Target = v
	}

	fs := flag.NewFlagSet("pacer", flag.ContinueOnError)
	var (
		rate        = fs.Float64("rate", cfg.Rate, "Target rate in events per second")
		workers     = fs.Int("workers", cfg.Workers, "Number of worker goroutines")
		listenAddr  = fs.String("listen", cfg.ListenAddr, "HTTP listen address")
		dbPath      = fs.String("database", cfg.DatabasePath, "SQLite database path")
		profile     = fs.String("profile", cfg.ProfilePath, "Calibration profile YAML file")
		logLevel    = fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
		calibrate   = fs.Bool("calibrate", false, "Calibrate this host, store the profile and exit")
		export      = fs.String("export-profile", "", "Write the resolved calibration profile to this YAML file")
		target      = fs.String("target", cfg.Target, "URL to request once per release during a run")
		concurrency = fs.Int("concurrency", cfg.Concurrency, "Max in-flight target requests")
		run         = fs.Bool("run", false, "Run a single load run and exit")
		patternFlag = fs.String("pattern", string(types.PatternConstant), "Load pattern (constant, ramp, spike, steps)")
		duration    = fs.Duration("duration", DefaultDuration, "Run duration")
	)

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg.Rate = *rate
	cfg.Workers = *workers
	cfg.ListenAddr = *listenAddr
	cfg.DatabasePath = *dbPath
	cfg.ProfilePath = *profile
	cfg.LogLevel = *logLevel
	cfg.Calibrate = *calibrate
	cfg.ExportProfile = *export
	cfg.Target = *target
	cfg.Concurrency = *concurrency

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if !*run {
		return cfg, nil, nil
	}

	runCfg := &RunConfig{
		Pattern:  types.LoadPattern(*patternFlag),
		Rate:     cfg.Rate,
		Duration: *duration,
		Workers:  cfg.Workers,
	}
	if err := runCfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, runCfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validateRate(c.Rate); err != nil {
		return err
	}
	if c.Rate < 0 {
		return fmt.Errorf("rate cannot be negative")
	}
	if c.Workers <= 0 || c.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d", MaxWorkers)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Target != "" && !strings.HasPrefix(c.Target, "http://") && !strings.HasPrefix(c.Target, "https://") {
		return fmt.Errorf("target must be an http(s) URL: %s", c.Target)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

func validateRate(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("rate must be a finite number, got %v", rate)
	}
	return nil
}

// AllowedOrigins splits CORSAllowedOrigins.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate validates the run configuration.
func (c *RunConfig) Validate() error {
	switch c.Pattern {
	case types.PatternConstant, types.PatternRamp, types.PatternSpike, types.PatternSteps:
		// valid
	default:
		return fmt.Errorf("invalid pattern: %s", c.Pattern)
	}

	if err := validateRate(c.Rate); err != nil {
		return err
	}
	if c.Rate <= 0 {
		return fmt.Errorf("rate must be positive")
	}
	if c.Duration < time.Second {
		return fmt.Errorf("duration must be at least 1s")
	}
	if c.Workers <= 0 || c.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d", MaxWorkers)
	}
	return nil
}

// Request expands the run config into a full run request. Rate is the peak
// rate of every pattern.
func (c *RunConfig) Request() types.StartRunRequest {
	durationSec := int(c.Duration / time.Second)
	req := types.StartRunRequest{
		Pattern:     c.Pattern,
		DurationSec: durationSec,
		Workers:     c.Workers,
	}

	switch c.Pattern {
	case types.PatternConstant:
		req.ConstantRate = c.Rate
	case types.PatternRamp:
		req.RampStart = 0
		req.RampEnd = c.Rate
	case types.PatternSpike:
		req.BaselineRate = c.Rate / 4
		req.SpikeRate = c.Rate
		req.SpikeDuration = DefaultSpikeDurationSec
		req.SpikeInterval = DefaultSpikeIntervalSec
	case types.PatternSteps:
		req.StepRates = []float64{c.Rate / 4, c.Rate / 2, c.Rate * 3 / 4, c.Rate}
		req.StepDurationSec = max(1, durationSec/len(req.StepRates))
	}
	return req
}

// ParseLogLevel maps a level name onto slog.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}
