// Pacer runs the process-wide rate limiter as a service.
//
// In server mode it exposes the limiter over HTTP and WebSocket. With -run it
// drives a single run from the command line and prints the summary. With
// -calibrate it measures this machine, stores the profile and exits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/internal/config"
	"github.com/gateway-fm/pacer/internal/metrics"
	"github.com/gateway-fm/pacer/internal/ratelimit"
	"github.com/gateway-fm/pacer/internal/runner"
	"github.com/gateway-fm/pacer/internal/service"
	"github.com/gateway-fm/pacer/internal/storage"
	"github.com/gateway-fm/pacer/internal/transport"
)

func main() {
	cfg, runCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runCfg, logger); err != nil {
		logger.Error("pacer failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, runCfg *config.RunConfig, logger *slog.Logger) error {
	var store storage.Storage
	if cfg.DatabasePath != "" {
		s, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer s.Close()
		store = s
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}

	fingerprint := calibration.Fingerprint()

	if cfg.Calibrate {
		return calibrate(ctx, cfg, store, fingerprint, logger)
	}

	profile, source, err := resolveProfile(ctx, cfg, store, fingerprint)
	if err != nil {
		return err
	}
	logger.Info("resolved calibration profile",
		"source", source,
		"fingerprint", fingerprint,
		"profile", profile.String(),
	)

	if cfg.ExportProfile != "" {
		if err := calibration.SaveFile(cfg.ExportProfile, profile); err != nil {
			return err
		}
		logger.Info("exported profile", "path", cfg.ExportProfile)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewPrometheusMetrics(reg)
	prom.SetCalibration(profile.SpinInterval, profile.YieldThreshold, profile.WaitThreshold)
	collector := metrics.NewMemoryCollector(prom)

	limiter := ratelimit.New(cfg.Rate,
		ratelimit.WithProfile(profile),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(collector),
	)

	svcCfg := service.Config{
		Limiter:   limiter,
		Collector: collector,
		Prom:      prom,
		Profile:   profile.Wire(fingerprint, source),
		Task:      targetTask(cfg.Target),
		Workers:   cfg.Workers,
		Logger:    logger,

		Concurrency: cfg.Concurrency,
	}
	if store != nil {
		svcCfg.Store = store
	}
	p, err := service.New(svcCfg)
	if err != nil {
		return err
	}

	if runCfg != nil {
		return runOnce(ctx, p, runCfg, logger)
	}
	return serve(ctx, cfg, p, reg, logger)
}

// resolveProfile picks the profile file, then the stored profile for this
// machine, then the built-in default.
func resolveProfile(ctx context.Context, cfg *config.Config, store storage.ProfileStore, fingerprint string) (calibration.Profile, string, error) {
	if cfg.ProfilePath != "" {
		p, err := calibration.LoadFile(cfg.ProfilePath)
		if err != nil {
			return calibration.Profile{}, "", err
		}
		return p, "file", nil
	}

	if store != nil {
		p, err := store.LoadProfile(ctx, fingerprint)
		switch {
		case err == nil:
			return p, "stored", nil
		case !errors.Is(err, storage.ErrNotFound):
			return calibration.Profile{}, "", err
		}
	}

	return calibration.Default, "default", nil
}

func calibrate(ctx context.Context, cfg *config.Config, store storage.ProfileStore, fingerprint string, logger *slog.Logger) error {
	ccfg := calibration.DefaultConfig()
	ccfg.Logger = logger

	profile, err := calibration.NewCalibrator(ccfg).Calibrate(ctx)
	if err != nil {
		return err
	}
	logger.Info("calibration complete", "fingerprint", fingerprint, "profile", profile.String())

	if store != nil {
		if err := store.SaveProfile(ctx, fingerprint, profile); err != nil {
			return err
		}
		logger.Info("stored profile", "fingerprint", fingerprint)
	}
	if cfg.ExportProfile != "" {
		if err := calibration.SaveFile(cfg.ExportProfile, profile); err != nil {
			return err
		}
		logger.Info("exported profile", "path", cfg.ExportProfile)
	}

	return printJSON(profile.Wire(fingerprint, "calibrated"))
}

func runOnce(ctx context.Context, p *service.Pacer, runCfg *config.RunConfig, logger *slog.Logger) error {
	req := runCfg.Request()
	logger.Info("starting run",
		"pattern", req.Pattern,
		"rate", runCfg.Rate,
		"duration", runCfg.Duration,
	)

	result, err := p.Run(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func serve(ctx context.Context, cfg *config.Config, p *service.Pacer, reg *prometheus.Registry, logger *slog.Logger) error {
	// pprof on localhost only
	go func() {
		logger.Info("pprof listening", "addr", "localhost:6061")
		if err := http.ListenAndServe("localhost:6061", nil); err != nil {
			logger.Error("pprof server failed", "error", err)
		}
	}()

	server := transport.NewServer(p, reg, logger, cfg.CORSAllowedOrigins)
	server.Start()
	defer server.Stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	p.StopRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// targetTask requests url once per release. Returns nil for an empty url.
func targetTask(url string) runner.Task {
	if url == "" {
		return nil
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("target returned %s", resp.Status)
		}
		return nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
