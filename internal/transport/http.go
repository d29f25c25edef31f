// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/pacer/internal/storage"
	"github.com/gateway-fm/pacer/pkg/types"
)

// Input validation constants
const (
	maxDurationSec = 3600    // Maximum run duration: 1 hour
	maxRate        = 1000000 // Maximum target rate
	maxWorkers     = 10000
	maxRampSteps   = 1000
	maxSpikeDur    = 3600
	maxSpikeInt    = 3600
	maxStepRates   = 100
)

// validPatterns contains all valid load patterns
var validPatterns = map[types.LoadPattern]bool{
	types.PatternConstant: true,
	types.PatternRamp:     true,
	types.PatternSpike:    true,
	types.PatternSteps:    true,
}

// validateRate checks a single rate value from a request.
func validateRate(field string, rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("%s must be a finite number", field)
	}
	if rate < 0 {
		return fmt.Errorf("%s cannot be negative, got %v", field, rate)
	}
	if rate > maxRate {
		return fmt.Errorf("%s exceeds maximum of %d", field, maxRate)
	}
	return nil
}

// validateStartRequest validates the start run request parameters
func validateStartRequest(req *types.StartRunRequest) error {
	if !validPatterns[req.Pattern] {
		return fmt.Errorf("invalid pattern: %s (valid: constant, ramp, spike, steps)", req.Pattern)
	}

	if req.DurationSec <= 0 {
		return fmt.Errorf("durationSec must be positive, got %d", req.DurationSec)
	}
	if req.DurationSec > maxDurationSec {
		return fmt.Errorf("durationSec exceeds maximum of %d seconds", maxDurationSec)
	}

	if req.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", req.Workers)
	}
	if req.Workers > maxWorkers {
		return fmt.Errorf("workers exceeds maximum of %d", maxWorkers)
	}

	switch req.Pattern {
	case types.PatternConstant:
		if err := validateRate("constantRate", req.ConstantRate); err != nil {
			return err
		}

	case types.PatternRamp:
		if err := validateRate("rampStart", req.RampStart); err != nil {
			return err
		}
		if err := validateRate("rampEnd", req.RampEnd); err != nil {
			return err
		}
		if req.RampSteps < 0 {
			return fmt.Errorf("rampSteps cannot be negative, got %d", req.RampSteps)
		}
		if req.RampSteps > maxRampSteps {
			return fmt.Errorf("rampSteps exceeds maximum of %d", maxRampSteps)
		}

	case types.PatternSpike:
		if err := validateRate("baselineRate", req.BaselineRate); err != nil {
			return err
		}
		if err := validateRate("spikeRate", req.SpikeRate); err != nil {
			return err
		}
		if req.SpikeDuration <= 0 {
			return fmt.Errorf("spikeDuration must be positive, got %d", req.SpikeDuration)
		}
		if req.SpikeDuration > maxSpikeDur {
			return fmt.Errorf("spikeDuration exceeds maximum of %d seconds", maxSpikeDur)
		}
		if req.SpikeInterval <= 0 {
			return fmt.Errorf("spikeInterval must be positive, got %d", req.SpikeInterval)
		}
		if req.SpikeInterval > maxSpikeInt {
			return fmt.Errorf("spikeInterval exceeds maximum of %d seconds", maxSpikeInt)
		}

	case types.PatternSteps:
		if len(req.StepRates) == 0 {
			return fmt.Errorf("stepRates must not be empty")
		}
		if len(req.StepRates) > maxStepRates {
			return fmt.Errorf("stepRates exceeds maximum of %d entries", maxStepRates)
		}
		for i, rate := range req.StepRates {
			if err := validateRate(fmt.Sprintf("stepRates[%d]", i), rate); err != nil {
				return err
			}
		}
		if req.StepDurationSec <= 0 {
			return fmt.Errorf("stepDurationSec must be positive, got %d", req.StepDurationSec)
		}
	}

	return nil
}

// PacerAPI defines the interface for the pacer service that handlers need.
type PacerAPI interface {
	Status() types.Status
	SetRate(rate float64) error
	Profile() types.Profile

	StartRun(req types.StartRunRequest) (string, error)
	StopRun()

	ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	GetRun(ctx context.Context, id string) (*types.RunResult, error)
}

// Server handles HTTP requests for the pacer service.
type Server struct {
	api       PacerAPI
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer
	gatherer  prometheus.Gatherer

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server. gatherer may be nil to serve the
// default registry.
func NewServer(api PacerAPI, gatherer prometheus.Gatherer, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		api:       api,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  NewWebSocketServer(api, logger),
		gatherer:  gatherer,
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Start begins streaming status to WebSocket clients.
func (s *Server) Start() {
	s.wsServer.Start()
}

// Stop disconnects WebSocket clients.
func (s *Server) Stop() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/rate", s.corsMiddleware(s.handleRate))
	mux.HandleFunc("/v1/profile", s.corsMiddleware(s.handleProfile))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoint (unversioned - standard Kubernetes probe)
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics (unversioned - standard path)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the live limiter and run state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.api.Status())
}

// handleRate reads (GET) or changes (POST) the target rate.
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, types.SetRateRequest{Rate: s.api.Status().TargetRate})

	case http.MethodPost:
		var req types.SetRateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateRate("rate", req.Rate); err != nil {
			s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.api.SetRate(req.Rate); err != nil {
			s.writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		s.writeJSON(w, req)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProfile returns the active calibration profile.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.api.Profile())
}

// handleRuns lists run history (GET) or starts a run (POST).
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleRunList(w, r)
	case http.MethodPost:
		s.handleStart(w, r)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	result, err := s.api.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req types.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.api.StartRun(req)
	if err != nil {
		s.logger.Error("Failed to start run", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to start run: "+err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started", "runId": id})
}

// handleRunDetail handles GET /v1/runs/{id}.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	if id == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	run, err := s.api.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, run)
}

// handleStop stops the current run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.api.StopRun()
	s.writeJSON(w, map[string]string{"status": "stopped"})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
