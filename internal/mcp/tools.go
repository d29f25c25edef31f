package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all pacer tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerSetRate(s, client)
	registerProfile(s, client)
	registerStartRun(s, client)
	registerStop(s, client)
	registerRuns(s, client)
	registerRunDetail(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("pacer_status",
		gomcp.WithDescription("Get current limiter status: target and achieved rate, release count, active run and the resolved limiter layers."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Pacer unreachable: %v\n\nIs the service running? Try: pacer -listen :3002", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("pacer_health",
		gomcp.WithDescription("Quick liveness check for the pacer service."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/health")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Pacer unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerSetRate(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("pacer_set_rate",
		gomcp.WithDescription("Change the target rate in events per second. This is a MUTATING operation. 0 blocks all callers. Rejected while a run is in progress."),
		gomcp.WithNumber("rate",
			gomcp.Required(),
			gomcp.Description("New target rate, events per second (>= 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		rate, err := req.RequireFloat("rate")
		if err != nil {
			return gomcp.NewToolResultError("rate is required"), nil
		}
		if rate < 0 {
			return gomcp.NewToolResultError("rate cannot be negative"), nil
		}

		if _, err := client.Post("/v1/rate", map[string]any{"rate": rate}); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Set rate failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Rate Changed"),
			kv("Target Rate", formatRate(rate)),
		)), nil
	})
}

func registerProfile(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("pacer_profile",
		gomcp.WithDescription("Show the active calibration profile: spin interval and the yield and wait thresholds that pick how the limiter pauses."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/v1/profile")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Profile failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatProfile(raw)), nil
	})
}

func registerStartRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("pacer_start_run",
		gomcp.WithDescription("Start a load run that drives the limiter along a rate pattern. This is a MUTATING operation. Patterns: constant, ramp, spike, steps."),
		gomcp.WithString("pattern",
			gomcp.Required(),
			gomcp.Description("Rate pattern: constant, ramp, spike, steps"),
		),
		gomcp.WithNumber("duration_sec",
			gomcp.Required(),
			gomcp.Description("Run duration in seconds (1-3600)"),
		),
		gomcp.WithNumber("workers",
			gomcp.Description("Worker goroutines (default: service setting)"),
		),
		gomcp.WithNumber("constant_rate",
			gomcp.Description("Rate for constant pattern"),
		),
		gomcp.WithNumber("ramp_start",
			gomcp.Description("Start rate for ramp pattern"),
		),
		gomcp.WithNumber("ramp_end",
			gomcp.Description("End rate for ramp pattern"),
		),
		gomcp.WithNumber("ramp_steps",
			gomcp.Description("Number of steps for ramp pattern (0 = continuous)"),
		),
		gomcp.WithNumber("baseline_rate",
			gomcp.Description("Baseline rate for spike pattern"),
		),
		gomcp.WithNumber("spike_rate",
			gomcp.Description("Spike rate for spike pattern"),
		),
		gomcp.WithNumber("spike_duration",
			gomcp.Description("Spike duration in seconds"),
		),
		gomcp.WithNumber("spike_interval",
			gomcp.Description("Interval between spikes in seconds"),
		),
		gomcp.WithString("step_rates",
			gomcp.Description("Comma-separated rates for steps pattern, e.g. 10,50,100"),
		),
		gomcp.WithNumber("step_duration_sec",
			gomcp.Description("Seconds per step for steps pattern"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		pattern, err := req.RequireString("pattern")
		if err != nil {
			return gomcp.NewToolResultError("pattern is required"), nil
		}
		durationSec := req.GetInt("duration_sec", 0)
		if durationSec <= 0 {
			return gomcp.NewToolResultError("duration_sec must be positive"), nil
		}

		payload, err := startPayload(req, pattern, durationSec)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}

		raw, err := client.Post("/v1/runs", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Start run failed: %v", err)), nil
		}
		var started map[string]any
		json.Unmarshal(raw, &started)

		return gomcp.NewToolResultText(joinLines(
			section("Run Started"),
			kv("Run ID", getStr(started, "runId")),
			kv("Pattern", pattern),
			kv("Duration", fmt.Sprintf("%ds", durationSec)),
		)), nil
	})
}

// startPayload builds the run request body from tool arguments.
func startPayload(req gomcp.CallToolRequest, pattern string, durationSec int) (map[string]any, error) {
	payload := map[string]any{
		"pattern":     pattern,
		"durationSec": durationSec,
	}

	if v := req.GetInt("workers", 0); v > 0 {
		payload["workers"] = v
	}
	for arg, field := range map[string]string{
		"constant_rate": "constantRate",
		"ramp_start":    "rampStart",
		"ramp_end":      "rampEnd",
		"baseline_rate": "baselineRate",
		"spike_rate":    "spikeRate",
	} {
		if v := req.GetFloat(arg, 0); v > 0 {
			payload[field] = v
		}
	}
	for arg, field := range map[string]string{
		"ramp_steps":        "rampSteps",
		"spike_duration":    "spikeDuration",
		"spike_interval":    "spikeInterval",
		"step_duration_sec": "stepDurationSec",
	} {
		if v := req.GetInt(arg, 0); v > 0 {
			payload[field] = v
		}
	}

	if v := req.GetString("step_rates", ""); v != "" {
		rates, err := parseRates(v)
		if err != nil {
			return nil, err
		}
		payload["stepRates"] = rates
	}
	return payload, nil
}

// parseRates parses a comma-separated list of non-negative rates.
func parseRates(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	rates := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid step rate %q", p)
		}
		if v < 0 {
			return nil, fmt.Errorf("step rate cannot be negative: %v", v)
		}
		rates = append(rates, v)
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("step_rates is empty")
	}
	return rates, nil
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("pacer_stop",
		gomcp.WithDescription("Stop the currently running load run. This is a MUTATING operation."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		_, err := client.Post("/v1/stop", nil)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Stopped"),
			"The run has been stopped. Results will be available in pacer_runs.",
		)), nil
	})
}

func registerRuns(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("pacer_runs",
		gomcp.WithDescription("List completed runs with summary metrics (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset)

		raw, err := client.Get(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("pacer_run_detail",
		gomcp.WithDescription("Get detailed results for a specific run by ID: smoothness, wait distribution and the profile it ran with."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get("/v1/runs/" + id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	target := getNum(m, "targetRate")
	achieved := getNum(m, "achievedRate")

	lines := joinLines(
		section("Pacer Status"),
		kv("Status", getStr(m, "status")),
		kv("Run ID", getStr(m, "runId")),
		kv("Pattern", getStr(m, "pattern")),
		kv("Target Rate", formatRate(target)),
		kv("Achieved Rate", formatRate(achieved)),
		kv("Releases", formatNumber(getNum(m, "releases"))),
		kv("Workers", formatNumber(getNum(m, "workers"))),
		kv("Elapsed", fmt.Sprintf("%.1fs", getNum(m, "elapsedMs")/1000)),
	)
	if target > 0 {
		lines += "\n" + kv("Achieved / Target", formatPct(achieved/target*100))
	}
	if errMsg := getStr(m, "error"); errMsg != "" {
		lines += "\n" + kv("Error", errMsg)
	}

	if layers, ok := m["layers"].([]any); ok && len(layers) > 0 {
		lines += "\n\n" + section("Layers")
		for i, l := range layers {
			layer, ok := l.(map[string]any)
			if !ok {
				continue
			}
			lines += fmt.Sprintf("\n  [%d] %-8s %d per %s", i, getStr(layer, "kind"),
				int64(getNum(layer, "count")), formatMs(getNum(layer, "windowMs")))
		}
	}

	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	return joinLines(
		section("Pacer Health: "+strings.ToUpper(getStr(m, "status"))),
		kv("Uptime", fmt.Sprintf("%.0fs", getNum(m, "uptime_seconds"))),
	)
}

func formatProfile(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing profile: %v", err)
	}

	maxRate := "unbounded"
	if v := getNum(m, "maxRate"); v > 0 {
		maxRate = formatRate(v)
	}

	return joinLines(
		section("Calibration Profile"),
		kv("Source", getStr(m, "source")),
		kv("Fingerprint", getStr(m, "fingerprint")),
		kv("Spin Interval", formatNs(getNum(m, "spinIntervalNs"))),
		kv("Yield Threshold", formatNs(getNum(m, "yieldThresholdNs"))),
		kv("Wait Threshold", formatNs(getNum(m, "waitThresholdNs"))),
		kv("Wait Fudge", fmt.Sprintf("%.2f", getNum(m, "waitFudge"))),
		kv("Max Rate", maxRate),
	)
}

func formatRuns(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing runs: %v", err)
	}

	total := getNum(m, "total")
	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(total)),
		"",
	)

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		lines += "\nNo runs found."
		return lines
	}
	lines += "\n\n"

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		summary, _ := run["summary"].(map[string]any)

		lines += fmt.Sprintf("### %s\n", getStr(run, "id"))
		lines += joinLines(
			kv("Pattern", getStr(run, "pattern")),
			kv("Releases", formatNumber(getNum(summary, "releases"))),
			kv("Achieved Rate", formatRate(getNum(summary, "achievedRate"))),
			kv("Max per Window", formatNumber(getNum(summary, "maxPerWindow"))),
			kv("Started", formatTime(getStr(run, "startedAt"))),
		)
		lines += "\n\n"
	}

	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var run map[string]any
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	if getStr(run, "id") == "" {
		return "Run not found"
	}

	summary, _ := run["summary"].(map[string]any)

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Pattern", getStr(run, "pattern")),
		kv("Duration", fmt.Sprintf("%.1fs", getNum(run, "durationMs")/1000)),
		kv("Workers", formatNumber(getNum(run, "workers"))),
		kv("Started", formatTime(getStr(run, "startedAt"))),
	)

	lines += "\n\n" + joinLines(
		section("Smoothness"),
		kv("Releases", formatNumber(getNum(summary, "releases"))),
		kv("Achieved Rate", formatRate(getNum(summary, "achievedRate"))),
		kv("Window", formatMs(getNum(summary, "windowMs"))),
		kv("Max per Window", formatNumber(getNum(summary, "maxPerWindow"))),
		kv("Min Window Rate", formatRate(getNum(summary, "minWindowRate"))),
		kv("Mean Interval", formatMs(getNum(summary, "meanIntervalMs"))),
		kv("Interval StdDev", formatMs(getNum(summary, "stdDevIntervalMs"))),
	)

	if waits, ok := run["waitStats"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Time in Wait"),
			kv("Min", formatMs(getNum(waits, "min"))),
			kv("P50", formatMs(getNum(waits, "p50"))),
			kv("P95", formatMs(getNum(waits, "p95"))),
			kv("P99", formatMs(getNum(waits, "p99"))),
			kv("Max", formatMs(getNum(waits, "max"))),
		)
	}

	if cfg, ok := run["config"].(map[string]any); ok {
		lines += "\n\n" + section("Config")
		for k, v := range cfg {
			switch val := v.(type) {
			case float64:
				if val == float64(int64(val)) {
					lines += "\n" + kv(k, formatNumber(val))
				} else {
					lines += "\n" + kv(k, fmt.Sprintf("%.2f", val))
				}
			case string:
				if val != "" {
					lines += "\n" + kv(k, val)
				}
			}
		}
	}

	return lines
}

func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02 15:04:05")
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
