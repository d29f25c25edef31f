package mcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseRates(t *testing.T) {
	rates, err := parseRates("10, 50,100,")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rates) != 3 || rates[0] != 10 || rates[2] != 100 {
		t.Errorf("rates = %v, want [10 50 100]", rates)
	}

	for _, in := range []string{"", "abc", "10,-5", " , "} {
		if _, err := parseRates(in); err == nil {
			t.Errorf("parseRates(%q) should fail", in)
		}
	}
}

func TestFormatStatus(t *testing.T) {
	raw := json.RawMessage(`{
		"status": "running",
		"runId": "abc",
		"pattern": "constant",
		"targetRate": 200,
		"achievedRate": 180,
		"releases": 12345,
		"workers": 4,
		"elapsedMs": 2500,
		"layers": [{"kind": "interval", "windowMs": 5, "count": 1}]
	}`)

	out := formatStatus(raw)
	for _, want := range []string{"running", "abc", "200/s", "180/s", "12,345", "90.0%", "interval", "2.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatProfile(t *testing.T) {
	raw := json.RawMessage(`{
		"fingerprint": "linux/amd64/8",
		"spinIntervalNs": 100,
		"yieldThresholdNs": 20000,
		"waitThresholdNs": 2000000,
		"waitFudge": 0.9,
		"source": "calibrated"
	}`)

	out := formatProfile(raw)
	for _, want := range []string{"calibrated", "linux/amd64/8", "100ns", "20.0µs", "2.00ms", "0.90", "unbounded"} {
		if !strings.Contains(out, want) {
			t.Errorf("profile output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatRuns(t *testing.T) {
	empty := formatRuns(json.RawMessage(`{"runs": [], "total": 0}`))
	if !strings.Contains(empty, "No runs found") {
		t.Errorf("expected empty message, got:\n%s", empty)
	}

	out := formatRuns(json.RawMessage(`{
		"runs": [{"id": "r1", "pattern": "ramp", "startedAt": "2024-01-02T03:04:05Z",
			"summary": {"releases": 1000, "achievedRate": 99.5, "maxPerWindow": 2}}],
		"total": 1
	}`))
	for _, want := range []string{"### r1", "ramp", "1,000", "99.50/s", "2024-01-02 03:04:05"} {
		if !strings.Contains(out, want) {
			t.Errorf("runs output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatRunDetail(t *testing.T) {
	if got := formatRunDetail(json.RawMessage(`{}`)); got != "Run not found" {
		t.Errorf("got %q, want Run not found", got)
	}

	out := formatRunDetail(json.RawMessage(`{
		"id": "r2",
		"pattern": "spike",
		"durationMs": 10000,
		"workers": 8,
		"summary": {"releases": 500, "windowMs": 10, "maxPerWindow": 1},
		"waitStats": {"p50": 4.2, "p99": 9.9},
		"config": {"pattern": "spike", "spikeRate": 100}
	}`))
	for _, want := range []string{"r2", "10.0s", "Smoothness", "Time in Wait", "4.2ms", "spikeRate"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail output missing %q:\n%s", want, out)
		}
	}
}

func TestClient_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/status":
			w.Write([]byte(`{"status":"idle"}`))
		default:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"a run is already in progress"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")

	raw, err := c.Get("/v1/status")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(raw), "idle") {
		t.Errorf("unexpected body %s", raw)
	}

	_, err = c.Post("/v1/runs", map[string]any{"pattern": "constant"})
	if err == nil {
		t.Fatal("expected error for 409")
	}
	if !strings.Contains(err.Error(), "HTTP 409: a run is already in progress") {
		t.Errorf("error = %v", err)
	}
}
