package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// gatherValue reads one counter or gauge sample from reg.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestMemoryCollector_RecordRelease(t *testing.T) {
	c := NewMemoryCollector(nil)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	c.SetTargetRate(50)
	for i := 0; i < 20; i++ {
		c.RecordRelease(2 * time.Millisecond)
		now = now.Add(50 * time.Millisecond)
	}

	snap := c.GetSnapshot()
	if snap.Releases != 20 {
		t.Errorf("expected 20 releases, got %d", snap.Releases)
	}
	if snap.TargetRate != 50 {
		t.Errorf("expected target 50, got %v", snap.TargetRate)
	}
	// 20 releases 50ms apart: the last second holds the most recent 20 or so.
	if snap.AchievedRate < 18 || snap.AchievedRate > 20 {
		t.Errorf("expected achieved rate ~20, got %v", snap.AchievedRate)
	}

	stats := c.GetWaitStats()
	if stats == nil || stats.Count != 20 {
		t.Fatalf("expected 20 wait samples, got %+v", stats)
	}
	if stats.P50 != 2 {
		t.Errorf("expected median wait 2ms, got %v", stats.P50)
	}
}

func TestMemoryCollector_RateDecays(t *testing.T) {
	c := NewMemoryCollector(nil)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		c.RecordRelease(0)
	}
	if r := c.GetAchievedRate(); r != 100 {
		t.Errorf("expected 100, got %v", r)
	}

	now = now.Add(5 * time.Second)
	if r := c.GetAchievedRate(); r != 0 {
		t.Errorf("expected rate to decay to 0, got %v", r)
	}
	if p := c.GetPeakRate(); p != 100 {
		t.Errorf("expected peak 100, got %d", p)
	}
}

func TestMemoryCollector_Reset(t *testing.T) {
	c := NewMemoryCollector(nil)
	c.SetTargetRate(10)
	c.RecordRelease(time.Millisecond)

	c.Reset()

	if c.GetReleases() != 0 {
		t.Errorf("expected 0 releases after reset, got %d", c.GetReleases())
	}
	if c.GetWaitStats() != nil {
		t.Error("expected empty wait stats after reset")
	}
	if c.GetTargetRate() != 10 {
		t.Errorf("reset should keep the target rate, got %v", c.GetTargetRate())
	}
}

func TestMemoryCollector_MirrorsPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := NewPrometheusMetrics(reg)
	c := NewMemoryCollector(prom)

	c.SetTargetRate(250)
	c.RecordRelease(time.Millisecond)
	c.RecordRelease(time.Millisecond)

	if got := gatherValue(t, reg, "pacer_releases_total", nil); got != 2 {
		t.Errorf("expected pacer_releases_total 2, got %v", got)
	}
	if got := gatherValue(t, reg, "pacer_target_rate", nil); got != 250 {
		t.Errorf("expected pacer_target_rate 250, got %v", got)
	}
}

func TestPrometheusMetrics_Calibration(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := NewPrometheusMetrics(reg)

	prom.SetCalibration(time.Microsecond, 2*time.Microsecond, 200*time.Microsecond)
	prom.SetRunStatus("running")

	if got := gatherValue(t, reg, "pacer_calibration_seconds", map[string]string{"threshold": "wait"}); got != 200e-6 {
		t.Errorf("expected wait threshold 2e-4, got %v", got)
	}
	if got := gatherValue(t, reg, "pacer_run_status", map[string]string{"status": "running"}); got != 1 {
		t.Errorf("expected running=1, got %v", got)
	}
	if got := gatherValue(t, reg, "pacer_run_status", map[string]string{"status": "idle"}); got != 0 {
		t.Errorf("expected idle=0, got %v", got)
	}
}
