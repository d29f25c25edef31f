package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for the pacer.
type PrometheusMetrics struct {
	ReleasesTotal prometheus.Counter

	// Gauges
	TargetRate        prometheus.Gauge
	AchievedRate      prometheus.Gauge
	Workers           prometheus.Gauge
	RunStatus         *prometheus.GaugeVec
	CalibrationValues *prometheus.GaugeVec

	// Histograms
	WaitSeconds prometheus.Histogram
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		ReleasesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pacer_releases_total",
				Help: "Total callers released by the rate limiter",
			},
		),

		TargetRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pacer_target_rate",
				Help: "Configured release rate per second",
			},
		),

		AchievedRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pacer_achieved_rate",
				Help: "Releases observed over the last second",
			},
		),

		Workers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pacer_workers",
				Help: "Goroutines currently waiting on the limiter in a run",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacer_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		CalibrationValues: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacer_calibration_seconds",
				Help: "Active calibration profile thresholds in seconds",
			},
			[]string{"threshold"},
		),

		WaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pacer_wait_seconds",
				Help:    "Time callers spent blocked in Wait",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 9),
			},
		),
	}
}

// RecordRelease records one release and how long the caller waited.
func (m *PrometheusMetrics) RecordRelease(waited time.Duration) {
	m.ReleasesTotal.Inc()
	m.WaitSeconds.Observe(waited.Seconds())
}

// SetTargetRate updates the target rate gauge.
func (m *PrometheusMetrics) SetTargetRate(rate float64) {
	m.TargetRate.Set(rate)
}

// SetAchievedRate updates the achieved rate gauge.
func (m *PrometheusMetrics) SetAchievedRate(rate float64) {
	m.AchievedRate.Set(rate)
}

// SetWorkers updates the worker gauge.
func (m *PrometheusMetrics) SetWorkers(n int) {
	m.Workers.Set(float64(n))
}

// SetCalibration publishes the active profile's thresholds.
func (m *PrometheusMetrics) SetCalibration(spin, yield, wait time.Duration) {
	m.CalibrationValues.WithLabelValues("spin").Set(spin.Seconds())
	m.CalibrationValues.WithLabelValues("yield").Set(yield.Seconds())
	m.CalibrationValues.WithLabelValues("wait").Set(wait.Seconds())
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status string) {
	for _, s := range []string{"idle", "running", "completed", "error"} {
		if s == status {
			m.RunStatus.WithLabelValues(s).Set(1)
		} else {
			m.RunStatus.WithLabelValues(s).Set(0)
		}
	}
}
