package runner

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/gateway-fm/pacer/pkg/types"
)

func sortTimes(times []time.Time) {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
}

// Summarize analyses sorted release timestamps.
//
// MaxPerWindow is the largest number of releases inside any half-open span
// of length window, which bounds burstiness. The window rates come from
// consecutive windows starting at the first release; the trailing partial
// window is left out, so MinWindowRate exposes undershoot.
func Summarize(times []time.Time, window time.Duration) types.RunSummary {
	s := types.RunSummary{
		Releases: len(times),
		WindowMs: float64(window) / float64(time.Millisecond),
	}
	if len(times) == 0 || window <= 0 {
		return s
	}

	j := 0
	for i := range times {
		for times[i].Sub(times[j]) >= window {
			j++
		}
		s.MaxPerWindow = max(s.MaxPerWindow, i-j+1)
	}

	if len(times) < 2 {
		return s
	}

	span := times[len(times)-1].Sub(times[0])
	if span > 0 {
		s.AchievedRate = float64(len(times)-1) / span.Seconds()
	}

	intervals := make([]float64, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals[i-1] = float64(times[i].Sub(times[i-1])) / float64(time.Millisecond)
	}
	s.MeanIntervalMs = stat.Mean(intervals, nil)
	if len(intervals) > 1 {
		s.StdDevIntervalMs = stat.StdDev(intervals, nil)
	}

	full := int(span / window)
	if full == 0 {
		return s
	}
	counts := make([]float64, full)
	for _, ts := range times {
		if k := int(ts.Sub(times[0]) / window); k < full {
			counts[k]++
		}
	}
	rates := make([]float64, full)
	for k, n := range counts {
		rates[k] = n / window.Seconds()
	}
	s.MeanWindowRate = stat.Mean(rates, nil)
	s.MinWindowRate = rates[0]
	for _, r := range rates[1:] {
		s.MinWindowRate = min(s.MinWindowRate, r)
	}

	return s
}
