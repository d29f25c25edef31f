package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGonumFitter_RecoversBreakpoint(t *testing.T) {
	want := []float64{0.3, -1.0, -3.5}

	var xs, ys []float64
	for i := 0; i < 100; i++ {
		x := -7 + 6*float64(i)/99
		xs = append(xs, x)
		ys = append(ys, breakpoint(x, want))
	}

	got, err := GonumFitter{}.Fit(breakpoint, xs, ys, []float64{1, 1, -4})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.InDelta(t, want[0], got[0], 0.05)
	assert.InDelta(t, want[1], got[1], 0.2)
	assert.InDelta(t, want[2], got[2], 0.25)
}

func TestGonumFitter_RejectsBadInput(t *testing.T) {
	_, err := GonumFitter{}.Fit(breakpoint, []float64{1, 2}, []float64{1}, []float64{1, 1, -4})
	assert.Error(t, err)

	_, err = GonumFitter{}.Fit(breakpoint, []float64{1, 2}, []float64{1, 2}, []float64{1, 1, -4})
	assert.Error(t, err)
}
