package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// ErrNoFitter is returned by Calibrate when no curve fitter is configured.
var ErrNoFitter = errors.New("calibration: no curve fitter configured")

// Model evaluates a parametric curve at x.
type Model func(x float64, params []float64) float64

// Fitter finds the parameters of a model that best fit a set of points in
// the least-squares sense.
type Fitter interface {
	Fit(model Model, xs, ys, initial []float64) ([]float64, error)
}

// GonumFitter minimises the sum of squared residuals with gonum's
// Nelder-Mead simplex. Nelder-Mead needs no gradient, so models with kinks
// (like the breakpoint curve) fit without special handling.
type GonumFitter struct {
	// MaxIterations bounds the optimiser. Zero means 10000.
	MaxIterations int
}

// Fit implements Fitter.
func (f GonumFitter) Fit(model Model, xs, ys, initial []float64) ([]float64, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("fit: %d xs but %d ys", len(xs), len(ys))
	}
	if len(xs) < len(initial) {
		return nil, fmt.Errorf("fit: %d points cannot determine %d parameters", len(xs), len(initial))
	}

	iterations := f.MaxIterations
	if iterations <= 0 {
		iterations = 10000
	}

	problem := optimize.Problem{
		Func: func(params []float64) float64 {
			var sum float64
			for i, x := range xs {
				r := model(x, params) - ys[i]
				sum += r * r
			}
			return sum
		},
	}

	result, err := optimize.Minimize(problem, initial, &optimize.Settings{
		MajorIterations: iterations,
	}, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}

	for _, p := range result.X {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("fit: optimiser diverged (status %v)", result.Status)
		}
	}
	return result.X, nil
}

// breakpoint is σ(x) = b − a·min(x, c): linear in x up to c, flat beyond.
// params are (a, b, c).
func breakpoint(x float64, params []float64) float64 {
	return params[1] - params[0]*math.Min(x, params[2])
}
