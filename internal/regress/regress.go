// Package regress fits the 1-D linear measurement model that maps a judge's
// reported memory usage back to the integer a probe submission encoded.
// Calibration accumulates (memory, value) samples and computes an ordinary
// least-squares slope and intercept; decoding rounds the prediction to the
// nearest integer.
package regress

import (
	"errors"
	"math"
)

var (
	// ErrTooFewPoints is returned by Fit when fewer than 2 samples exist.
	ErrTooFewPoints = errors.New("regress: need at least 2 points to fit")
	// ErrDegenerate is returned by Fit when all x values are identical.
	ErrDegenerate = errors.New("regress: all x values identical, slope undefined")
	// ErrNotFitted is returned by Predict/Decode before a successful fit.
	ErrNotFitted = errors.New("regress: model not fitted")
)

// Model is a simple linear regression y = slope*x + intercept.
// Not safe for concurrent use; the crawler core is single-threaded.
type Model struct {
	xs, ys    []float64
	slope     float64
	intercept float64
	fitted    bool
}

// New returns an empty, unfitted model.
func New() *Model {
	return &Model{}
}

// Restore rehydrates a fitted model from checkpointed coefficients without
// re-accumulating samples.
func Restore(slope, intercept float64) *Model {
	return &Model{slope: slope, intercept: intercept, fitted: true}
}

// Add appends one (x, y) sample and invalidates any cached coefficients.
func (m *Model) Add(x, y float64) {
	m.xs = append(m.xs, x)
	m.ys = append(m.ys, y)
	m.fitted = false
}

// Len returns the number of accumulated samples.
func (m *Model) Len() int { return len(m.xs) }

// Fit computes slope and intercept over all samples.
func (m *Model) Fit() error {
	n := len(m.xs)
	if n < 2 {
		return ErrTooFewPoints
	}
	var xMean, yMean float64
	for i := 0; i < n; i++ {
		xMean += m.xs[i]
		yMean += m.ys[i]
	}
	xMean /= float64(n)
	yMean /= float64(n)

	var num, den float64
	for i := 0; i < n; i++ {
		dx := m.xs[i] - xMean
		num += dx * (m.ys[i] - yMean)
		den += dx * dx
	}
	if den == 0 {
		return ErrDegenerate
	}
	m.slope = num / den
	m.intercept = yMean - m.slope*xMean
	m.fitted = true
	return nil
}

// Predict returns slope*x + intercept.
func (m *Model) Predict(x float64) (float64, error) {
	if !m.fitted {
		return 0, ErrNotFitted
	}
	return m.slope*x + m.intercept, nil
}

// Decode maps a raw memory reading to the nearest encoded integer.
// Rounding is half-away-from-zero (math.Round); the convention is fixed so
// that resumed extractions decode identically.
func (m *Model) Decode(memory int) (int, error) {
	y, err := m.Predict(float64(memory))
	if err != nil {
		return 0, err
	}
	return int(math.Round(y)), nil
}

// Coefficients exposes (slope, intercept) for checkpointing.
// ok is false before a successful fit.
func (m *Model) Coefficients() (slope, intercept float64, ok bool) {
	return m.slope, m.intercept, m.fitted
}
