// Package window turns a daily temperature series into supervised
// lookback/horizon example pairs.
package window

import (
	"errors"
	"fmt"

	"github.com/lox/tempcast/internal/models"
)

const (
	DefaultLookback = 30
	DefaultHorizon  = 365
)

var ErrInsufficientData = errors.New("insufficient data")

// InsufficientDataError reports a series too short for one full window.
type InsufficientDataError struct {
	N        int
	Lookback int
	Horizon  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%v: series of %d values needs more than lookback %d + horizon %d",
		ErrInsufficientData, e.N, e.Lookback, e.Horizon)
}

func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// Count is the number of examples a series of n values yields.
func Count(n, lookback, horizon int) int {
	m := n - lookback - horizon
	if m < 0 {
		return 0
	}
	return m
}

// Build fits a scaler over the whole series and cuts it into examples.
// Example i takes inputs [i, i+L) and targets [i+L, i+L+H).
//
// The scaler sees every value, including those that end up in the test split.
func Build(values []float64, lookback, horizon int) ([]models.Example, *MinMaxScaler, error) {
	if lookback <= 0 || horizon <= 0 {
		return nil, nil, fmt.Errorf("lookback %d and horizon %d must be positive", lookback, horizon)
	}
	scaler, err := FitMinMax(values)
	if err != nil {
		return nil, nil, err
	}

	m := Count(len(values), lookback, horizon)
	if m == 0 {
		return nil, scaler, &InsufficientDataError{N: len(values), Lookback: lookback, Horizon: horizon}
	}

	scaled := scaler.TransformAll(values)
	examples := make([]models.Example, m)
	for i := range examples {
		examples[i] = models.Example{
			Index:  i,
			Input:  scaled[i : i+lookback : i+lookback],
			Target: scaled[i+lookback : i+lookback+horizon : i+lookback+horizon],
		}
	}
	return examples, scaler, nil
}

// Values extracts the Celsius column of records.
func Values(records []models.Record) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = r.Celsius
	}
	return out
}

// Split keeps source order: the first int(M*fraction) examples train.
func Split(examples []models.Example, fraction float64) (train, test []models.Example) {
	split := int(float64(len(examples)) * fraction)
	return examples[:split], examples[split:]
}

// Inputs returns the input windows of examples.
func Inputs(examples []models.Example) [][]float64 {
	out := make([][]float64, len(examples))
	for i, e := range examples {
		out[i] = e.Input
	}
	return out
}

// Targets returns the target windows of examples.
func Targets(examples []models.Example) [][]float64 {
	out := make([][]float64, len(examples))
	for i, e := range examples {
		out[i] = e.Target
	}
	return out
}
