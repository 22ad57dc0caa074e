package window

import (
	"errors"

	"gonum.org/v1/gonum/floats"
)

// ErrEmptySeries is returned when there is nothing to fit or window.
var ErrEmptySeries = errors.New("empty series")

// MinMaxScaler maps [DataMin, DataMax] onto [FeatureMin, FeatureMax].
//
// A series with zero range scales every value to FeatureMin and inverts back
// to DataMin, so a constant series never divides by zero.
type MinMaxScaler struct {
	DataMin    float64 `json:"data_min"`
	DataMax    float64 `json:"data_max"`
	FeatureMin float64 `json:"feature_min"`
	FeatureMax float64 `json:"feature_max"`
}

// FitMinMax fits a [0,1] scaler over values.
func FitMinMax(values []float64) (*MinMaxScaler, error) {
	if len(values) == 0 {
		return nil, ErrEmptySeries
	}
	return &MinMaxScaler{
		DataMin:    floats.Min(values),
		DataMax:    floats.Max(values),
		FeatureMin: 0,
		FeatureMax: 1,
	}, nil
}

func (s *MinMaxScaler) dataRange() float64 {
	r := s.DataMax - s.DataMin
	if r == 0 {
		return 1
	}
	return r
}

func (s *MinMaxScaler) scale() float64 {
	return (s.FeatureMax - s.FeatureMin) / s.dataRange()
}

func (s *MinMaxScaler) Transform(v float64) float64 {
	return (v-s.DataMin)*s.scale() + s.FeatureMin
}

func (s *MinMaxScaler) Inverse(v float64) float64 {
	return (v-s.FeatureMin)/s.scale() + s.DataMin
}

// TransformAll returns a scaled copy of values.
func (s *MinMaxScaler) TransformAll(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = s.Transform(v)
	}
	return out
}

// InverseAll returns an unscaled copy of values.
func (s *MinMaxScaler) InverseAll(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = s.Inverse(v)
	}
	return out
}
