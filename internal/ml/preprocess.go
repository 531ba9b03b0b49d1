// Package ml implements the estimators behind the fraud ensemble: feature
// scaling, label encoding, an isolation forest and a random forest classifier.
// Every fitted estimator is a plain struct that round-trips through JSON.
package ml

import (
	"fmt"
	"math"
	"sort"
)

// UnknownCode is the label code reserved for categories unseen at fit time.
const UnknownCode = -1

// StandardScaler centers features on their mean and scales to unit variance.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitStandardScaler computes per-column mean and population standard deviation.
// Constant columns get a scale of 1.
func FitStandardScaler(X [][]float64) (*StandardScaler, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("scaler: empty matrix")
	}
	d := len(X[0])
	mean := make([]float64, d)
	m2 := make([]float64, d)

	for i, row := range X {
		if len(row) != d {
			return nil, fmt.Errorf("scaler: row %d has %d columns, expected %d", i, len(row), d)
		}
		n := float64(i + 1)
		for j, v := range row {
			delta := v - mean[j]
			mean[j] += delta / n
			m2[j] += delta * (v - mean[j])
		}
	}

	scale := make([]float64, d)
	for j := range scale {
		std := math.Sqrt(m2[j] / float64(len(X)))
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		scale[j] = std
	}

	return &StandardScaler{Mean: mean, Scale: scale}, nil
}

// Transform scales one row.
func (s *StandardScaler) Transform(row []float64) ([]float64, error) {
	if len(row) != len(s.Mean) {
		return nil, fmt.Errorf("scaler: row has %d columns, fitted on %d", len(row), len(s.Mean))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// TransformAll scales every row of X.
func (s *StandardScaler) TransformAll(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

// LabelEncoder maps category strings to dense integer codes in sorted order.
type LabelEncoder struct {
	Classes []string `json:"classes"`
}

// FitLabelEncoder learns the sorted set of distinct values.
func FitLabelEncoder(values []string) *LabelEncoder {
	seen := make(map[string]struct{}, len(values))
	classes := make([]string, 0)
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		classes = append(classes, v)
	}
	sort.Strings(classes)
	return &LabelEncoder{Classes: classes}
}

// Transform returns the code of v, or UnknownCode for unseen values.
func (e *LabelEncoder) Transform(v string) int {
	i := sort.SearchStrings(e.Classes, v)
	if i < len(e.Classes) && e.Classes[i] == v {
		return i
	}
	return UnknownCode
}
