package ml

import (
	"errors"
	"fmt"
	"math"
)

// MaxExplainFeatures bounds the exact Shapley enumeration (2^n coalitions).
const MaxExplainFeatures = 12

// Explainer computes exact interventional Shapley values: features outside a
// coalition take their values from each background row in turn.
type Explainer struct {
	background [][]float64
}

func NewExplainer(background [][]float64) (*Explainer, error) {
	width, err := checkMatrix(background)
	if err != nil {
		return nil, fmt.Errorf("background: %w", err)
	}
	if width > MaxExplainFeatures {
		return nil, fmt.Errorf("cannot explain %d features, limit is %d", width, MaxExplainFeatures)
	}
	return &Explainer{background: background}, nil
}

// Explanation holds one row of Shapley values per explained row. For each row
// BaseValue + sum(Values[i]) equals the model output.
type Explanation struct {
	Values    [][]float64
	BaseValue float64
}

func (e *Explainer) Explain(f func([]float64) (float64, error), rows [][]float64) (*Explanation, error) {
	width := len(e.background[0])
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}
	for _, row := range rows {
		if err := checkVector(row, width); err != nil {
			return nil, err
		}
	}

	coalitions := 1 << width
	weights := shapleyWeights(width)
	result := &Explanation{Values: make([][]float64, len(rows))}
	z := make([]float64, width)
	for r, row := range rows {
		value := make([]float64, coalitions)
		for mask := 0; mask < coalitions; mask++ {
			sum := 0.0
			for _, b := range e.background {
				for j := range z {
					if mask&(1<<j) != 0 {
						z[j] = row[j]
					} else {
						z[j] = b[j]
					}
				}
				out, err := f(z)
				if err != nil {
					return nil, err
				}
				sum += out
			}
			value[mask] = sum / float64(len(e.background))
		}

		phi := make([]float64, width)
		for i := 0; i < width; i++ {
			bit := 1 << i
			for mask := 0; mask < coalitions; mask++ {
				if mask&bit != 0 {
					continue
				}
				phi[i] += weights[popcount(mask)] * (value[mask|bit] - value[mask])
			}
		}
		result.Values[r] = phi
		result.BaseValue = value[0]
	}
	if math.IsNaN(result.BaseValue) {
		return nil, errors.New("model output is NaN on background data")
	}
	return result, nil
}

// shapleyWeights[s] = s!(n-s-1)!/n!
func shapleyWeights(n int) []float64 {
	weights := make([]float64, n)
	for s := 0; s < n; s++ {
		lw, _ := math.Lgamma(float64(s + 1))
		rw, _ := math.Lgamma(float64(n - s))
		nw, _ := math.Lgamma(float64(n + 1))
		weights[s] = math.Exp(lw + rw - nw)
	}
	return weights
}

func popcount(x int) int {
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}
