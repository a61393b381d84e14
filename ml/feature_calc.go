package ml

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mean is the arithmetic mean; empty input is an error rather than NaN.
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptyInput
	}
	if err := checkFinite(values); err != nil {
		return 0, err
	}
	return stat.Mean(values, nil), nil
}

func NormalizeFeature(value, min, max float64) float64 {
	if max == min {
		return 0
	}
	return (value - min) / (max - min)
}

func NormalizeVector(values []float64, mins []float64, maxs []float64) ([]float64, error) {
	if len(values) != len(mins) || len(values) != len(maxs) {
		return nil, errors.New("values/mins/maxs length mismatch")
	}
	result := make([]float64, len(values))
	for i := range values {
		result[i] = NormalizeFeature(values[i], mins[i], maxs[i])
	}
	return result, nil
}

func checkFinite(values []float64) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	return nil
}

// checkMatrix validates a non-empty rectangular matrix of finite values and
// returns its width.
func checkMatrix(features [][]float64) (int, error) {
	if len(features) == 0 {
		return 0, ErrEmptyInput
	}
	width := len(features[0])
	if width == 0 {
		return 0, ErrEmptyInput
	}
	for i, row := range features {
		if len(row) != width {
			return 0, fmt.Errorf("row %d has %d features, want %d: %w", i, len(row), width, ErrDimensionMismatch)
		}
		if err := checkFinite(row); err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return width, nil
}

func checkTrainingSet(features [][]float64, labels []int) (int, error) {
	if len(features) == 0 || len(labels) == 0 {
		return 0, errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return 0, errors.New("features and labels size mismatch")
	}
	return checkMatrix(features)
}

func checkVector(features []float64, width int) error {
	if width == 0 {
		return ErrNotTrained
	}
	if len(features) != width {
		return fmt.Errorf("got %d features, want %d: %w", len(features), width, ErrDimensionMismatch)
	}
	return checkFinite(features)
}

func uniqueSorted(labels []int) []int {
	seen := make(map[int]struct{}, len(labels))
	classes := make([]int, 0)
	for _, label := range labels {
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		classes = append(classes, label)
	}
	sort.Ints(classes)
	return classes
}

func classIndex(classes []int, label int) int {
	i := sort.SearchInts(classes, label)
	if i < len(classes) && classes[i] == label {
		return i
	}
	return -1
}

func column(features [][]float64, idx []int, featureIdx int) []float64 {
	values := make([]float64, len(idx))
	for i, row := range idx {
		values[i] = features[row][featureIdx]
	}
	return values
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softmax of raw scores, computed through log-sum-exp.
func softmax(raw []float64) []float64 {
	lse := floats.LogSumExp(raw)
	probs := make([]float64, len(raw))
	for i, v := range raw {
		probs[i] = math.Exp(v - lse)
	}
	return probs
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
