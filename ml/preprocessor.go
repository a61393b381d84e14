package ml

import (
	"errors"
	"fmt"
)

// DataPreprocessor keeps per-feature [min, max] ranges seen in training.
type DataPreprocessor struct {
	names        []string
	featureStats [][2]float64
}

func NewDataPreprocessor(names []string, stats [][2]float64) *DataPreprocessor {
	return &DataPreprocessor{names: names, featureStats: stats}
}

func (p *DataPreprocessor) ComputeStats(vectors [][]float64) error {
	width, err := checkMatrix(vectors)
	if err != nil {
		return err
	}
	stats := make([][2]float64, width)
	for i, vector := range vectors {
		for f, value := range vector {
			if i == 0 {
				stats[f] = [2]float64{value, value}
				continue
			}
			current := stats[f]
			if value < current[0] {
				current[0] = value
			}
			if value > current[1] {
				current[1] = value
			}
			stats[f] = current
		}
	}
	p.featureStats = stats
	return nil
}

func (p *DataPreprocessor) Normalize(vectors [][]float64) ([][]float64, error) {
	if len(vectors) == 0 {
		return nil, errors.New("features is empty")
	}
	if p.featureStats == nil {
		return nil, errors.New("feature stats not computed")
	}

	mins := make([]float64, len(p.featureStats))
	maxs := make([]float64, len(p.featureStats))
	for i, stats := range p.featureStats {
		mins[i] = stats[0]
		maxs[i] = stats[1]
	}

	normalized := make([][]float64, len(vectors))
	for i, vector := range vectors {
		values, err := NormalizeVector(vector, mins, maxs)
		if err != nil {
			return nil, err
		}
		normalized[i] = values
	}
	return normalized, nil
}

// OutOfRange names the features of vector that fall outside the training range.
func (p *DataPreprocessor) OutOfRange(vector []float64) []string {
	var out []string
	for i, value := range vector {
		if i >= len(p.featureStats) {
			break
		}
		if value < p.featureStats[i][0] || value > p.featureStats[i][1] {
			out = append(out, p.featureName(i))
		}
	}
	return out
}

func (p *DataPreprocessor) featureName(i int) string {
	if i < len(p.names) {
		return p.names[i]
	}
	return fmt.Sprintf("feature_%d", i)
}

func (p *DataPreprocessor) FeatureStats() [][2]float64 {
	if p.featureStats == nil {
		return nil
	}
	return append([][2]float64(nil), p.featureStats...)
}
