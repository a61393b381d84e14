package ml

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// GaussianNB models each feature per class as an independent normal.
type GaussianNB struct {
	VarSmoothing float64     `json:"var_smoothing"`
	ClassLabels  []int       `json:"classes"`
	Priors       []float64   `json:"priors"`
	Theta        [][]float64 `json:"theta"`
	Var          [][]float64 `json:"var"`
	Epsilon      float64     `json:"epsilon"`
}

func NewGaussianNB() *GaussianNB {
	return &GaussianNB{VarSmoothing: 1e-9}
}

func (nb *GaussianNB) Type() string { return TypeGaussianNB }

func (nb *GaussianNB) Classes() []int { return append([]int(nil), nb.ClassLabels...) }

func (nb *GaussianNB) Train(features [][]float64, labels []int) error {
	width, err := checkTrainingSet(features, labels)
	if err != nil {
		return err
	}
	if nb.VarSmoothing <= 0 {
		nb.VarSmoothing = 1e-9
	}
	classes := uniqueSorted(labels)
	if len(classes) < 2 {
		return ErrSingleClass
	}

	all := allIndices(len(features))
	maxVar := 0.0
	for f := 0; f < width; f++ {
		_, v := stat.PopMeanVariance(column(features, all, f), nil)
		maxVar = math.Max(maxVar, v)
	}
	nb.Epsilon = nb.VarSmoothing * maxVar

	members := make([][]int, len(classes))
	for i, label := range labels {
		c := classIndex(classes, label)
		members[c] = append(members[c], i)
	}

	nb.ClassLabels = classes
	nb.Priors = make([]float64, len(classes))
	nb.Theta = make([][]float64, len(classes))
	nb.Var = make([][]float64, len(classes))
	for c, idx := range members {
		nb.Priors[c] = float64(len(idx)) / float64(len(features))
		nb.Theta[c] = make([]float64, width)
		nb.Var[c] = make([]float64, width)
		for f := 0; f < width; f++ {
			mean, variance := stat.PopMeanVariance(column(features, idx, f), nil)
			nb.Theta[c][f] = mean
			nb.Var[c][f] = variance + nb.Epsilon
		}
	}
	return nil
}

func (nb *GaussianNB) jointLogLikelihood(features []float64) ([]float64, error) {
	if len(nb.ClassLabels) == 0 {
		return nil, ErrNotTrained
	}
	if err := checkVector(features, len(nb.Theta[0])); err != nil {
		return nil, err
	}
	jll := make([]float64, len(nb.ClassLabels))
	for c := range nb.ClassLabels {
		sum := math.Log(nb.Priors[c])
		for f, x := range features {
			variance := nb.Var[c][f]
			if variance <= 0 {
				// zero variance with zero smoothing: only the exact mean is possible
				if x == nb.Theta[c][f] {
					continue
				}
				sum = math.Inf(-1)
				break
			}
			diff := x - nb.Theta[c][f]
			sum -= 0.5 * math.Log(2*math.Pi*variance)
			sum -= 0.5 * diff * diff / variance
		}
		jll[c] = sum
	}
	return jll, nil
}

func (nb *GaussianNB) PredictProba(features []float64) ([]float64, error) {
	jll, err := nb.jointLogLikelihood(features)
	if err != nil {
		return nil, err
	}
	lse := floats.LogSumExp(jll)
	if math.IsInf(lse, -1) {
		return nil, errors.New("input has zero likelihood under every class")
	}
	proba := make([]float64, len(jll))
	for i, v := range jll {
		proba[i] = math.Exp(v - lse)
	}
	return proba, nil
}

func (nb *GaussianNB) Predict(features []float64) (int, float64, error) {
	proba, err := nb.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	best := argmax(proba)
	return nb.ClassLabels[best], proba[best], nil
}
