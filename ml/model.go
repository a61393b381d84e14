package ml

import "errors"

const (
	TypeGradientBoosting = "gradient_boosting"
	TypeDecisionTree     = "decision_tree"
	TypeGaussianNB       = "gaussian_nb"
)

var (
	ErrNotTrained        = errors.New("model not trained")
	ErrEmptyInput        = errors.New("input is empty")
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
	ErrSingleClass       = errors.New("training labels contain a single class")
	ErrNonFinite         = errors.New("input contains NaN or Inf")
)

// MLModel is a classifier over dense float feature vectors with int labels.
type MLModel interface {
	Train(features [][]float64, labels []int) error
	// Predict returns the label and the model's confidence in it.
	Predict(features []float64) (int, float64, error)
	Type() string
}

type ProbabilisticModel interface {
	MLModel
	// Classes are in ascending order; PredictProba follows the same order.
	Classes() []int
	PredictProba(features []float64) ([]float64, error)
}

// MarginModel exposes the raw score that explanations decompose.
type MarginModel interface {
	MLModel
	Margin(features []float64, class int) (float64, error)
}
