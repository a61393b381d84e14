package ml

import (
	"fmt"
	"math"
)

// GradientBoosting is a gradient-boosted trees classifier trained on log loss.
// Binary problems fit one tree per stage on the log-odds of the second class;
// K > 2 classes fit K trees per stage under a softmax link.
type GradientBoosting struct {
	NEstimators  int                `json:"n_estimators"`
	LearningRate float64            `json:"learning_rate"`
	MaxDepth     int                `json:"max_depth"`
	ClassLabels  []int              `json:"classes"`
	NFeatures    int                `json:"n_features"`
	Init         []float64          `json:"init"`
	Stages       [][]RegressionTree `json:"stages"`
}

func NewGradientBoosting(nEstimators int, learningRate float64, maxDepth int) *GradientBoosting {
	gb := &GradientBoosting{
		NEstimators:  nEstimators,
		LearningRate: learningRate,
		MaxDepth:     maxDepth,
	}
	gb.applyDefaults()
	return gb
}

func (gb *GradientBoosting) applyDefaults() {
	if gb.NEstimators <= 0 {
		gb.NEstimators = 100
	}
	if gb.LearningRate <= 0 {
		gb.LearningRate = 0.1
	}
	if gb.MaxDepth <= 0 {
		gb.MaxDepth = 3
	}
}

func (gb *GradientBoosting) Type() string { return TypeGradientBoosting }

func (gb *GradientBoosting) Classes() []int { return append([]int(nil), gb.ClassLabels...) }

func (gb *GradientBoosting) treesPerStage() int {
	if len(gb.ClassLabels) == 2 {
		return 1
	}
	return len(gb.ClassLabels)
}

func (gb *GradientBoosting) Train(features [][]float64, labels []int) error {
	width, err := checkTrainingSet(features, labels)
	if err != nil {
		return err
	}
	gb.applyDefaults()
	classes := uniqueSorted(labels)
	if len(classes) < 2 {
		return ErrSingleClass
	}

	gb.ClassLabels = classes
	gb.NFeatures = width
	gb.Stages = make([][]RegressionTree, 0, gb.NEstimators)

	n := len(features)
	k := gb.treesPerStage()
	// onehot[c][i] is 1 when sample i belongs to class c
	onehot := make([][]float64, k)
	priors := make([]float64, len(classes))
	for _, label := range labels {
		priors[classIndex(classes, label)]++
	}
	for c := range onehot {
		onehot[c] = make([]float64, n)
	}
	for i, label := range labels {
		ci := classIndex(classes, label)
		if k == 1 {
			if ci == 1 {
				onehot[0][i] = 1
			}
			continue
		}
		onehot[ci][i] = 1
	}

	if k == 1 {
		p := clampProb(priors[1] / float64(n))
		gb.Init = []float64{math.Log(p / (1 - p))}
	} else {
		gb.Init = make([]float64, k)
		for c := range priors {
			gb.Init[c] = math.Log(clampProb(priors[c] / float64(n)))
		}
	}

	raw := make([][]float64, n)
	for i := range raw {
		raw[i] = append([]float64(nil), gb.Init...)
	}

	idx := allIndices(n)
	residuals := make([][]float64, k)
	for c := range residuals {
		residuals[c] = make([]float64, n)
	}
	for stage := 0; stage < gb.NEstimators; stage++ {
		for i := range raw {
			probs := gb.link(raw[i])
			for c := 0; c < k; c++ {
				residuals[c][i] = onehot[c][i] - probs[c]
			}
		}

		trees := make([]RegressionTree, k)
		for c := 0; c < k; c++ {
			residual := residuals[c]
			y := onehot[c]
			scale := 1.0
			if k > 1 {
				scale = float64(k-1) / float64(k)
			}
			trees[c] = fitRegressionTree(features, residual, idx, gb.MaxDepth, 1, func(leaf []int) float64 {
				return scale * newtonStep(leaf, residual, y)
			})
		}
		for i := range raw {
			for c := 0; c < k; c++ {
				value, err := trees[c].Predict(features[i])
				if err != nil {
					return fmt.Errorf("stage %d: %w", stage, err)
				}
				raw[i][c] += gb.LearningRate * value
			}
		}
		gb.Stages = append(gb.Stages, trees)
	}
	return nil
}

// newtonStep is sum(r) / sum(p(1-p)) with p recovered as y - r.
func newtonStep(idx []int, residual, y []float64) float64 {
	numerator := 0.0
	denominator := 0.0
	for _, i := range idx {
		r := residual[i]
		numerator += r
		denominator += (y[i] - r) * (1 - y[i] + r)
	}
	if math.Abs(denominator) < 1e-150 {
		return 0
	}
	return numerator / denominator
}

func clampProb(p float64) float64 {
	const eps = 1e-15
	return math.Min(math.Max(p, eps), 1-eps)
}

// link maps raw scores to per-tree probabilities: sigmoid for binary, softmax otherwise.
func (gb *GradientBoosting) link(raw []float64) []float64 {
	if len(raw) == 1 {
		return []float64{sigmoid(raw[0])}
	}
	return softmax(raw)
}

func (gb *GradientBoosting) rawScores(features []float64) ([]float64, error) {
	if len(gb.Stages) == 0 {
		return nil, ErrNotTrained
	}
	if err := checkVector(features, gb.NFeatures); err != nil {
		return nil, err
	}
	raw := append([]float64(nil), gb.Init...)
	for _, trees := range gb.Stages {
		for c, tree := range trees {
			value, err := tree.Predict(features)
			if err != nil {
				return nil, err
			}
			raw[c] += gb.LearningRate * value
		}
	}
	return raw, nil
}

func (gb *GradientBoosting) PredictProba(features []float64) ([]float64, error) {
	raw, err := gb.rawScores(features)
	if err != nil {
		return nil, err
	}
	if len(raw) == 1 {
		p := sigmoid(raw[0])
		return []float64{1 - p, p}, nil
	}
	return softmax(raw), nil
}

func (gb *GradientBoosting) Predict(features []float64) (int, float64, error) {
	proba, err := gb.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	best := argmax(proba)
	return gb.ClassLabels[best], proba[best], nil
}

// Margin is the raw score of class: log-odds in the binary case (negated for
// the first class), the class's softmax input otherwise.
func (gb *GradientBoosting) Margin(features []float64, class int) (float64, error) {
	k := classIndex(gb.ClassLabels, class)
	if k < 0 {
		return 0, fmt.Errorf("unknown class %d", class)
	}
	raw, err := gb.rawScores(features)
	if err != nil {
		return 0, err
	}
	if len(raw) == 1 {
		if k == 0 {
			return -raw[0], nil
		}
		return raw[0], nil
	}
	return raw[k], nil
}
