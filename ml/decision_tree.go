package ml

import (
	"errors"
	"fmt"
)

// DecisionTree is a Gini classification tree.
type DecisionTree struct {
	MaxDepth    int        `json:"max_depth"`
	ClassLabels []int      `json:"classes"`
	NFeatures   int        `json:"n_features"`
	Nodes       []TreeNode `json:"nodes"`
}

func NewDecisionTree(maxDepth int) *DecisionTree {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &DecisionTree{MaxDepth: maxDepth}
}

func (dt *DecisionTree) Type() string { return TypeDecisionTree }

func (dt *DecisionTree) Classes() []int { return append([]int(nil), dt.ClassLabels...) }

func (dt *DecisionTree) Train(features [][]float64, labels []int) error {
	width, err := checkTrainingSet(features, labels)
	if err != nil {
		return err
	}
	if dt.MaxDepth <= 0 {
		dt.MaxDepth = 3
	}
	classes := uniqueSorted(labels)
	if len(classes) < 2 {
		return ErrSingleClass
	}
	encoded := make([]int, len(labels))
	for i, label := range labels {
		encoded[i] = classIndex(classes, label)
	}

	b := &classificationBuilder{
		features: features,
		labels:   encoded,
		classes:  len(classes),
		maxDepth: dt.MaxDepth,
	}
	b.build(allIndices(len(features)), 0)

	dt.ClassLabels = classes
	dt.NFeatures = width
	dt.Nodes = b.nodes
	for i := range dt.Nodes {
		if dt.Nodes[i].IsLeaf {
			dt.Nodes[i].ClassLabel = classes[argmax(dt.Nodes[i].ClassCounts)]
		}
	}
	return nil
}

// Predict returns the leaf's majority class and the share of training samples
// in that leaf that carried it.
func (dt *DecisionTree) Predict(features []float64) (int, float64, error) {
	proba, err := dt.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	best := argmax(proba)
	return dt.ClassLabels[best], proba[best], nil
}

func (dt *DecisionTree) PredictProba(features []float64) ([]float64, error) {
	if err := checkVector(features, dt.NFeatures); err != nil {
		return nil, err
	}
	leaf, err := findLeaf(dt.Nodes, features)
	if err != nil {
		return nil, err
	}
	counts := dt.Nodes[leaf].ClassCounts
	if len(counts) != len(dt.ClassLabels) {
		return nil, errors.New("invalid tree state")
	}
	total := 0.0
	for _, c := range counts {
		total += c
	}
	proba := make([]float64, len(counts))
	for i, c := range counts {
		proba[i] = c / total
	}
	return proba, nil
}

// Margin is the leaf probability of class.
func (dt *DecisionTree) Margin(features []float64, class int) (float64, error) {
	proba, err := dt.PredictProba(features)
	if err != nil {
		return 0, err
	}
	k := classIndex(dt.ClassLabels, class)
	if k < 0 {
		return 0, fmt.Errorf("unknown class %d", class)
	}
	return proba[k], nil
}

type classificationBuilder struct {
	features [][]float64
	labels   []int
	classes  int
	maxDepth int
	nodes    []TreeNode
}

func (b *classificationBuilder) build(idx []int, depth int) int {
	pos := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{})

	counts := b.counts(idx)
	if depth < b.maxDepth && !isPure(counts) {
		if featureIdx, threshold, ok := b.bestSplit(idx); ok {
			left, right := partition(b.features, idx, featureIdx, threshold)
			leftPos := b.build(left, depth+1)
			rightPos := b.build(right, depth+1)
			b.nodes[pos] = TreeNode{
				FeatureIdx: featureIdx,
				Threshold:  threshold,
				LeftChild:  leftPos,
				RightChild: rightPos,
				Samples:    len(idx),
			}
			return pos
		}
	}

	b.nodes[pos] = TreeNode{
		FeatureIdx:  -1,
		LeftChild:   -1,
		RightChild:  -1,
		ClassCounts: counts,
		Samples:     len(idx),
		IsLeaf:      true,
	}
	return pos
}

func (b *classificationBuilder) counts(idx []int) []float64 {
	counts := make([]float64, b.classes)
	for _, i := range idx {
		counts[b.labels[i]]++
	}
	return counts
}

func (b *classificationBuilder) bestSplit(idx []int) (int, float64, bool) {
	bestFeature := -1
	bestThreshold := 0.0
	parent := b.counts(idx)
	bestImpurity := gini(parent, float64(len(idx))) - 1e-12
	width := len(b.features[idx[0]])

	order := make([]int, len(idx))
	left := make([]float64, b.classes)
	right := make([]float64, b.classes)
	for featureIdx := 0; featureIdx < width; featureIdx++ {
		copy(order, idx)
		sortByFeature(b.features, order, featureIdx)
		for k := range left {
			left[k] = 0
			right[k] = parent[k]
		}

		for pos := 0; pos < len(order)-1; pos++ {
			label := b.labels[order[pos]]
			left[label]++
			right[label]--
			current := b.features[order[pos]][featureIdx]
			next := b.features[order[pos+1]][featureIdx]
			if current == next {
				continue
			}
			nLeft := float64(pos + 1)
			nRight := float64(len(order)) - nLeft
			impurity := (nLeft*gini(left, nLeft) + nRight*gini(right, nRight)) / float64(len(order))
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = featureIdx
				bestThreshold = midpoint(current, next)
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func gini(counts []float64, total float64) float64 {
	if total == 0 {
		return 0
	}
	impurity := 1.0
	for _, count := range counts {
		prob := count / total
		impurity -= prob * prob
	}
	return impurity
}

func isPure(counts []float64) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}
