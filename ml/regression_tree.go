package ml

import (
	"errors"
	"sort"
)

// TreeNode is one entry of a flat, pre-order tree. Children are absolute
// indices into the owning slice.
type TreeNode struct {
	FeatureIdx  int       `json:"feature_idx"`
	Threshold   float64   `json:"threshold"`
	LeftChild   int       `json:"left_child"`
	RightChild  int       `json:"right_child"`
	Value       float64   `json:"value,omitempty"`
	ClassLabel  int       `json:"class_label,omitempty"`
	ClassCounts []float64 `json:"class_counts,omitempty"`
	Samples     int       `json:"samples"`
	IsLeaf      bool      `json:"is_leaf"`
}

// RegressionTree is a least-squares CART tree whose leaf outputs are set by
// the caller, which lets boosting plug in Newton steps.
type RegressionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

type leafFunc func(idx []int) float64

type regressionBuilder struct {
	features       [][]float64
	targets        []float64
	maxDepth       int
	minSamplesLeaf int
	leaf           leafFunc
	nodes          []TreeNode
}

func fitRegressionTree(features [][]float64, targets []float64, idx []int, maxDepth, minSamplesLeaf int, leaf leafFunc) RegressionTree {
	if minSamplesLeaf < 1 {
		minSamplesLeaf = 1
	}
	b := &regressionBuilder{
		features:       features,
		targets:        targets,
		maxDepth:       maxDepth,
		minSamplesLeaf: minSamplesLeaf,
		leaf:           leaf,
	}
	b.build(idx, 0)
	return RegressionTree{Nodes: b.nodes}
}

func (b *regressionBuilder) build(idx []int, depth int) int {
	pos := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{})

	if depth < b.maxDepth && len(idx) >= 2*b.minSamplesLeaf {
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
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Value:      b.leaf(idx),
		Samples:    len(idx),
		IsLeaf:     true,
	}
	return pos
}

// bestSplit maximises the Friedman improvement nL*nR/n * (meanL - meanR)^2,
// which for squared error equals the reduction in the sum of squares.
func (b *regressionBuilder) bestSplit(idx []int) (int, float64, bool) {
	bestFeature := -1
	bestThreshold := 0.0
	bestGain := 1e-12
	n := float64(len(idx))
	width := len(b.features[idx[0]])

	total := 0.0
	for _, i := range idx {
		total += b.targets[i]
	}

	order := make([]int, len(idx))
	for featureIdx := 0; featureIdx < width; featureIdx++ {
		copy(order, idx)
		sortByFeature(b.features, order, featureIdx)

		leftSum := 0.0
		for pos := 0; pos < len(order)-1; pos++ {
			leftSum += b.targets[order[pos]]
			nLeft := pos + 1
			nRight := len(order) - nLeft
			if nLeft < b.minSamplesLeaf || nRight < b.minSamplesLeaf {
				continue
			}
			current := b.features[order[pos]][featureIdx]
			next := b.features[order[pos+1]][featureIdx]
			if current == next {
				continue
			}
			meanLeft := leftSum / float64(nLeft)
			meanRight := (total - leftSum) / float64(nRight)
			diff := meanLeft - meanRight
			gain := float64(nLeft) * float64(nRight) / n * diff * diff
			if gain > bestGain {
				bestGain = gain
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

func (t *RegressionTree) Predict(features []float64) (float64, error) {
	leaf, err := findLeaf(t.Nodes, features)
	if err != nil {
		return 0, err
	}
	return t.Nodes[leaf].Value, nil
}

func findLeaf(nodes []TreeNode, features []float64) (int, error) {
	if len(nodes) == 0 {
		return 0, ErrNotTrained
	}
	idx := 0
	for {
		node := nodes[idx]
		if node.IsLeaf {
			return idx, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
}

// midpoint of two adjacent distinct values, never rounding up to next.
func midpoint(current, next float64) float64 {
	m := current + (next-current)/2
	if m >= next {
		return current
	}
	return m
}

func sortByFeature(features [][]float64, idx []int, featureIdx int) {
	sort.SliceStable(idx, func(a, b int) bool {
		return features[idx[a]][featureIdx] < features[idx[b]][featureIdx]
	})
}

func partition(features [][]float64, idx []int, featureIdx int, threshold float64) ([]int, []int) {
	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if features[i][featureIdx] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}
