package ml

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const eulerGamma = 0.5772156649015329

// IsolationForest scores samples by how quickly random axis-aligned splits
// isolate them. Outliers get short average path lengths.
type IsolationForest struct {
	NEstimators int `json:"n_estimators"`
	// MaxSamples is the per-tree subsample size; 0 means min(256, n).
	MaxSamples int `json:"max_samples"`
	// Contamination 0 means "auto": a fixed offset of -0.5.
	Contamination float64 `json:"contamination"`
	// Seed 0 draws a seed from the clock.
	Seed       int64           `json:"seed"`
	NFeatures  int             `json:"n_features"`
	SampleSize int             `json:"sample_size"`
	Offset     float64         `json:"offset"`
	Trees      []isolationTree `json:"trees"`
}

type isolationTree struct {
	Nodes []isolationNode `json:"nodes"`
}

type isolationNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Size      int     `json:"s"`
	Leaf      bool    `json:"leaf"`
}

func NewIsolationForest(nEstimators int, contamination float64, seed int64) *IsolationForest {
	if nEstimators <= 0 {
		nEstimators = 100
	}
	return &IsolationForest{NEstimators: nEstimators, Contamination: contamination, Seed: seed}
}

// Fit builds the trees concurrently; each tree owns a generator seeded from
// the forest seed, so a fixed seed gives a fixed forest.
func (f *IsolationForest) Fit(ctx context.Context, features [][]float64) error {
	width, err := checkMatrix(features)
	if err != nil {
		return err
	}
	if f.NEstimators <= 0 {
		f.NEstimators = 100
	}
	if f.Contamination < 0 || f.Contamination > 0.5 {
		return errors.New("contamination must be in (0, 0.5] or 0 for auto")
	}

	n := len(features)
	sampleSize := f.MaxSamples
	if sampleSize <= 0 || sampleSize > n {
		sampleSize = n
		if sampleSize > 256 && f.MaxSamples <= 0 {
			sampleSize = 256
		}
	}
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	seed := f.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	master := rand.New(rand.NewSource(seed))
	seeds := make([]int64, f.NEstimators)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	trees := make([]isolationTree, f.NEstimators)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range trees {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			sample := rng.Perm(n)[:sampleSize]
			b := &isolationBuilder{features: features, rng: rng, heightLimit: heightLimit}
			b.build(sample, 0)
			trees[i] = isolationTree{Nodes: b.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.Trees = trees
	f.NFeatures = width
	f.SampleSize = sampleSize
	f.Offset = -0.5
	if f.Contamination > 0 {
		scores := make([]float64, n)
		for i, row := range features {
			scores[i] = f.score(row)
		}
		f.Offset = percentile(scores, 100*f.Contamination)
	}
	return nil
}

type isolationBuilder struct {
	features    [][]float64
	rng         *rand.Rand
	heightLimit int
	nodes       []isolationNode
}

func (b *isolationBuilder) build(idx []int, depth int) int {
	pos := len(b.nodes)
	b.nodes = append(b.nodes, isolationNode{})

	if depth < b.heightLimit && len(idx) > 1 {
		if feature, lo, hi, ok := b.pickFeature(idx); ok {
			threshold := lo + b.rng.Float64()*(hi-lo)
			left, right := partition(b.features, idx, feature, threshold)
			leftPos := b.build(left, depth+1)
			rightPos := b.build(right, depth+1)
			b.nodes[pos] = isolationNode{
				Feature:   feature,
				Threshold: threshold,
				Left:      leftPos,
				Right:     rightPos,
				Size:      len(idx),
			}
			return pos
		}
	}
	b.nodes[pos] = isolationNode{Feature: -1, Left: -1, Right: -1, Size: len(idx), Leaf: true}
	return pos
}

// pickFeature draws uniformly among features that are not constant on idx.
func (b *isolationBuilder) pickFeature(idx []int) (int, float64, float64, bool) {
	width := len(b.features[idx[0]])
	candidates := make([]int, 0, width)
	mins := make([]float64, width)
	maxs := make([]float64, width)
	for f := 0; f < width; f++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.features[i][f]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		mins[f], maxs[f] = lo, hi
		if hi > lo {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return -1, 0, 0, false
	}
	f := candidates[b.rng.Intn(len(candidates))]
	return f, mins[f], maxs[f], true
}

func (t *isolationTree) pathLength(features []float64) float64 {
	idx := 0
	depth := 0.0
	for {
		node := t.Nodes[idx]
		if node.Leaf {
			return depth + averagePathLength(node.Size)
		}
		if features[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the mean depth of an unsuccessful search in a
// binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	m := float64(n)
	return 2*(math.Log(m-1)+eulerGamma) - 2*(m-1)/m
}

func (f *IsolationForest) score(features []float64) float64 {
	total := 0.0
	for i := range f.Trees {
		total += f.Trees[i].pathLength(features)
	}
	mean := total / float64(len(f.Trees))
	norm := averagePathLength(f.SampleSize)
	if norm == 0 {
		// a single-sample forest cannot separate anything
		return -0.5
	}
	return -math.Pow(2, -mean/norm)
}

// ScoreSamples is the opposite of the anomaly score: lower means more abnormal.
func (f *IsolationForest) ScoreSamples(features [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotTrained
	}
	scores := make([]float64, len(features))
	for i, row := range features {
		if err := checkVector(row, f.NFeatures); err != nil {
			return nil, err
		}
		scores[i] = f.score(row)
	}
	return scores, nil
}

func (f *IsolationForest) DecisionFunction(features [][]float64) ([]float64, error) {
	scores, err := f.ScoreSamples(features)
	if err != nil {
		return nil, err
	}
	for i := range scores {
		scores[i] -= f.Offset
	}
	return scores, nil
}

// Predict labels inliers 1 and outliers -1.
func (f *IsolationForest) Predict(features [][]float64) ([]int, error) {
	decision, err := f.DecisionFunction(features)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(decision))
	for i, d := range decision {
		labels[i] = 1
		if d < 0 {
			labels[i] = -1
		}
	}
	return labels, nil
}

func (f *IsolationForest) FitPredict(ctx context.Context, features [][]float64) ([]int, error) {
	if err := f.Fit(ctx, features); err != nil {
		return nil, err
	}
	return f.Predict(features)
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
