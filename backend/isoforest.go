package backend

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/fieldlab/traceml/pkg/errors"
	"github.com/fieldlab/traceml/pkg/parallel"
)

// IsolationForest is an unsupervised anomaly detector: an ensemble of
// randomly split trees where anomalous points isolate in fewer splits.
// Fit is a single blocking call with no per-epoch progress, so the executor
// synthesizes its progress curve. Scores land in (0, 1) with ~0.5 at the
// decision boundary, which is what the active-learning uncertainty band
// expects.
//
// Exported fields keep fitted state gob-encodable.
type IsolationForest struct {
	NumTrees   int
	SampleSize int
	Seed       int64

	Trees     []isoTree
	Threshold float64 // anomaly decision threshold, 95th training percentile
	NFeatures int
	Fitted    bool
}

// isoTree is a flattened isolation tree. Children are node indices; a node
// with Left < 0 is a leaf holding the size of the sample that reached it.
type isoTree struct {
	Nodes []isoNode
}

type isoNode struct {
	Feature  int
	Split    float64
	Left     int
	Right    int
	LeafSize int
}

// ForestOption configures an IsolationForest.
type ForestOption func(*IsolationForest)

// WithNumTrees sets the ensemble size.
func WithNumTrees(n int) ForestOption {
	return func(f *IsolationForest) { f.NumTrees = n }
}

// WithSampleSize sets the per-tree subsample size.
func WithSampleSize(n int) ForestOption {
	return func(f *IsolationForest) { f.SampleSize = n }
}

// WithForestSeed fixes the sampling seed.
func WithForestSeed(seed int64) ForestOption {
	return func(f *IsolationForest) { f.Seed = seed }
}

// NewIsolationForest creates an unfitted forest. Defaults: 100 trees,
// 256-sample subsampling, seed 42.
func NewIsolationForest(opts ...ForestOption) *IsolationForest {
	f := &IsolationForest{NumTrees: 100, SampleSize: 256, Seed: 42}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Kind reports the blocking backend family.
func (f *IsolationForest) Kind() Kind { return KindTreeEnsemble }

// Fit grows the ensemble. Labels are ignored: the detector trains on the
// data distribution alone.
func (f *IsolationForest) Fit(ctx context.Context, X, _ *mat.Dense, _ FitConfig) (History, error) {
	n, d := X.Dims()
	if n == 0 {
		return nil, errors.NewTrainingError("isolation_forest", "fit", errors.ErrEmptyData)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCancelled
	}

	f.NFeatures = d
	sample := f.SampleSize
	if sample > n {
		sample = n
	}
	f.SampleSize = sample
	heightLimit := int(math.Ceil(math.Log2(float64(sample)))) + 1

	rng := rand.New(rand.NewSource(f.Seed))
	f.Trees = make([]isoTree, f.NumTrees)
	for t := 0; t < f.NumTrees; t++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.ErrCancelled
		}
		idx := rng.Perm(n)[:sample]
		builder := &treeBuilder{X: X, rng: rand.New(rand.NewSource(rng.Int63()))}
		builder.grow(idx, 0, heightLimit)
		f.Trees[t] = isoTree{Nodes: builder.nodes}
	}
	f.Fitted = true

	// Decision threshold from the training score distribution.
	scores, err := f.Predict(X)
	if err != nil {
		return nil, err
	}
	sorted := make([]float64, n)
	copy(sorted, scores.RawMatrix().Data)
	sort.Float64s(sorted)
	f.Threshold = stat.Quantile(0.95, stat.Empirical, sorted, nil)

	mean, std := stat.MeanStdDev(sorted, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return History{
		"anomaly_score_mean": {mean},
		"anomaly_score_std":  {std},
		"threshold":          {f.Threshold},
	}, nil
}

// Predict returns an n x 1 matrix of anomaly scores in (0, 1).
func (f *IsolationForest) Predict(X *mat.Dense) (*mat.Dense, error) {
	if !f.Fitted {
		return nil, errors.WithStack(errors.ErrNotFitted)
	}
	n, d := X.Dims()
	if d != f.NFeatures {
		return nil, errors.NewDimensionError("IsolationForest.Predict", f.NFeatures, d, 1)
	}
	sample := f.SampleSize
	cn := avgPathLength(float64(sample))

	out := mat.NewDense(n, 1, nil)
	parallel.ForRange(n, func(start, end int) {
		for i := start; i < end; i++ {
			row := X.RawRowView(i)
			total := 0.0
			for t := range f.Trees {
				total += f.Trees[t].pathLength(row)
			}
			mean := total / float64(len(f.Trees))
			out.Set(i, 0, math.Pow(2, -mean/cn))
		}
	})
	return out, nil
}

// IsAnomaly reports whether a score crosses the fitted threshold.
func (f *IsolationForest) IsAnomaly(score float64) bool {
	return score > f.Threshold
}

type treeBuilder struct {
	X     *mat.Dense
	rng   *rand.Rand
	nodes []isoNode
}

// grow builds a subtree over the samples in idx and returns its node index.
func (b *treeBuilder) grow(idx []int, depth, limit int) int {
	self := len(b.nodes)
	b.nodes = append(b.nodes, isoNode{Left: -1, Right: -1, LeafSize: len(idx)})
	if len(idx) <= 1 || depth >= limit {
		return self
	}

	_, d := b.X.Dims()
	feature := b.rng.Intn(d)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		v := b.X.At(i, feature)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		return self
	}
	split := lo + b.rng.Float64()*(hi-lo)

	var left, right []int
	for _, i := range idx {
		if b.X.At(i, feature) < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	b.nodes[self].Feature = feature
	b.nodes[self].Split = split
	b.nodes[self].Left = b.grow(left, depth+1, limit)
	b.nodes[self].Right = b.grow(right, depth+1, limit)
	return self
}

// pathLength walks x down the tree, adding the standard correction for the
// unexplored subtree size at the leaf.
func (t *isoTree) pathLength(x []float64) float64 {
	depth := 0.0
	node := 0
	for {
		n := t.Nodes[node]
		if n.Left < 0 {
			return depth + avgPathLength(float64(n.LeafSize))
		}
		depth++
		if x[n.Feature] < n.Split {
			node = n.Left
		} else {
			node = n.Right
		}
	}
}

// avgPathLength is c(n): the average unsuccessful-search path length of a
// binary search tree over n points.
func avgPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}
