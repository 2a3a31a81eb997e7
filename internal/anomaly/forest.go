package anomaly

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"
)

// eulerGamma is the Euler-Mascheroni constant used to approximate H(k).
const eulerGamma = 0.5772156649

// ForestConfig controls isolation forest construction.
type ForestConfig struct {
	NumTrees      int
	SubsampleSize int
	Contamination float64
	Seed          int64
	Workers       int // <= 0 uses GOMAXPROCS
}

func (c ForestConfig) validate() error {
	if c.NumTrees < 1 {
		return fmt.Errorf("%w: num_trees must be at least 1, got %d", ErrInvalidConfig, c.NumTrees)
	}
	if c.SubsampleSize < 2 {
		return fmt.Errorf("%w: subsample_size must be at least 2, got %d", ErrInvalidConfig, c.SubsampleSize)
	}
	if c.Contamination <= 0 || c.Contamination > 0.5 {
		return fmt.Errorf("%w: contamination must be in (0, 0.5], got %g", ErrInvalidConfig, c.Contamination)
	}
	return nil
}

// isolationTree is one node of a partition tree. Leaves record how many
// sample points reached them and at which depth.
type isolationTree struct {
	feature int
	split   float64
	left    *isolationTree
	right   *isolationTree
	size    int
	depth   int
	leaf    bool
}

// IsolationForest is an immutable ensemble of isolation trees together with
// the normalization constant and the score threshold frozen at training.
type IsolationForest struct {
	trees       []*isolationTree
	numFeatures int
	sampleSize  int     // effective subsample size ψ
	norm        float64 // c(ψ)
	threshold   float64
}

// TrainForest grows cfg.NumTrees trees over data on up to cfg.Workers
// goroutines. Every tree draws from its own random stream derived from
// cfg.Seed and its index, so the ensemble is identical for any worker count.
// The context is checked before each tree; a cancelled context fails the
// whole training.
func TrainForest(ctx context.Context, data [][]float64, cfg ForestConfig) (*IsolationForest, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: isolation forest needs at least 2 rows, got %d", ErrInsufficientData, len(data))
	}
	numFeatures := len(data[0])
	for i, row := range data {
		if len(row) != numFeatures {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), numFeatures)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	psi := min(cfg.SubsampleSize, len(data))
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	trees := make([]*isolationTree, cfg.NumTrees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range trees {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(treeSeed(cfg.Seed, i)))
			trees[i] = buildTree(rng, subsample(rng, data, psi), 0, maxDepth)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to build isolation trees: %w", err)
	}

	f := &IsolationForest{
		trees:       trees,
		numFeatures: numFeatures,
		sampleSize:  psi,
		norm:        averagePathLength(psi),
	}

	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.Score(row)
	}
	threshold, err := stats.PercentileNearestRank(scores, (1-cfg.Contamination)*100)
	if err != nil {
		return nil, fmt.Errorf("failed to derive score threshold: %w", err)
	}
	f.threshold = threshold

	return f, nil
}

// Score returns the anomaly score 2^(-E[h(x)]/c(ψ)) of x, in [0, 1]. Values
// near 1 are strong outliers, values around 0.5 are typical points.
func (f *IsolationForest) Score(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/f.norm)
}

// Classify reports an isolation anomaly when the score of x reaches the
// frozen training-derived threshold.
func (f *IsolationForest) Classify(x []float64) bool {
	return f.Score(x) >= f.threshold
}

// Threshold returns the frozen score threshold.
func (f *IsolationForest) Threshold() float64 { return f.threshold }

// NumTrees returns the ensemble size.
func (f *IsolationForest) NumTrees() int { return len(f.trees) }

// SampleSize returns the effective per-tree subsample size.
func (f *IsolationForest) SampleSize() int { return f.sampleSize }

// subsample draws n rows with replacement.
func subsample(rng *rand.Rand, data [][]float64, n int) [][]float64 {
	sample := make([][]float64, n)
	for i := range sample {
		sample[i] = data[rng.Intn(len(data))]
	}
	return sample
}

type featureRange struct {
	feature int
	lo, hi  float64
}

// buildTree recursively partitions points. The split feature is drawn
// uniformly among features that still vary inside the node.
func buildTree(rng *rand.Rand, points [][]float64, depth, maxDepth int) *isolationTree {
	if len(points) <= 1 || depth >= maxDepth {
		return &isolationTree{size: len(points), depth: depth, leaf: true}
	}

	candidates := varyingFeatures(points)
	if len(candidates) == 0 {
		return &isolationTree{size: len(points), depth: depth, leaf: true}
	}

	pick := candidates[rng.Intn(len(candidates))]
	split := pick.lo + rng.Float64()*(pick.hi-pick.lo)

	left, right := partition(points, pick.feature, split)
	if len(left) == 0 || len(right) == 0 {
		return &isolationTree{size: len(points), depth: depth, leaf: true}
	}

	return &isolationTree{
		feature: pick.feature,
		split:   split,
		left:    buildTree(rng, left, depth+1, maxDepth),
		right:   buildTree(rng, right, depth+1, maxDepth),
		size:    len(points),
		depth:   depth,
	}
}

// varyingFeatures returns the observed range of every non-constant feature.
func varyingFeatures(points [][]float64) []featureRange {
	var out []featureRange
	for j := range points[0] {
		lo, hi := points[0][j], points[0][j]
		for _, p := range points[1:] {
			lo = math.Min(lo, p[j])
			hi = math.Max(hi, p[j])
		}
		if hi > lo {
			out = append(out, featureRange{feature: j, lo: lo, hi: hi})
		}
	}
	return out
}

func partition(points [][]float64, feature int, split float64) (left, right [][]float64) {
	for _, p := range points {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	return left, right
}

// pathLength walks x to its leaf. Non-singleton leaves add the expected
// depth c(size) of the points they did not isolate.
func pathLength(t *isolationTree, x []float64) float64 {
	node := t
	for !node.leaf {
		if x[node.feature] < node.split {
			node = node.left
		} else {
			node = node.right
		}
	}
	h := float64(node.depth)
	if node.size > 1 {
		h += averagePathLength(node.size)
	}
	return h
}

// averagePathLength is c(n) = 2H(n-1) - 2(n-1)/n, the mean depth of an
// unsuccessful search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2*harmonic(n-1) - 2*float64(n-1)/float64(n)
}

// harmonic approximates H(k) as ln(k) + γ.
func harmonic(k int) float64 {
	if k <= 0 {
		return 0
	}
	return math.Log(float64(k)) + eulerGamma
}

// treeSeed derives an independent seed per tree with a splitmix64 step.
func treeSeed(seed int64, tree int) int64 {
	z := uint64(seed) + uint64(tree+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}
