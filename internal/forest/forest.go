// Package forest implements the isolation forest ensemble used to score
// timecard feature vectors for statistical outlierness.
//
// Outliers are isolated in fewer random partition steps than typical
// points. No labels are involved: the model is trained once per process
// on a synthetic reference distribution and is immutable between fits.
package forest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrModelNotReady is returned when Detect is called before Fit has
// completed. Callers are expected to gate on Ready instead of retrying.
var ErrModelNotReady = errors.New("isolation forest has not been trained")

const eulerMascheroni = 0.5772156649

// Config holds the forest hyperparameters.
type Config struct {
	// Trees is the ensemble size.
	Trees int

	// Subsample is psi: the number of reference points each tree is
	// built from (the full set if smaller).
	Subsample int

	// Seed fixes the random source; 0 derives one from the clock.
	Seed int64
}

// Forest is an ensemble of isolation trees. Tree state is immutable
// after Fit; Score and Detect are safe to call concurrently.
type Forest struct {
	mu    sync.RWMutex
	trees []*node
	dims  int
	cPsi  float64

	rng       *rand.Rand
	rngMu     sync.Mutex
	treeCount int
	subsample int

	ready     chan struct{}
	readyOnce sync.Once
}

type node struct {
	splitFeature int
	splitValue   float64
	left, right  *node
	size         int // leaf only
}

// Outlier tags one sample that scored above the detection threshold.
type Outlier struct {
	Index int
	Score float64
}

// New creates an untrained forest.
func New(cfg Config) *Forest {
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.Subsample <= 0 {
		cfg.Subsample = 256
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Forest{
		rng:       rand.New(rand.NewSource(seed)),
		treeCount: cfg.Trees,
		subsample: cfg.Subsample,
		ready:     make(chan struct{}),
	}
}

// Fit builds the ensemble from a reference sample set. Each tree draws
// a random subsample of size psi and recursively partitions it on a
// uniformly chosen feature and a split value uniform within that
// feature's observed range, stopping at single points or depth
// ceil(log2 psi). Refitting replaces the ensemble atomically.
func (f *Forest) Fit(samples [][]float64) error {
	if len(samples) < 2 {
		return fmt.Errorf("need at least 2 training samples, got %d", len(samples))
	}
	dims := len(samples[0])
	for i, s := range samples {
		if len(s) != dims {
			return fmt.Errorf("sample %d has %d features, expected %d", i, len(s), dims)
		}
	}

	psi := f.subsample
	if psi > len(samples) {
		psi = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))

	f.rngMu.Lock()
	trees := make([]*node, f.treeCount)
	for i := range trees {
		sub := subsample(samples, psi, f.rng)
		trees[i] = build(sub, 0, maxDepth, dims, f.rng)
	}
	f.rngMu.Unlock()

	f.mu.Lock()
	f.trees = trees
	f.dims = dims
	f.cPsi = avgPathLength(psi)
	f.mu.Unlock()

	f.readyOnce.Do(func() { close(f.ready) })
	return nil
}

// Ready is closed once the first Fit completes.
func (f *Forest) Ready() <-chan struct{} {
	return f.ready
}

// Fitted reports whether the model has been trained.
func (f *Forest) Fitted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trees) > 0
}

// Score computes the anomaly score s(x) = 2^(-E[h(x)]/c(psi)) in (0,1].
// Scores tend toward 1 for points isolated faster than average and
// toward 0.5 for typical points. Deterministic for a trained model.
func (f *Forest) Score(x []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.trees) == 0 {
		return 0, ErrModelNotReady
	}
	if len(x) != f.dims {
		return 0, fmt.Errorf("sample has %d features, expected %d", len(x), f.dims)
	}

	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/f.cPsi), nil
}

// Detect scores every sample and returns those above threshold, tagged
// with their original index. No side effects; safe to call concurrently
// with itself.
func (f *Forest) Detect(samples [][]float64, threshold float64) ([]Outlier, error) {
	if !f.Fitted() {
		return nil, ErrModelNotReady
	}

	var out []Outlier
	for i, s := range samples {
		score, err := f.Score(s)
		if err != nil {
			return nil, err
		}
		if score > threshold {
			out = append(out, Outlier{Index: i, Score: score})
		}
	}
	return out, nil
}

func subsample(samples [][]float64, psi int, rng *rand.Rand) [][]float64 {
	if psi >= len(samples) {
		return samples
	}
	idx := rng.Perm(len(samples))[:psi]
	sub := make([][]float64, psi)
	for i, j := range idx {
		sub[i] = samples[j]
	}
	return sub
}

func build(points [][]float64, depth, maxDepth, dims int, rng *rand.Rand) *node {
	if len(points) <= 1 || depth >= maxDepth {
		return &node{size: len(points)}
	}

	// Pick a feature with spread; a node where every feature is
	// constant cannot be split further.
	feature, lo, hi, ok := pickFeature(points, dims, rng)
	if !ok {
		return &node{size: len(points)}
	}

	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, p := range points {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{size: len(points)}
	}

	return &node{
		splitFeature: feature,
		splitValue:   split,
		left:         build(left, depth+1, maxDepth, dims, rng),
		right:        build(right, depth+1, maxDepth, dims, rng),
	}
}

func pickFeature(points [][]float64, dims int, rng *rand.Rand) (feature int, lo, hi float64, ok bool) {
	for _, feature := range rng.Perm(dims) {
		lo, hi := points[0][feature], points[0][feature]
		for _, p := range points[1:] {
			if p[feature] < lo {
				lo = p[feature]
			}
			if p[feature] > hi {
				hi = p[feature]
			}
		}
		if hi > lo {
			return feature, lo, hi, true
		}
	}
	return 0, 0, 0, false
}

// pathLength is h(x): the depth at which x becomes isolated, plus the
// average-path correction for branches that bottom out on more than one
// point before max depth.
func pathLength(n *node, x []float64, depth int) float64 {
	if n.left == nil {
		return float64(depth) + avgPathLength(n.size)
	}
	if x[n.splitFeature] < n.splitValue {
		return pathLength(n.left, x, depth+1)
	}
	return pathLength(n.right, x, depth+1)
}

// avgPathLength is c(n) = 2*(ln(n-1)+gamma) - 2(n-1)/n for n>1, else 0:
// the expected path length of an unsuccessful BST search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + eulerMascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}
