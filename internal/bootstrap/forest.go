package bootstrap

import (
	"cmp"
	"math/rand/v2"
	"slices"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/estimator"
)

// treeParams are the per-tree growth limits.
type treeParams struct {
	maxDepth        int
	minSamplesSplit int
	maxFeatures     int
}

// treeBuilder grows one CART tree over weighted, already scaled rows.
type treeBuilder struct {
	params     treeParams
	X          []domain.FeatureVector
	Y          []int
	w          []float64
	rng        *rand.Rand
	nodes      []estimator.Node
	importance [domain.FeatureCount]float64
}

// growTree fits a tree on a bootstrap resample of the rows. classWeight is
// indexed by label.
func growTree(X []domain.FeatureVector, Y []int, classWeight [2]float64, params treeParams, rng *rand.Rand) (estimator.Tree, [domain.FeatureCount]float64) {
	n := len(X)
	counts := make([]int, n)
	for i := 0; i < n; i++ {
		counts[rng.IntN(n)]++
	}

	b := &treeBuilder{
		params: params,
		X:      X,
		Y:      Y,
		w:      make([]float64, n),
		rng:    rng,
	}
	idx := make([]int, 0, n)
	for i, c := range counts {
		if c == 0 {
			continue
		}
		b.w[i] = float64(c) * classWeight[Y[i]]
		idx = append(idx, i)
	}

	b.build(idx, 0)
	return estimator.Tree{Nodes: b.nodes}, b.importance
}

// stats returns the weighted total and weighted positive mass of rows.
func (b *treeBuilder) stats(idx []int) (total, pos float64) {
	for _, i := range idx {
		total += b.w[i]
		if b.Y[i] == 1 {
			pos += b.w[i]
		}
	}
	return total, pos
}

func gini(total, pos float64) float64 {
	if total == 0 {
		return 0
	}
	p := pos / total
	return 2 * p * (1 - p)
}

// build appends the subtree for idx and returns its node index.
func (b *treeBuilder) build(idx []int, depth int) int {
	total, pos := b.stats(idx)
	self := len(b.nodes)
	b.nodes = append(b.nodes, estimator.Node{Leaf: true, Value: pos / total})

	impurity := gini(total, pos)
	if depth >= b.params.maxDepth || len(idx) < b.params.minSamplesSplit || impurity == 0 {
		return self
	}

	s, ok := b.bestSplit(idx, total, pos, impurity)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][s.feature] <= s.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	if len(left) == 0 || len(right) == 0 {
		return self
	}

	b.importance[s.feature] += s.gain
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self] = estimator.Node{
		Feature:   s.feature,
		Threshold: s.threshold,
		Left:      l,
		Right:     r,
	}
	return self
}

type split struct {
	feature   int
	threshold float64
	gain      float64
}

// bestSplit searches a random subset of maxFeatures features, moving on to
// the remaining features only while no valid split has been found.
func (b *treeBuilder) bestSplit(idx []int, total, pos, impurity float64) (split, bool) {
	order := b.rng.Perm(domain.FeatureCount)
	best := split{gain: 0}
	found := false

	sorted := make([]int, len(idx))
	for visited, f := range order {
		if visited >= b.params.maxFeatures && found {
			break
		}

		copy(sorted, idx)
		slices.SortFunc(sorted, func(a, c int) int {
			return cmp.Compare(b.X[a][f], b.X[c][f])
		})

		var lTotal, lPos float64
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			lTotal += b.w[i]
			if b.Y[i] == 1 {
				lPos += b.w[i]
			}
			x, next := b.X[i][f], b.X[sorted[k+1]][f]
			if x == next {
				continue
			}
			rTotal, rPos := total-lTotal, pos-lPos
			gain := total*impurity - lTotal*gini(lTotal, lPos) - rTotal*gini(rTotal, rPos)
			if gain > best.gain {
				threshold := x + (next-x)/2
				if threshold >= next {
					threshold = x
				}
				best = split{feature: f, threshold: threshold, gain: gain}
				found = true
			}
		}
	}
	return best, found
}
