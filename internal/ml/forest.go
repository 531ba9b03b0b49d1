package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// ForestConfig configures FitRandomForest.
type ForestConfig struct {
	Trees           int
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int

	// MaxFeatures is the number of columns tried per split; 0 means sqrt(d).
	MaxFeatures int

	// Balanced weights each class inversely to its frequency.
	Balanced bool

	Seed    int64
	Workers int
}

// DefaultForestConfig returns the ensemble's classifier settings.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:           200,
		MaxDepth:        15,
		MinSamplesSplit: 5,
		MinSamplesLeaf:  2,
		Balanced:        true,
		Seed:            42,
		Workers:         8,
	}
}

// RandomForest is a fitted bagged ensemble of binary Gini trees.
type RandomForest struct {
	Trees    []Tree `json:"trees"`
	Features int    `json:"features"`

	// Importances is the normalized mean impurity decrease per column.
	Importances []float64 `json:"importances"`
}

// Tree is a decision tree stored as a flat node array; node 0 is the root.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeNode is a decision tree node. Leaves have Left == -1 and carry the
// weighted fraction of positive samples in Prob.
type TreeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Prob      float64 `json:"p"`
}

// FitRandomForest trains a forest on X with binary labels y (0 or 1).
func FitRandomForest(ctx context.Context, X [][]float64, y []int, cfg ForestConfig) (*RandomForest, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("random forest: empty matrix")
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("random forest: %d rows but %d labels", len(X), len(y))
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = math.MaxInt32
	}
	if cfg.MinSamplesSplit < 2 {
		cfg.MinSamplesSplit = 2
	}
	if cfg.MinSamplesLeaf < 1 {
		cfg.MinSamplesLeaf = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	d := len(X[0])
	mtry := cfg.MaxFeatures
	if mtry <= 0 || mtry > d {
		mtry = max(1, int(math.Sqrt(float64(d))))
	}

	classWeight := [2]float64{1, 1}
	var counts [2]int
	for _, label := range y {
		if label != 0 && label != 1 {
			return nil, fmt.Errorf("random forest: label %d is not binary", label)
		}
		counts[label]++
	}
	if cfg.Balanced {
		for c := 0; c < 2; c++ {
			if counts[c] > 0 {
				classWeight[c] = float64(len(y)) / (2 * float64(counts[c]))
			}
		}
	}

	forest := &RandomForest{
		Trees:    make([]Tree, cfg.Trees),
		Features: d,
	}
	treeImportances := make([][]float64, cfg.Trees)

	var wg sync.WaitGroup
	sem := make(chan struct{}, cfg.Workers)
	for t := 0; t < cfg.Trees; t++ {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(t int) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			rng := rand.New(rand.NewSource(cfg.Seed + int64(t)*104729))
			b := &treeBuilder{
				X:          X,
				y:          y,
				weights:    bootstrapWeights(len(X), y, classWeight, rng),
				cfg:        cfg,
				mtry:       mtry,
				rng:        rng,
				importance: make([]float64, d),
			}

			idx := make([]int, 0, len(X))
			for i, w := range b.weights {
				if w > 0 {
					idx = append(idx, i)
				}
			}
			b.grow(idx, 0)

			forest.Trees[t] = Tree{Nodes: b.nodes}
			treeImportances[t] = normalize(b.importance)
		}(t)
	}
	wg.Wait()

	total := make([]float64, d)
	for _, imp := range treeImportances {
		for j, v := range imp {
			total[j] += v
		}
	}
	forest.Importances = normalize(total)

	return forest, nil
}

// Proba returns the mean positive-class probability across trees.
func (f *RandomForest) Proba(row []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].predict(row)
	}
	return sum / float64(len(f.Trees))
}

// Predict returns 1 when Proba exceeds 0.5.
func (f *RandomForest) Predict(row []float64) int {
	if f.Proba(row) > 0.5 {
		return 1
	}
	return 0
}

func (t *Tree) predict(row []float64) float64 {
	node := 0
	for {
		n := t.Nodes[node]
		if n.Left < 0 {
			return n.Prob
		}
		if row[n.Feature] <= n.Threshold {
			node = n.Left
		} else {
			node = n.Right
		}
	}
}

func bootstrapWeights(n int, y []int, classWeight [2]float64, rng *rand.Rand) []float64 {
	weights := make([]float64, n)
	for i := 0; i < n; i++ {
		j := rng.Intn(n)
		weights[j] += classWeight[y[j]]
	}
	return weights
}

type treeBuilder struct {
	X          [][]float64
	y          []int
	weights    []float64
	cfg        ForestConfig
	mtry       int
	rng        *rand.Rand
	nodes      []TreeNode
	importance []float64
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	pos       int
	order     []int
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	me := len(b.nodes)
	total, positive := b.classWeights(idx)
	prob := 0.0
	if total > 0 {
		prob = positive / total
	}
	b.nodes = append(b.nodes, TreeNode{Left: -1, Right: -1, Prob: prob})

	impurity := gini(positive, total)
	if depth >= b.cfg.MaxDepth || len(idx) < b.cfg.MinSamplesSplit || impurity <= 0 {
		return me
	}

	best := b.bestSplit(idx, total, impurity)
	if best == nil {
		return me
	}

	b.importance[best.feature] += best.gain
	left := append([]int(nil), best.order[:best.pos]...)
	right := append([]int(nil), best.order[best.pos:]...)

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[me].Feature = best.feature
	b.nodes[me].Threshold = best.threshold
	b.nodes[me].Left = l
	b.nodes[me].Right = r
	return me
}

// bestSplit searches mtry random columns for the split with the largest
// weighted Gini decrease that leaves MinSamplesLeaf rows on each side.
func (b *treeBuilder) bestSplit(idx []int, total, impurity float64) *split {
	var best *split
	minLeaf := b.cfg.MinSamplesLeaf

	for _, f := range b.rng.Perm(len(b.X[0]))[:b.mtry] {
		order := append([]int(nil), idx...)
		sort.Slice(order, func(a, c int) bool { return b.X[order[a]][f] < b.X[order[c]][f] })

		var leftW, leftPos float64
		_, totalPos := b.classWeights(order)
		for k := 0; k < len(order)-1; k++ {
			i := order[k]
			leftW += b.weights[i]
			if b.y[i] == 1 {
				leftPos += b.weights[i]
			}

			lo, hi := b.X[i][f], b.X[order[k+1]][f]
			if hi <= lo {
				continue
			}
			if k+1 < minLeaf || len(order)-(k+1) < minLeaf {
				continue
			}

			rightW := total - leftW
			rightPos := totalPos - leftPos
			gain := total*impurity - leftW*gini(leftPos, leftW) - rightW*gini(rightPos, rightW)
			if best == nil || gain > best.gain {
				threshold := lo + (hi-lo)/2
				if threshold >= hi {
					threshold = lo
				}
				best = &split{feature: f, threshold: threshold, gain: gain, pos: k + 1, order: order}
			}
		}
	}

	return best
}

func (b *treeBuilder) classWeights(idx []int) (total, positive float64) {
	for _, i := range idx {
		total += b.weights[i]
		if b.y[i] == 1 {
			positive += b.weights[i]
		}
	}
	return total, positive
}

func gini(positive, total float64) float64 {
	if total <= 0 {
		return 0
	}
	p := positive / total
	return 2 * p * (1 - p)
}

func normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	var sum float64
	for _, x := range v {
		sum += x
	}
	if sum <= 0 {
		return out
	}
	for i, x := range v {
		out[i] = x / sum
	}
	return out
}
