package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

const eulerGamma = 0.5772156649015329

// IsolationForestConfig configures FitIsolationForest.
type IsolationForestConfig struct {
	Trees int

	// SampleSize is the subsample drawn per tree (capped at the row count).
	SampleSize int

	// MaxFeatures is the fraction of columns each tree may split on.
	MaxFeatures float64

	// Contamination is the expected outlier fraction in the training rows.
	// It sets the decision threshold and must be in (0, 0.5].
	Contamination float64

	Seed    int64
	Workers int
}

// DefaultIsolationForestConfig returns the ensemble's anomaly detector settings.
func DefaultIsolationForestConfig() IsolationForestConfig {
	return IsolationForestConfig{
		Trees:         200,
		SampleSize:    256,
		MaxFeatures:   0.8,
		Contamination: 0.1,
		Seed:          42,
		Workers:       8,
	}
}

// IsolationForest is a fitted ensemble of isolation trees.
type IsolationForest struct {
	Trees      []ITree `json:"trees"`
	SampleSize int     `json:"sample_size"`
	Features   int     `json:"features"`

	// Threshold is the anomaly score above which a row is an outlier.
	Threshold float64 `json:"threshold"`
}

// ITree is one isolation tree stored as a flat node array; node 0 is the root.
type ITree struct {
	Nodes []INode `json:"nodes"`
}

// INode is an isolation tree node. Leaves have Left == -1.
type INode struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

// FitIsolationForest grows the forest on X and calibrates the outlier threshold
// so that roughly Contamination of the training rows score as outliers.
func FitIsolationForest(ctx context.Context, X [][]float64, cfg IsolationForestConfig) (*IsolationForest, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("isolation forest: empty matrix")
	}
	if cfg.Contamination <= 0 || cfg.Contamination > 0.5 {
		return nil, fmt.Errorf("isolation forest: contamination %.4f out of range (0, 0.5]", cfg.Contamination)
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 256
	}
	if cfg.MaxFeatures <= 0 || cfg.MaxFeatures > 1 {
		cfg.MaxFeatures = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	d := len(X[0])
	psi := min(cfg.SampleSize, len(X))
	nFeatures := max(1, int(cfg.MaxFeatures*float64(d)))
	heightLimit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	forest := &IsolationForest{
		Trees:      make([]ITree, cfg.Trees),
		SampleSize: psi,
		Features:   d,
	}

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

			rng := rand.New(rand.NewSource(cfg.Seed + int64(t)*7919))
			sample := rng.Perm(len(X))[:psi]
			feats := rng.Perm(d)[:nFeatures]

			var nodes []INode
			growITree(X, sample, feats, 0, heightLimit, rng, &nodes)
			forest.Trees[t] = ITree{Nodes: nodes}
		}(t)
	}
	wg.Wait()

	scores := make([]float64, len(X))
	for i, row := range X {
		scores[i] = forest.Score(row)
	}
	forest.Threshold = quantile(scores, 1-cfg.Contamination)

	return forest, nil
}

func growITree(X [][]float64, idx []int, feats []int, depth, limit int, rng *rand.Rand, nodes *[]INode) int {
	me := len(*nodes)
	*nodes = append(*nodes, INode{Left: -1, Right: -1, Size: len(idx)})
	if depth >= limit || len(idx) <= 1 {
		return me
	}

	for _, p := range rng.Perm(len(feats)) {
		f := feats[p]
		lo, hi := X[idx[0]][f], X[idx[0]][f]
		for _, i := range idx[1:] {
			lo = math.Min(lo, X[i][f])
			hi = math.Max(hi, X[i][f])
		}
		if hi <= lo {
			continue
		}

		split := lo + rng.Float64()*(hi-lo)
		var left, right []int
		for _, i := range idx {
			if X[i][f] < split {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}

		l := growITree(X, left, feats, depth+1, limit, rng, nodes)
		r := growITree(X, right, feats, depth+1, limit, rng, nodes)
		(*nodes)[me].Feature = f
		(*nodes)[me].Split = split
		(*nodes)[me].Left = l
		(*nodes)[me].Right = r
		return me
	}

	// every candidate feature is constant here
	return me
}

// Score returns the anomaly score in (0, 1]; higher is more anomalous.
func (f *IsolationForest) Score(row []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(row)
	}
	mean := total / float64(len(f.Trees))
	return math.Pow(2, -mean/averagePathLength(f.SampleSize))
}

// Predict returns 1 for an outlier and 0 for an inlier.
func (f *IsolationForest) Predict(row []float64) int {
	if f.Score(row) > f.Threshold {
		return 1
	}
	return 0
}

func (t *ITree) pathLength(row []float64) float64 {
	node, depth := 0, 0
	for {
		n := t.Nodes[node]
		if n.Left < 0 {
			return float64(depth) + averagePathLength(n.Size)
		}
		if row[n.Feature] < n.Split {
			node = n.Left
		} else {
			node = n.Right
		}
		depth++
	}
}

// averagePathLength is the expected path length of an unsuccessful BST search over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// quantile returns the q-quantile of values with linear interpolation.
func quantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
