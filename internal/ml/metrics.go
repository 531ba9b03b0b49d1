package ml

import (
	"fmt"
	"math/rand"
	"sort"
)

// BinaryMetrics summarizes a binary classifier on a held-out set.
type BinaryMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	AUC       float64 `json:"auc"`
	Accuracy  float64 `json:"accuracy"`

	TP int `json:"true_positives"`
	FP int `json:"false_positives"`
	TN int `json:"true_negatives"`
	FN int `json:"false_negatives"`
}

// Evaluate compares predictions against labels. scores ranks the positive
// class for AUC; pass nil to skip it.
func Evaluate(y, pred []int, scores []float64) (BinaryMetrics, error) {
	var m BinaryMetrics
	if len(y) != len(pred) {
		return m, fmt.Errorf("evaluate: %d labels but %d predictions", len(y), len(pred))
	}
	if scores != nil && len(scores) != len(y) {
		return m, fmt.Errorf("evaluate: %d labels but %d scores", len(y), len(scores))
	}

	for i := range y {
		switch {
		case y[i] == 1 && pred[i] == 1:
			m.TP++
		case y[i] == 0 && pred[i] == 1:
			m.FP++
		case y[i] == 0 && pred[i] == 0:
			m.TN++
		default:
			m.FN++
		}
	}

	if m.TP+m.FP > 0 {
		m.Precision = float64(m.TP) / float64(m.TP+m.FP)
	}
	if m.TP+m.FN > 0 {
		m.Recall = float64(m.TP) / float64(m.TP+m.FN)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	if len(y) > 0 {
		m.Accuracy = float64(m.TP+m.TN) / float64(len(y))
	}
	if scores != nil {
		m.AUC = AUC(y, scores)
	}

	return m, nil
}

// AUC computes the ROC area from the Mann-Whitney rank statistic, averaging
// ranks over ties. It returns 0.5 when either class is absent.
func AUC(y []int, scores []float64) float64 {
	n := len(y)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && scores[order[j+1]] == scores[order[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = avg
		}
		i = j + 1
	}

	var pos, neg int
	var rankSum float64
	for i, label := range y {
		if label == 1 {
			pos++
			rankSum += ranks[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}

	return (rankSum - float64(pos)*float64(pos+1)/2) / (float64(pos) * float64(neg))
}

// StratifiedSplit shuffles row indices per class with seed and holds out
// testFraction of each class. Both sides keep the class ratio of y.
func StratifiedSplit(y []int, testFraction float64, seed int64) (train, test []int, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("split: test fraction %.2f out of range (0, 1)", testFraction)
	}

	byClass := map[int][]int{}
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewSource(seed))
	for _, c := range classes {
		idx := byClass[c]
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

		nTest := int(float64(len(idx))*testFraction + 0.5)
		if nTest == 0 && len(idx) > 1 {
			nTest = 1
		}
		if nTest >= len(idx) && len(idx) > 0 {
			nTest = len(idx) - 1
		}
		test = append(test, idx[:nTest]...)
		train = append(train, idx[nTest:]...)
	}

	sort.Ints(train)
	sort.Ints(test)
	return train, test, nil
}

// Rows selects the given rows of X.
func Rows(X [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for k, i := range idx {
		out[k] = X[i]
	}
	return out
}

// Labels selects the given entries of y.
func Labels(y []int, idx []int) []int {
	out := make([]int, len(idx))
	for k, i := range idx {
		out[k] = y[i]
	}
	return out
}
