// Package rankmetrics computes the ranking-based accuracy metrics used to
// evaluate edge predictions of one relation: area under the ROC curve,
// average precision (area under the precision-recall curve) and average
// precision over the top-k ranked candidates (AP@k).
//
// Scores come from the model (sigmoid of the decoder output); the package
// itself is model-agnostic: it only needs the scored positive and negative
// edge lists, and the adjacency store to guard against corrupted inputs.
package rankmetrics

import (
	"math"
	"slices"

	"github.com/gomlx/decagon/sampler"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// DefaultK for AP@k, following the original Decagon study.
const DefaultK = 50

// ErrValidation indicates the evaluator was handed an edge inconsistent with
// the adjacency store's ground truth: a "positive" that is not a stored edge,
// or a "negative" that is. It signals upstream data corruption and must not
// be caught-and-ignored.
var ErrValidation = errors.New("edge inconsistent with adjacency ground truth")

// EdgeChecker is the slice of the adjacency store the evaluator needs.
// *sampler.Sampler implements it.
type EdgeChecker interface {
	HasEdge(key sampler.RelationKey, source, target int32) bool
}

// Result of evaluating one relation's scored edges.
type Result struct {
	// ROCAUC is the area under the receiver-operating-characteristic
	// curve of the pooled positive/negative scores.
	ROCAUC float64

	// AveragePrecision is the area under the precision-recall curve.
	AveragePrecision float64

	// APAtK is the average precision over the k highest-scoring edges,
	// positives and negatives pooled.
	APAtK float64
}

// Evaluate computes the ranking metrics for one relation, given the scores
// the model produced for a list of known-positive and known-negative edges.
//
// Every positive must be present in the store and every negative absent,
// otherwise an error wrapping ErrValidation is returned. NaN scores are
// replaced with 0 before the computation -- a single numerical blow-up in the
// scoring function must not abort an evaluation run -- but the edge still
// counts as a sample.
//
// Ranking ties are broken by insertion order (positives before negatives,
// each in the order given): the sort is stable.
func Evaluate(store EdgeChecker, key sampler.RelationKey,
	positives, negatives []sampler.Edge, positiveScores, negativeScores []float64,
	k int) (Result, error) {
	var result Result
	if len(positives) != len(positiveScores) || len(negatives) != len(negativeScores) {
		return result, errors.Errorf(
			"relation %s: %d positive and %d negative edges, but %d and %d scores",
			key, len(positives), len(negatives), len(positiveScores), len(negativeScores))
	}
	for _, edge := range positives {
		if !store.HasEdge(key, edge.Source, edge.Target) {
			return result, errors.WithMessagef(ErrValidation,
				"relation %s: positive edge (%d, %d) is not in the adjacency store",
				key, edge.Source, edge.Target)
		}
	}
	for _, edge := range negatives {
		if store.HasEdge(key, edge.Source, edge.Target) {
			return result, errors.WithMessagef(ErrValidation,
				"relation %s: negative edge (%d, %d) is a true edge of the adjacency store",
				key, edge.Source, edge.Target)
		}
	}

	numPositives := len(positives)
	scores := make([]float64, 0, numPositives+len(negatives))
	scores = append(scores, positiveScores...)
	scores = append(scores, negativeScores...)
	for ii, score := range scores {
		if math.IsNaN(score) {
			scores[ii] = 0
		}
	}

	result.ROCAUC = rocAUC(scores, numPositives)
	ranked := rankDescending(scores)
	result.AveragePrecision = averagePrecision(ranked, numPositives)
	result.APAtK = apAtK(ranked, numPositives, k)
	return result, nil
}

// rocAUC over the pooled scores, where the first numPositives entries are the
// positive class.
func rocAUC(scores []float64, numPositives int) float64 {
	// stat.ROC wants scores ascending, with classes sorted along.
	order := make([]int, len(scores))
	for ii := range order {
		order[ii] = ii
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case scores[a] < scores[b]:
			return -1
		case scores[a] > scores[b]:
			return 1
		}
		return 0
	})
	y := make([]float64, len(scores))
	classes := make([]bool, len(scores))
	for ii, idx := range order {
		y[ii] = scores[idx]
		classes[ii] = idx < numPositives
	}
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

// rankDescending returns the indices of scores ordered by descending score,
// ties broken by insertion order.
func rankDescending(scores []float64) []int {
	ranked := make([]int, len(scores))
	for ii := range ranked {
		ranked[ii] = ii
	}
	slices.SortStableFunc(ranked, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return 0
	})
	return ranked
}

// averagePrecision sums precision at every rank holding a relevant (positive)
// edge, normalized by the number of positives.
func averagePrecision(ranked []int, numPositives int) float64 {
	if numPositives == 0 {
		return 0
	}
	sum, hits := 0.0, 0
	for rank, idx := range ranked {
		if idx < numPositives {
			hits++
			sum += float64(hits) / float64(rank+1)
		}
	}
	return sum / float64(numPositives)
}

// apAtK is Decagon's apk: average precision restricted to the top-k ranked
// candidates, normalized by min(numPositives, k).
func apAtK(ranked []int, numPositives, k int) float64 {
	if numPositives == 0 {
		return 0
	}
	if k <= 0 {
		k = DefaultK
	}
	top := ranked
	if len(top) > k {
		top = top[:k]
	}
	sum, hits := 0.0, 0
	for rank, idx := range top {
		if idx < numPositives {
			hits++
			sum += float64(hits) / float64(rank+1)
		}
	}
	return sum / float64(min(numPositives, k))
}
