package rankmetrics

import (
	"math"
	"testing"

	"github.com/gomlx/decagon/sampler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildStore creates a 3-drug adjacency with the symmetric edges (0,1) and
// (1,2) stored in both orientations.
func buildStore(t *testing.T) (*sampler.Sampler, sampler.RelationKey) {
	t.Helper()
	s := sampler.New()
	s.AddNodeType("drug", 3)
	edges := []sampler.Edge{{Source: 0, Target: 1}, {Source: 1, Target: 2}}
	key, err := s.AddRelation("drug", "drug",
		append(edges, sampler.Transposed(edges)...))
	require.NoError(t, err)
	return s, key
}

func TestEvaluatePerfectRanking(t *testing.T) {
	store, key := buildStore(t)
	positives := []sampler.Edge{{Source: 0, Target: 1}, {Source: 1, Target: 2}}
	negatives := []sampler.Edge{{Source: 0, Target: 2}, {Source: 2, Target: 0}}

	// Every positive outranks every negative.
	result, err := Evaluate(store, key, positives, negatives,
		[]float64{0.9, 0.8}, []float64{0.1, 0.2}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.ROCAUC)
	assert.Equal(t, 1.0, result.AveragePrecision)
	assert.Equal(t, 1.0, result.APAtK)
}

func TestEvaluateInterleavedRanking(t *testing.T) {
	store, key := buildStore(t)
	positives := []sampler.Edge{{Source: 0, Target: 1}, {Source: 1, Target: 2}}
	negatives := []sampler.Edge{{Source: 0, Target: 2}, {Source: 2, Target: 0}}

	// Descending ranking: pos(0.9), neg(0.5), pos(0.3), neg(0.1).
	result, err := Evaluate(store, key, positives, negatives,
		[]float64{0.9, 0.3}, []float64{0.5, 0.1}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, result.ROCAUC, 1e-12)
	assert.InDelta(t, (1.0+2.0/3.0)/2.0, result.AveragePrecision, 1e-12)
	// Top-3 holds hits at ranks 1 and 3.
	assert.InDelta(t, (1.0+2.0/3.0)/2.0, result.APAtK, 1e-12)

	// k=1 keeps only the top-scored edge, a positive.
	result, err = Evaluate(store, key, positives, negatives,
		[]float64{0.9, 0.3}, []float64{0.5, 0.1}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.APAtK, 1e-12)
}

func TestEvaluateNaNScores(t *testing.T) {
	store, key := buildStore(t)
	positives := []sampler.Edge{{Source: 0, Target: 1}, {Source: 1, Target: 2}}
	negatives := []sampler.Edge{{Source: 0, Target: 2}, {Source: 2, Target: 0}}

	// The NaN is treated as score 0: the edge still counts as a sample and
	// lands at the bottom of the ranking.
	result, err := Evaluate(store, key, positives, negatives,
		[]float64{math.NaN(), 0.8}, []float64{0.1, 0.2}, 4)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, result.ROCAUC, 1e-12)
	assert.InDelta(t, (1.0+2.0/4.0)/2.0, result.AveragePrecision, 1e-12)
}

func TestEvaluateValidation(t *testing.T) {
	store, key := buildStore(t)

	// A "positive" missing from the store.
	_, err := Evaluate(store, key,
		[]sampler.Edge{{Source: 0, Target: 2}}, nil,
		[]float64{0.9}, nil, 0)
	require.ErrorIs(t, err, ErrValidation)

	// A "negative" that is a true edge.
	_, err = Evaluate(store, key,
		nil, []sampler.Edge{{Source: 1, Target: 0}},
		nil, []float64{0.1}, 0)
	require.ErrorIs(t, err, ErrValidation)

	// Score/edge length mismatch.
	_, err = Evaluate(store, key,
		[]sampler.Edge{{Source: 0, Target: 1}}, nil,
		[]float64{0.9, 0.8}, nil, 0)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrValidation)
}
