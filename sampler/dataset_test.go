package sampler

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestDataset(t *testing.T, batchSize int, seed uint64) *Dataset {
	t.Helper()
	s := buildTestSampler(t)
	splits, err := s.NewSplits(SplitConfig{Seed: 17})
	require.NoError(t, err)
	return NewDataset("train", s, splits, batchSize).WithSeed(seed)
}

func TestDatasetIteratorState(t *testing.T) {
	ds := buildTestDataset(t, 4, 1)
	_, _, _, err := ds.NextBatch()
	require.ErrorIs(t, err, ErrIteratorState)

	ds.Shuffle()
	for !ds.End() {
		_, _, _, err = ds.NextBatch()
		require.NoError(t, err)
	}
	_, _, _, err = ds.NextBatch()
	require.ErrorIs(t, err, ErrIteratorState)
	_, _, _, err = ds.NextBatch()
	require.ErrorIs(t, err, ErrIteratorState)

	// Shuffle starts a fresh epoch.
	ds.Shuffle()
	assert.False(t, ds.End())
	_, _, _, err = ds.NextBatch()
	require.NoError(t, err)
}

func TestDatasetEpochCoverage(t *testing.T) {
	ds := buildTestDataset(t, 4, 2)
	ds.Shuffle()

	visited := make(map[RelationKey]map[Edge]int)
	for !ds.End() {
		key, positives, negatives, err := ds.NextBatch()
		require.NoError(t, err)
		assert.Equal(t, key, ds.CurrentRelation())
		require.Len(t, negatives, len(positives))
		require.LessOrEqual(t, len(positives), ds.BatchSize())
		rel := ds.sampler.Relations[key]
		for _, edge := range negatives {
			assert.False(t, rel.HasEdge(edge.Source, edge.Target), "relation %s: negative (%d,%d) is a true edge", key, edge.Source, edge.Target)
		}
		if visited[key] == nil {
			visited[key] = make(map[Edge]int)
		}
		for _, edge := range positives {
			visited[key][edge]++
		}
	}

	// Every training positive of every relation is visited exactly once per
	// epoch, never duplicated, never dropped.
	for _, key := range ds.RelationKeys() {
		sp := ds.Split(key)
		require.NotNil(t, sp)
		assert.Len(t, visited[key], len(sp.TrainEdges), "relation %s", key)
		for _, edge := range sp.TrainEdges {
			assert.Equal(t, 1, visited[key][edge], "relation %s: edge (%d,%d)", key, edge.Source, edge.Target)
		}
	}
}

func TestDatasetRoundRobin(t *testing.T) {
	ds := buildTestDataset(t, 2, 3)
	ds.Shuffle()
	// While no relation is exhausted the relations alternate in fixed order.
	for _, want := range ds.RelationKeys() {
		key, _, _, err := ds.NextBatch()
		require.NoError(t, err)
		assert.Equal(t, want, key)
	}
}

func TestDatasetDeterminism(t *testing.T) {
	dsA := buildTestDataset(t, 4, 11)
	dsB := buildTestDataset(t, 4, 11)
	dsA.Shuffle()
	dsB.Shuffle()
	for !dsA.End() {
		keyA, posA, negA, errA := dsA.NextBatch()
		keyB, posB, negB, errB := dsB.NextBatch()
		require.NoError(t, errA)
		require.NoError(t, errB)
		assert.Equal(t, keyA, keyB)
		assert.Equal(t, posA, posB)
		assert.Equal(t, negA, negB)
	}
	assert.True(t, dsB.End())
}

func TestDatasetYield(t *testing.T) {
	// A single 5-edge relation with batch size 4: one full batch, then a
	// short batch padded to the fixed shapes, then EOF.
	s := New()
	s.AddNodeType("gene", 6)
	s.AddNodeType("drug", 4)
	key, err := s.AddRelation("gene", "drug", []Edge{{0, 0}, {1, 1}, {2, 2}, {3, 3}, {4, 0}})
	require.NoError(t, err)
	sp, err := s.NewSplit(key, SplitConfig{ValidationFraction: -1, TestFraction: -1, Seed: 5})
	require.NoError(t, err)
	require.Len(t, sp.TrainEdges, 5)

	ds := NewDataset("train", s, map[RelationKey]*Split{key: sp}, 4).WithSeed(7)
	var batchSizes []int
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, key, spec)
		require.Len(t, inputs, 4)
		require.Len(t, labels, 2)
		posPairs, posMask, negPairs, negMask := inputs[0], inputs[1], inputs[2], inputs[3]
		assert.Equal(t, []int{4, 2}, posPairs.Shape().Dimensions)
		assert.Equal(t, []int{4}, posMask.Shape().Dimensions)
		assert.Equal(t, []int{4, 2}, negPairs.Shape().Dimensions)
		assert.Equal(t, []int{4}, negMask.Shape().Dimensions)
		targets, targetsMask := labels[0], labels[1]
		assert.Equal(t, []int{8, 1}, targets.Shape().Dimensions)
		assert.Equal(t, []int{8, 1}, targetsMask.Shape().Dimensions)

		mask := tensors.MustCopyFlatData[bool](posMask)
		n := 0
		for _, valid := range mask {
			if valid {
				n++
			}
		}
		batchSizes = append(batchSizes, n)
		assert.Equal(t, mask, tensors.MustCopyFlatData[bool](negMask))

		// Labels: ones for the valid positive rows, zeros elsewhere, with
		// the combined mask mirroring the two input masks.
		targetsData := tensors.MustCopyFlatData[float32](targets)
		combined := tensors.MustCopyFlatData[bool](targetsMask)
		for ii := 0; ii < 4; ii++ {
			assert.Equal(t, mask[ii], combined[ii])
			assert.Equal(t, mask[ii], combined[4+ii])
			if mask[ii] {
				assert.Equal(t, float32(1), targetsData[ii])
			} else {
				assert.Equal(t, float32(0), targetsData[ii])
			}
			assert.Equal(t, float32(0), targetsData[4+ii])
		}

		// Padded rows carry the padding index.
		pairsData := tensors.MustCopyFlatData[int32](posPairs)
		for ii := n; ii < 4; ii++ {
			assert.Equal(t, int32(PaddingIndex), pairsData[2*ii])
			assert.Equal(t, int32(PaddingIndex), pairsData[2*ii+1])
		}
	}
	assert.Equal(t, []int{4, 1}, batchSizes)

	// Reset starts a new epoch.
	ds.Reset()
	assert.False(t, ds.End())
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 4)
}
