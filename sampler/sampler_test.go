package sampler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerConstruction(t *testing.T) {
	s := New()
	s.AddNodeType("gene", 5)
	s.AddNodeType("drug", 3)

	targets := []Edge{
		{0, 2}, // Gene 0 targeted by drug 2.
		{3, 2},
		{4, 2},
		{0, 0},
		{0, 1},
		{4, 1},
	}
	key, err := s.AddRelation("gene", "drug", targets)
	require.NoError(t, err)
	assert.Equal(t, RelationKey{"gene", "drug", 0}, key)

	rel := s.Relation(key)
	assert.EqualValues(t, []int32{3, 3, 3, 4, 6}, rel.Starts)
	assert.EqualValues(t, []int32{0, 1, 2, 2, 1, 2}, rel.Targets)
	assert.EqualValues(t, []int32{1, 2}, rel.TargetsForSource(4))
	assert.Empty(t, rel.TargetsForSource(2))

	assert.True(t, s.HasEdge(key, 3, 2))
	assert.False(t, s.HasEdge(key, 3, 0))
	rows, cols := s.Shape(key)
	assert.Equal(t, 5, rows)
	assert.Equal(t, 3, cols)

	// Transpose relation of the (gene, drug) matrix.
	tKey, err := s.AddRelation("drug", "gene", Transposed(targets))
	require.NoError(t, err)
	assert.True(t, s.HasEdge(tKey, 2, 3))
	assert.Equal(t, 1, s.RelationCount("gene", "drug"))
	assert.Equal(t, 1, s.RelationCount("drug", "gene"))
	assert.Equal(t, 2, s.NumRelations())
	assert.Equal(t, []RelationKey{tKey, key}, s.RelationKeys()) // "drug" sorts before "gene".
}

func TestSamplerConfigurationErrors(t *testing.T) {
	s := New()
	s.AddNodeType("gene", 5)

	_, err := s.AddRelation("gene", "drug", nil)
	require.ErrorIs(t, err, ErrConfiguration)

	// Edge endpoint outside the declared node count.
	_, err = s.AddRelation("gene", "gene", []Edge{{0, 5}})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = s.AddRelation("gene", "gene", []Edge{{-1, 0}})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestSamplerDegrees(t *testing.T) {
	s := New()
	s.AddNodeType("gene", 4)
	ppi := []Edge{{0, 1}, {1, 2}, {1, 3}}
	_, err := s.AddRelation("gene", "gene", ppi)
	require.NoError(t, err)
	_, err = s.AddRelation("gene", "gene", Transposed(ppi))
	require.NoError(t, err)

	// Both directions are stored, so this counts total incident edges.
	assert.EqualValues(t, []int32{1, 3, 1, 1}, s.Degrees("gene"))
	assert.True(t, s.Frozen)

	// Cached: repeated calls return the same vector.
	assert.EqualValues(t, s.Degrees("gene"), s.Degrees("gene"))
}

func TestSamplerSaveLoad(t *testing.T) {
	s := New()
	s.AddNodeType("gene", 4)
	key, err := s.AddRelation("gene", "gene", []Edge{{0, 1}, {1, 0}, {2, 3}})
	require.NoError(t, err)

	filePath := filepath.Join(t.TempDir(), "sampler.bin")
	require.NoError(t, s.Save(filePath))
	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, s.NodeTypesToCount, loaded.NodeTypesToCount)
	require.Contains(t, loaded.Relations, key)
	assert.Equal(t, s.Relations[key].Targets, loaded.Relations[key].Targets)
	assert.True(t, loaded.HasEdge(key, 2, 3))

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
