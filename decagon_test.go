package decagon

import (
	"testing"

	"github.com/gomlx/decagon/sampler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToyData(t *testing.T) {
	data := ToyData(30, 12, 2, 7)
	assert.Equal(t, 30, data.NumGenes)
	assert.Equal(t, 12, data.NumDrugs)
	assert.Len(t, data.GeneGene, 4*30)
	assert.Len(t, data.SideEffects, 2)
	for _, se := range data.SideEffects {
		assert.Len(t, se.Edges, 2*12)
		for _, edge := range se.Edges {
			assert.Less(t, edge.Source, edge.Target)
		}
	}
	assert.NotEmpty(t, data.DrugTargets)

	// Same seed, same graph; different seed, different graph.
	assert.Equal(t, data, ToyData(30, 12, 2, 7))
	assert.NotEqual(t, data.GeneGene, ToyData(30, 12, 2, 8).GeneGene)
}

func TestNewSampler(t *testing.T) {
	data := ToyData(30, 12, 3, 1)
	s, err := data.NewSampler()
	require.NoError(t, err)

	// One relation plus its transpose for PPI, one each way for drug
	// targets, and one plus its transpose per side effect.
	assert.Equal(t, 4+2*3, s.NumRelations())
	assert.Equal(t, 2, s.RelationCount(NodeTypeGene, NodeTypeGene))
	assert.Equal(t, 1, s.RelationCount(NodeTypeGene, NodeTypeDrug))
	assert.Equal(t, 1, s.RelationCount(NodeTypeDrug, NodeTypeGene))
	assert.Equal(t, 6, s.RelationCount(NodeTypeDrug, NodeTypeDrug))

	// The PPI adjacency holds both orientations of each pair, and its twin
	// relation is its transpose (here, the same matrix).
	ppi := sampler.RelationKey{SourceType: NodeTypeGene, TargetType: NodeTypeGene, Relation: 0}
	ppiT := sampler.RelationKey{SourceType: NodeTypeGene, TargetType: NodeTypeGene, Relation: 1}
	assert.Equal(t, 2*len(data.GeneGene), s.Relation(ppi).NumEdges())
	for _, edge := range data.GeneGene {
		assert.True(t, s.HasEdge(ppi, edge.Source, edge.Target))
		assert.True(t, s.HasEdge(ppi, edge.Target, edge.Source))
	}
	assert.Equal(t, s.Relation(ppi).Targets, s.Relation(ppiT).Targets)

	// Drug targets keep their single orientation, with the transpose as a
	// separate relation.
	targets := sampler.RelationKey{SourceType: NodeTypeGene, TargetType: NodeTypeDrug, Relation: 0}
	targetsT := sampler.RelationKey{SourceType: NodeTypeDrug, TargetType: NodeTypeGene, Relation: 0}
	assert.Equal(t, len(data.DrugTargets), s.Relation(targets).NumEdges())
	for _, edge := range data.DrugTargets {
		assert.True(t, s.HasEdge(targets, edge.Source, edge.Target))
		assert.True(t, s.HasEdge(targetsT, edge.Target, edge.Source))
	}

	// Side effect k lives at drug->drug relation k, its transpose at k+n.
	for k, se := range data.SideEffects {
		key := sampler.RelationKey{SourceType: NodeTypeDrug, TargetType: NodeTypeDrug, Relation: k}
		twin := sampler.RelationKey{SourceType: NodeTypeDrug, TargetType: NodeTypeDrug, Relation: k + 3}
		assert.Equal(t, 2*len(se.Edges), s.Relation(key).NumEdges())
		assert.Equal(t, s.Relation(key).Targets, s.Relation(twin).Targets)
		for _, edge := range se.Edges {
			assert.True(t, s.HasEdge(key, edge.Source, edge.Target))
			assert.True(t, s.HasEdge(key, edge.Target, edge.Source))
		}
	}
}

func TestSideEffectForRelation(t *testing.T) {
	data := ToyData(10, 6, 2, 3)
	drugDrug := func(relation int) sampler.RelationKey {
		return sampler.RelationKey{SourceType: NodeTypeDrug, TargetType: NodeTypeDrug, Relation: relation}
	}
	assert.Equal(t, &data.SideEffects[0], data.SideEffectForRelation(drugDrug(0)))
	assert.Equal(t, &data.SideEffects[1], data.SideEffectForRelation(drugDrug(1)))

	// Transposed twins map back to the same side effect.
	assert.Equal(t, &data.SideEffects[0], data.SideEffectForRelation(drugDrug(2)))
	assert.Equal(t, &data.SideEffects[1], data.SideEffectForRelation(drugDrug(3)))

	assert.Nil(t, data.SideEffectForRelation(drugDrug(4)))
	assert.Nil(t, data.SideEffectForRelation(
		sampler.RelationKey{SourceType: NodeTypeGene, TargetType: NodeTypeGene, Relation: 0}))
}

func TestCanonicalUndirected(t *testing.T) {
	edges := []sampler.Edge{
		{Source: 3, Target: 1},
		{Source: 1, Target: 3}, // Duplicate once made canonical.
		{Source: 2, Target: 2}, // Self-loop, dropped.
		{Source: 0, Target: 4},
	}
	assert.Equal(t, []sampler.Edge{{Source: 1, Target: 3}, {Source: 0, Target: 4}},
		canonicalUndirected(edges))
}

func TestDataString(t *testing.T) {
	data := ToyData(1000, 12, 2, 1)
	str := data.String()
	assert.Contains(t, str, "1,000 genes")
	assert.Contains(t, str, "12 drugs")
	assert.Contains(t, str, "2 side effects")
}
