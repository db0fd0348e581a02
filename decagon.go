// Package decagon models polypharmacy side effects as link prediction on a
// multi-relational graph of genes and drugs, after Zitnik et al. (2018),
// "Modeling polypharmacy side effects with graph convolutional networks".
//
// The graph has two node types: genes, connected by protein-protein
// interactions, and drugs, connected to their target genes and, one relation
// per polypharmacy side effect, to other drugs. Package sampler holds the
// adjacency store, the train/validation/test partitioner and the minibatch
// iterator; package rankmetrics the ranking evaluator. This package binds
// them to the Decagon graph schema, the bio-decagon data loaders and the
// GoMLX model.
package decagon

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/decagon/sampler"
)

// Node types of the polypharmacy graph.
const (
	NodeTypeGene = "gene"
	NodeTypeDrug = "drug"
)

// SideEffect is one drug-drug relation: the pairs of drugs reported to cause
// this side effect when taken together. Edges hold one orientation per pair.
type SideEffect struct {
	// ID of the side effect, e.g. "C0151714". Empty for synthetic data.
	ID string

	// Name, e.g. "hypermagnesemia".
	Name string

	Edges []sampler.Edge
}

// Data is the polypharmacy graph in edge-list form, as loaded from the
// bio-decagon files (or generated by ToyData). Nodes are dense indices,
// remapped from the Entrez gene IDs and STITCH drug IDs of the raw data.
type Data struct {
	NumGenes, NumDrugs int

	// GeneGene protein-protein interactions, one orientation per pair.
	GeneGene []sampler.Edge

	// DrugTargets links, with Source a gene and Target a drug.
	DrugTargets []sampler.Edge

	SideEffects []SideEffect
}

// NewSampler builds the adjacency store for the polypharmacy graph. The
// relation layout follows the original Decagon convention: every undirected
// relation stores both edge orientations, with a transposed twin relation
// added right after it.
//
//   - gene->gene: relation 0 is the PPI adjacency, relation 1 its transpose;
//   - gene->drug and drug->gene: drug-target links and their transpose;
//   - drug->drug: relations 0..n-1 are the side effects, relations n..2n-1
//     the transposes, where n = len(data.SideEffects).
func (data *Data) NewSampler() (*sampler.Sampler, error) {
	s := sampler.New()
	s.AddNodeType(NodeTypeGene, data.NumGenes)
	s.AddNodeType(NodeTypeDrug, data.NumDrugs)

	ppi := withTransposed(data.GeneGene)
	if _, err := s.AddRelation(NodeTypeGene, NodeTypeGene, ppi); err != nil {
		return nil, err
	}
	if _, err := s.AddRelation(NodeTypeGene, NodeTypeGene, sampler.Transposed(ppi)); err != nil {
		return nil, err
	}
	if _, err := s.AddRelation(NodeTypeGene, NodeTypeDrug, data.DrugTargets); err != nil {
		return nil, err
	}
	if _, err := s.AddRelation(NodeTypeDrug, NodeTypeGene, sampler.Transposed(data.DrugTargets)); err != nil {
		return nil, err
	}
	for _, se := range data.SideEffects {
		if _, err := s.AddRelation(NodeTypeDrug, NodeTypeDrug, withTransposed(se.Edges)); err != nil {
			return nil, err
		}
	}
	for _, se := range data.SideEffects {
		if _, err := s.AddRelation(NodeTypeDrug, NodeTypeDrug, sampler.Transposed(withTransposed(se.Edges))); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// String implements fmt.Stringer.
func (data *Data) String() string {
	numCombo := 0
	for _, se := range data.SideEffects {
		numCombo += len(se.Edges)
	}
	return fmt.Sprintf(
		"Polypharmacy graph: %s genes (%s interactions), %s drugs (%s targets), %s side effects (%s drug pairs)",
		humanize.Comma(int64(data.NumGenes)), humanize.Comma(int64(len(data.GeneGene))),
		humanize.Comma(int64(data.NumDrugs)), humanize.Comma(int64(len(data.DrugTargets))),
		humanize.Comma(int64(len(data.SideEffects))), humanize.Comma(int64(numCombo)))
}

// ToyData generates a small random polypharmacy graph, used by tests and by
// the demo when run without the real datasets. The same seed always yields
// the same graph.
func ToyData(numGenes, numDrugs, numSideEffects int, seed uint64) *Data {
	rng := rand.New(rand.NewPCG(seed, 0))
	data := &Data{
		NumGenes: numGenes,
		NumDrugs: numDrugs,
		GeneGene: randomUndirected(rng, int32(numGenes), 4*numGenes),
	}
	for gene := int32(0); gene < int32(numGenes); gene++ {
		// Each gene is targeted by a couple of random drugs.
		for range 2 {
			data.DrugTargets = append(data.DrugTargets,
				sampler.Edge{Source: gene, Target: rng.Int32N(int32(numDrugs))})
		}
	}
	data.DrugTargets = dedupe(data.DrugTargets)
	for ii := range numSideEffects {
		data.SideEffects = append(data.SideEffects, SideEffect{
			Name:  fmt.Sprintf("toy side effect %d", ii),
			Edges: randomUndirected(rng, int32(numDrugs), 2*numDrugs),
		})
	}
	return data
}

// randomUndirected draws count distinct canonical (Source < Target) pairs.
// count must be well below the number of possible pairs.
func randomUndirected(rng *rand.Rand, numNodes int32, count int) []sampler.Edge {
	seen := make(map[sampler.Edge]struct{}, count)
	edges := make([]sampler.Edge, 0, count)
	for len(edges) < count {
		u, v := rng.Int32N(numNodes), rng.Int32N(numNodes)
		if u == v {
			continue
		}
		if u > v {
			u, v = v, u
		}
		edge := sampler.Edge{Source: u, Target: v}
		if _, dup := seen[edge]; dup {
			continue
		}
		seen[edge] = struct{}{}
		edges = append(edges, edge)
	}
	return edges
}

func withTransposed(edges []sampler.Edge) []sampler.Edge {
	return append(slices.Clone(edges), sampler.Transposed(edges)...)
}

// canonicalUndirected rewrites each pair as (min, max) and drops self-loops
// and duplicates, so an undirected edge list holds one entry per pair no
// matter the orientation of the raw data.
func canonicalUndirected(edges []sampler.Edge) []sampler.Edge {
	canonical := make([]sampler.Edge, 0, len(edges))
	for _, edge := range edges {
		if edge.Source == edge.Target {
			continue
		}
		if edge.Source > edge.Target {
			edge.Source, edge.Target = edge.Target, edge.Source
		}
		canonical = append(canonical, edge)
	}
	return dedupe(canonical)
}

func dedupe(edges []sampler.Edge) []sampler.Edge {
	seen := make(map[sampler.Edge]struct{}, len(edges))
	deduped := edges[:0]
	for _, edge := range edges {
		if _, dup := seen[edge]; dup {
			continue
		}
		seen[edge] = struct{}{}
		deduped = append(deduped, edge)
	}
	return deduped
}
