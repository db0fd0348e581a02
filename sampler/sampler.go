// Package sampler holds the multi-relational sparse graph used to train the
// Decagon model: the adjacency store for every (source node type, target node
// type, relation) triple, the train/validation/test edge partitioner, and the
// minibatch iterator that feeds balanced positive/negative edge batches to
// the trainer.
//
// There are 3 phases when using the package:
//
// (1) Specify the full graph: define node types and add one relation per
// adjacency matrix -- for node-type pairs (i, i) both a relation and its
// transpose are added, mirroring how the adjacency matrices are fed to the
// model:
//
//	s := sampler.New()
//	s.AddNodeType("gene", numGenes)
//	s.AddNodeType("drug", numDrugs)
//	ppi := must.M1(s.AddRelation("gene", "gene", ppiEdges))
//	_ = must.M1(s.AddRelation("gene", "gene", sampler.Transposed(ppiEdges)))
//
// (2) Partition every relation's positive edges into train/validation/test
// splits, with matching rejection-sampled negatives (see NewSplits).
//
// (3) Create a Dataset from the splits and iterate over minibatches (see
// NewDataset). The Dataset also implements gomlx's train.Dataset.
package sampler

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Edge is one (source, target) pair of a relation.
type Edge struct {
	Source, Target int32
}

// RelationKey uniquely identifies one semantic edge type: a (source node
// type, target node type) pair plus a relation index disambiguating parallel
// relations between the same pair -- e.g. one relation per polypharmacy side
// effect, plus its transpose.
type RelationKey struct {
	SourceType, TargetType string

	// Relation is the index of this relation among all relations of the
	// same node-type pair.
	Relation int
}

// String implements fmt.Stringer. Also used as the graph `spec` key by the
// trainer, so it must be unique per relation.
func (k RelationKey) String() string {
	return fmt.Sprintf("%s->%s/%d", k.SourceType, k.TargetType, k.Relation)
}

// Symmetric reports whether the relation connects a node type to itself, in
// which case (u, v) and (v, u) refer to the same logical edge.
func (k RelationKey) Symmetric() bool {
	return k.SourceType == k.TargetType
}

// Relation stores one relation's adjacency matrix in CSR form: Starts has one
// entry per source node pointing to the end of its row in Targets, and each
// row of Targets is sorted.
type Relation struct {
	Key RelationKey

	// Rows and Cols are the declared node counts of the source and target
	// node types.
	Rows, Cols int32

	// Starts has one entry for each source node: it points just past the
	// end of the source node's row in Targets. Row `i` spans
	// `Targets[Starts[i-1]:Starts[i]]` (from 0 for `i == 0`).
	Starts []int32

	// Targets lists target nodes ordered by source node, sorted within
	// each row.
	Targets []int32
}

// NumEdges of this relation.
func (r *Relation) NumEdges() int { return len(r.Targets) }

// TargetsForSource returns the sorted target nodes of edges leaving source
// node `src`. Don't modify the returned slice, it aliases the relation's
// storage.
func (r *Relation) TargetsForSource(src int32) []int32 {
	if src < 0 || src >= r.Rows {
		Panicf("invalid source node index %d for relation %s (%d source nodes)", src, r.Key, r.Rows)
	}
	var start int32
	if src > 0 {
		start = r.Starts[src-1]
	}
	return r.Targets[start:r.Starts[src]]
}

// HasEdge reports whether the edge (src, tgt) is present.
func (r *Relation) HasEdge(src, tgt int32) bool {
	if src < 0 || src >= r.Rows || tgt < 0 || tgt >= r.Cols {
		return false
	}
	_, found := slices.BinarySearch(r.TargetsForSource(src), tgt)
	return found
}

// Edges materializes the full edge list, ordered by (source, target).
func (r *Relation) Edges() []Edge {
	edges := make([]Edge, 0, r.NumEdges())
	var start int32
	for src := int32(0); src < r.Rows; src++ {
		for _, tgt := range r.Targets[start:r.Starts[src]] {
			edges = append(edges, Edge{Source: src, Target: tgt})
		}
		start = r.Starts[src]
	}
	return edges
}

// Sampler is the sparse adjacency store: it owns every relation's adjacency
// matrix and the per-node-type degree vectors. It is immutable after the
// first Split or Dataset is created from it.
type Sampler struct {
	// NodeTypesToCount maps a node type name to its node count.
	NodeTypesToCount map[string]int32

	// Relations maps each relation key to its adjacency.
	Relations map[RelationKey]*Relation

	// Frozen is set when the first Split or Dataset is created; after that
	// the Sampler can no longer be changed.
	Frozen bool

	degrees map[string][]int32
}

// New creates a new empty Sampler.
//
// After creating it, use AddNodeType and AddRelation to define the graph.
func New() *Sampler {
	return &Sampler{
		NodeTypesToCount: make(map[string]int32),
		Relations:        make(map[RelationKey]*Relation),
	}
}

// AddNodeType adds the node type with the given name and count to the
// collection of known node types. Node indices are dense: all values from 0
// to count-1 are valid.
func (s *Sampler) AddNodeType(name string, count int) {
	if s.Frozen {
		Panicf("Sampler is frozen, that is, a Split or Dataset was already created from it and it can no longer be modified")
	}
	if count <= 0 {
		Panicf("count of %d for node type %q invalid, it must be > 0", count, name)
	}
	if count > math.MaxInt32 {
		Panicf("Sampler uses int32, but node type %q count of %d is bigger than the max possible", name, count)
	}
	s.NodeTypesToCount[name] = int32(count)
}

// AddRelation adds one relation's adjacency matrix, given as an edge list,
// and returns its key. The relation index is assigned sequentially among the
// relations of the same (sourceType, targetType) pair.
//
// For a node-type pair (i, i) the convention is that both a matrix and its
// transpose are supplied as two separate relations -- see Transposed.
//
// It returns an error wrapping ErrConfiguration if a node type is unknown or
// an edge endpoint falls outside the declared node counts.
func (s *Sampler) AddRelation(sourceType, targetType string, edges []Edge) (RelationKey, error) {
	if s.Frozen {
		Panicf("Sampler is frozen, that is, a Split or Dataset was already created from it and it can no longer be modified")
	}
	key := RelationKey{
		SourceType: sourceType,
		TargetType: targetType,
		Relation:   s.RelationCount(sourceType, targetType),
	}
	rows, found := s.NodeTypesToCount[sourceType]
	if !found {
		return key, errors.WithMessagef(ErrConfiguration, "unknown source node type %q for relation %s", sourceType, key)
	}
	cols, found := s.NodeTypesToCount[targetType]
	if !found {
		return key, errors.WithMessagef(ErrConfiguration, "unknown target node type %q for relation %s", targetType, key)
	}

	rel := &Relation{
		Key:     key,
		Rows:    rows,
		Cols:    cols,
		Starts:  make([]int32, rows),
		Targets: make([]int32, len(edges)),
	}
	sorted := slices.Clone(edges)
	slices.SortFunc(sorted, func(a, b Edge) int {
		if a.Source != b.Source {
			return int(a.Source - b.Source)
		}
		return int(a.Target - b.Target)
	})
	currentSrc := int32(0)
	for row, edge := range sorted {
		if edge.Source < 0 || edge.Source >= rows {
			return key, errors.WithMessagef(ErrConfiguration,
				"relation %s has an edge with source %d, but node type %q only has %d nodes",
				key, edge.Source, sourceType, rows)
		}
		if edge.Target < 0 || edge.Target >= cols {
			return key, errors.WithMessagef(ErrConfiguration,
				"relation %s has an edge with target %d, but node type %q only has %d nodes",
				key, edge.Target, targetType, cols)
		}
		rel.Targets[row] = edge.Target
		for currentSrc < edge.Source {
			rel.Starts[currentSrc] = int32(row)
			currentSrc++
		}
	}
	for ; currentSrc < rows; currentSrc++ {
		rel.Starts[currentSrc] = int32(len(sorted))
	}
	s.Relations[key] = rel
	return key, nil
}

// Transposed returns a new edge list with every edge reversed.
func Transposed(edges []Edge) []Edge {
	reversed := make([]Edge, len(edges))
	for ii, edge := range edges {
		reversed[ii] = Edge{Source: edge.Target, Target: edge.Source}
	}
	return reversed
}

// Relation returns the adjacency of the given relation, or nil if unknown.
func (s *Sampler) Relation(key RelationKey) *Relation {
	return s.Relations[key]
}

// HasEdge reports whether the edge (src, tgt) exists for the given relation.
func (s *Sampler) HasEdge(key RelationKey, src, tgt int32) bool {
	rel := s.Relations[key]
	return rel != nil && rel.HasEdge(src, tgt)
}

// Shape returns the (rows, cols) dimensions of the relation's adjacency
// matrix.
func (s *Sampler) Shape(key RelationKey) (rows, cols int) {
	rel := s.Relations[key]
	if rel == nil {
		Panicf("unknown relation %s", key)
	}
	return int(rel.Rows), int(rel.Cols)
}

// RelationCount returns the number of parallel relations registered for the
// given node-type pair.
func (s *Sampler) RelationCount(sourceType, targetType string) int {
	count := 0
	for key := range s.Relations {
		if key.SourceType == sourceType && key.TargetType == targetType {
			count++
		}
	}
	return count
}

// NumRelations across all node-type pairs.
func (s *Sampler) NumRelations() int { return len(s.Relations) }

// RelationKeys returns all relation keys in a fixed deterministic order:
// sorted by (source type, target type, relation index).
func (s *Sampler) RelationKeys() []RelationKey {
	keys := make([]RelationKey, 0, len(s.Relations))
	for key := range s.Relations {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b RelationKey) int {
		if c := strings.Compare(a.SourceType, b.SourceType); c != 0 {
			return c
		}
		if c := strings.Compare(a.TargetType, b.TargetType); c != 0 {
			return c
		}
		return a.Relation - b.Relation
	})
	return keys
}

// Degrees returns the per-node degree vector for the given node type: the
// number of edges leaving each node, summed across every relation whose
// source is that node type. Since transpose relations are stored explicitly,
// this counts both edge directions.
//
// It is computed once on first use and immutable afterward; it freezes the
// Sampler. The model consumes it for degree-weighted negative sampling -- the
// Dataset only forwards it unchanged.
func (s *Sampler) Degrees(nodeType string) []int32 {
	count, found := s.NodeTypesToCount[nodeType]
	if !found {
		Panicf("unknown node type %q", nodeType)
	}
	s.Frozen = true
	if s.degrees == nil {
		s.degrees = make(map[string][]int32)
	}
	if degrees, found := s.degrees[nodeType]; found {
		return degrees
	}
	degrees := make([]int32, count)
	for key, rel := range s.Relations {
		if key.SourceType != nodeType {
			continue
		}
		var start int32
		for src := int32(0); src < rel.Rows; src++ {
			degrees[src] += rel.Starts[src] - start
			start = rel.Starts[src]
		}
	}
	s.degrees[nodeType] = degrees
	return degrees
}

// String returns a multi-line description of the graph held by the Sampler.
func (s *Sampler) String() string {
	parts := make([]string, 0, 1+len(s.NodeTypesToCount)+len(s.Relations))
	var frozenDesc string
	if s.Frozen {
		frozenDesc = ", frozen"
	}
	parts = append(parts, fmt.Sprintf("Sampler: %d node types, %d relations%s",
		len(s.NodeTypesToCount), len(s.Relations), frozenDesc))
	for name, count := range s.NodeTypesToCount {
		parts = append(parts, fmt.Sprintf("\tNodeType %q: %s nodes", name, humanize.Comma(int64(count))))
	}
	for _, key := range s.RelationKeys() {
		parts = append(parts, fmt.Sprintf("\tRelation %s: %s edges",
			key, humanize.Comma(int64(s.Relations[key].NumEdges()))))
	}
	return strings.Join(parts, "\n")
}

func initGob() {
	gob.Register(&Relation{})
	gob.Register(&Sampler{})
}

// Save the Sampler, including the edge indices, so it can be reloaded ready
// to go.
func (s *Sampler) Save(filePath string) (err error) {
	initGob()
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save Sampler", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(s); err != nil {
		return errors.WithMessagef(err, "encoding Sampler to save to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q, where Sampler was saved", filePath)
	}
	return nil
}

// Load a previously saved Sampler.
// If filePath doesn't exist, it returns an error that can be checked with
// os.IsNotExist.
func Load(filePath string) (s *Sampler, err error) {
	initGob()
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "trying to load Sampler from %q", filePath)
	}
	dec := gob.NewDecoder(f)
	s = &Sampler{}
	if err = dec.Decode(s); err != nil {
		return nil, errors.Wrapf(err, "trying to decode Sampler from %q", filePath)
	}
	_ = f.Close()
	return s, nil
}
