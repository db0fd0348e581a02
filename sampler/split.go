package sampler

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// DefaultHeldOutFraction of positive edges reserved for each of the
// validation and test splits.
const DefaultHeldOutFraction = 0.05

// defaultMaxSampleAttempts bounds the rejection loop for a single negative
// draw before giving up with ErrSamplingExhausted.
const defaultMaxSampleAttempts = 1000

// SplitConfig configures the edge partitioner. The zero value is valid:
// held-out fractions default to DefaultHeldOutFraction, the retry bound to
// defaultMaxSampleAttempts and the seed to 0.
//
// The same seed over the same adjacency always produces identical splits.
type SplitConfig struct {
	// ValidationFraction and TestFraction of each relation's positive
	// edges held out from training. If 0, DefaultHeldOutFraction is used;
	// set negative to hold out none.
	ValidationFraction, TestFraction float64

	// Seed for the shuffling and the negative rejection sampling. Each
	// relation derives its own generator from Seed and the relation key,
	// so splits are independent of the order they are created in.
	Seed uint64

	// MaxSampleAttempts bounds the rejection loop for each negative draw.
	MaxSampleAttempts int
}

func (cfg SplitConfig) normalized() SplitConfig {
	if cfg.ValidationFraction == 0 {
		cfg.ValidationFraction = DefaultHeldOutFraction
	} else if cfg.ValidationFraction < 0 {
		cfg.ValidationFraction = 0
	}
	if cfg.TestFraction == 0 {
		cfg.TestFraction = DefaultHeldOutFraction
	} else if cfg.TestFraction < 0 {
		cfg.TestFraction = 0
	}
	if cfg.MaxSampleAttempts <= 0 {
		cfg.MaxSampleAttempts = defaultMaxSampleAttempts
	}
	return cfg
}

// rng returns the relation's own deterministic generator.
func (cfg SplitConfig) rng(key RelationKey) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.String()))
	return rand.New(rand.NewPCG(cfg.Seed, h.Sum64()))
}

// Split partitions one relation's positive edges into disjoint
// train/validation/test sets, each paired with an equal number of sampled
// negative (non-edge) pairs. Splits are owned by the Dataset once one is
// created from them.
//
// For symmetric relations the positives are canonicalized to Source < Target,
// so an edge never lands in two splits under different orientations.
type Split struct {
	Key RelationKey

	TrainEdges, ValidationEdges, TestEdges                []Edge
	TrainFalseEdges, ValidationFalseEdges, TestFalseEdges []Edge
}

// NumPositives across all three splits.
func (sp *Split) NumPositives() int {
	return len(sp.TrainEdges) + len(sp.ValidationEdges) + len(sp.TestEdges)
}

// NewSplit deterministically partitions the given relation's positive edges
// and samples matching negatives.
//
// The partition is a pure shuffled split: there is no exclusion of
// graph-connectivity-critical edges. It returns an error wrapping
// ErrSamplingExhausted if the relation is too dense for negatives to be found
// within the configured retry bound.
func (s *Sampler) NewSplit(key RelationKey, cfg SplitConfig) (*Split, error) {
	rel := s.Relations[key]
	if rel == nil {
		return nil, errors.WithMessagef(ErrConfiguration, "cannot split unknown relation %s", key)
	}
	s.Frozen = true
	cfg = cfg.normalized()
	rng := cfg.rng(key)

	var edges []Edge
	if key.Symmetric() {
		// Upper-triangular extraction: (u, v) and (v, u) are the same
		// logical edge, keep only u < v.
		for _, edge := range rel.Edges() {
			if edge.Source < edge.Target {
				edges = append(edges, edge)
			}
		}
	} else {
		edges = rel.Edges()
	}
	rng.Shuffle(len(edges), func(i, j int) {
		edges[i], edges[j] = edges[j], edges[i]
	})

	numValidation := int(cfg.ValidationFraction * float64(len(edges)))
	numTest := int(cfg.TestFraction * float64(len(edges)))
	sp := &Split{
		Key:             key,
		ValidationEdges: edges[:numValidation],
		TestEdges:       edges[numValidation : numValidation+numTest],
		TrainEdges:      edges[numValidation+numTest:],
	}

	var err error
	if sp.TrainFalseEdges, err = sampleNegatives(rng, rel, len(sp.TrainEdges), cfg.MaxSampleAttempts, nil); err != nil {
		return nil, err
	}
	if sp.ValidationFalseEdges, err = sampleNegatives(rng, rel, len(sp.ValidationEdges), cfg.MaxSampleAttempts, nil); err != nil {
		return nil, err
	}
	if sp.TestFalseEdges, err = sampleNegatives(rng, rel, len(sp.TestEdges), cfg.MaxSampleAttempts, nil); err != nil {
		return nil, err
	}
	return sp, nil
}

// NewSplits partitions every relation of the Sampler. Relations are processed
// in RelationKeys order, but each derives its own generator from the seed, so
// the result doesn't depend on ordering.
func (s *Sampler) NewSplits(cfg SplitConfig) (map[RelationKey]*Split, error) {
	splits := make(map[RelationKey]*Split, len(s.Relations))
	for _, key := range s.RelationKeys() {
		sp, err := s.NewSplit(key, cfg)
		if err != nil {
			return nil, err
		}
		splits[key] = sp
	}
	return splits, nil
}

// sampleNegatives draws `count` distinct non-edges of the relation by
// rejection sampling: random (u, v) pairs are accepted only if no true edge
// exists in either orientation relevant to the relation, and the pair was not
// already drawn into the same set. If `reuse` is non-nil, it is used (and
// polluted) as the dedup set, allowing callers to exclude prior draws.
//
// Each accepted draw is given at most maxAttempts rejections; past that the
// adjacency is considered too dense, and an error wrapping
// ErrSamplingExhausted is returned instead of a degenerate sample.
func sampleNegatives(rng *rand.Rand, rel *Relation, count, maxAttempts int, reuse map[Edge]struct{}) ([]Edge, error) {
	seen := reuse
	if seen == nil {
		seen = make(map[Edge]struct{}, count)
	}
	symmetric := rel.Key.Symmetric()
	negatives := make([]Edge, 0, count)
	for len(negatives) < count {
		accepted := false
		for attempt := 0; attempt < maxAttempts; attempt++ {
			u := rng.Int32N(rel.Rows)
			v := rng.Int32N(rel.Cols)
			if symmetric {
				if u == v {
					continue
				}
				if u > v { // canonical orientation
					u, v = v, u
				}
			}
			candidate := Edge{Source: u, Target: v}
			if _, dup := seen[candidate]; dup {
				continue
			}
			if rel.HasEdge(u, v) || (symmetric && rel.HasEdge(v, u)) {
				continue
			}
			seen[candidate] = struct{}{}
			negatives = append(negatives, candidate)
			accepted = true
			break
		}
		if !accepted {
			return nil, errors.WithMessagef(ErrSamplingExhausted,
				"relation %s: could not sample negative %d of %d within %d attempts (%d edges in a %dx%d adjacency)",
				rel.Key, len(negatives)+1, count, maxAttempts, rel.NumEdges(), rel.Rows, rel.Cols)
		}
	}
	return negatives, nil
}
