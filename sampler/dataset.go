package sampler

import (
	"io"
	"math/rand/v2"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// PaddingIndex fills the unused tail of the fixed-shape tensors yielded to
// the trainer. Notice 0 is also a valid node index: always use the masks to
// tell padding apart.
const PaddingIndex = 0

type datasetState int

const (
	// stateReady: freshly constructed, Shuffle not called yet.
	stateReady datasetState = iota
	// stateIterating: mid-epoch.
	stateIterating
	// stateExhausted: every relation's positives were drained.
	stateExhausted
)

// Dataset is the minibatch iterator: it cycles through the relations in a
// fixed round-robin order and, for each, draws a batch of shuffled training
// positives paired with freshly rejection-sampled negatives. An epoch ends
// when every relation's training positives have been visited exactly once.
//
// The round-robin order is fixed at construction so that every relation
// receives a comparable number of batches per epoch regardless of its size:
// low-degree side effects are not starved by the huge ones.
//
// The explicit state machine is Shuffle / End / NextBatch / CurrentRelation;
// Dataset also implements gomlx's train.Dataset (Name / Reset / Yield) on top
// of it, yielding fixed-shape padded tensors.
//
// It owns its cursor state exclusively and is not safe for concurrent use:
// the training loop is single-threaded by design.
type Dataset struct {
	name      string
	sampler   *Sampler
	splits    []*Split
	order     []RelationKey
	batchSize int

	rng               *rand.Rand
	maxSampleAttempts int

	state     datasetState
	positions []int
	orderings [][]int32
	cursor    int

	current    int
	hasCurrent bool
}

var _ train.Dataset = &Dataset{}

// NewDataset creates the minibatch iterator over the given splits, which it
// owns from here on. The relation order is RelationKeys order restricted to
// the splits given. The Sampler is frozen and used for the per-batch negative
// sampling.
//
// Call Shuffle before the first NextBatch of every epoch.
func NewDataset(name string, s *Sampler, splits map[RelationKey]*Split, batchSize int) *Dataset {
	if batchSize <= 0 {
		Panicf("NewDataset(name=%q): batchSize must be > 0, got %d", name, batchSize)
	}
	if len(splits) == 0 {
		Panicf("NewDataset(name=%q): no splits given", name)
	}
	s.Frozen = true
	ds := &Dataset{
		name:              name,
		sampler:           s,
		batchSize:         batchSize,
		rng:               rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		maxSampleAttempts: defaultMaxSampleAttempts,
		state:             stateReady,
	}
	for _, key := range s.RelationKeys() {
		sp, found := splits[key]
		if !found {
			continue
		}
		ds.order = append(ds.order, key)
		ds.splits = append(ds.splits, sp)
	}
	if len(ds.order) != len(splits) {
		Panicf("NewDataset(name=%q): %d splits refer to relations unknown to the Sampler",
			name, len(splits)-len(ds.order))
	}
	ds.positions = make([]int, len(ds.order))
	ds.orderings = make([][]int32, len(ds.order))
	return ds
}

// WithSeed makes the dataset's shuffling and negative sampling deterministic.
// It must be called before the first Shuffle.
// It returns itself to allow cascading configuration calls.
func (ds *Dataset) WithSeed(seed uint64) *Dataset {
	if ds.state != stateReady {
		Panicf("cannot change a Dataset that has already started iterating")
	}
	ds.rng = rand.New(rand.NewPCG(seed, 0))
	return ds
}

// Shuffle starts a new epoch: it reshuffles the training-positive ordering
// independently for every relation, resets every relation's read position and
// the round-robin cursor.
func (ds *Dataset) Shuffle() {
	for ii, sp := range ds.splits {
		n := len(sp.TrainEdges)
		if ds.orderings[ii] == nil {
			ds.orderings[ii] = make([]int32, n)
			for jj := range ds.orderings[ii] {
				ds.orderings[ii][jj] = int32(jj)
			}
		}
		ordering := ds.orderings[ii]
		ds.rng.Shuffle(len(ordering), func(i, j int) {
			ordering[i], ordering[j] = ordering[j], ordering[i]
		})
		ds.positions[ii] = 0
	}
	ds.cursor = 0
	ds.hasCurrent = false
	ds.state = stateIterating
}

// End returns true iff every relation's read position has reached its
// training-positive count -- i.e. the epoch is over and Shuffle must be
// called before drawing more batches.
func (ds *Dataset) End() bool {
	if ds.state == stateReady {
		return false
	}
	for ii, sp := range ds.splits {
		if ds.positions[ii] < len(sp.TrainEdges) {
			return false
		}
	}
	return true
}

// NextBatch draws the next minibatch: it selects the next relation in
// round-robin order among those not yet exhausted this epoch, draws up to
// batchSize training positives from its current position, and pairs them
// with an equal number of freshly sampled negatives. A short final batch is
// returned as-is -- positives are never duplicated nor dropped.
//
// It returns an error wrapping ErrIteratorState if called before Shuffle or
// after the epoch is exhausted, and an error wrapping ErrSamplingExhausted if
// negatives cannot be found for the selected relation.
func (ds *Dataset) NextBatch() (key RelationKey, positives, negatives []Edge, err error) {
	switch ds.state {
	case stateReady:
		err = errors.WithMessage(ErrIteratorState, "NextBatch called before the first Shuffle")
		return
	case stateExhausted:
		err = errors.WithMessagef(ErrIteratorState, "NextBatch called on exhausted Dataset %q, call Shuffle to start a new epoch", ds.name)
		return
	}

	for probes := 0; probes < len(ds.order); probes++ {
		ii := ds.cursor
		ds.cursor = (ds.cursor + 1) % len(ds.order)
		sp := ds.splits[ii]
		remaining := len(sp.TrainEdges) - ds.positions[ii]
		if remaining <= 0 {
			// Relation exhausted for this epoch, move on.
			continue
		}
		n := min(ds.batchSize, remaining)
		positives = make([]Edge, n)
		for jj, edgeIdx := range ds.orderings[ii][ds.positions[ii] : ds.positions[ii]+n] {
			positives[jj] = sp.TrainEdges[edgeIdx]
		}
		ds.positions[ii] += n
		negatives, err = sampleNegatives(ds.rng, ds.sampler.Relations[ds.order[ii]], n, ds.maxSampleAttempts, nil)
		if err != nil {
			return
		}
		ds.current = ii
		ds.hasCurrent = true
		key = ds.order[ii]
		return
	}

	ds.state = stateExhausted
	err = errors.WithMessagef(ErrIteratorState, "Dataset %q: all relations exhausted for this epoch", ds.name)
	return
}

// CurrentRelation returns the relation selected by the most recent NextBatch
// call -- the evaluator and the relation-specific decoder selection need it.
func (ds *Dataset) CurrentRelation() RelationKey {
	if !ds.hasCurrent {
		Panicf("Dataset %q: CurrentRelation called before any batch was drawn", ds.name)
	}
	return ds.order[ds.current]
}

// Split returns the split of the given relation, or nil if the relation is
// not part of this dataset.
func (ds *Dataset) Split(key RelationKey) *Split {
	for ii, k := range ds.order {
		if k == key {
			return ds.splits[ii]
		}
	}
	return nil
}

// RelationKeys iterated by this dataset, in round-robin order.
func (ds *Dataset) RelationKeys() []RelationKey { return ds.order }

// BatchSize returns the configured (maximum) number of positive edges per
// batch.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// Degrees forwards the Sampler's per-node-type degree vector unchanged.
func (ds *Dataset) Degrees(nodeType string) []int32 { return ds.sampler.Degrees(nodeType) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it starts a new epoch, like Shuffle.
func (ds *Dataset) Reset() { ds.Shuffle() }

// Yield implements train.Dataset.
//
// The returned spec is the RelationKey of the batch: the model function uses
// it to select the relation's decoder, and the trainer JIT-compiles one
// computation per relation.
//
// All tensors have fixed shapes, padded with PaddingIndex and masked, so a
// short final batch doesn't trigger a new compilation:
//
//   - inputs: positive pairs (Int32)[batchSize, 2], positive mask
//     (Bool)[batchSize], negative pairs (Int32)[batchSize, 2], negative mask
//     (Bool)[batchSize];
//   - labels: targets (Float32)[2*batchSize, 1] with 1s for the positive half
//     and 0s for the negative half, and the combined mask (Bool)[2*batchSize, 1],
//     shaped like the targets so the loss recognizes it as a mask.
//
// On the first call of a fresh Dataset it implicitly calls Shuffle; at the
// end of the epoch it returns io.EOF.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.state == stateReady {
		ds.Shuffle()
	}
	if ds.End() {
		ds.state = stateExhausted
		err = io.EOF
		return
	}
	key, positives, negatives, err := ds.NextBatch()
	if err != nil {
		return
	}
	spec = key

	pairs := func(edges []Edge) (*tensors.Tensor, *tensors.Tensor) {
		values := tensors.FromScalarAndDimensions(int32(PaddingIndex), ds.batchSize, 2)
		mask := tensors.FromScalarAndDimensions(false, ds.batchSize)
		tensors.MustMutableFlatData[int32](values, func(valuesData []int32) {
			tensors.MustMutableFlatData[bool](mask, func(maskData []bool) {
				for ii, edge := range edges {
					valuesData[2*ii] = edge.Source
					valuesData[2*ii+1] = edge.Target
					maskData[ii] = true
				}
			})
		})
		return values, mask
	}
	posPairs, posMask := pairs(positives)
	negPairs, negMask := pairs(negatives)
	inputs = []*tensors.Tensor{posPairs, posMask, negPairs, negMask}

	targets := tensors.FromScalarAndDimensions(float32(0), 2*ds.batchSize, 1)
	targetsMask := tensors.FromScalarAndDimensions(false, 2*ds.batchSize, 1)
	tensors.MustMutableFlatData[float32](targets, func(targetsData []float32) {
		tensors.MustMutableFlatData[bool](targetsMask, func(maskData []bool) {
			for ii := range positives {
				targetsData[ii] = 1
				maskData[ii] = true
			}
			for ii := range negatives {
				maskData[ds.batchSize+ii] = true
			}
		})
	})
	labels = []*tensors.Tensor{targets, targetsMask}
	return
}
