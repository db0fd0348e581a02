package sampler

import "github.com/pkg/errors"

// Errors returned by the sampler package. All are unrecoverable at the point
// they are raised: nothing is retried internally, and the training loop is
// expected to abort the run. Check with errors.Is.
var (
	// ErrConfiguration indicates malformed or inconsistent adjacency
	// dimensions supplied at construction.
	ErrConfiguration = errors.New("inconsistent graph configuration")

	// ErrSamplingExhausted indicates the negative-sampling rejection loop
	// could not find a valid non-edge within the bounded number of
	// attempts -- e.g. the relation's adjacency is too dense. It is never
	// silently replaced by a degenerate (duplicate or true-edge) negative.
	ErrSamplingExhausted = errors.New("negative sampling exhausted")

	// ErrIteratorState indicates misuse of the minibatch state machine:
	// drawing a batch before Shuffle, or after the epoch is exhausted.
	ErrIteratorState = errors.New("invalid minibatch iterator state")
)
