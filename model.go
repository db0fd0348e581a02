package decagon

import (
	"github.com/gomlx/decagon/sampler"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DType used by the model.
var DType = dtypes.Float32

// Context hyperparameters of the model. Dropout uses the usual
// layers.ParamDropoutRate.
const (
	// ParamHidden1 is the width of the node embedding tables.
	ParamHidden1 = "decagon_hidden1"

	// ParamHidden2 is the dimension of the final node representations fed
	// to the decoders.
	ParamHidden2 = "decagon_hidden2"

	// ParamBias enables the bias term of the encoder's hidden layer.
	ParamBias = "decagon_bias"
)

// DecoderKind selects how a relation's decoder combines the two node
// representations into an edge logit.
type DecoderKind int

const (
	// DecoderBilinear scores an edge as zu^T R zv, with one trainable
	// matrix R per relation.
	DecoderBilinear DecoderKind = iota

	// DecoderDedicom scores an edge as zu^T D R D zv, with a global matrix
	// R shared by all relations of the node-type pair and one trainable
	// diagonal D per relation. Used for the drug-drug side-effect
	// relations, which must share parameters: most side effects have too
	// few drug pairs to train an independent matrix.
	DecoderDedicom
)

// String implements fmt.Stringer.
func (k DecoderKind) String() string {
	switch k {
	case DecoderBilinear:
		return "bilinear"
	case DecoderDedicom:
		return "dedicom"
	}
	return "invalid"
}

// DecoderForKey returns the decoder used for the given relation: dedicom for
// the drug-drug side-effect relations, bilinear for everything else.
func DecoderForKey(key sampler.RelationKey) DecoderKind {
	if key.SourceType == NodeTypeDrug && key.TargetType == NodeTypeDrug {
		return DecoderDedicom
	}
	return DecoderBilinear
}

// MakeModelFn returns the model graph building function for the polypharmacy
// graph held by s.
//
// The returned function follows the feed contract of sampler.Dataset.Yield:
// the spec is the batch's RelationKey, inputs[0] and inputs[2] are the padded
// positive and negative pairs, and it returns the edge logits shaped
// (DType)[2*batchSize, 1], positives first. The trainer compiles one
// computation per relation, all sharing the encoder variables; masking of the
// padded rows is done by the loss, from the labels' mask.
func MakeModelFn(s *sampler.Sampler) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		key := spec.(sampler.RelationKey)
		// Every relation's graph reuses the same encoder and decoder
		// variables.
		ctx = ctx.Checked(false)
		pairs := graph.Concatenate([]*graph.Node{inputs[0], inputs[2]}, 0)
		sources := graph.Squeeze(graph.Slice(pairs, graph.AxisRange(), graph.AxisElem(0)), -1)
		targets := graph.Squeeze(graph.Slice(pairs, graph.AxisRange(), graph.AxisElem(1)), -1)
		zu := nodeRepresentation(ctx, s, key.SourceType, sources)
		zv := nodeRepresentation(ctx, s, key.TargetType, targets)
		return []*graph.Node{decodeEdges(ctx, key, zu, zv)}
	}
}

// nodeRepresentation encodes a batch of node indices of one node type.
//
// The original model feeds one-hot identity features to its first graph
// convolution, which makes that layer an embedding table lookup, so that is
// what we build: embedding -> relu -> dense, with dropout as configured in
// the context.
func nodeRepresentation(ctx *context.Context, s *sampler.Sampler, nodeType string, indices *graph.Node) *graph.Node {
	ctx = ctx.In("encoder").In(nodeType)
	numNodes := int(s.NodeTypesToCount[nodeType])
	hidden1 := context.GetParamOr(ctx, ParamHidden1, 64)
	hidden2 := context.GetParamOr(ctx, ParamHidden2, 32)
	useBias := context.GetParamOr(ctx, ParamBias, true)

	state := layers.Embedding(ctx.In("embeddings"), indices, DType, numNodes, hidden1, false)
	state = layers.DropoutFromContext(ctx, state)
	state = activations.Relu(state)
	state = layers.Dense(ctx.In("hidden"), state, useBias, hidden2)
	state = layers.DropoutFromContext(ctx, state)
	return state
}

// decodeEdges returns the logits, shaped (DType)[n, 1], of the edges formed
// by each (zu[i], zv[i]) pair of node representations.
func decodeEdges(ctx *context.Context, key sampler.RelationKey, zu, zv *graph.Node) *graph.Node {
	g := zu.Graph()
	dim := zu.Shape().Dimensions[1]
	ctx = ctx.In("decoder")
	relScope := context.EscapeScopeName(key.String())

	var logits *graph.Node
	switch DecoderForKey(key) {
	case DecoderDedicom:
		ctx = ctx.In("dedicom")
		global := ctx.VariableWithShape("global", shapes.Make(DType, dim, dim)).ValueGraph(g)
		diagonal := ctx.In(relScope).VariableWithShape("diagonal", shapes.Make(DType, dim)).ValueGraph(g)
		diagonal = graph.InsertAxes(diagonal, 0)
		product := graph.MatMul(graph.Mul(zu, diagonal), global)
		logits = graph.ReduceSum(graph.Mul(graph.Mul(product, diagonal), zv), -1)
	case DecoderBilinear:
		relation := ctx.In("bilinear").In(relScope).
			VariableWithShape("relation", shapes.Make(DType, dim, dim)).ValueGraph(g)
		logits = graph.ReduceSum(graph.Mul(graph.MatMul(zu, relation), zv), -1)
	}
	return graph.ExpandAxes(logits, -1)
}

// EdgeScorer computes the model's sigmoid probability for arbitrary edges,
// one compiled computation per relation. It is used by the evaluator; the
// context is used in inference mode, so dropout is disabled.
type EdgeScorer struct {
	backend backends.Backend
	ctx     *context.Context
	s       *sampler.Sampler
	execs   map[sampler.RelationKey]*context.Exec
}

// NewEdgeScorer creates an EdgeScorer on the model variables held by ctx.
func NewEdgeScorer(backend backends.Backend, ctx *context.Context, s *sampler.Sampler) *EdgeScorer {
	return &EdgeScorer{
		backend: backend,
		ctx:     ctx,
		s:       s,
		execs:   make(map[sampler.RelationKey]*context.Exec),
	}
}

// Score returns the probability of each given edge under the relation key.
func (sc *EdgeScorer) Score(key sampler.RelationKey, edges []sampler.Edge) ([]float64, error) {
	if len(edges) == 0 {
		return nil, nil
	}
	exec, found := sc.execs[key]
	if !found {
		var err error
		exec, err = context.NewExec(sc.backend, sc.ctx, func(ctx *context.Context, pairs *graph.Node) *graph.Node {
			ctx = ctx.Checked(false)
			sources := graph.Squeeze(graph.Slice(pairs, graph.AxisRange(), graph.AxisElem(0)), -1)
			targets := graph.Squeeze(graph.Slice(pairs, graph.AxisRange(), graph.AxisElem(1)), -1)
			zu := nodeRepresentation(ctx, sc.s, key.SourceType, sources)
			zv := nodeRepresentation(ctx, sc.s, key.TargetType, targets)
			return graph.Sigmoid(graph.Squeeze(decodeEdges(ctx, key, zu, zv), -1))
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to compile edge scorer for relation %s", key)
		}
		sc.execs[key] = exec
	}

	flat := make([]int32, 2*len(edges))
	for ii, edge := range edges {
		flat[2*ii] = edge.Source
		flat[2*ii+1] = edge.Target
	}
	pairs := tensors.FromFlatDataAndDimensions(flat, len(edges), 2)
	outputs, err := exec.Exec(pairs)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to score %d edges of relation %s", len(edges), key)
	}
	probabilities := tensors.MustCopyFlatData[float32](outputs[0])
	scores := make([]float64, len(probabilities))
	for ii, p := range probabilities {
		scores[ii] = float64(p)
	}
	return scores, nil
}
