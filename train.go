package decagon

import (
	"fmt"
	"time"

	"github.com/gomlx/decagon/rankmetrics"
	"github.com/gomlx/decagon/sampler"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ParamsExcludedFromLoading are hyperparameters that shouldn't be saved along
// the model checkpoints, and may be overwritten in further training sessions.
var ParamsExcludedFromLoading = []string{
	"data_dir", "epochs", "num_checkpoints",
}

// CreateDefaultContext with the default hyperparameters, matching the
// original study.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"epochs":          50,
		"batch_size":      512,
		"num_checkpoints": 3,

		// Train/validation/test partition of every relation's edges.
		"split_seed":          42,
		"validation_fraction": sampler.DefaultHeldOutFraction,
		"test_fraction":       sampler.DefaultHeldOutFraction,

		// Ranking metrics: cutoff for AP@k, and how often (in training
		// steps) the current relation's validation edges are scored.
		"eval_k":          rankmetrics.DefaultK,
		"eval_every":      150,
		"dataset_seed":    0, // 0 picks a process-random seed.

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		layers.ParamDropoutRate:      0.1,

		ParamHidden1: 64,
		ParamHidden2: 32,
		ParamBias:    true,
	})
	return ctx
}

// TrainModel on the given polypharmacy graph, with hyperparameters from ctx.
// If checkpointPath is not empty, the model is checkpointed there (and
// reloaded from there, if one exists).
func TrainModel(ctx *context.Context, data *Data, checkpointPath string, paramsSet []string, verbosity int) error {
	s, err := data.NewSampler()
	if err != nil {
		return err
	}
	if verbosity >= 1 {
		fmt.Println(s)
	}

	splitCfg := sampler.SplitConfig{
		ValidationFraction: context.GetParamOr(ctx, "validation_fraction", sampler.DefaultHeldOutFraction),
		TestFraction:       context.GetParamOr(ctx, "test_fraction", sampler.DefaultHeldOutFraction),
		Seed:               uint64(context.GetParamOr(ctx, "split_seed", 42)),
	}
	splits, err := s.NewSplits(splitCfg)
	if err != nil {
		return err
	}

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	trainDS := sampler.NewDataset("train", s, splits, batchSize)
	if seed := context.GetParamOr(ctx, "dataset_seed", 0); seed != 0 {
		trainDS.WithSeed(uint64(seed))
	}

	backend := backends.MustNew()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint, err = checkpoints.Build(ctx).
			Dir(checkpointPath).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromLoading...)...).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to set up checkpoints in %q", checkpointPath)
		}
		fmt.Printf("Checkpoint: %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Metrics we are interested in: accuracy over the valid (non-padded)
	// rows of each batch.
	meanAccuracyMetric := metrics.NewMeanMetric(
		"Mean Accuracy", "#acc", metrics.AccuracyMetricType, maskedBinaryAccuracyGraph, nil)
	movingAccuracyMetric := metrics.NewExponentialMovingAverageMetric(
		"Moving Average Accuracy", "~acc", metrics.AccuracyMetricType, maskedBinaryAccuracyGraph, nil, 0.01)

	// Create a train.Trainer: this object will orchestrate running the model,
	// feeding results to the optimizer, evaluating the metrics, etc.
	ctxModel := ctx.In("model")
	trainer := train.NewTrainer(backend, ctxModel, MakeModelFn(s),
		losses.BinaryCrossentropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Periodically rank the current relation's validation edges, the way the
	// original training loop reports progress.
	scorer := NewEdgeScorer(backend, ctxModel, s)
	evalK := context.GetParamOr(ctx, "eval_k", rankmetrics.DefaultK)
	if evalEvery := context.GetParamOr(ctx, "eval_every", 0); evalEvery > 0 {
		train.EveryNSteps(loop, evalEvery, "validation ranking metrics", 60,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				key := trainDS.CurrentRelation()
				result, ok, err := evaluateSplit(scorer, s, key, splits[key], validationEdges, evalK)
				if err != nil || !ok {
					return err
				}
				fmt.Printf("\n[step %d] relation %s validation: AUROC=%.4f AUPRC=%.4f AP@%d=%.4f\n",
					loop.LoopStep, key, result.ROCAUC, result.AveragePrecision, evalK, result.APAtK)
				return nil
			})
	}

	epochs := context.GetParamOr(ctx, "epochs", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctxModel.Reuse())
	}
	if _, err = loop.RunEpochs(trainDS, epochs); err != nil {
		return errors.WithMessage(err, "training loop failed")
	}
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}

	// Final report: ranking metrics of every relation on its held-out test
	// edges.
	fmt.Println()
	return ReportTestMetrics(scorer, s, data, splits, evalK)
}

// ReportTestMetrics prints the test ranking metrics of every relation.
func ReportTestMetrics(scorer *EdgeScorer, s *sampler.Sampler, data *Data, splits map[sampler.RelationKey]*sampler.Split, k int) error {
	var meanROC, meanAP, meanAPK float64
	numEvaluated := 0
	for _, key := range s.RelationKeys() {
		split := splits[key]
		if split == nil {
			continue
		}
		result, ok, err := evaluateSplit(scorer, s, key, split, testEdges, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		name := ""
		if se := data.SideEffectForRelation(key); se != nil {
			name = " (" + se.Name + ")"
		}
		fmt.Printf("relation %s%s: AUROC=%.4f AUPRC=%.4f AP@%d=%.4f\n",
			key, name, result.ROCAUC, result.AveragePrecision, k, result.APAtK)
		meanROC += result.ROCAUC
		meanAP += result.AveragePrecision
		meanAPK += result.APAtK
		numEvaluated++
	}
	if numEvaluated == 0 {
		return errors.New("no relation had held-out test edges to evaluate")
	}
	n := float64(numEvaluated)
	fmt.Printf("mean over %d relations: AUROC=%.4f AUPRC=%.4f AP@%d=%.4f\n",
		numEvaluated, meanROC/n, meanAP/n, k, meanAPK/n)
	return nil
}

// Which edges of a Split an evaluation runs on.
type splitSelector func(*sampler.Split) (positives, negatives []sampler.Edge)

func validationEdges(split *sampler.Split) ([]sampler.Edge, []sampler.Edge) {
	return split.ValidationEdges, split.ValidationFalseEdges
}

func testEdges(split *sampler.Split) ([]sampler.Edge, []sampler.Edge) {
	return split.TestEdges, split.TestFalseEdges
}

// evaluateSplit scores the selected held-out edges of one relation and
// computes their ranking metrics. Relations too small to have held-out edges
// are reported with ok set to false: ROC is undefined without both classes.
func evaluateSplit(scorer *EdgeScorer, s *sampler.Sampler, key sampler.RelationKey,
	split *sampler.Split, selector splitSelector, k int) (result rankmetrics.Result, ok bool, err error) {
	positives, negatives := selector(split)
	if len(positives) == 0 || len(negatives) == 0 {
		return
	}
	positiveScores, err := scorer.Score(key, positives)
	if err != nil {
		return
	}
	negativeScores, err := scorer.Score(key, negatives)
	if err != nil {
		return
	}
	result, err = rankmetrics.Evaluate(s, key, positives, negatives, positiveScores, negativeScores, k)
	ok = err == nil
	return
}

// maskedBinaryAccuracyGraph is a binary accuracy metric over logits that
// honors the Bool mask the dataset appends to the labels: padded rows don't
// count. Logits at exactly 0 are considered a miss.
func maskedBinaryAccuracyGraph(_ *context.Context, labels, logits []*graph.Node) *graph.Node {
	logits0 := logits[0]
	g := logits0.Graph()
	labels0 := graph.ConvertDType(labels[0], logits0.DType())
	_, mask := losses.CheckExtraLabelsForWeightsAndMask(labels0.Shape(), labels[1:])

	// Labels become -0.5 for false, +0.5 for true: an example is correct
	// when the logit has the label's sign.
	labels0 = graph.AddScalar(labels0, -0.5)
	correct := graph.PositiveIndicator(graph.Mul(logits0, labels0))
	if mask == nil {
		total := graph.Scalar(g, logits0.DType(), float64(correct.Shape().Size()))
		return graph.Div(graph.ReduceAllSum(correct), total)
	}
	correct = graph.Where(mask, correct, graph.ZerosLike(correct))
	total := graph.ReduceAllSum(graph.ConvertDType(mask, logits0.DType()))
	return graph.Div(graph.ReduceAllSum(correct), total)
}

// SideEffectForRelation maps a drug-drug relation back to its side effect,
// or nil for any other relation. Transposed twin relations map to the same
// side effect.
func (data *Data) SideEffectForRelation(key sampler.RelationKey) *SideEffect {
	if key.SourceType != NodeTypeDrug || key.TargetType != NodeTypeDrug {
		return nil
	}
	n := len(data.SideEffects)
	if n == 0 || key.Relation < 0 || key.Relation >= 2*n {
		return nil
	}
	return &data.SideEffects[key.Relation%n]
}
