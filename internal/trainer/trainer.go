// Package trainer implements the epoch loop: shuffling and batching of the training split, the
// train step (forward, loss, backprop, clipping and optimizer update), validation after every epoch,
// per-epoch checkpoints and, at the end, promotion of the best epoch and the final test pass.
package trainer

import (
	"fmt"
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/sentigo/internal/batcher"
	"github.com/janpfeifer/sentigo/internal/checkpoints"
	"github.com/janpfeifer/sentigo/internal/data"
	"github.com/janpfeifer/sentigo/internal/device"
	"github.com/janpfeifer/sentigo/internal/engine"
	"github.com/janpfeifer/sentigo/internal/evaluator"
	"github.com/janpfeifer/sentigo/internal/generics"
	"github.com/janpfeifer/sentigo/internal/metrics"
	"github.com/janpfeifer/sentigo/internal/models"
	"github.com/janpfeifer/sentigo/internal/optimizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"strings"
)

// Metric tags.
const (
	TagBatchLoss    = "Train/batch_loss"
	TagEpochLoss    = "Train/epoch_loss"
	TagLearningRate = "Train/learning_rate"
	TagValLoss      = "Val/loss"
	TagValAccuracy  = "Val/accuracy"
)

// Config of the training loop.
type Config struct {
	NumEpoch int

	BatchSizeTrain, BatchSizeVal, BatchSizeTest int

	// Boundary policy for the training batches. Evaluation passes use BoundaryKeep instead of BoundaryDrop.
	Boundary batcher.Boundary

	LearningRate float64

	// ClipNorm is the maximum global norm of the gradients, clipping is disabled if <= 0.
	ClipNorm float64

	// WarmupPercent, AdamEps and WeightDecay are only used by backbones trained with the warmup
	// schedule (models.WarmupScheduled).
	WarmupPercent, AdamEps, WeightDecay float64

	// Seed of the shuffling of the training split.
	Seed uint64

	// TestOnVal runs the final test pass on the validation split.
	TestOnVal bool

	// ShowProgress displays a progress bar for each epoch.
	ShowProgress bool
}

// Factory creates a fresh, untrained backbone. It is used once to create the model to train, and
// again to restore the best checkpoint.
type Factory func() (models.Backbone, error)

// Trainer owns the model state (variables and optimizer state) during training.
//
// It is not safe for concurrent use, and it can only be run once.
type Trainer struct {
	config  Config
	device  *device.Device
	factory Factory
	encoder batcher.Encoder
	store   *checkpoints.Store

	trainSink, valSink metrics.Sink
	onDiagnostic       func(evaluator.Diagnostic)

	backbone      models.Backbone
	engine        *engine.Engine
	trainStepExec *context.Exec
	rng           *rand.Rand

	state State
	epoch int
	best  *evaluator.BestEpoch
}

// New creates a Trainer for a new model created with factory.
// Checkpoints are saved in store, and batches are encoded with encoder.
func New(config Config, dev *device.Device, factory Factory, encoder batcher.Encoder, store *checkpoints.Store) (*Trainer, error) {
	if config.NumEpoch <= 0 {
		return nil, errors.Errorf("number of epochs must be positive, got %d", config.NumEpoch)
	}
	backbone, err := factory()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create model")
	}
	t := &Trainer{
		config:    config,
		device:    dev,
		factory:   factory,
		encoder:   encoder,
		store:     store,
		trainSink: metrics.Noop{},
		valSink:   metrics.Noop{},
		backbone:  backbone,
		engine:    engine.New(dev, backbone),
		rng:       rand.New(rand.NewPCG(config.Seed, config.Seed)),
		best:      evaluator.NewBestEpoch(),
	}
	t.trainStepExec = context.NewExec(dev.Backend(), backbone.Context(), t.trainStepGraph)
	return t, nil
}

// WithMetrics sets the sinks of the training and validation metrics. They are flushed at the end
// of every epoch, but not closed.
func (t *Trainer) WithMetrics(train, val metrics.Sink) *Trainer {
	t.trainSink, t.valSink = train, val
	return t
}

// WithDiagnostics sets a callback for the per-example diagnostics of the final test pass.
func (t *Trainer) WithDiagnostics(onDiagnostic func(evaluator.Diagnostic)) *Trainer {
	t.onDiagnostic = onDiagnostic
	return t
}

// Backbone being trained.
func (t *Trainer) Backbone() models.Backbone { return t.backbone }

// Best returns the best epoch so far.
func (t *Trainer) Best() evaluator.BestEpoch { return *t.best }

// EpochReport summarizes one epoch of training.
type EpochReport struct {
	Epoch      int
	NumBatches int

	// TrainLoss is the mean of the batch losses of the epoch.
	TrainLoss float64

	Validation evaluator.Result
	Improved   bool
}

// Summary of a training run.
type Summary struct {
	Epochs []EpochReport
	Best   evaluator.BestEpoch

	// BestDir is the directory of the promoted checkpoint.
	BestDir string

	// Test result of the best checkpoint.
	Test evaluator.Result
}

// Run trains for the configured number of epochs on module.Train, validating on module.Validation,
// and finally tests the best epoch on module.Test (or module.Validation if Config.TestOnVal).
//
// An error aborts the run: checkpoints already written are kept.
func (t *Trainer) Run(module *data.Module) (*Summary, error) {
	summary := &Summary{}
	for t.epoch < t.config.NumEpoch {
		t.transition(StateEpoch)
		report, err := t.trainEpoch(module.Train)
		if err != nil {
			return summary, err
		}

		t.transition(StateEvaluating)
		report.Validation, report.Improved, err = t.validator().Validate(t.epoch, module.Validation, t.best)
		if err != nil {
			return summary, err
		}
		step := int64(t.epoch)
		if err = t.valSink.AddScalar(TagValLoss, report.Validation.Loss, step); err == nil {
			err = t.valSink.AddScalar(TagValAccuracy, report.Validation.Accuracy, step)
		}
		if err != nil {
			return summary, errors.WithMessagef(err, "writing validation metrics of epoch %d", t.epoch)
		}

		t.transition(StateCheckpointing)
		if err = t.store.Save(t.backbone.Context(), t.epoch); err != nil {
			return summary, err
		}
		for _, sink := range []metrics.Sink{t.trainSink, t.valSink} {
			if err = sink.Flush(); err != nil {
				return summary, errors.WithMessage(err, "flushing metrics")
			}
		}
		summary.Epochs = append(summary.Epochs, report)
	}

	t.transition(StateFinalizing)
	summary.Best = *t.best
	klog.Infof("Best epoch %d (validation loss=%.4f)", t.best.Epoch, t.best.Loss)
	if err := t.store.Promote(t.best.Epoch); err != nil {
		return summary, err
	}
	summary.BestDir = t.store.BestDir()
	t.trainStepExec.Finalize()
	t.engine.Finalize()

	restored, _, err := checkpoints.Restore(summary.BestDir, t.factory)
	if err != nil {
		return summary, err
	}
	t.backbone = restored
	t.engine = engine.New(t.device, restored)
	defer t.engine.Finalize()
	testSplit := module.Test
	if t.config.TestOnVal {
		testSplit = module.Validation
	}
	tester := evaluator.New(t.engine, t.encoder, t.config.BatchSizeTest, t.config.Boundary)
	summary.Test, err = tester.Test(testSplit, t.onDiagnostic)
	if err != nil {
		return summary, err
	}
	t.transition(StateDone)
	return summary, nil
}

func (t *Trainer) validator() *evaluator.Evaluator {
	return evaluator.New(t.engine, t.encoder, t.config.BatchSizeVal, t.config.Boundary)
}

// trainEpoch runs one pass over a fresh permutation of the training split.
func (t *Trainer) trainEpoch(split data.Split) (EpochReport, error) {
	report := EpochReport{Epoch: t.epoch}
	b, err := batcher.New(batcher.Shuffle(split, t.rng), t.config.BatchSizeTrain, t.encoder, t.config.Boundary)
	if err != nil {
		return report, errors.WithMessagef(err, "epoch %d", t.epoch)
	}
	report.NumBatches = b.NumBatches()
	if t.epoch == 1 {
		t.setOptimizerParams(report.NumBatches)
	}

	bar := newProgressBar(t.config.ShowProgress, report.NumBatches, t.epoch, t.config.NumEpoch)
	batchLosses := make([]float64, 0, report.NumBatches)
	for batch := range b.Batches() {
		loss, gradNorm, learningRate, err := t.trainStep(batch)
		if err != nil {
			return report, errors.WithMessagef(err, "epoch %d, batch %d/%d", t.epoch, batch.Index+1, report.NumBatches)
		}
		batchLosses = append(batchLosses, float64(loss))
		step := int64((t.epoch-1)*report.NumBatches + batch.Index)
		klog.V(1).Infof("Epoch %d, batch %d/%d: loss=%.4f", t.epoch, batch.Index+1, report.NumBatches, loss)
		klog.V(2).Infof("Epoch %d, batch %d/%d: gradient norm=%.4f, learning rate=%g",
			t.epoch, batch.Index+1, report.NumBatches, gradNorm, learningRate)
		if err = t.trainSink.AddScalar(TagBatchLoss, float64(loss), step); err == nil {
			err = t.trainSink.AddScalar(TagLearningRate, float64(learningRate), step)
		}
		if err != nil {
			return report, errors.WithMessagef(err, "writing metrics of epoch %d", t.epoch)
		}
		bar.Describe(fmt.Sprintf("Epoch %d/%d loss=%.4f", t.epoch, t.config.NumEpoch, loss))
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	report.TrainLoss = generics.Mean(batchLosses)
	klog.Infof("Epoch %d: train loss=%.4f (%d batches)", t.epoch, report.TrainLoss, report.NumBatches)
	if err = t.trainSink.AddScalar(TagEpochLoss, report.TrainLoss, int64(t.epoch)); err != nil {
		return report, errors.WithMessagef(err, "writing metrics of epoch %d", t.epoch)
	}
	if err = t.writeHistograms(); err != nil {
		return report, err
	}
	return report, nil
}

// setOptimizerParams configures the optimizer in the model context, before the train step is compiled.
// The warmup schedule and the AdamW parameters are only used by models.WarmupScheduled backbones.
func (t *Trainer) setOptimizerParams(numBatches int) {
	params := map[string]any{
		optimizer.ParamLearningRate: t.config.LearningRate,
		optimizer.ParamClipNorm:     t.config.ClipNorm,
	}
	if _, ok := t.backbone.(models.WarmupScheduled); ok {
		totalSteps := t.config.NumEpoch * numBatches
		warmupSteps := optimizer.WarmupSteps(totalSteps, t.config.WarmupPercent)
		params[optimizer.ParamTotalSteps] = totalSteps
		params[optimizer.ParamWarmupSteps] = warmupSteps
		params[optimizer.ParamEpsilon] = t.config.AdamEps
		params[optimizer.ParamWeightDecay] = t.config.WeightDecay
		klog.Infof("Learning rate schedule: %d warmup steps, %d total steps", warmupSteps, totalSteps)
	}
	t.backbone.Context().SetParams(params)
}

// trainStepGraph builds the graph of one train step. It returns the loss (before the update), the
// global norm of the gradients (before clipping) and the learning rate used.
func (t *Trainer) trainStepGraph(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
	inputs, labels, numValid := inputsAndLabels[:2], inputsAndLabels[2], inputsAndLabels[3]
	ctx.SetTraining(labels.Graph(), true)
	loss, _ := models.LossAndLogits(ctx, t.backbone, inputs, labels, numValid)
	opt := optimizer.FromContext(ctx)
	gradNorm, learningRate := opt.UpdateGraph(ctx, loss, optimizer.TrainableVariables(ctx, models.ModelScope))
	return []*graph.Node{loss, gradNorm, learningRate}
}

// trainStep executes one train step on the batch.
func (t *Trainer) trainStep(batch batcher.Batch) (loss, gradNorm, learningRate float32, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs := t.trainStepExec.Call(t.device.PlaceAll(engine.Inputs(batch))...)
		loss = tensors.ToScalar[float32](outputs[0])
		gradNorm = tensors.ToScalar[float32](outputs[1])
		learningRate = tensors.ToScalar[float32](outputs[2])
	})
	if err != nil {
		return
	}
	if math32.IsNaN(loss) || math32.IsInf(loss, 0) {
		err = errors.Errorf("non-finite training loss %g", loss)
	}
	return
}

// writeHistograms of the model variables to the training metrics sink.
func (t *Trainer) writeHistograms() error {
	ctx := t.backbone.Context()
	for _, v := range optimizer.TrainableVariables(ctx, models.ModelScope) {
		tag := strings.TrimPrefix(v.Scope(), context.ScopeSeparator) + context.ScopeSeparator + v.Name()
		values := generics.SliceMap(tensors.CopyFlatData[float32](v.Value()), func(x float32) float64 { return float64(x) })
		if err := t.trainSink.AddHistogram(tag, values, int64(t.epoch)); err != nil {
			return errors.WithMessagef(err, "writing histogram of %s at epoch %d", tag, t.epoch)
		}
	}
	return nil
}

// NewEncoder returns the batch encoder used by backbones of the given type.
func NewEncoder(modelType models.Type, vocab *data.Vocabulary, maxLen int) batcher.Encoder {
	if modelType == models.TypeTransformer {
		return &batcher.TransformerEncoder{Vocab: vocab, Length: maxLen}
	}
	return &batcher.VocabEncoder{Vocab: vocab, Length: maxLen}
}
