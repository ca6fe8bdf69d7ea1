// Package evaluator scores held-out splits (validation and test) and keeps track of the best epoch.
package evaluator

import (
	"fmt"
	"github.com/janpfeifer/sentigo/internal/batcher"
	"github.com/janpfeifer/sentigo/internal/data"
	"github.com/janpfeifer/sentigo/internal/engine"
	"github.com/janpfeifer/sentigo/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math"
	"strings"
)

// BestEpoch records the epoch with the lowest validation loss seen so far.
type BestEpoch struct {
	Epoch int
	Loss  float64
}

// NewBestEpoch returns the initial record: epoch 0 with an infinite loss.
func NewBestEpoch() *BestEpoch {
	return &BestEpoch{Epoch: 0, Loss: math.Inf(1)}
}

// Observe the validation loss of an epoch. The record is replaced only if loss is strictly lower,
// and Observe returns whether it was.
func (b *BestEpoch) Observe(epoch int, loss float64) bool {
	if !(loss < b.Loss) {
		return false
	}
	b.Epoch, b.Loss = epoch, loss
	return true
}

// Scorer scores one batch. It is implemented by engine.Engine.
type Scorer interface {
	Score(batch batcher.Batch) (engine.Result, error)
}

// Result of the evaluation of a split.
type Result struct {
	Split string

	// Loss is the arithmetic mean of the per-batch mean losses: batches of different sizes
	// are weighted equally.
	Loss float64

	// Accuracy is the fraction of examples correctly predicted.
	Accuracy float64

	NumExamples int

	// Predictions for each example, in split order.
	Predictions []int
}

// Diagnostic for one example of a test pass.
type Diagnostic struct {
	// Index of the example in the split, starting from 1.
	Index      int
	Tokens     []string
	Label      int
	Prediction int

	// Confidence is the maximum raw score of the example.
	Confidence float32
}

// String returns a one-line report of the diagnostic.
func (d Diagnostic) String() string {
	return fmt.Sprintf("#%d label=%d prediction=%d confidence=%.4f: %s",
		d.Index, d.Label, d.Prediction, d.Confidence, strings.Join(d.Tokens, " "))
}

// Evaluator runs full passes over held-out splits. Splits are never shuffled.
type Evaluator struct {
	scorer    Scorer
	encoder   batcher.Encoder
	batchSize int
	boundary  batcher.Boundary
}

// New creates an Evaluator with the given batch size. boundary must be batcher.BoundaryKeep or
// batcher.BoundaryPad: evaluation never drops examples.
func New(scorer Scorer, encoder batcher.Encoder, batchSize int, boundary batcher.Boundary) *Evaluator {
	if boundary == batcher.BoundaryDrop {
		boundary = batcher.BoundaryKeep
	}
	return &Evaluator{scorer: scorer, encoder: encoder, batchSize: batchSize, boundary: boundary}
}

// Evaluate the split: it returns the mean loss and accuracy.
// An empty split yields zero loss and zero accuracy.
func (ev *Evaluator) Evaluate(split data.Split) (Result, error) {
	return ev.evaluate(split, nil)
}

// Validate evaluates the validation split at the end of the given epoch, and updates best.
func (ev *Evaluator) Validate(epoch int, split data.Split, best *BestEpoch) (result Result, improved bool, err error) {
	result, err = ev.evaluate(split, nil)
	if err != nil {
		return result, false, errors.WithMessagef(err, "validation of epoch %d", epoch)
	}
	improved = best.Observe(epoch, result.Loss)
	klog.Infof("Epoch %d: %s loss=%.4f accuracy=%.2f%% (best epoch %d, loss=%.4f)",
		epoch, split.Name, result.Loss, 100*result.Accuracy, best.Epoch, best.Loss)
	return
}

// Test evaluates the split, calling onDiagnostic (if not nil) for each example, in split order.
// Diagnostics are also logged, one line per example.
func (ev *Evaluator) Test(split data.Split, onDiagnostic func(Diagnostic)) (Result, error) {
	result, err := ev.evaluate(split, func(d Diagnostic) {
		klog.Info(d)
		if onDiagnostic != nil {
			onDiagnostic(d)
		}
	})
	if err != nil {
		return result, errors.WithMessage(err, "test pass")
	}
	klog.Infof("Test on %s split (%d examples): loss=%.4f accuracy=%.2f%%",
		split.Name, result.NumExamples, result.Loss, 100*result.Accuracy)
	return result, nil
}

func (ev *Evaluator) evaluate(split data.Split, onDiagnostic func(Diagnostic)) (Result, error) {
	result := Result{Split: split.Name, NumExamples: split.Len()}
	b, err := batcher.New(split, ev.batchSize, ev.encoder, ev.boundary)
	if err != nil {
		return result, err
	}
	var batchLosses []float64
	result.Predictions = make([]int, 0, split.Len())
	for batch := range b.Batches() {
		scored, err := ev.scorer.Score(batch)
		if err != nil {
			return result, errors.WithMessagef(err, "evaluating %s split", split.Name)
		}
		if len(scored.Predictions) != batch.NumValid {
			return result, errors.Errorf("evaluating %s split batch #%d: got %d predictions for %d examples",
				split.Name, batch.Index, len(scored.Predictions), batch.NumValid)
		}
		batchLosses = append(batchLosses, float64(scored.Loss))
		result.Predictions = append(result.Predictions, scored.Predictions...)
		if onDiagnostic != nil {
			for row, example := range batch.Examples {
				onDiagnostic(Diagnostic{
					Index:      batch.Offset + row + 1,
					Tokens:     example.Tokens,
					Label:      example.Label,
					Prediction: scored.Predictions[row],
					Confidence: engine.Confidence(scored.RawOutputs[row]),
				})
			}
		}
	}
	result.Loss = generics.Mean(batchLosses)
	result.Accuracy = Accuracy(result.Predictions, split.Labels())
	return result, nil
}

// Accuracy returns the fraction of predictions equal to the labels, or 0 if there are none.
func Accuracy(predictions, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	var correct int
	for ii, label := range labels {
		if ii < len(predictions) && predictions[ii] == label {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}
