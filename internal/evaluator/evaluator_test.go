package evaluator

import (
	"bytes"
	"flag"
	"fmt"
	"github.com/janpfeifer/sentigo/internal/batcher"
	"github.com/janpfeifer/sentigo/internal/data"
	"github.com/janpfeifer/sentigo/internal/engine"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
	"math"
	"os"
	"testing"
)

func TestBestEpoch(t *testing.T) {
	best := NewBestEpoch()
	assert.Equal(t, 0, best.Epoch)
	assert.True(t, math.IsInf(best.Loss, 1))

	want := []BestEpoch{{1, 0.9}, {2, 0.7}, {2, 0.7}, {4, 0.6}}
	for ii, loss := range []float64{0.9, 0.7, 0.8, 0.6} {
		best.Observe(ii+1, loss)
		assert.Equal(t, want[ii], *best, "after epoch %d", ii+1)
	}

	// Equal loss is not an improvement.
	assert.False(t, best.Observe(5, 0.6))
	assert.Equal(t, 4, best.Epoch)

	// NaN never replaces the record.
	assert.False(t, best.Observe(6, math.NaN()))
	assert.Equal(t, 4, best.Epoch)
}

func TestAccuracy(t *testing.T) {
	labels := []int{0, 1, 1, 0, 1, 0, 0, 1, 1, 0}
	predictions := []int{0, 1, 1, 0, 1, 0, 0, 0, 0, 1}
	assert.InDelta(t, 0.7, Accuracy(predictions, labels), 1e-9)
	assert.Equal(t, 0.0, Accuracy(nil, nil))
}

// fakeScorer predicts the class written as the example's first token, with a batch loss of 0.1 times
// the batch index plus one.
type fakeScorer struct {
	failOnBatch int
}

func (s *fakeScorer) Score(batch batcher.Batch) (engine.Result, error) {
	if batch.Index == s.failOnBatch {
		return engine.Result{}, errors.New("boom")
	}
	result := engine.Result{Loss: 0.1 * float32(batch.Index+1)}
	for _, example := range batch.Examples {
		var prediction int
		_, _ = fmt.Sscanf(example.Tokens[0], "%d", &prediction)
		result.Predictions = append(result.Predictions, prediction)
		raw := []float32{0, 0}
		raw[prediction] = float32(example.Label + 1)
		result.RawOutputs = append(result.RawOutputs, raw)
	}
	return result, nil
}

func makeSplit(predictions, labels []int) data.Split {
	inputs := make([][]string, len(labels))
	for ii, prediction := range predictions {
		inputs[ii] = []string{fmt.Sprintf("%d", prediction), "film"}
	}
	split, _ := data.NewSplit("validation", inputs, labels)
	return split
}

func newTestEvaluator(scorer Scorer, batchSize int) *Evaluator {
	encoder := &batcher.VocabEncoder{Vocab: data.BuildVocabulary(1), Length: 2}
	return New(scorer, encoder, batchSize, batcher.BoundaryKeep)
}

func TestEvaluate(t *testing.T) {
	labels := []int{0, 1, 1, 0, 1, 0, 0, 1, 1, 0}
	predictions := []int{0, 1, 1, 0, 1, 0, 0, 0, 0, 1}
	split := makeSplit(predictions, labels)

	// 10 examples with batches of 4: 3 batches with losses 0.1, 0.2 and 0.3.
	ev := newTestEvaluator(&fakeScorer{failOnBatch: -1}, 4)
	result, err := ev.Evaluate(split)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, result.Accuracy, 1e-9)
	assert.InDelta(t, 0.2, result.Loss, 1e-6) // Mean of the batch means.
	assert.Equal(t, predictions, result.Predictions)
	assert.Equal(t, 10, result.NumExamples)

	// Empty split.
	result, err = ev.Evaluate(data.Split{Name: "empty"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Loss)
	assert.Equal(t, 0.0, result.Accuracy)

	// Errors propagate.
	ev = newTestEvaluator(&fakeScorer{failOnBatch: 1}, 4)
	_, err = ev.Evaluate(split)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	split := makeSplit([]int{1, 0}, []int{1, 1})
	ev := newTestEvaluator(&fakeScorer{failOnBatch: -1}, 2)
	best := NewBestEpoch()
	result, improved, err := ev.Validate(1, split, best)
	require.NoError(t, err)
	assert.True(t, improved)
	assert.Equal(t, BestEpoch{Epoch: 1, Loss: result.Loss}, *best)

	_, improved, err = ev.Validate(2, split, best)
	require.NoError(t, err)
	assert.False(t, improved)
	assert.Equal(t, 1, best.Epoch)
}

func TestTestDiagnostics(t *testing.T) {
	labels := []int{0, 1, 1, 0, 1}
	predictions := []int{0, 1, 0, 0, 1}
	split := makeSplit(predictions, labels)
	ev := newTestEvaluator(&fakeScorer{failOnBatch: -1}, 2)
	var diagnostics []Diagnostic
	result, err := ev.Test(split, func(d Diagnostic) { diagnostics = append(diagnostics, d) })
	require.NoError(t, err)
	assert.InDelta(t, 0.8, result.Accuracy, 1e-9)
	require.Len(t, diagnostics, 5)
	for ii, d := range diagnostics {
		// Global 1-based index, not reset per batch.
		assert.Equal(t, ii+1, d.Index)
		assert.Equal(t, split.Examples[ii].Tokens, d.Tokens)
		assert.Equal(t, labels[ii], d.Label)
		assert.Equal(t, predictions[ii], d.Prediction)
		assert.Equal(t, float32(labels[ii]+1), d.Confidence)
	}
	assert.Contains(t, diagnostics[2].String(), "#3 label=1 prediction=0")
}

func TestTestLogsDiagnostics(t *testing.T) {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	require.NoError(t, fs.Set("v", "0"))
	require.NoError(t, fs.Set("logtostderr", "false"))
	require.NoError(t, fs.Set("alsologtostderr", "false"))
	var buf bytes.Buffer
	klog.SetOutput(&buf)
	defer func() {
		klog.SetOutput(os.Stderr)
		_ = fs.Set("logtostderr", "true")
	}()

	split := makeSplit([]int{1, 0}, []int{1, 1})
	ev := newTestEvaluator(&fakeScorer{failOnBatch: -1}, 2)
	_, err := ev.Test(split, nil)
	require.NoError(t, err)
	klog.Flush()

	// Diagnostics are logged at the default verbosity, even without a callback.
	out := buf.String()
	assert.Contains(t, out, "#1 label=1 prediction=1")
	assert.Contains(t, out, "#2 label=1 prediction=0")
	assert.Contains(t, out, "accuracy=50.00%")
}
