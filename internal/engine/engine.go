// Package engine runs batches through a backbone.
//
// Score (forward pass plus loss, in eval mode) is the path shared by the validation and the test
// passes. Infer is the standalone prediction API: it needs no labels, and in ModeTrain it runs the
// forward pass with training behavior (dropout) enabled, without updating any weights. Training
// itself builds its own train step graph (see package trainer).
package engine

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/sentigo/internal/batcher"
	"github.com/janpfeifer/sentigo/internal/device"
	"github.com/janpfeifer/sentigo/internal/generics"
	"github.com/janpfeifer/sentigo/internal/models"
	"github.com/pkg/errors"
)

// Mode of a forward pass.
type Mode int

const (
	// ModeEval is used for validation and test: no dropout.
	ModeEval Mode = iota

	// ModeTrain builds the graph in training mode (dropout enabled).
	ModeTrain
)

func (m Mode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "eval"
}

// maxCache is the maximum number of compiled graphs per executor: one per distinct batch shape.
const maxCache = 16

// Engine executes a backbone on batches.
//
// It never modifies the batches given to it. It doesn't update the model variables, except
// for the random number generator state used by dropout in ModeTrain.
type Engine struct {
	device   *device.Device
	backbone models.Backbone

	inferExecs [2]*context.Exec
	scoreExec  *context.Exec
}

// New creates an Engine for the backbone, executed on the device.
func New(dev *device.Device, backbone models.Backbone) *Engine {
	e := &Engine{device: dev, backbone: backbone}
	ctx := backbone.Context()
	for _, mode := range []Mode{ModeEval, ModeTrain} {
		e.inferExecs[mode] = context.NewExec(dev.Backend(), ctx,
			func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
				ctx.SetTraining(inputs[0].Graph(), mode == ModeTrain)
				return backbone.ForwardGraph(ctx, inputs)
			})
		e.inferExecs[mode].SetMaxCache(maxCache)
	}
	e.scoreExec = context.NewExec(dev.Backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			inputs, labels, numValid := inputsAndLabels[:2], inputsAndLabels[2], inputsAndLabels[3]
			loss, logits := models.LossAndLogits(ctx, backbone, inputs, labels, numValid)
			return []*graph.Node{loss, logits}
		})
	e.scoreExec.SetMaxCache(maxCache)
	return e
}

// Backbone executed by the engine.
func (e *Engine) Backbone() models.Backbone { return e.backbone }

// Device where the backbone is executed.
func (e *Engine) Device() *device.Device { return e.device }

// Finalize releases the compiled executors.
func (e *Engine) Finalize() {
	for _, exec := range e.inferExecs {
		exec.Finalize()
	}
	e.scoreExec.Finalize()
}

// Result of scoring a batch.
type Result struct {
	// Loss is the mean loss over the valid rows of the batch.
	Loss float32

	// Predictions (class index) and RawOutputs (logits) for each valid row of the batch.
	Predictions []int
	RawOutputs  [][]float32
}

// Infer runs the forward pass for the batch and returns the predicted class of each valid example,
// and the raw scores (logits) from which they were taken.
func (e *Engine) Infer(batch batcher.Batch, mode Mode) (predictions []int, raw [][]float32, err error) {
	inputs := Inputs(batch)
	var logitsT *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		logitsT = e.inferExecs[mode].Call(e.device.PlaceAll(inputs[:2])...)[0]
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "forward pass (%s) of batch #%d", mode, batch.Index)
	}
	raw = splitRows(logitsT, batch.NumValid)
	return Predictions(raw), raw, nil
}

// Score runs the forward pass in ModeEval for the batch along with its loss.
//
// A non-finite loss is returned as an error.
func (e *Engine) Score(batch batcher.Batch) (Result, error) {
	var lossT, logitsT *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outputs := e.scoreExec.Call(e.device.PlaceAll(Inputs(batch))...)
		lossT, logitsT = outputs[0], outputs[1]
	})
	if err != nil {
		return Result{}, errors.WithMessagef(err, "scoring batch #%d", batch.Index)
	}
	result := Result{Loss: tensors.ToScalar[float32](lossT)}
	if math32.IsNaN(result.Loss) || math32.IsInf(result.Loss, 0) {
		return result, errors.Errorf("non-finite loss %g for batch #%d", result.Loss, batch.Index)
	}
	result.RawOutputs = splitRows(logitsT, batch.NumValid)
	result.Predictions = Predictions(result.RawOutputs)
	return result, nil
}

// Inputs creates the tensors for a batch: token ids, attention mask (all ones if the batch has no mask),
// labels and the number of valid rows.
func Inputs(batch batcher.Batch) []*tensors.Tensor {
	rows := batch.Rows()
	maxLen := 0
	if rows > 0 {
		maxLen = len(batch.IDs[0])
	}
	idsT := tensors.FromShape(shapes.Make(dtypes.Int32, rows, maxLen))
	maskT := tensors.FromShape(shapes.Make(dtypes.Int32, rows, maxLen))
	tensors.MutableFlatData(idsT, func(flat []int32) {
		for row, ids := range batch.IDs {
			copy(flat[row*maxLen:], ids)
		}
	})
	tensors.MutableFlatData(maskT, func(flat []int32) {
		if batch.Mask == nil {
			for ii := range flat {
				flat[ii] = 1
			}
			return
		}
		for row, mask := range batch.Mask {
			copy(flat[row*maxLen:], mask)
		}
	})
	labelsT := tensors.FromShape(shapes.Make(dtypes.Int32, rows))
	tensors.MutableFlatData(labelsT, func(flat []int32) {
		copy(flat, batch.Labels)
	})
	return []*tensors.Tensor{idsT, maskT, labelsT, tensors.FromScalar(int32(batch.NumValid))}
}

// splitRows converts the logits tensor shaped [rows, num_classes] to a slice per row, keeping only the
// first numValid rows.
func splitRows(logitsT *tensors.Tensor, numValid int) [][]float32 {
	numClasses := logitsT.Shape().Dim(-1)
	flat := tensors.CopyFlatData[float32](logitsT)
	raw := make([][]float32, numValid)
	for row := range raw {
		raw[row] = flat[row*numClasses : (row+1)*numClasses]
	}
	return raw
}

// Predictions returns the argmax of each row of raw outputs. Ties go to the lowest class index.
func Predictions(raw [][]float32) []int {
	return generics.SliceMap(raw, func(scores []float32) int {
		idx, _ := generics.ArgMax(scores)
		return idx
	})
}

// Confidence is the maximum raw score of an example, used as a proxy for the model confidence.
func Confidence(scores []float32) float32 {
	if len(scores) == 0 {
		return math32.NaN()
	}
	_, value := generics.ArgMax(scores)
	return value
}
