package models

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

const (
	ParamCNNFilters    = "cnn_filters"
	ParamCNNKernelSize = "cnn_kernel_size"
)

// CNN classifier: embeddings, one 1D convolution over the sentence, max-pooling over time
// and a dense readout.
type CNN struct {
	ctx *context.Context
}

var _ Backbone = (*CNN)(nil)

func newCNN(ctx *context.Context) *CNN {
	ctx.SetParams(map[string]any{
		ParamEmbeddingDim:       64,
		ParamCNNFilters:         100,
		ParamCNNKernelSize:      3,
		layers.ParamDropoutRate: 0.1,
	})
	return &CNN{ctx: ctx.Checked(false)}
}

// Type implements Backbone.
func (m *CNN) Type() Type { return TypeCNN }

// Context implements Backbone.
func (m *CNN) Context() *context.Context { return m.ctx }

// NumClasses implements Backbone.
func (m *CNN) NumClasses() int { return context.GetParamOr(m.ctx, ParamNumClasses, 2) }

// ForwardGraph implements Backbone.
func (m *CNN) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	ctx = ctx.In(ModelScope)
	ids := inputs[0]
	batchSize := ids.Shape().Dim(0)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 2)

	x := embed(ctx, ids)
	x = layers.Convolution(ctx.In("conv"), x).
		Filters(context.GetParamOr(ctx, ParamCNNFilters, 100)).
		KernelSize(context.GetParamOr(ctx, ParamCNNKernelSize, 3)).
		PadSame().
		Done()
	x = activations.Relu(x)

	// Relu outputs are >= 0, so zeroing the padding positions keeps them out of the max-pooling.
	x = Mul(x, broadcastMask(tokenMask(ids, x.DType()), x))
	x = ReduceMax(x, 1)
	x = dropout(ctx, x)
	logits := layers.Dense(ctx.In("readout"), x, true, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return logits
}
