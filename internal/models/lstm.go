package models

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

const ParamLSTMHiddenDim = "lstm_hidden_dim"

// LSTM classifier: embeddings, a single layer LSTM unrolled over the sentence and a dense readout
// on the last hidden state.
//
// Padding positions don't update the LSTM state, so the last hidden state is the one of the
// last real token.
type LSTM struct {
	ctx *context.Context
}

var _ Backbone = (*LSTM)(nil)

func newLSTM(ctx *context.Context) *LSTM {
	ctx.SetParams(map[string]any{
		ParamEmbeddingDim:       64,
		ParamLSTMHiddenDim:      64,
		layers.ParamDropoutRate: 0.1,
	})
	return &LSTM{ctx: ctx.Checked(false)}
}

// Type implements Backbone.
func (m *LSTM) Type() Type { return TypeLSTM }

// Context implements Backbone.
func (m *LSTM) Context() *context.Context { return m.ctx }

// NumClasses implements Backbone.
func (m *LSTM) NumClasses() int { return context.GetParamOr(m.ctx, ParamNumClasses, 2) }

// ForwardGraph implements Backbone.
func (m *LSTM) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	ctx = ctx.In(ModelScope)
	ids := inputs[0]
	g := ids.Graph()
	batchSize, maxLen := ids.Shape().Dim(0), ids.Shape().Dim(1)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 2)
	hiddenDim := context.GetParamOr(ctx, ParamLSTMHiddenDim, 64)

	x := embed(ctx, ids)
	mask := tokenMask(ids, x.DType())
	state := shapes.Make(x.DType(), batchSize, hiddenDim)
	h, c := Zeros(g, state), Zeros(g, state)
	cellCtx := ctx.In("lstm_cell")
	gate := func(gates *Node, idx int) *Node {
		return Slice(gates, AxisRange(), AxisRange(idx*hiddenDim, (idx+1)*hiddenDim))
	}
	for t := range maxLen {
		xt := Squeeze(Slice(x, AxisRange(), AxisElem(t)), 1)
		gates := layers.Dense(cellCtx, Concatenate([]*Node{xt, h}, -1), true, 4*hiddenDim)
		inputGate := Sigmoid(gate(gates, 0))
		forgetGate := Sigmoid(gate(gates, 1))
		candidate := Tanh(gate(gates, 2))
		outputGate := Sigmoid(gate(gates, 3))
		newC := Add(Mul(forgetGate, c), Mul(inputGate, candidate))
		newH := Mul(outputGate, Tanh(newC))

		// Keep previous state on padding positions.
		step := BroadcastToDims(Slice(mask, AxisRange(), AxisRange(t, t+1)), batchSize, hiddenDim)
		c = Add(Mul(step, newC), Mul(OneMinus(step), c))
		h = Add(Mul(step, newH), Mul(OneMinus(step), h))
	}
	h = dropout(ctx, h)
	logits := layers.Dense(ctx.In("readout"), h, true, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return logits
}
