package models

import (
	"fmt"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"math"
)

const (
	ParamTransformerNumLayers = "transformer_num_layers"
	ParamTransformerNumHeads  = "transformer_num_heads"
	ParamTransformerFFNDim    = "transformer_ffn_dim"
)

// Transformer encoder classifier: token plus positional embeddings, a stack of post-norm
// self-attention blocks, and a pooled readout of the "[CLS]" position.
//
// It takes the attention mask into account, computes its own loss and is trained with a
// warmup learning rate schedule.
type Transformer struct {
	ctx *context.Context
}

var (
	_ InternalLoss    = (*Transformer)(nil)
	_ WarmupScheduled = (*Transformer)(nil)
)

func newTransformer(ctx *context.Context) *Transformer {
	ctx.SetParams(map[string]any{
		ParamEmbeddingDim:         64,
		ParamTransformerNumLayers: 2,
		ParamTransformerNumHeads:  4,
		ParamTransformerFFNDim:    128,
		layers.ParamDropoutRate:   0.1,
	})
	return &Transformer{ctx: ctx.Checked(false)}
}

// Type implements Backbone.
func (m *Transformer) Type() Type { return TypeTransformer }

// Context implements Backbone.
func (m *Transformer) Context() *context.Context { return m.ctx }

// NumClasses implements Backbone.
func (m *Transformer) NumClasses() int { return context.GetParamOr(m.ctx, ParamNumClasses, 2) }

// WarmupScheduled implements WarmupScheduled.
func (m *Transformer) WarmupScheduled() {}

// ForwardGraph implements Backbone.
func (m *Transformer) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	ctx = ctx.In(ModelScope)
	ids, mask := inputs[0], inputs[1]
	g := ids.Graph()
	batchSize, seqLen := ids.Shape().Dim(0), ids.Shape().Dim(1)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 2)
	embeddingDim := context.GetParamOr(ctx, ParamEmbeddingDim, 64)
	numLayers := context.GetParamOr(ctx, ParamTransformerNumLayers, 2)
	numHeads := context.GetParamOr(ctx, ParamTransformerNumHeads, 4)
	ffnDim := context.GetParamOr(ctx, ParamTransformerFFNDim, 128)
	if numHeads <= 0 || embeddingDim%numHeads != 0 {
		exceptions.Panicf("transformer %q=%d must be divisible by %q=%d",
			ParamEmbeddingDim, embeddingDim, ParamTransformerNumHeads, numHeads)
	}

	x := embed(ctx, ids)
	dtype := x.DType()
	posVar := ctx.In("positional").VariableWithShape("embeddings", shapes.Make(dtype, seqLen, embeddingDim))
	x = Add(x, BroadcastToDims(ExpandAxes(posVar.ValueGraph(g), 0), batchSize, seqLen, embeddingDim))
	x = layers.LayerNormalization(ctx.In("embeddings_norm"), x, -1).Done()
	x = dropout(ctx, x)

	// Attention bias: large negative values on the padding keys, shaped [batch, heads, query, key].
	attentionBias := MulScalar(OneMinus(ConvertDType(mask, dtype)), -1e9)
	attentionBias = BroadcastToDims(Reshape(attentionBias, batchSize, 1, 1, seqLen),
		batchSize, numHeads, seqLen, seqLen)

	for layerIdx := range numLayers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", layerIdx))
		attention := selfAttention(layerCtx.In("attention"), x, attentionBias, numHeads)
		x = layers.LayerNormalization(layerCtx.In("attention_norm"), Add(x, dropout(layerCtx, attention)), -1).Done()
		ffn := activations.Relu(layers.Dense(layerCtx.In("ffn_hidden"), x, true, ffnDim))
		ffn = layers.Dense(layerCtx.In("ffn_output"), ffn, true, embeddingDim)
		x = layers.LayerNormalization(layerCtx.In("ffn_norm"), Add(x, dropout(layerCtx, ffn)), -1).Done()
	}

	// Pool the "[CLS]" position.
	pooled := Squeeze(Slice(x, AxisRange(), AxisElem(0)), 1)
	pooled = Tanh(layers.Dense(ctx.In("pooler"), pooled, true, embeddingDim))
	pooled = dropout(ctx, pooled)
	logits := layers.Dense(ctx.In("readout"), pooled, true, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return logits
}

// ForwardWithLossGraph implements InternalLoss.
func (m *Transformer) ForwardWithLossGraph(ctx *context.Context, inputs []*Node, labels, numValid *Node) (loss, logits *Node) {
	logits = m.ForwardGraph(ctx, inputs)
	loss = MaskedCrossEntropy(logits, labels, numValid)
	return
}

// selfAttention of x (shaped [batch, seq_len, embedding_dim]) with numHeads heads.
func selfAttention(ctx *context.Context, x, bias *Node, numHeads int) *Node {
	batchSize, seqLen, embeddingDim := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2)
	headDim := embeddingDim / numHeads
	query := layers.Dense(ctx.In("query"), x, true, numHeads, headDim)
	key := layers.Dense(ctx.In("key"), x, true, numHeads, headDim)
	value := layers.Dense(ctx.In("value"), x, true, numHeads, headDim)

	scores := MulScalar(Einsum("bqhd,bkhd->bhqk", query, key), 1.0/math.Sqrt(float64(headDim)))
	probs := Softmax(Add(scores, bias), -1)
	attended := Einsum("bhqk,bkhd->bqhd", probs, value)
	attended = Reshape(attended, batchSize, seqLen, numHeads*headDim)
	return layers.Dense(ctx.In("output"), attended, true, embeddingDim)
}
