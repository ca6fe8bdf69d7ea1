package models

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// embed the token ids (shaped [batch_size, max_len]) into [batch_size, max_len, embedding_dim].
func embed(ctx *context.Context, ids *Node) *Node {
	g := ids.Graph()
	vocabSize := context.GetParamOr(ctx, ParamVocabSize, 0)
	embeddingDim := context.GetParamOr(ctx, ParamEmbeddingDim, 64)
	tableVar := ctx.In("embeddings").VariableWithShape("table", shapes.Make(dtypes.Float32, vocabSize, embeddingDim))
	return Gather(tableVar.ValueGraph(g), ExpandAxes(ids, -1))
}

// validRows returns a boolean mask shaped [batch_size] that is true for the first numValid rows.
func validRows(g *Graph, batchSize int, numValid *Node) *Node {
	return LessThan(Iota(g, shapes.Make(dtypes.Int32, batchSize), 0), ConvertDType(numValid, dtypes.Int32))
}

// MaskedCrossEntropy returns the mean softmax cross-entropy of the logits (shaped [batch_size, num_classes])
// against the int32 labels (shaped [batch_size]), taken only over the first numValid rows.
//
// Padding rows contribute neither to the loss nor to the gradients.
func MaskedCrossEntropy(logits, labels, numValid *Node) *Node {
	g := logits.Graph()
	dtype := logits.DType()
	batchSize := logits.Shape().Dim(0)
	numClasses := logits.Shape().Dim(-1)

	// Numerically stable log-softmax.
	shifted := Sub(logits, StopGradient(ReduceAndKeep(logits, ReduceMax, -1)))
	logSumExp := Log(ReduceSum(Exp(shifted), -1))

	labels = BroadcastToDims(ExpandAxes(ConvertDType(labels, dtypes.Int32), -1), batchSize, numClasses)
	oneHot := ConvertDType(Equal(Iota(g, shapes.Make(dtypes.Int32, batchSize, numClasses), 1), labels), dtype)
	goldLogits := ReduceSum(Mul(shifted, oneHot), -1)
	losses := Sub(logSumExp, goldLogits)

	losses = Where(validRows(g, batchSize, numValid), losses, ZerosLike(losses))
	count := Max(ConvertDType(numValid, dtype), ScalarOne(g, dtype))
	return Div(ReduceAllSum(losses), count)
}

// tokenMask returns 1 on the positions of real tokens and 0 on padding, shaped [batch_size, max_len],
// with the given dtype.
func tokenMask(ids *Node, dtype dtypes.DType) *Node {
	return ConvertDType(NotEqual(ids, ZerosLike(ids)), dtype)
}

// broadcastMask expands a mask shaped [batch_size, max_len] to the shape of x,
// shaped [batch_size, max_len, features].
func broadcastMask(mask, x *Node) *Node {
	return BroadcastToDims(ExpandAxes(mask, -1), x.Shape().Dimensions...)
}

// dropout is a no-op if rate is 0 or if not training.
func dropout(ctx *context.Context, x *Node) *Node {
	rate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	if rate <= 0 {
		return x
	}
	return layers.DropoutStatic(ctx, x, rate)
}
