package models

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/sentigo/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestTypeEnum(t *testing.T) {
	assert.Equal(t, []string{"cnn", "lstm", "transformer"}, TypeStrings())
	modelType, err := TypeString("LSTM")
	require.NoError(t, err)
	assert.Equal(t, TypeLSTM, modelType)
	_, err = TypeString("rnn")
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	params := parameters.NewFromConfigString("embedding_dim=16,cnn_filters=8")
	backbone, err := New(Config{Type: TypeCNN, VocabSize: 10, NumClasses: 3, MaxLen: 5, Params: params})
	require.NoError(t, err)
	assert.Equal(t, TypeCNN, backbone.Type())
	assert.Equal(t, 3, backbone.NumClasses())
	assert.Equal(t, 16, context.GetParamOr(backbone.Context(), ParamEmbeddingDim, 0))
	assert.Equal(t, 8, context.GetParamOr(backbone.Context(), ParamCNNFilters, 0))
	require.NoError(t, params.Unused())

	// Misspelled or unknown hyperparameters are errors.
	_, err = New(Config{Type: TypeCNN, VocabSize: 10, NumClasses: 3, MaxLen: 5,
		Params: parameters.NewFromConfigString("embeding_dim=8")})
	require.ErrorContains(t, err, "embeding_dim")

	// Parameters of another backbone type are unknown too.
	_, err = New(Config{Type: TypeCNN, VocabSize: 10, NumClasses: 2, MaxLen: 5,
		Params: parameters.NewFromConfigString("lstm_hidden_dim=8")})
	require.Error(t, err)
	assert.Contains(t, HyperparametersHelp(backbone), ParamCNNKernelSize)

	_, err = New(Config{Type: TypeCNN, VocabSize: 10, NumClasses: 3, MaxLen: 5,
		Params: parameters.NewFromConfigString("cnn_filters=many")})
	require.Error(t, err)

	_, err = New(Config{Type: TypeLSTM, VocabSize: 0, NumClasses: 2, MaxLen: 5})
	require.Error(t, err)

	_, isInternal := backbone.(InternalLoss)
	assert.False(t, isInternal)
	transformer, err := New(Config{Type: TypeTransformer, VocabSize: 10, NumClasses: 2, MaxLen: 5})
	require.NoError(t, err)
	_, isInternal = transformer.(InternalLoss)
	assert.True(t, isInternal)
	_, isWarmup := transformer.(WarmupScheduled)
	assert.True(t, isWarmup)
}

func TestForwardGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ids := [][]int32{{4, 5, 6, 0, 0}, {2, 7, 3, 0, 0}, {0, 0, 0, 0, 0}}
	mask := [][]int32{{1, 1, 1, 0, 0}, {1, 1, 1, 0, 0}, {0, 0, 0, 0, 0}}
	for _, modelType := range TypeValues() {
		t.Run(modelType.String(), func(t *testing.T) {
			backbone, err := New(Config{Type: modelType, VocabSize: 10, NumClasses: 2, MaxLen: 5,
				Params: parameters.NewFromConfigString("embedding_dim=8,dropout_rate=0")})
			require.NoError(t, err)
			logitsT := context.ExecOnce(backend, backbone.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
				return backbone.ForwardGraph(ctx, inputs)
			}, ids, mask)
			logitsT.Shape().AssertDims(3, 2)
			for _, v := range tensors.CopyFlatData[float32](logitsT) {
				assert.False(t, math.IsNaN(float64(v)))
			}
		})
	}
}

func TestMaskedCrossEntropy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lossFn := func(logits [][]float32, labels []int32, numValid int32) float32 {
		ctx := context.New()
		lossT := context.ExecOnce(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return MaskedCrossEntropy(inputs[0], inputs[1], inputs[2])
		}, logits, labels, numValid)
		return tensors.ToScalar[float32](lossT)
	}

	// Uniform logits: log(2).
	assert.InDelta(t, math.Log(2), lossFn([][]float32{{0, 0}, {0, 0}}, []int32{0, 1}, 2), 1e-5)

	// Padding rows are ignored, even if badly wrong.
	assert.InDelta(t, math.Log(2), lossFn([][]float32{{0, 0}, {100, -100}}, []int32{1, 1}, 1), 1e-5)

	// Confident and right: ~0.
	assert.InDelta(t, 0.0, lossFn([][]float32{{-20, 20}}, []int32{1}, 1), 1e-5)

	// Large logits stay finite.
	assert.InDelta(t, 2000.0, lossFn([][]float32{{1000, -1000}}, []int32{1}, 1), 1e-2)
}
