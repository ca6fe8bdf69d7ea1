package engine

import (
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/sentigo/internal/batcher"
	"github.com/janpfeifer/sentigo/internal/data"
	"github.com/janpfeifer/sentigo/internal/device"
	"github.com/janpfeifer/sentigo/internal/models"
	"github.com/janpfeifer/sentigo/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"slices"
	"testing"
)

func TestPredictions(t *testing.T) {
	raw := [][]float32{{0.1, 0.9}, {2, -1}, {0.5, 0.5}, {-3, -1, -2}}
	assert.Equal(t, []int{1, 0, 0, 1}, Predictions(raw))
	assert.Equal(t, float32(0.9), Confidence(raw[0]))
	assert.Equal(t, float32(-1), Confidence(raw[3]))
	assert.True(t, math.IsNaN(float64(Confidence(nil))))
}

func TestInputs(t *testing.T) {
	batch := batcher.Batch{
		IDs:      [][]int32{{4, 5, 0}, {6, 0, 0}},
		Labels:   []int32{1, 0},
		NumValid: 1,
	}
	inputs := Inputs(batch)
	require.Len(t, inputs, 4)
	inputs[0].Shape().AssertDims(2, 3)
	assert.Equal(t, []int32{4, 5, 0, 6, 0, 0}, tensors.CopyFlatData[int32](inputs[0]))
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 1}, tensors.CopyFlatData[int32](inputs[1]))
	assert.Equal(t, []int32{1, 0}, tensors.CopyFlatData[int32](inputs[2]))
	assert.Equal(t, int32(1), tensors.ToScalar[int32](inputs[3]))

	batch.Mask = [][]int32{{1, 1, 0}, {1, 0, 0}}
	assert.Equal(t, []int32{1, 1, 0, 1, 0, 0}, tensors.CopyFlatData[int32](Inputs(batch)[1]))
}

func buildEngine(t *testing.T, modelType models.Type, vocab *data.Vocabulary, maxLen int) *Engine {
	backbone, err := models.New(models.Config{
		Type:       modelType,
		VocabSize:  vocab.Len(),
		NumClasses: 2,
		MaxLen:     maxLen,
		Params:     parameters.NewFromConfigString("embedding_dim=8,dropout_rate=0"),
	})
	require.NoError(t, err)
	return New(device.FromBackend(graphtest.BuildTestBackend()), backbone)
}

func TestInferAndScore(t *testing.T) {
	split, err := data.NewSplit("validation",
		[][]string{{"good", "film"}, {"bad", "film"}, {"great"}},
		[]int{1, 0, 1})
	require.NoError(t, err)
	vocab := data.BuildVocabulary(1, split)

	for _, modelType := range []models.Type{models.TypeLSTM, models.TypeTransformer} {
		t.Run(modelType.String(), func(t *testing.T) {
			var encoder batcher.Encoder = &batcher.VocabEncoder{Vocab: vocab, Length: 4}
			if modelType == models.TypeTransformer {
				encoder = &batcher.TransformerEncoder{Vocab: vocab, Length: 4}
			}
			b, err := batcher.New(split, 2, encoder, batcher.BoundaryPad)
			require.NoError(t, err)
			e := buildEngine(t, modelType, vocab, 4)
			defer e.Finalize()

			for batch := range b.Batches() {
				idsBefore := slices.Clone(batch.IDs[0])
				predictions, raw, err := e.Infer(batch, ModeEval)
				require.NoError(t, err)
				require.Len(t, predictions, batch.NumValid)
				require.Len(t, raw, batch.NumValid)
				assert.Len(t, raw[0], 2)
				assert.Equal(t, idsBefore, batch.IDs[0])

				result, err := e.Score(batch)
				require.NoError(t, err)
				assert.Greater(t, result.Loss, float32(0))
				assert.Equal(t, predictions, result.Predictions)
				assert.InDeltaSlice(t, raw[0], result.RawOutputs[0], 1e-4)

				_, _, err = e.Infer(batch, ModeTrain)
				require.NoError(t, err)
			}
		})
	}
}
