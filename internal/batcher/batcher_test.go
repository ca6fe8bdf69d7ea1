package batcher

import (
	"fmt"
	"github.com/janpfeifer/sentigo/internal/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"slices"
	"testing"
)

// makeSplit with n examples, example ii has the single token "t<ii>" and label ii%2.
func makeSplit(n int) data.Split {
	split := data.Split{Name: "test"}
	for ii := range n {
		split.Examples = append(split.Examples, data.Example{
			Tokens: []string{fmt.Sprintf("t%d", ii)},
			Label:  ii % 2,
		})
	}
	return split
}

func makeEncoder(split data.Split, maxLen int) *VocabEncoder {
	return &VocabEncoder{Vocab: data.BuildVocabulary(1, split), Length: maxLen}
}

func TestBatchesCoverSplit(t *testing.T) {
	for _, n := range []int{0, 1, 4, 7, 10} {
		for _, batchSize := range []int{1, 2, 3, 16} {
			split := makeSplit(n)
			b, err := New(split, batchSize, makeEncoder(split, 3), BoundaryKeep)
			require.NoError(t, err)
			wantNumBatches := (n + batchSize - 1) / batchSize
			require.Equal(t, wantNumBatches, b.NumBatches())

			var batches []Batch
			for batch := range b.Batches() {
				batches = append(batches, batch)
			}
			require.Len(t, batches, wantNumBatches, "n=%d, batchSize=%d", n, batchSize)

			total := 0
			for ii, batch := range batches {
				assert.Equal(t, ii, batch.Index)
				assert.Equal(t, total, batch.Offset)
				assert.Equal(t, batch.NumValid, batch.Rows())
				// Contiguous slice of the split.
				assert.Equal(t, split.Examples[total:total+batch.NumValid], batch.Examples)
				total += batch.NumValid
			}
			assert.Equal(t, n, total)
		}
	}
}

func TestBoundaryPolicies(t *testing.T) {
	split := makeSplit(5)
	encoder := makeEncoder(split, 4)

	b, err := New(split, 2, encoder, BoundaryPad)
	require.NoError(t, err)
	require.Equal(t, 3, b.NumBatches())
	batches := slices.Collect(b.Batches())
	last := batches[2]
	assert.Equal(t, 2, last.Rows())
	assert.Equal(t, 1, last.NumValid)
	assert.Len(t, last.Examples, 1)
	assert.Equal(t, []int32{data.PadID, data.PadID, data.PadID, data.PadID}, last.IDs[1])
	assert.Equal(t, int32(0), last.Labels[1])

	b, err = New(split, 2, encoder, BoundaryDrop)
	require.NoError(t, err)
	require.Equal(t, 2, b.NumBatches())
	assert.Len(t, slices.Collect(b.Batches()), 2)

	_, err = New(split, 0, encoder, BoundaryKeep)
	require.Error(t, err)
}

func TestParseBoundary(t *testing.T) {
	boundary, err := ParseBoundary("PAD")
	require.NoError(t, err)
	assert.Equal(t, BoundaryPad, boundary)
	assert.Equal(t, "pad", boundary.String())
	_, err = ParseBoundary("truncate")
	require.Error(t, err)
}

func TestEncoders(t *testing.T) {
	split := data.Split{Examples: []data.Example{{Tokens: []string{"good", "film"}, Label: 1}}}
	vocab := data.BuildVocabulary(1, split)
	film, good := vocab.TokenToIndex("film"), vocab.TokenToIndex("good")

	vocabEnc := &VocabEncoder{Vocab: vocab, Length: 4}
	ids, mask := vocabEnc.Encode([]string{"good", "film", "unknown"})
	assert.Equal(t, []int32{good, film, data.UnkID, data.PadID}, ids)
	assert.Nil(t, mask)
	ids, _ = vocabEnc.Encode([]string{"good", "film", "good", "film", "good"})
	assert.Len(t, ids, 4)

	trEnc := &TransformerEncoder{Vocab: vocab, Length: 5}
	ids, mask = trEnc.Encode([]string{"good", "film"})
	assert.Equal(t, []int32{data.ClsID, good, film, data.SepID, data.PadID}, ids)
	assert.Equal(t, []int32{1, 1, 1, 1, 0}, mask)

	// Truncation keeps both markers.
	ids, mask = trEnc.Encode([]string{"good", "film", "good", "film"})
	assert.Equal(t, []int32{data.ClsID, good, film, good, data.SepID}, ids)
	assert.Equal(t, []int32{1, 1, 1, 1, 1}, mask)
}

func TestBatchDoesNotAliasEncoderState(t *testing.T) {
	split := makeSplit(3)
	vocab := data.BuildVocabulary(1, split)
	b, err := New(split, 3, &TransformerEncoder{Vocab: vocab, Length: 4}, BoundaryKeep)
	require.NoError(t, err)
	batch := slices.Collect(b.Batches())[0]
	require.Len(t, batch.Mask, 3)
	batch.Mask[0][0] = 7
	assert.Equal(t, int32(1), batch.Mask[1][0])
}

func TestShuffleIsBijection(t *testing.T) {
	split := makeSplit(50)
	original := slices.Clone(split.Examples)
	rng := rand.New(rand.NewPCG(1, 2))
	shuffled := Shuffle(split, rng)

	// Input split is untouched.
	assert.Equal(t, original, split.Examples)

	// Same multiset of (tokens, label) pairs, with the pairing preserved.
	require.Equal(t, split.Len(), shuffled.Len())
	seen := make(map[string]int)
	for _, example := range shuffled.Examples {
		seen[fmt.Sprintf("%s/%d", example.Tokens[0], example.Label)]++
	}
	for _, example := range original {
		key := fmt.Sprintf("%s/%d", example.Tokens[0], example.Label)
		assert.Equal(t, 1, seen[key], "example %s", key)
	}

	// A different order (50! permutations, an identity draw is not a concern).
	assert.NotEqual(t, original, shuffled.Examples)

	// Empty split.
	assert.Equal(t, 0, Shuffle(data.Split{Name: "empty"}, rng).Len())
}
