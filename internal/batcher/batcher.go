// Package batcher slices a data.Split into batches of fixed-width token ids, ready to be
// converted to tensors.
//
// Batches are generated lazily, one pass over the split at a time, in split order. Training
// passes shuffle the split first (see Shuffle), evaluation passes never do.
package batcher

import (
	"github.com/janpfeifer/sentigo/internal/data"
	"github.com/janpfeifer/sentigo/internal/generics"
	"github.com/pkg/errors"
	"iter"
	"math/rand/v2"
	"strings"
)

// Boundary defines what to do with the last batch of a split, when the split size is not a
// multiple of the batch size.
type Boundary int

const (
	// BoundaryKeep yields the last batch with fewer rows.
	BoundaryKeep Boundary = iota

	// BoundaryPad pads the last batch to the full batch size with filler rows, which are marked
	// as invalid (see Batch.NumValid). It keeps all batches with the same shape.
	BoundaryPad

	// BoundaryDrop skips the last partial batch. Only meaningful for training.
	BoundaryDrop
)

var boundaryNames = []string{"keep", "pad", "drop"}

func (b Boundary) String() string {
	if b < 0 || int(b) >= len(boundaryNames) {
		return "invalid"
	}
	return boundaryNames[b]
}

// ParseBoundary converts "keep", "pad" or "drop" to a Boundary.
func ParseBoundary(s string) (Boundary, error) {
	for ii, name := range boundaryNames {
		if strings.EqualFold(s, name) {
			return Boundary(ii), nil
		}
	}
	return BoundaryKeep, errors.Errorf("invalid batch boundary policy %q, valid values are %q", s, boundaryNames)
}

// Batch is a contiguous slice of a split converted to fixed-width numeric form.
//
// Rows past NumValid (only with BoundaryPad) are filler: their ids are data.PadID, their mask
// is 0 and their label is 0. They must be ignored by losses and metrics.
type Batch struct {
	// Index of the batch within the pass, starting at 0.
	Index int

	// Offset is the position in the split of the first example of the batch.
	Offset int

	// Examples are the original examples of the valid rows.
	Examples []data.Example

	// IDs shaped [rows][maxLen].
	IDs [][]int32

	// Mask shaped [rows][maxLen], with 1 on real token positions and 0 on padding.
	// It is nil if the Encoder doesn't produce masks.
	Mask [][]int32

	// Labels shaped [rows].
	Labels []int32

	// NumValid is the number of rows holding real examples.
	NumValid int
}

// Rows returns the number of rows in the batch, including filler rows.
func (b *Batch) Rows() int { return len(b.IDs) }

// Batcher generates the batches of one split.
type Batcher struct {
	split     data.Split
	batchSize int
	encoder   Encoder
	boundary  Boundary
}

// New creates a Batcher for split. It doesn't shuffle: for training pass a split
// returned by Shuffle.
func New(split data.Split, batchSize int, encoder Encoder, boundary Boundary) (*Batcher, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d for split %s, it must be > 0", batchSize, split.Name)
	}
	if encoder == nil {
		return nil, errors.Errorf("no encoder given to batch split %s", split.Name)
	}
	return &Batcher{split: split, batchSize: batchSize, encoder: encoder, boundary: boundary}, nil
}

// NumBatches returns the number of batches a pass over the split yields:
// ceil(len/batchSize), or floor(len/batchSize) with BoundaryDrop.
func (b *Batcher) NumBatches() int {
	n := b.split.Len()
	if b.boundary == BoundaryDrop {
		return n / b.batchSize
	}
	return (n + b.batchSize - 1) / b.batchSize
}

// Split being batched.
func (b *Batcher) Split() data.Split { return b.split }

// Batches returns an iterator over the batches of one pass over the split.
// An empty split yields no batches.
func (b *Batcher) Batches() iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		numBatches := b.NumBatches()
		examples := b.split.Examples
		for batchIdx := range numBatches {
			start := batchIdx * b.batchSize
			end := min(start+b.batchSize, len(examples))
			if !yield(b.encode(batchIdx, start, examples[start:end])) {
				return
			}
		}
	}
}

// encode converts the examples into a batch.
func (b *Batcher) encode(batchIdx, offset int, examples []data.Example) Batch {
	rows := len(examples)
	if b.boundary == BoundaryPad {
		rows = b.batchSize
	}
	batch := Batch{
		Index:    batchIdx,
		Offset:   offset,
		Examples: examples,
		IDs:      make([][]int32, rows),
		Labels:   make([]int32, rows),
		NumValid: len(examples),
	}
	usesMask := b.encoder.UsesMask()
	if usesMask {
		batch.Mask = make([][]int32, rows)
	}
	for row := range rows {
		if row < len(examples) {
			ids, mask := b.encoder.Encode(examples[row].Tokens)
			batch.IDs[row] = ids
			if usesMask {
				batch.Mask[row] = mask
			}
			batch.Labels[row] = int32(examples[row].Label)
			continue
		}
		// Filler row.
		batch.IDs[row] = make([]int32, b.encoder.MaxLen())
		if usesMask {
			batch.Mask[row] = make([]int32, b.encoder.MaxLen())
		}
	}
	return batch
}

// Shuffle returns a new split with the examples of split in a random order drawn from rng.
//
// Each example keeps its label: the permutation moves (tokens, label) pairs together.
// The given split is not modified.
func Shuffle(split data.Split, rng *rand.Rand) data.Split {
	perm := generics.Permutation(rng, split.Len())
	shuffled := data.Split{Name: split.Name, Examples: make([]data.Example, split.Len())}
	for ii, from := range perm {
		shuffled.Examples[ii] = split.Examples[from]
	}
	return shuffled
}
