package batcher

import (
	"github.com/janpfeifer/sentigo/internal/data"
)

// Encoder converts the tokens of one example into a fixed-width sequence of ids, and
// optionally an attention mask.
type Encoder interface {
	// Encode tokens into exactly MaxLen ids. mask is nil if UsesMask is false.
	Encode(tokens []string) (ids, mask []int32)

	// MaxLen is the width of the encoded sequences.
	MaxLen() int

	// UsesMask reports whether Encode returns attention masks.
	UsesMask() bool
}

// VocabEncoder pads (or truncates) the tokens to a fixed length and maps them through the
// vocabulary. It is the encoding used by the CNN and LSTM backbones.
type VocabEncoder struct {
	Vocab  *data.Vocabulary
	Length int
}

var _ Encoder = (*VocabEncoder)(nil)

// Encode implements Encoder.
func (e *VocabEncoder) Encode(tokens []string) (ids, mask []int32) {
	ids = make([]int32, e.Length) // Initialized to data.PadID.
	for ii, token := range tokens[:min(len(tokens), e.Length)] {
		ids[ii] = e.Vocab.TokenToIndex(token)
	}
	return ids, nil
}

// MaxLen implements Encoder.
func (e *VocabEncoder) MaxLen() int { return e.Length }

// UsesMask implements Encoder.
func (e *VocabEncoder) UsesMask() bool { return false }

// TransformerEncoder wraps the tokens as "[CLS] tokens... [SEP]", truncating the tokens so that
// both markers fit in Length, then pads. The attention mask marks the real positions
// (markers included).
type TransformerEncoder struct {
	Vocab  *data.Vocabulary
	Length int
}

var _ Encoder = (*TransformerEncoder)(nil)

// Encode implements Encoder.
func (e *TransformerEncoder) Encode(tokens []string) (ids, mask []int32) {
	ids = make([]int32, e.Length)
	mask = make([]int32, e.Length)
	if e.Length < 2 {
		return
	}
	tokens = tokens[:min(len(tokens), e.Length-2)]
	ids[0] = data.ClsID
	for ii, token := range tokens {
		ids[ii+1] = e.Vocab.TokenToIndex(token)
	}
	ids[len(tokens)+1] = data.SepID
	for ii := range len(tokens) + 2 {
		mask[ii] = 1
	}
	return
}

// MaxLen implements Encoder.
func (e *TransformerEncoder) MaxLen() int { return e.Length }

// UsesMask implements Encoder.
func (e *TransformerEncoder) UsesMask() bool { return true }
