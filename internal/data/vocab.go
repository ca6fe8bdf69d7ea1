package data

import (
	"bufio"
	"cmp"
	"github.com/pkg/errors"
	"os"
	"slices"
	"strings"
)

// Reserved tokens, always present at the start of every Vocabulary, in this order.
const (
	PadToken = "<pad>"
	UnkToken = "<unk>"
	ClsToken = "[CLS]"
	SepToken = "[SEP]"
)

// Ids of the reserved tokens.
const (
	PadID int32 = iota
	UnkID
	ClsID
	SepID
)

var reservedTokens = []string{PadToken, UnkToken, ClsToken, SepToken}

// Vocabulary maps tokens to integer ids.
type Vocabulary struct {
	tokens []string
	index  map[string]int32
}

func newVocabulary(tokens []string) *Vocabulary {
	v := &Vocabulary{
		tokens: make([]string, 0, len(tokens)+len(reservedTokens)),
		index:  make(map[string]int32, len(tokens)+len(reservedTokens)),
	}
	for _, token := range reservedTokens {
		v.add(token)
	}
	for _, token := range tokens {
		v.add(token)
	}
	return v
}

func (v *Vocabulary) add(token string) {
	if _, found := v.index[token]; found {
		return
	}
	v.index[token] = int32(len(v.tokens))
	v.tokens = append(v.tokens, token)
}

// BuildVocabulary with every token appearing at least minFreq times in the given splits.
// Tokens are ordered by decreasing frequency, ties broken alphabetically, so the result is
// deterministic.
func BuildVocabulary(minFreq int, splits ...Split) *Vocabulary {
	counts := make(map[string]int)
	for _, split := range splits {
		for _, example := range split.Examples {
			for _, token := range example.Tokens {
				counts[token]++
			}
		}
	}
	tokens := make([]string, 0, len(counts))
	for token, count := range counts {
		if count >= minFreq {
			tokens = append(tokens, token)
		}
	}
	slices.SortFunc(tokens, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return newVocabulary(tokens)
}

// Len returns the number of tokens, including the reserved ones.
func (v *Vocabulary) Len() int { return len(v.tokens) }

// TokenToIndex returns the id of token, or UnkID if token is not known.
func (v *Vocabulary) TokenToIndex(token string) int32 {
	if id, found := v.index[token]; found {
		return id
	}
	return UnkID
}

// Token returns the token for the given id.
func (v *Vocabulary) Token(id int32) string {
	if id < 0 || int(id) >= len(v.tokens) {
		return UnkToken
	}
	return v.tokens[id]
}

// Save vocabulary to path, one token per line, in id order.
func (v *Vocabulary) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create vocabulary file")
	}
	w := bufio.NewWriter(f)
	for _, token := range v.tokens {
		_, _ = w.WriteString(token)
		_ = w.WriteByte('\n')
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write vocabulary to %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close vocabulary file %q", path)
}

// LoadVocabulary saved with Vocabulary.Save.
func LoadVocabulary(path string) (*Vocabulary, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary")
	}
	lines := strings.Split(strings.TrimSuffix(string(contents), "\n"), "\n")
	if len(lines) < len(reservedTokens) || !slices.Equal(lines[:len(reservedTokens)], reservedTokens) {
		return nil, errors.Errorf("vocabulary in %q doesn't start with the reserved tokens %q", path, reservedTokens)
	}
	return newVocabulary(lines[len(reservedTokens):]), nil
}
