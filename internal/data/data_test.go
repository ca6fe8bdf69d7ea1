package data

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"great", "movie", "!"}, Tokenize("Great movie!"))
	assert.Equal(t, []string{"i", "don't", "like", "it", ",", "really", "."}, Tokenize("  I don't like it,really. "))
	assert.Len(t, Tokenize(" \t "), 0)
}

func TestNewSplit(t *testing.T) {
	split, err := NewSplit("val", [][]string{{"a"}, {"b", "c"}}, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, split.Labels())
	assert.Equal(t, []string{"b", "c"}, split.Examples[1].Tokens)

	_, err = NewSplit("val", [][]string{{"a"}}, []int{0, 1})
	require.Error(t, err)
}

func TestReadSplit(t *testing.T) {
	input := "label\tsentence\n1\tA fine film.\n\n# comment\n0\tBoring\n"
	split, err := ReadSplit("train", strings.NewReader(input), 2)
	require.NoError(t, err)
	require.Equal(t, 2, split.Len())
	assert.Equal(t, []int{1, 0}, split.Labels())
	assert.Equal(t, []string{"a", "fine", "film", "."}, split.Examples[0].Tokens)

	_, err = ReadSplit("train", strings.NewReader("1\tok\n3\tbad label\n"), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train:2")

	_, err = ReadSplit("train", strings.NewReader("1\tok\nno tab here\n"), 2)
	require.Error(t, err)
}

func TestVocabulary(t *testing.T) {
	split := Split{Name: "train", Examples: []Example{
		{Tokens: []string{"good", "movie"}, Label: 1},
		{Tokens: []string{"bad", "movie"}, Label: 0},
	}}
	vocab := BuildVocabulary(1, split)
	require.Equal(t, 4+3, vocab.Len())
	assert.Equal(t, PadID, vocab.TokenToIndex(PadToken))
	assert.Equal(t, UnkID, vocab.TokenToIndex("unseen"))
	// Most frequent first, then alphabetical.
	assert.Equal(t, int32(4), vocab.TokenToIndex("movie"))
	assert.Equal(t, int32(5), vocab.TokenToIndex("bad"))
	assert.Equal(t, int32(6), vocab.TokenToIndex("good"))
	assert.Equal(t, "bad", vocab.Token(5))
	assert.Equal(t, UnkToken, vocab.Token(100))

	// Frequency threshold.
	assert.Equal(t, 5, BuildVocabulary(2, split).Len())

	// Save and reload.
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, vocab.Save(path))
	loaded, err := LoadVocabulary(path)
	require.NoError(t, err)
	assert.Equal(t, vocab.tokens, loaded.tokens)
	assert.Equal(t, vocab.TokenToIndex("good"), loaded.TokenToIndex("good"))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(name, contents string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
		return path
	}
	paths := Paths{
		Train:      write("train.tsv", "1\tloved it\n0\thated it\n1\tloved the music\n"),
		Validation: write("val.tsv", "1\tloved\n"),
	}
	m, err := Load(context.Background(), paths, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Train.Len())
	assert.Equal(t, 1, m.Validation.Len())
	assert.Equal(t, 0, m.Test.Len())
	assert.Equal(t, "test", m.Test.Name)
	assert.NotEqual(t, UnkID, m.Vocab.TokenToIndex("loved"))

	paths.Test = filepath.Join(dir, "missing.tsv")
	_, err = Load(context.Background(), paths, 2, nil)
	require.Error(t, err)
}
