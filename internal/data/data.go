// Package data holds the labeled sentences the classifier learns from: Example, Split, the
// Vocabulary, and the loading of the train/validation/test splits from disk.
package data

import (
	"bufio"
	"context"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"io"
	"k8s.io/klog/v2"
	"os"
	"strconv"
	"strings"
	"unicode"
)

// Example is one tokenized sentence and its gold label (a class index).
// Examples are never modified after loading.
type Example struct {
	Tokens []string
	Label  int
}

// Split is a named, ordered collection of examples: "train", "validation" or "test".
type Split struct {
	Name     string
	Examples []Example
}

// NewSplit pairs inputs[i] with labels[i]. The lengths must match.
func NewSplit(name string, inputs [][]string, labels []int) (Split, error) {
	if len(inputs) != len(labels) {
		return Split{Name: name}, errors.Errorf("split %s has %d inputs but %d labels", name, len(inputs), len(labels))
	}
	split := Split{Name: name, Examples: make([]Example, len(inputs))}
	for ii := range inputs {
		split.Examples[ii] = Example{Tokens: inputs[ii], Label: labels[ii]}
	}
	return split, nil
}

// Len returns the number of examples in the split.
func (s Split) Len() int { return len(s.Examples) }

// Labels returns the gold labels, in the split order.
func (s Split) Labels() []int {
	labels := make([]int, len(s.Examples))
	for ii, example := range s.Examples {
		labels[ii] = example.Label
	}
	return labels
}

// Tokenize lower-cases text and splits it on white space, with punctuation marks becoming
// tokens of their own: "Great movie!" -> ["great", "movie", "!"].
// Apostrophes are kept inside words ("don't").
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case r == '\'' || unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
			tokens = append(tokens, string(r))
		}
	}
	flush()
	return tokens
}

// ReadSplit parses a split in the TSV format "<label>\t<sentence>", one example per line.
// Empty lines and lines starting with "#" are skipped, as is a first line header whose label
// column is not a number.
func ReadSplit(name string, r io.Reader, numClasses int) (Split, error) {
	split := Split{Name: name}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		labelStr, text, found := strings.Cut(line, "\t")
		if !found {
			return split, errors.Errorf("%s:%d: expected \"<label>\\t<sentence>\", got %q", name, lineNum, line)
		}
		label, err := strconv.Atoi(strings.TrimSpace(labelStr))
		if err != nil {
			if lineNum == 1 {
				// Header.
				continue
			}
			return split, errors.Wrapf(err, "%s:%d: invalid label %q", name, lineNum, labelStr)
		}
		if label < 0 || label >= numClasses {
			return split, errors.Errorf("%s:%d: label %d out of range [0, %d)", name, lineNum, label, numClasses)
		}
		split.Examples = append(split.Examples, Example{Tokens: Tokenize(text), Label: label})
	}
	if err := scanner.Err(); err != nil {
		return split, errors.Wrapf(err, "while reading split %s", name)
	}
	return split, nil
}

// LoadSplit reads the split from the file in path. See ReadSplit for the format.
func LoadSplit(name, path string, numClasses int) (Split, error) {
	f, err := os.Open(path)
	if err != nil {
		return Split{Name: name}, errors.Wrapf(err, "failed to open %s split", name)
	}
	defer func() { _ = f.Close() }()
	split, err := ReadSplit(path, f, numClasses)
	split.Name = name
	return split, err
}

// Paths to the files of each split. Empty paths are loaded as empty splits.
type Paths struct {
	Train, Validation, Test string
}

// Module holds the splits of the dataset and its vocabulary.
type Module struct {
	Train, Validation, Test Split
	Vocab                   *Vocabulary
}

// Load the three splits concurrently.
//
// If vocab is nil, a new vocabulary is built from the training split.
func Load(ctx context.Context, paths Paths, numClasses int, vocab *Vocabulary) (*Module, error) {
	m := &Module{
		Train:      Split{Name: "train"},
		Validation: Split{Name: "validation"},
		Test:       Split{Name: "test"},
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, target := range []struct {
		path  string
		split *Split
	}{
		{paths.Train, &m.Train},
		{paths.Validation, &m.Validation},
		{paths.Test, &m.Test},
	} {
		if target.path == "" {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			split, err := LoadSplit(target.split.Name, target.path, numClasses)
			if err != nil {
				return err
			}
			*target.split = split
			klog.Infof("Loaded %s split from %s: %d examples", split.Name, target.path, split.Len())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m.Vocab = vocab
	if m.Vocab == nil {
		m.Vocab = BuildVocabulary(1, m.Train)
		klog.Infof("Built vocabulary from %s split: %d tokens", m.Train.Name, m.Vocab.Len())
	}
	return m, nil
}
