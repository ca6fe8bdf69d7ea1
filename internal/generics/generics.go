// Package generics implements generic data structure functions missing from the stdlib.
package generics

import (
	"cmp"
	"golang.org/x/exp/constraints"
	"iter"
	"maps"
	"math/rand/v2"
	"slices"
)

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns an iterator over the sorted keys of the given map.
//
// It extracts the keys, sort them and then iterate over, so it's convenient but not fast.
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return slices.Values(sortedKeys)
}

// Mean returns the arithmetic mean of values, or 0 if values is empty.
func Mean[T constraints.Float](values []T) T {
	if len(values) == 0 {
		return 0
	}
	var sum T
	for _, v := range values {
		sum += v
	}
	return sum / T(len(values))
}

// ArgMax returns the index of the largest element of s, and the element itself.
// Ties are resolved to the lowest index. It returns -1 for an empty slice.
func ArgMax[T cmp.Ordered](s []T) (idx int, maxValue T) {
	idx = -1
	for ii, v := range s {
		if idx == -1 || v > maxValue {
			idx, maxValue = ii, v
		}
	}
	return
}

// Permutation returns a random permutation of the indices [0, n) drawn from rng.
func Permutation(rng *rand.Rand, n int) []int {
	perm := make([]int, n)
	for ii := range perm {
		perm[ii] = ii
	}
	rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	return perm
}

