package turnstile

import (
	"sort"

	"github.com/samber/lo"
	"github.com/wayfarer/turnstile/core"
)

// SortReplayer captures the permutation that sorts a slice of Ordered
// values, so that a second slice of results produced in sorted order can be
// scattered back to the original arrival order. Sorting happens over an
// index slice rather than the values themselves so that duplicate keys
// never break the recorded permutation.
type SortReplayer[T core.Ordered] struct {
	perm []int
}

// newSortReplayer sorts original by value and returns the sorted slice
// together with the replayer needed to invert the permutation later.
func newSortReplayer[T core.Ordered](original []T) ([]T, *SortReplayer[T]) {
	perm := lo.Range(len(original))
	sort.SliceStable(perm, func(i, j int) bool {
		return original[perm[i]] < original[perm[j]]
	})

	sorted := make([]T, len(original))
	for i, p := range perm {
		sorted[i] = original[p]
	}
	return sorted, &SortReplayer[T]{perm: perm}
}

// Reverse scatters sortedResults (indexed in sorted order) back into
// original arrival order. len(sortedResults) must equal the length of the
// slice the replayer was built from; the caller is responsible for
// validating that invariant before calling Reverse.
func (r *SortReplayer[T]) Reverse(sortedResults []T) []T {
	out := make([]T, len(r.perm))
	for i, p := range r.perm {
		out[p] = sortedResults[i]
	}
	return out
}
