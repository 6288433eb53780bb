// Package agglo drives merges on a region adjacency graph.
//
// Two procedures are provided:
//
//   - [Agglomerate] performs greedy, weight-monotone agglomerative
//     clustering: it merges the lowest-weight edge until the cheapest
//     remaining edge exceeds a probability threshold.
//   - [Ladder] ignores weights and removes undersized regions by folding
//     each into its lowest-weight neighbor.
//
// Both operate on a [rag.Graph] in place. Callers that need to keep the
// input graph should pass a [rag.Graph.Copy].
package agglo

import (
	"errors"
	"fmt"
	"math"
	"slices"

	apperrors "github.com/matzehuels/ray/pkg/errors"
	"github.com/matzehuels/ray/pkg/rag"
)

// MinWeight is the smallest weight an edge can carry. Edge weights are mean
// boundary probabilities and probabilities are never negative.
const MinWeight = 0.0

var (
	// ErrInvalidThreshold is returned for thresholds that are NaN, infinite
	// or below [MinWeight].
	ErrInvalidThreshold = errors.New("invalid agglomeration threshold")

	// ErrInvalidLadderSize is returned for ladder sizes that are not positive.
	ErrInvalidLadderSize = errors.New("invalid ladder size")
)

// ValidateThreshold checks that t can be used as an agglomeration threshold.
func ValidateThreshold(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < MinWeight {
		return apperrors.Wrap(apperrors.ErrCodeConfiguration,
			fmt.Errorf("%w: %v (must be finite and >= %v)", ErrInvalidThreshold, t, MinWeight), "threshold")
	}
	return nil
}

// ValidateLadderSize checks that size can be used as a ladder floor.
func ValidateLadderSize(size int64) error {
	if size <= 0 {
		return apperrors.Wrap(apperrors.ErrCodeConfiguration,
			fmt.Errorf("%w: %d (must be positive)", ErrInvalidLadderSize, size), "ladder")
	}
	return nil
}

// Agglomerate merges regions of g in ascending edge-weight order while the
// cheapest live edge has weight <= threshold, and returns the number of
// merges performed.
//
// The first edge above the threshold is left in the queue, so a later call
// with a higher threshold continues exactly where this one stopped, and a
// repeated call with the same threshold merges nothing. Stale queue entries
// are skipped without affecting the stopping decision.
func Agglomerate(g *rag.Graph, threshold float64) (int, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return 0, err
	}

	merges := 0
	for {
		e, ok := g.Peek()
		if !ok || e.Weight > threshold {
			return merges, nil
		}
		g.Pop()
		if _, err := g.Merge(e.A, e.B); err != nil {
			return merges, apperrors.Wrap(apperrors.ErrCodeInternal, err,
				"agglomerate at %v: queued edge %d-%d", threshold, e.A, e.B)
		}
		merges++
	}
}

// Ladder merges every region smaller than minSize voxels into its
// lowest-weight neighbor and returns the number of merges performed.
//
// Undersized regions are visited smallest first (ties by label). Sizes are
// re-read before every merge, and passes repeat until a pass merges
// nothing. On return every live region has at least minSize voxels or no
// neighbors at all; an isolated undersized region is left as it is.
//
// Ladder leaves stale entries in the merge queue; call
// [rag.Graph.RebuildMergeQueue] before agglomerating the result.
func Ladder(g *rag.Graph, minSize int64) (int, error) {
	if err := ValidateLadderSize(minSize); err != nil {
		return 0, err
	}

	merges := 0
	for {
		small := undersized(g, minSize)
		progressed := false
		for _, l := range small {
			n, ok := g.Node(l)
			if !ok || n.Size >= minSize {
				continue
			}
			nbrs := g.Neighbors(l)
			if len(nbrs) == 0 {
				continue
			}
			if _, err := g.Merge(l, nbrs[0].B); err != nil {
				return merges, apperrors.Wrap(apperrors.ErrCodeInternal, err,
					"ladder: region %d into %d", l, nbrs[0].B)
			}
			merges++
			progressed = true
		}
		if !progressed {
			return merges, nil
		}
	}
}

// undersized returns the labels of live regions below minSize that have at
// least one neighbor, smallest region first.
func undersized(g *rag.Graph, minSize int64) []uint64 {
	type cand struct {
		label uint64
		size  int64
	}
	var cands []cand
	for _, l := range g.Nodes() {
		n, _ := g.Node(l)
		if n.Size < minSize && g.Degree(l) > 0 {
			cands = append(cands, cand{label: l, size: n.Size})
		}
	}
	slices.SortStableFunc(cands, func(a, b cand) int {
		switch {
		case a.size < b.size:
			return -1
		case a.size > b.size:
			return 1
		}
		return 0
	})
	out := make([]uint64, len(cands))
	for i, c := range cands {
		out[i] = c.label
	}
	return out
}
