// Package watershed computes an initial oversegmentation of a probability
// volume.
//
// The rest of ray treats the watershed as a black box with the signature
// of [Func]: a probability volume goes in, a label volume with the same
// shape comes out, and label 0 is reserved for voxels that belong to no
// basin. [Compute] is the default implementation, a seeded priority flood
// over 6-connected voxels.
package watershed

import (
	"container/heap"
	"context"

	apperrors "github.com/matzehuels/ray/pkg/errors"
	"github.com/matzehuels/ray/pkg/volume"
)

// Func maps a probability volume to an oversegmentation of the same shape.
type Func func(ctx context.Context, probs *volume.Probabilities) (*volume.Labels, error)

// cancelCheckInterval is the number of flood steps between context checks.
const cancelCheckInterval = 1 << 16

// Compute floods probs from its regional minima and returns one basin per
// seed, labeled 1..n in scan order.
//
// Seeds are connected plateaus of voxels that are no higher than any of
// their neighbors. Every voxel reachable from a seed is assigned, so the
// result contains no dams. Lower voxels are flooded first; ties are
// resolved in the order voxels were reached, which makes the output
// deterministic.
func Compute(ctx context.Context, probs *volume.Probabilities) (*volume.Labels, error) {
	if err := probs.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, err, "watershed")
	}

	out := volume.NewLabels(probs.Shape)
	seed(probs, out)

	q := &floodQueue{}
	var order uint64
	enqueue := func(from int) {
		l := out.Data[from]
		probs.Shape.Neighbors(from, func(j int) {
			if out.Data[j] == 0 {
				order++
				heap.Push(q, flood{level: probs.Data[j], order: order, idx: j, label: l})
			}
		})
	}
	for i, l := range out.Data {
		if l != 0 {
			enqueue(i)
		}
	}

	steps := 0
	for q.Len() > 0 {
		steps++
		if steps%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		f := heap.Pop(q).(flood)
		if out.Data[f.idx] != 0 {
			continue
		}
		out.Data[f.idx] = f.label
		enqueue(f.idx)
	}

	return out, nil
}

// Basins returns the number of distinct basins in ws.
func Basins(ws *volume.Labels) int { return ws.CountRegions() }

// seed labels every regional-minimum plateau of probs in out. A plateau is
// a connected set of equal-valued voxels; it is a regional minimum when
// none of its voxels has a lower neighbor.
func seed(probs *volume.Probabilities, out *volume.Labels) {
	shape := probs.Shape
	visited := make([]bool, len(probs.Data))

	var next uint64
	var plateau, stack []int
	for i := range probs.Data {
		if visited[i] {
			continue
		}
		level := probs.Data[i]
		visited[i] = true
		plateau = append(plateau[:0], i)
		stack = append(stack[:0], i)
		minimum := true
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			shape.Neighbors(v, func(j int) {
				switch p := probs.Data[j]; {
				case p < level:
					minimum = false
				case p == level && !visited[j]:
					visited[j] = true
					plateau = append(plateau, j)
					stack = append(stack, j)
				}
			})
		}
		if !minimum {
			continue
		}
		next++
		for _, v := range plateau {
			out.Data[v] = next
		}
	}
}

type flood struct {
	level float64
	order uint64
	idx   int
	label uint64
}

type floodQueue []flood

func (q floodQueue) Len() int { return len(q) }

func (q floodQueue) Less(i, j int) bool {
	if q[i].level != q[j].level {
		return q[i].level < q[j].level
	}
	return q[i].order < q[j].order
}

func (q floodQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *floodQueue) Push(x any) { *q = append(*q, x.(flood)) }

func (q *floodQueue) Pop() any {
	old := *q
	n := len(old)
	f := old[n-1]
	*q = old[:n-1]
	return f
}
