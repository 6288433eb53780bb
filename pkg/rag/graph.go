package rag

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	apperrors "github.com/matzehuels/ray/pkg/errors"
	"github.com/matzehuels/ray/pkg/volume"
)

var (
	// ErrNotAdjacent is returned by [Graph.Merge] when the two regions share
	// no edge. This includes merging a region with itself and merging a
	// region that no longer exists.
	ErrNotAdjacent = errors.New("regions are not adjacent")

	// ErrUnknownNode is returned alongside [ErrNotAdjacent] when a merge
	// names a label that is not a live region.
	ErrUnknownNode = errors.New("unknown region")

	// ErrInvalidProbability is returned by [Build] when the probability
	// volume contains NaN, infinite or negative values.
	ErrInvalidProbability = errors.New("probabilities must be finite and non-negative")
)

// Node is a snapshot of a live region.
type Node struct {
	Label uint64  // Region label; the lowest original label merged into it
	Size  int64   // Number of voxels
	Sum   float64 // Sum of voxel probabilities
}

// Mean returns the mean voxel probability of the region.
func (n Node) Mean() float64 {
	if n.Size == 0 {
		return 0
	}
	return n.Sum / float64(n.Size)
}

// Edge is a snapshot of an adjacency between two live regions, with A < B.
type Edge struct {
	A, B   uint64
	Weight float64
}

// edge holds the pooled boundary statistics of one adjacency. The same
// pointer is registered under both endpoints.
type edge struct {
	sum   float64
	count int64
	stamp uint64 // bumped whenever sum or count or an endpoint changes
}

func (e *edge) weight() float64 {
	if e.count == 0 {
		return 0
	}
	return e.sum / float64(e.count)
}

// Graph is a region adjacency graph with a lazy merge queue.
//
// The zero value is not usable; construct graphs with [Build].
type Graph struct {
	ws     *volume.Labels
	nodes  map[uint64]*Node
	adj    map[uint64]map[uint64]*edge
	merged map[uint64]uint64 // retired label -> label it was merged into
	queue  mergeQueue
	nedges int
	clock  uint64
}

// Build constructs the region adjacency graph of ws weighted by probs and
// fills the merge queue.
//
// Both volumes must have the same shape; otherwise the error wraps
// [volume.ErrShapeMismatch] and carries [apperrors.ErrCodeShapeMismatch].
// The graph keeps a reference to ws and never modifies it.
func Build(ws *volume.Labels, probs *volume.Probabilities) (*Graph, error) {
	if err := ws.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, err, "oversegmentation")
	}
	if err := probs.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, err, "probabilities")
	}
	if err := volume.CheckShapes(ws.Shape, probs.Shape); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeShapeMismatch, err, "build region graph")
	}
	for i, p := range probs.Data {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			z, y, x := probs.Shape.Coord(i)
			return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, ErrInvalidProbability,
				"voxel (%d,%d,%d) has probability %v", z, y, x, p)
		}
	}

	g := &Graph{
		ws:     ws,
		nodes:  make(map[uint64]*Node),
		adj:    make(map[uint64]map[uint64]*edge),
		merged: make(map[uint64]uint64),
	}

	shape := ws.Shape
	var dam [6]uint64
	for i, l := range ws.Data {
		p := probs.Data[i]
		if l != 0 {
			n := g.nodes[l]
			if n == nil {
				n = &Node{Label: l}
				g.nodes[l] = n
				if g.adj[l] == nil {
					g.adj[l] = make(map[uint64]*edge)
				}
			}
			n.Size++
			n.Sum += p
			shape.ForwardNeighbors(i, func(j int) {
				if m := ws.Data[j]; m != 0 && m != l {
					g.addSample(l, m, (p+probs.Data[j])/2)
				}
			})
			continue
		}

		// Label-0 voxel: a dam between every pair of regions it touches.
		k := 0
		shape.Neighbors(i, func(j int) {
			m := ws.Data[j]
			if m == 0 || slices.Contains(dam[:k], m) {
				return
			}
			dam[k] = m
			k++
		})
		for a := 0; a < k; a++ {
			for b := a + 1; b < k; b++ {
				g.addSample(dam[a], dam[b], p)
			}
		}
	}

	g.RebuildMergeQueue()
	return g, nil
}

// addSample records one boundary sample between regions a and b, creating
// the edge (and, for dam samples, the nodes' adjacency maps) as needed.
func (g *Graph) addSample(a, b uint64, v float64) {
	if g.adj[a] == nil {
		g.adj[a] = make(map[uint64]*edge)
	}
	if g.adj[b] == nil {
		g.adj[b] = make(map[uint64]*edge)
	}
	e := g.adj[a][b]
	if e == nil {
		e = &edge{}
		g.adj[a][b] = e
		g.adj[b][a] = e
		g.nedges++
	}
	e.sum += v
	e.count++
}

// tick returns a fresh stamp.
func (g *Graph) tick() uint64 {
	g.clock++
	return g.clock
}

// NumberOfNodes returns the number of live regions.
func (g *Graph) NumberOfNodes() int { return len(g.nodes) }

// NumberOfEdges returns the number of adjacencies between live regions.
func (g *Graph) NumberOfEdges() int { return g.nedges }

// Shape returns the shape of the underlying oversegmentation.
func (g *Graph) Shape() volume.Shape { return g.ws.Shape }

// Node returns a snapshot of the live region with the given label.
func (g *Graph) Node(label uint64) (Node, bool) {
	n, ok := g.nodes[label]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns the labels of all live regions in ascending order.
func (g *Graph) Nodes() []uint64 {
	return slices.Sorted(maps.Keys(g.nodes))
}

// Edges returns every live edge sorted by (A, B).
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, g.nedges)
	for a, nbrs := range g.adj {
		for b, e := range nbrs {
			if a < b {
				out = append(out, Edge{A: a, B: b, Weight: e.weight()})
			}
		}
	}
	slices.SortFunc(out, func(x, y Edge) int {
		if x.A != y.A {
			return cmpUint(x.A, y.A)
		}
		return cmpUint(x.B, y.B)
	})
	return out
}

// Neighbors returns the edges incident to label, sorted by ascending
// weight with ties broken by neighbor label. Each returned edge has the
// neighbor in B and label in A regardless of numeric order.
func (g *Graph) Neighbors(label uint64) []Edge {
	nbrs := g.adj[label]
	out := make([]Edge, 0, len(nbrs))
	for m, e := range nbrs {
		out = append(out, Edge{A: label, B: m, Weight: e.weight()})
	}
	slices.SortFunc(out, func(x, y Edge) int {
		if x.Weight != y.Weight {
			if x.Weight < y.Weight {
				return -1
			}
			return 1
		}
		return cmpUint(x.B, y.B)
	})
	return out
}

// Weight returns the current weight of the edge between a and b.
func (g *Graph) Weight(a, b uint64) (float64, bool) {
	e, ok := g.adj[a][b]
	if !ok {
		return 0, false
	}
	return e.weight(), true
}

// Degree returns the number of live neighbors of label.
func (g *Graph) Degree(label uint64) int { return len(g.adj[label]) }

// Merge folds regions a and b into one and returns the surviving label,
// which is always the smaller of the two.
//
// The edges of the retired region are re-homed onto the survivor; where
// both regions bordered the same neighbor, the boundary statistics are
// pooled and the weight recomputed. A fresh queue entry is pushed for every
// edge of the survivor that changed.
//
// Merge returns an error wrapping [ErrNotAdjacent] (and [ErrUnknownNode]
// when a label is not live) if the regions share no edge.
func (g *Graph) Merge(a, b uint64) (uint64, error) {
	if a == b {
		return 0, notAdjacent(fmt.Errorf("%w: region %d with itself", ErrNotAdjacent, a))
	}
	for _, l := range [2]uint64{a, b} {
		if _, ok := g.nodes[l]; !ok {
			return 0, notAdjacent(fmt.Errorf("%w: %w %d", ErrNotAdjacent, ErrUnknownNode, l))
		}
	}
	if _, ok := g.adj[a][b]; !ok {
		return 0, notAdjacent(fmt.Errorf("%w: regions %d and %d", ErrNotAdjacent, a, b))
	}

	keep, drop := min(a, b), max(a, b)

	delete(g.adj[keep], drop)
	g.nedges--

	for c, e := range g.adj[drop] {
		if c == keep {
			continue
		}
		delete(g.adj[c], drop)
		if into, ok := g.adj[keep][c]; ok {
			into.sum += e.sum
			into.count += e.count
			into.stamp = g.tick()
			g.nedges--
			g.push(keep, c, into)
			continue
		}
		e.stamp = g.tick()
		g.adj[keep][c] = e
		g.adj[c][keep] = e
		g.push(keep, c, e)
	}
	delete(g.adj, drop)

	k, d := g.nodes[keep], g.nodes[drop]
	k.Size += d.Size
	k.Sum += d.Sum
	delete(g.nodes, drop)
	g.merged[drop] = keep

	return keep, nil
}

func notAdjacent(err error) error {
	return apperrors.Wrap(apperrors.ErrCodeNotAdjacent, err, "merge")
}

// Representative returns the live label that an original oversegmentation
// label currently belongs to. Label 0 maps to 0.
func (g *Graph) Representative(label uint64) uint64 {
	for {
		next, ok := g.merged[label]
		if !ok {
			return label
		}
		label = next
	}
}

// Copy returns a deep copy of the graph. Nodes, edges, merge history and
// queue are duplicated; only the read-only oversegmentation is shared. The
// copy's queue holds one entry per live edge, which orders merges exactly
// as the source queue would.
func (g *Graph) Copy() *Graph {
	c := &Graph{
		ws:     g.ws,
		nodes:  make(map[uint64]*Node, len(g.nodes)),
		adj:    make(map[uint64]map[uint64]*edge, len(g.adj)),
		merged: maps.Clone(g.merged),
		nedges: g.nedges,
		clock:  g.clock,
	}
	for l, n := range g.nodes {
		nn := *n
		c.nodes[l] = &nn
	}
	clones := make(map[*edge]*edge, g.nedges)
	for a, nbrs := range g.adj {
		m := make(map[uint64]*edge, len(nbrs))
		for b, e := range nbrs {
			ce, ok := clones[e]
			if !ok {
				cp := *e
				ce = &cp
				clones[e] = ce
			}
			m[b] = ce
		}
		c.adj[a] = m
	}
	c.RebuildMergeQueue()
	return c
}

// BuildVolume relabels the oversegmentation with each voxel's current
// representative. Background voxels stay 0. The result has the same shape
// as the oversegmentation and shares no storage with it.
func (g *Graph) BuildVolume() *volume.Labels {
	out := volume.NewLabels(g.ws.Shape)
	memo := make(map[uint64]uint64, len(g.nodes))
	for i, l := range g.ws.Data {
		if l == 0 {
			continue
		}
		r, ok := memo[l]
		if !ok {
			r = g.Representative(l)
			memo[l] = r
		}
		out.Data[i] = r
	}
	return out
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
