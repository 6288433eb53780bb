// Package volume provides dense 3-D voxel volumes used throughout ray.
//
// Two volume kinds exist: [Probabilities], a real-valued boundary
// probability map produced by an upstream classifier, and [Labels], an
// integer labeling where 0 means "no region". Both are stored flat in
// z-major order (index = z*Y*X + y*X + x) and share a [Shape].
//
// Neighborhoods use 6-connectivity: two voxels are neighbors when they
// differ by exactly one step along exactly one axis.
package volume

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when two volumes that must be aligned
// voxel-for-voxel have different dimensions.
var ErrShapeMismatch = errors.New("volume shapes differ")

// ErrInvalidShape is returned when a shape has a non-positive dimension or
// the backing slice length does not match the shape.
var ErrInvalidShape = errors.New("invalid volume shape")

// Shape is the (Z, Y, X) extent of a volume.
type Shape [3]int

// Len returns the number of voxels described by the shape.
func (s Shape) Len() int { return s[0] * s[1] * s[2] }

// Valid reports whether every dimension is positive.
func (s Shape) Valid() bool { return s[0] > 0 && s[1] > 0 && s[2] > 0 }

// String formats the shape as "ZxYxX".
func (s Shape) String() string { return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2]) }

// Index returns the flat index of voxel (z, y, x).
func (s Shape) Index(z, y, x int) int { return (z*s[1]+y)*s[2] + x }

// Coord returns the (z, y, x) coordinate of flat index i.
func (s Shape) Coord(i int) (z, y, x int) {
	x = i % s[2]
	i /= s[2]
	y = i % s[1]
	z = i / s[1]
	return z, y, x
}

// ForwardNeighbors calls fn for each 6-connected neighbor of voxel i that
// has a larger flat index. Visiting only forward neighbors enumerates every
// adjacent voxel pair of the volume exactly once.
func (s Shape) ForwardNeighbors(i int, fn func(j int)) {
	z, y, x := s.Coord(i)
	if x+1 < s[2] {
		fn(i + 1)
	}
	if y+1 < s[1] {
		fn(i + s[2])
	}
	if z+1 < s[0] {
		fn(i + s[1]*s[2])
	}
}

// Neighbors calls fn for every 6-connected neighbor of voxel i.
func (s Shape) Neighbors(i int, fn func(j int)) {
	z, y, x := s.Coord(i)
	plane := s[1] * s[2]
	if x > 0 {
		fn(i - 1)
	}
	if x+1 < s[2] {
		fn(i + 1)
	}
	if y > 0 {
		fn(i - s[2])
	}
	if y+1 < s[1] {
		fn(i + s[2])
	}
	if z > 0 {
		fn(i - plane)
	}
	if z+1 < s[0] {
		fn(i + plane)
	}
}

// CheckShapes returns an error wrapping [ErrShapeMismatch] if a and b differ.
func CheckShapes(a, b Shape) error {
	if a != b {
		return fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, a, b)
	}
	return nil
}

// Probabilities is a real-valued boundary probability volume.
type Probabilities struct {
	Shape Shape
	Data  []float64
}

// NewProbabilities allocates a zero-filled probability volume.
func NewProbabilities(shape Shape) *Probabilities {
	return &Probabilities{Shape: shape, Data: make([]float64, shape.Len())}
}

// Validate checks that the shape is positive and matches the data length.
func (p *Probabilities) Validate() error {
	if !p.Shape.Valid() || len(p.Data) != p.Shape.Len() {
		return fmt.Errorf("%w: shape %s with %d values", ErrInvalidShape, p.Shape, len(p.Data))
	}
	return nil
}

// At returns the probability at voxel (z, y, x).
func (p *Probabilities) At(z, y, x int) float64 { return p.Data[p.Shape.Index(z, y, x)] }

// Set stores v at voxel (z, y, x).
func (p *Probabilities) Set(z, y, x int, v float64) { p.Data[p.Shape.Index(z, y, x)] = v }

// Max returns the largest probability, or 0 for an empty volume.
func (p *Probabilities) Max() float64 {
	if len(p.Data) == 0 {
		return 0
	}
	return floats.Max(p.Data)
}

// Min returns the smallest probability, or 0 for an empty volume.
func (p *Probabilities) Min() float64 {
	if len(p.Data) == 0 {
		return 0
	}
	return floats.Min(p.Data)
}

// Invert replaces every value p with max(p) - p in place.
func (p *Probabilities) Invert() {
	if len(p.Data) == 0 {
		return
	}
	m := floats.Max(p.Data)
	floats.Scale(-1, p.Data)
	floats.AddConst(m, p.Data)
}

// Clone returns an independent copy.
func (p *Probabilities) Clone() *Probabilities {
	return &Probabilities{Shape: p.Shape, Data: slices.Clone(p.Data)}
}

// Labels is an integer-labeled volume. Label 0 marks voxels that belong to
// no region.
type Labels struct {
	Shape Shape
	Data  []uint64
}

// NewLabels allocates a volume with every voxel unassigned.
func NewLabels(shape Shape) *Labels {
	return &Labels{Shape: shape, Data: make([]uint64, shape.Len())}
}

// Validate checks that the shape is positive and matches the data length.
func (l *Labels) Validate() error {
	if !l.Shape.Valid() || len(l.Data) != l.Shape.Len() {
		return fmt.Errorf("%w: shape %s with %d labels", ErrInvalidShape, l.Shape, len(l.Data))
	}
	return nil
}

// At returns the label at voxel (z, y, x).
func (l *Labels) At(z, y, x int) uint64 { return l.Data[l.Shape.Index(z, y, x)] }

// Set stores v at voxel (z, y, x).
func (l *Labels) Set(z, y, x int, v uint64) { l.Data[l.Shape.Index(z, y, x)] = v }

// Clone returns an independent copy.
func (l *Labels) Clone() *Labels {
	return &Labels{Shape: l.Shape, Data: slices.Clone(l.Data)}
}

// Distinct returns the sorted set of nonzero labels present in the volume.
func (l *Labels) Distinct() []uint64 {
	seen := make(map[uint64]struct{})
	for _, v := range l.Data {
		if v != 0 {
			seen[v] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// CountRegions returns the number of distinct nonzero labels.
func (l *Labels) CountRegions() int { return len(l.Distinct()) }

// SamePartition reports whether a and b group voxels identically, allowing
// labels to be renamed. Label 0 must map to 0 in both directions.
func SamePartition(a, b *Labels) bool {
	if a.Shape != b.Shape || len(a.Data) != len(b.Data) {
		return false
	}
	fwd := make(map[uint64]uint64)
	rev := make(map[uint64]uint64)
	for i, x := range a.Data {
		y := b.Data[i]
		if (x == 0) != (y == 0) {
			return false
		}
		if m, ok := fwd[x]; ok && m != y {
			return false
		}
		if m, ok := rev[y]; ok && m != x {
			return false
		}
		fwd[x] = y
		rev[y] = x
	}
	return true
}
