package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vec is the 3D vector used throughout the solver (y-up, left-handed scene frame)
type Vec = r3.Vec

// Zero is the origin
var Zero = Vec{}

// ProjectOnPlane removes the component of v along normal.
// A zero normal leaves v unchanged.
func ProjectOnPlane(v, normal Vec) Vec {
	n2 := r3.Dot(normal, normal)
	if n2 == 0 {
		return v
	}
	return r3.Sub(v, r3.Scale(r3.Dot(v, normal)/n2, normal))
}

// IsFinite reports whether every component of v is a finite number
func IsFinite(v Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// IsUnit reports whether |v| is within tol of 1
func IsUnit(v Vec, tol float64) bool {
	return math.Abs(r3.Norm(v)-1) <= tol
}

// Normalized returns v scaled to unit length, or false if v has no usable length
func Normalized(v Vec) (Vec, bool) {
	if !IsFinite(v) {
		return Zero, false
	}
	n := r3.Norm(v)
	if n < 1e-12 {
		return Zero, false
	}
	return r3.Scale(1/n, v), true
}

// Bounds is an axis-aligned bounding box
type Bounds struct {
	Min Vec
	Max Vec
}

// NewBounds returns a zero-size box located at p
func NewBounds(p Vec) Bounds {
	return Bounds{Min: p, Max: p}
}

// Encapsulate grows the box so it contains p
func (b *Bounds) Encapsulate(p Vec) {
	b.Min = Vec{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)}
	b.Max = Vec{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)}
}

// Center returns the midpoint of the box
func (b Bounds) Center() Vec {
	return r3.Scale(0.5, r3.Add(b.Min, b.Max))
}

// Size returns the extent of the box along each axis
func (b Bounds) Size() Vec {
	return r3.Sub(b.Max, b.Min)
}

// Diagonal returns the length of the box diagonal
func (b Bounds) Diagonal() float64 {
	return r3.Norm(b.Size())
}

// BoundsOf returns the bounding box of points. ok is false for an empty slice.
func BoundsOf(points []Vec) (b Bounds, ok bool) {
	if len(points) == 0 {
		return Bounds{}, false
	}
	b = NewBounds(points[0])
	for _, p := range points[1:] {
		b.Encapsulate(p)
	}
	return b, true
}
