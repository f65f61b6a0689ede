package cellflow

import (
	"fmt"
	"strings"
)

// NumSpatialDims is the number of trailing axes that are spatial (Z, Y, X).
const NumSpatialDims = 3

// Span is a half-open index range [Start, Stop) along one axis.
type Span struct {
	Start int
	Stop  int
}

// Len returns the number of indices in the span, or 0 for an empty span.
func (s Span) Len() int {
	if s.Stop <= s.Start {
		return 0
	}
	return s.Stop - s.Start
}

func (s Span) String() string {
	return fmt.Sprintf("%d:%d", s.Start, s.Stop)
}

// Region is an ordered list of spans locating a block of data inside a larger array.
// Methods never modify the receiver.
type Region []Span

// RegionFromShape returns the region covering an entire array of the given shape.
func RegionFromShape(shape []int) Region {
	r := make(Region, len(shape))
	for i, n := range shape {
		r[i] = Span{0, n}
	}
	return r
}

// NumDims returns the dimensionality of the region.
func (r Region) NumDims() int {
	return len(r)
}

// Shape returns the extent along each axis.
func (r Region) Shape() []int {
	shape := make([]int, len(r))
	for i, s := range r {
		shape[i] = s.Len()
	}
	return shape
}

// StartPoint returns the offset of the first element.
func (r Region) StartPoint() []int {
	start := make([]int, len(r))
	for i, s := range r {
		start[i] = s.Start
	}
	return start
}

// NumElements returns the number of elements covered by the region.
func (r Region) NumElements() int {
	if len(r) == 0 {
		return 0
	}
	n := 1
	for _, s := range r {
		n *= s.Len()
	}
	return n
}

// Spatial returns the trailing spatial spans of the region.
func (r Region) Spatial() Region {
	if len(r) <= NumSpatialDims {
		return r.Copy()
	}
	return r[len(r)-NumSpatialDims:].Copy()
}

// Prepend returns a new region with the given spans placed before the receiver's spans.
// It is used to add channel or axis spans in front of a spatial region.
func (r Region) Prepend(spans ...Span) Region {
	out := make(Region, 0, len(spans)+len(r))
	out = append(out, spans...)
	return append(out, r...)
}

// Copy returns a copy of the region.
func (r Region) Copy() Region {
	out := make(Region, len(r))
	copy(out, r)
	return out
}

// Clamp returns a copy of the region where the stop of each trailing spatial span
// is limited to the corresponding trailing dimension of shape.  Starts are never
// changed.  Clamping is expected at array edges and is not an error.
func (r Region) Clamp(shape []int) Region {
	out := r.Copy()
	n := NumSpatialDims
	if len(out) < n {
		n = len(out)
	}
	if len(shape) < n {
		n = len(shape)
	}
	for i := 1; i <= n; i++ {
		dim := shape[len(shape)-i]
		if out[len(out)-i].Stop > dim {
			out[len(out)-i].Stop = dim
		}
	}
	return out
}

// Within returns true if the region lies inside an array of the given shape.
func (r Region) Within(shape []int) bool {
	if len(r) != len(shape) {
		return false
	}
	for i, s := range r {
		if s.Start < 0 || s.Stop > shape[i] || s.Stop < s.Start {
			return false
		}
	}
	return true
}

// Equals returns true if both regions have identical spans.
func (r Region) Equals(r2 Region) bool {
	if len(r) != len(r2) {
		return false
	}
	for i := range r {
		if r[i] != r2[i] {
			return false
		}
	}
	return true
}

func (r Region) String() string {
	parts := make([]string, len(r))
	for i, s := range r {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// RecoverGlobalPosition maps a batch's internal region, expressed relative to the
// super-chunk it was cut from, into absolute coordinates of the full array.  Both
// regions must have the same dimensionality.  Callers clamp the result against the
// destination array with Region.Clamp.
func RecoverGlobalPosition(superChunk, internal Region) (Region, error) {
	if len(superChunk) != len(internal) {
		return nil, fmt.Errorf("super-chunk region %s has %d dims, internal region %s has %d",
			superChunk, len(superChunk), internal, len(internal))
	}
	global := make(Region, len(internal))
	for i := range internal {
		offset := superChunk[i].Start
		global[i] = Span{offset + internal[i].Start, offset + internal[i].Stop}
	}
	return global, nil
}

// ShapeString formats a shape as "(a, b, c)".
func ShapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, n := range shape {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// SameShape returns true if both shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NumElements returns the product of the shape's dimensions.
func NumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
