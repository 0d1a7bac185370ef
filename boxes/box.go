// Package boxes - Bounding box geometry for suppression.
package boxes

import (
	"github.com/chewxy/math32"
)

// Box is an axis-aligned bounding box in (x1, y1, x2, y2) corner form.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Convention selects how box extents are measured.
type Convention struct {
	// Normalized boxes live in [0, 1] and are measured with plain extents.
	Normalized bool
	// Caffe treats pixel coordinates as inclusive bounds, so a box spanning
	// x1..x2 is x2-x1+1 pixels wide. Ignored for normalized boxes.
	Caffe bool
}

// offset is the amount added to each extent before computing areas.
func (c Convention) offset() float32 {
	if !c.Normalized && c.Caffe {
		return 1
	}
	return 0
}

// FromSlice reads a box from the first four values of v.
func FromSlice(v []float32) Box {
	return Box{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
}

// CenterSize converts a (cx, cy, w, h) box to corner form.
func CenterSize(cx, cy, w, h float32) Box {
	return Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

// Width returns the raw horizontal extent.
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Height returns the raw vertical extent.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Inverted reports whether either pair of coordinates is flipped.
func (b Box) Inverted() bool {
	return b.X2 < b.X1 || b.Y2 < b.Y1
}

// Area returns the area of b under the convention. Inverted boxes and boxes
// with a NaN coordinate have zero area.
func (b Box) Area(c Convention) float32 {
	if b.Inverted() || b.hasNaN() {
		return 0
	}
	off := c.offset()
	return (b.Width() + off) * (b.Height() + off)
}

func (b Box) hasNaN() bool {
	return math32.IsNaN(b.X1) || math32.IsNaN(b.Y1) || math32.IsNaN(b.X2) || math32.IsNaN(b.Y2)
}

// Bounds returns b with each coordinate pair ordered min then max. Used for
// spatial indexing, where flipped extents would otherwise be unsearchable.
func (b Box) Bounds() Box {
	return Box{
		X1: math32.Min(b.X1, b.X2),
		Y1: math32.Min(b.Y1, b.Y2),
		X2: math32.Max(b.X1, b.X2),
		Y2: math32.Max(b.Y1, b.Y2),
	}
}

// IoU calculates the Intersection over Union of two boxes under the given
// convention.
//
// The intersection rectangle is the max of the top-left corners and the min
// of the bottom-right corners. If it is empty, or if either box has zero area
// (degenerate or inverted), the result is 0. A degenerate box therefore never
// suppresses and is never suppressed.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//   - c: The coordinate convention.
//
// Returns:
//   - float32: A value in [0, 1].
//
// Example:
//
//	a := Box{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Box{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iou := IoU(a, b, Convention{}) // 25 / 175 = 0.142857
func IoU(a, b Box, c Convention) float32 {
	areaA := a.Area(c)
	areaB := b.Area(c)
	if areaA <= 0 || areaB <= 0 {
		return 0
	}

	inter := Box{
		X1: math32.Max(a.X1, b.X1),
		Y1: math32.Max(a.Y1, b.Y1),
		X2: math32.Min(a.X2, b.X2),
		Y2: math32.Min(a.Y2, b.Y2),
	}
	interArea := inter.Area(c)
	if interArea <= 0 {
		return 0
	}

	union := areaA + areaB - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

// Limits are the clipping bounds for box and landmark coordinates.
// A zero MaxX or MaxY leaves that axis unbounded above.
type Limits struct {
	MaxX, MaxY float32
}

// NormalizedLimits clips to the unit square.
var NormalizedLimits = Limits{MaxX: 1, MaxY: 1}

// ClampX clamps x into [0, MaxX].
func (l Limits) ClampX(x float32) float32 {
	return clamp(x, l.MaxX)
}

// ClampY clamps y into [0, MaxY].
func (l Limits) ClampY(y float32) float32 {
	return clamp(y, l.MaxY)
}

func clamp(v, hi float32) float32 {
	v = math32.Max(v, 0)
	if hi > 0 {
		v = math32.Min(v, hi)
	}
	return v
}

// Clip returns b with every coordinate clamped into the limits.
func (b Box) Clip(l Limits) Box {
	return Box{
		X1: l.ClampX(b.X1),
		Y1: l.ClampY(b.Y1),
		X2: l.ClampX(b.X2),
		Y2: l.ClampY(b.Y2),
	}
}
