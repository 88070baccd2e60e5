// Package geometry provides rectangle primitives for block matching.
package geometry

import (
	"math"

	"github.com/boblangley/blockrecon/internal/types"
)

// Rect is an axis-aligned rectangle in corner form with X1 <= X2, Y1 <= Y2.
type Rect struct {
	X1, Y1, X2, Y2 float64
}

// FromXYWH builds a rect from [x, y, width, height].
func FromXYWH(x, y, w, h float64) Rect {
	return Rect{X1: x, Y1: y, X2: x + w, Y2: y + h}
}

// FromCorners builds a rect from [x1, y1, x2, y2], swapping inverted corners.
func FromCorners(x1, y1, x2, y2 float64) Rect {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// FromBlock normalizes a block's bbox. It reports false when the box is
// missing, malformed, non-finite, or has no area.
func FromBlock(b types.Block) (Rect, bool) {
	if len(b.BBox) != 4 {
		return Rect{}, false
	}
	for _, v := range b.BBox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Rect{}, false
		}
	}

	var r Rect
	switch b.BBoxFormat {
	case types.BBoxCorners:
		r = FromCorners(b.BBox[0], b.BBox[1], b.BBox[2], b.BBox[3])
	default:
		if b.BBox[2] <= 0 || b.BBox[3] <= 0 {
			return Rect{}, false
		}
		r = FromXYWH(b.BBox[0], b.BBox[1], b.BBox[2], b.BBox[3])
	}
	if r.Empty() {
		return Rect{}, false
	}
	return r, true
}

// Width of the rect.
func (r Rect) Width() float64 { return r.X2 - r.X1 }

// Height of the rect.
func (r Rect) Height() float64 { return r.Y2 - r.Y1 }

// Area of the rect.
func (r Rect) Area() float64 { return r.Width() * r.Height() }

// Empty reports whether the rect has no area.
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// Center returns the center point.
func (r Rect) Center() (float64, float64) {
	return (r.X1 + r.X2) / 2, (r.Y1 + r.Y2) / 2
}

// Diagonal returns the length of the diagonal.
func (r Rect) Diagonal() float64 {
	return math.Hypot(r.Width(), r.Height())
}

// Intersect returns the overlapping rect; it is Empty when there is none.
func (r Rect) Intersect(o Rect) Rect {
	return Rect{
		X1: math.Max(r.X1, o.X1),
		Y1: math.Max(r.Y1, o.Y1),
		X2: math.Min(r.X2, o.X2),
		Y2: math.Min(r.Y2, o.Y2),
	}
}

// Contains reports whether the point lies inside the rect, edges included.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X1 && x <= r.X2 && y >= r.Y1 && y <= r.Y2
}

// Expand grows the rect by d on every side.
func (r Rect) Expand(d float64) Rect {
	return Rect{X1: r.X1 - d, Y1: r.Y1 - d, X2: r.X2 + d, Y2: r.Y2 + d}
}

// Union returns the smallest rect containing both.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		X1: math.Min(r.X1, o.X1),
		Y1: math.Min(r.Y1, o.Y1),
		X2: math.Max(r.X2, o.X2),
		Y2: math.Max(r.Y2, o.Y2),
	}
}

// IoU returns the intersection over union of two rects, in [0,1].
func IoU(a, b Rect) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := inter.Area()
	union := a.Area() + b.Area() - ia
	if union <= 0 {
		return 0
	}
	return clamp01(ia / union)
}

// CenterDistance returns the Euclidean distance between two centers.
func CenterDistance(a, b Rect) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Hypot(ax-bx, ay-by)
}

// BlockIoU is IoU over two blocks; it is 0 when either bbox is unusable.
func BlockIoU(a, b types.Block) float64 {
	ra, ok := FromBlock(a)
	if !ok {
		return 0
	}
	rb, ok := FromBlock(b)
	if !ok {
		return 0
	}
	return IoU(ra, rb)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
