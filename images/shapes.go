// Package images - Image processing utilities
package images

import "fmt"

// Rect is a lightweight integer rectangle.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 int
}

// Dx returns the width of the rectangle.
func (r Rect) Dx() int {
	return r.X2 - r.X1
}

// Dy returns the height of the rectangle.
func (r Rect) Dy() int {
	return r.Y2 - r.Y1
}

// Empty reports whether the rectangle contains no pixels.
func (r Rect) Empty() bool {
	return r.X1 >= r.X2 || r.Y1 >= r.Y2
}

// In reports whether the rectangle lies within [0, width) x [0, height).
func (r Rect) In(width, height int) bool {
	return r.X1 >= 0 && r.Y1 >= 0 && r.X2 <= width && r.Y2 <= height
}

// Intersect returns the overlap of r and o. The result is Empty when they do
// not overlap.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		X1: max(r.X1, o.X1),
		Y1: max(r.Y1, o.Y1),
		X2: min(r.X2, o.X2),
		Y2: min(r.Y2, o.Y2),
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.X1, r.Y1, r.X2, r.Y2)
}
