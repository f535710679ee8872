// Package crop - Derives the crop rectangle and output canvas for a detected subject.
package crop

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-dataprep/images"
	"github.com/nvr-ai/go-dataprep/models/postprocess"
)

// OutputSize is the side of the square output canvas.
type OutputSize int

const (
	// Size512 is a 512x512 output canvas.
	Size512 OutputSize = 512
	// Size640 is a 640x640 output canvas.
	Size640 OutputSize = 640
	// Size768 is a 768x768 output canvas.
	Size768 OutputSize = 768
)

// Sizes lists the supported output sizes.
var Sizes = []OutputSize{Size512, Size640, Size768}

// Valid reports whether s is one of Sizes.
func (s OutputSize) Valid() bool {
	switch s {
	case Size512, Size640, Size768:
		return true
	}
	return false
}

// ParseOutputSize validates a configured canvas side.
func ParseOutputSize(n int) (OutputSize, error) {
	s := OutputSize(n)
	if !s.Valid() {
		return 0, errors.Errorf("unsupported output size %d, want one of %v", n, Sizes)
	}
	return s, nil
}

const (
	// DefaultExpansion is the fraction of the box size added around it.
	DefaultExpansion = 0.2
	// MaxExpansion is the largest accepted expansion fraction.
	MaxExpansion = 2.0
)

// Spec is a source rectangle and the canvas it is resampled onto.
type Spec struct {
	// Left and Top are inclusive, Right and Bottom exclusive.
	Left, Top, Right, Bottom int
	// TargetWidth and TargetHeight are the output canvas size.
	TargetWidth, TargetHeight int
}

// Rect returns the source rectangle.
func (s Spec) Rect() images.Rect {
	return images.Rect{X1: s.Left, Y1: s.Top, X2: s.Right, Y2: s.Bottom}
}

func (s Spec) String() string {
	return fmt.Sprintf("%v -> %dx%d", s.Rect(), s.TargetWidth, s.TargetHeight)
}

// Planner expands detected regions into crop specs.
//
// Settings are mutable but must not change while a batch is using the planner.
type Planner struct {
	expansion float64
	size      OutputSize
}

// NewPlanner returns a planner for the given expansion and canvas size.
//
// Arguments:
//   - expansion: Fraction of the box size added around it, clamped to [0, MaxExpansion].
//   - size: The output canvas side.
//
// Returns:
//   - The planner.
//   - error: An error if size is not supported.
func NewPlanner(expansion float64, size OutputSize) (*Planner, error) {
	p := &Planner{}
	p.SetExpansion(expansion)
	if err := p.SetSize(size); err != nil {
		return nil, err
	}
	return p, nil
}

// Expansion returns the expansion fraction.
func (p *Planner) Expansion() float64 {
	return p.expansion
}

// SetExpansion stores the expansion fraction clamped to [0, MaxExpansion].
func (p *Planner) SetExpansion(expansion float64) {
	if math.IsNaN(expansion) {
		expansion = DefaultExpansion
	}
	p.expansion = images.Clamp(expansion, 0, MaxExpansion)
}

// Size returns the output canvas side.
func (p *Planner) Size() OutputSize {
	return p.size
}

// SetSize stores the output canvas side.
func (p *Planner) SetSize(size OutputSize) error {
	if !size.Valid() {
		return errors.Errorf("unsupported output size %d, want one of %v", size, Sizes)
	}
	p.size = size
	return nil
}

// Plan expands the region's box by the expansion fraction, split evenly on
// both sides of each axis, and fits the result into the image.
//
// An expanded rectangle that fits the image but crosses an edge is moved
// back inside, keeping its size. A rectangle larger than the image on an
// axis is cut to the image on that axis.
//
// Arguments:
//   - region: The subject, in image pixels.
//   - width: The image width.
//   - height: The image height.
//
// Returns:
//   - Spec: A source rectangle within [0, width) x [0, height) and the square canvas.
//   - error: ErrInvalidDimensions for an empty image, or an error for a non-finite box.
func (p *Planner) Plan(region postprocess.Region, width, height int) (Spec, error) {
	if width <= 0 || height <= 0 {
		return Spec{}, errors.Wrapf(images.ErrInvalidDimensions, "image %dx%d", width, height)
	}
	b := region.Box
	for _, v := range []float32{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return Spec{}, errors.Errorf("non-finite box %v", b)
		}
	}

	left, right := expandAxis(float64(b.X1), float64(b.X2), p.expansion, width)
	top, bottom := expandAxis(float64(b.Y1), float64(b.Y2), p.expansion, height)

	return Spec{
		Left:         left,
		Top:          top,
		Right:        right,
		Bottom:       bottom,
		TargetWidth:  int(p.size),
		TargetHeight: int(p.size),
	}, nil
}

// expandAxis grows [lo, hi] by fraction around its center and fits it into
// [0, dim). The returned end is exclusive and the span is at least one pixel.
func expandAxis(lo, hi, fraction float64, dim int) (int, int) {
	if hi < lo {
		lo, hi = hi, lo
	}
	lo = images.Clamp(lo, 0, float64(dim))
	hi = images.Clamp(hi, 0, float64(dim))
	center := (lo + hi) / 2
	half := (hi - lo) * (1 + fraction) / 2

	start := int(math.Floor(center - half))
	end := int(math.Ceil(center + half))
	if end <= start {
		end = start + 1
	}

	if end-start >= dim {
		return 0, dim
	}
	if start < 0 {
		end -= start
		start = 0
	}
	if end > dim {
		start -= end - dim
		end = dim
	}
	return start, end
}

// CenterCrop returns the largest centered square of the image, mapped onto
// the given canvas. It is the crop used when nothing was detected.
//
// Arguments:
//   - width: The image width.
//   - height: The image height.
//   - size: The output canvas side.
//
// Returns:
//   - Spec: The centered square.
//   - error: ErrInvalidDimensions for an empty image.
func CenterCrop(width, height int, size OutputSize) (Spec, error) {
	if width <= 0 || height <= 0 {
		return Spec{}, errors.Wrapf(images.ErrInvalidDimensions, "image %dx%d", width, height)
	}
	side := min(width, height)
	left := (width - side) / 2
	top := (height - side) / 2
	return Spec{
		Left:         left,
		Top:          top,
		Right:        left + side,
		Bottom:       top + side,
		TargetWidth:  int(size),
		TargetHeight: int(size),
	}, nil
}
