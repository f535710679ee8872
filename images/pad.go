package images

import "github.com/pkg/errors"

// EdgeMode defines how sampling behaves outside the buffer bounds.
type EdgeMode string

const (
	// EdgeClamp repeats edge pixels. The empty mode behaves the same.
	EdgeClamp EdgeMode = "clamp"
	// EdgeMirror reflects coordinates without duplicating the edge.
	EdgeMirror EdgeMode = "mirror"
	// EdgeWrap tiles the buffer.
	EdgeWrap EdgeMode = "wrap"
)

// Valid reports whether m is a known mode.
func (m EdgeMode) Valid() bool {
	switch m {
	case EdgeClamp, EdgeMirror, EdgeWrap:
		return true
	}
	return false
}

// mapCoord maps an index i to [0, n) according to edge mode.
func mapCoord(i, n int, mode EdgeMode) int {
	switch mode {
	case EdgeMirror:
		if n == 1 {
			return 0
		}
		for i < 0 || i >= n {
			if i < 0 {
				i = -i - 1
			} else {
				i = 2*n - i - 1
			}
		}
		return i
	case EdgeWrap:
		i %= n
		if i < 0 {
			i += n
		}
		return i
	default:
		if i < 0 {
			return 0
		}
		if i >= n {
			return n - 1
		}
		return i
	}
}

// PadTo extends b to at least width x height pixels, anchored at the top-left
// corner. New pixels are sampled from b according to mode. A buffer that is
// already large enough on both axes is returned as a copy.
//
// Arguments:
//   - b: The source buffer.
//   - width: The minimum output width.
//   - height: The minimum output height.
//   - mode: How pixels beyond the right and bottom edges are filled.
//
// Returns:
//   - PixelBuffer: A new buffer of max(b.Width, width) x max(b.Height, height) pixels.
//   - error: ErrInvalidDimensions if b is malformed.
func PadTo(b PixelBuffer, width, height int, mode EdgeMode) (PixelBuffer, error) {
	if err := b.Validate(); err != nil {
		return PixelBuffer{}, errors.Wrap(err, "pad source")
	}
	out, err := NewPixelBuffer(max(b.Width, width), max(b.Height, height), b.Channels)
	if err != nil {
		return PixelBuffer{}, err
	}
	for y := 0; y < out.Height; y++ {
		sy := mapCoord(y, b.Height, mode)
		for x := 0; x < out.Width; x++ {
			copy(out.Pixel(x, y), b.Pixel(mapCoord(x, b.Width, mode), sy))
		}
	}
	return out, nil
}
