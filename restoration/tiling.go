package restoration

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-dataprep/images"
)

const (
	// DefaultTileSize is the square input side of the restoration model.
	DefaultTileSize = 512
	// DefaultOverlap is the number of pixels shared by neighboring tiles.
	DefaultOverlap = 126
)

// ErrInvalidTiling is the cause of every error returned for an unusable
// tile size and overlap combination.
var ErrInvalidTiling = errors.New("invalid tiling")

// Tiling is the ordered set of square tiles covering a width x height image.
//
// Tile origins advance by TileSize-Overlap. The last origin on each axis is
// pulled back to dim-TileSize so the tile stays inside the image, which can
// make the final overlap larger than Overlap.
type Tiling struct {
	Width, Height     int
	TileSize, Overlap int
	xs, ys            []int
}

// NewTiling plans the tiles of a width x height image. Both dimensions must be
// at least tileSize; pad smaller images first.
//
// Arguments:
//   - width: The image width.
//   - height: The image height.
//   - tileSize: The tile side, greater than zero.
//   - overlap: The requested overlap, in [0, tileSize).
//
// Returns:
//   - The tiling.
//   - error: ErrInvalidTiling for a bad tile size or overlap, or an image smaller than a tile.
func NewTiling(width, height, tileSize, overlap int) (*Tiling, error) {
	if err := checkTiling(tileSize, overlap); err != nil {
		return nil, err
	}
	if width < tileSize || height < tileSize {
		return nil, errors.Wrapf(ErrInvalidTiling, "image %dx%d is smaller than tile %d", width, height, tileSize)
	}
	stride := tileSize - overlap
	return &Tiling{
		Width:    width,
		Height:   height,
		TileSize: tileSize,
		Overlap:  overlap,
		xs:       origins(width, tileSize, stride),
		ys:       origins(height, tileSize, stride),
	}, nil
}

func checkTiling(tileSize, overlap int) error {
	if tileSize <= 0 {
		return errors.Wrapf(ErrInvalidTiling, "tile size %d", tileSize)
	}
	if overlap < 0 || overlap >= tileSize {
		return errors.Wrapf(ErrInvalidTiling, "overlap %d must be in [0, %d)", overlap, tileSize)
	}
	return nil
}

// origins returns the strictly increasing tile origins along one axis.
func origins(dim, tile, stride int) []int {
	var out []int
	for o := 0; ; o += stride {
		if o+tile >= dim {
			return append(out, dim-tile)
		}
		out = append(out, o)
	}
}

// Rows returns the number of tile rows.
func (t *Tiling) Rows() int {
	return len(t.ys)
}

// Columns returns the number of tile columns.
func (t *Tiling) Columns() int {
	return len(t.xs)
}

// Len returns the number of tiles.
func (t *Tiling) Len() int {
	return len(t.xs) * len(t.ys)
}

// Origin returns the top-left corner of the tile at (row, column).
func (t *Tiling) Origin(row, column int) (int, int) {
	return t.xs[column], t.ys[row]
}

// Rect returns the image rectangle of the tile at (row, column).
func (t *Tiling) Rect(row, column int) images.Rect {
	x, y := t.Origin(row, column)
	return images.Rect{X1: x, Y1: y, X2: x + t.TileSize, Y2: y + t.TileSize}
}

// Rects returns every tile rectangle in row-major order.
func (t *Tiling) Rects() []images.Rect {
	out := make([]images.Rect, 0, t.Len())
	for r := range t.ys {
		for c := range t.xs {
			out = append(out, t.Rect(r, c))
		}
	}
	return out
}

// ramp returns the blend weights along one axis of the tile at index i.
//
// A sample d pixels into an overlap of width ov weighs (d+1)/(ov+1). The
// neighbor covering the same sample from the other side weighs
// (ov-d)/(ov+1), so the two always add up to one. Sides on the image border
// have no overlap and keep full weight.
func ramp(origins []int, i, tile int) []float64 {
	w := make([]float64, tile)
	for u := range w {
		w[u] = 1
	}
	if i > 0 {
		ov := origins[i-1] + tile - origins[i]
		for u := 0; u < ov; u++ {
			w[u] = float64(u+1) / float64(ov+1)
		}
	}
	if i < len(origins)-1 {
		ov := origins[i] + tile - origins[i+1]
		for d := 0; d < ov; d++ {
			u := tile - 1 - d
			w[u] = min(w[u], float64(d+1)/float64(ov+1))
		}
	}
	return w
}

// weights returns the separable blend weights of the tile at (row, column).
func (t *Tiling) weights(row, column int) (wx, wy []float64) {
	return ramp(t.xs, column, t.TileSize), ramp(t.ys, row, t.TileSize)
}

// WeightSum returns, for every pixel, the sum of the raw blend weights of the
// tiles covering it. Every value is positive, and it is exactly 1 wherever
// no more than two tiles meet on each axis.
func (t *Tiling) WeightSum() images.PixelBuffer {
	sum := make([]float64, t.Width*t.Height)
	for r := range t.ys {
		for c := range t.xs {
			t.accumulate(sum, r, c)
		}
	}
	out := images.PixelBuffer{Width: t.Width, Height: t.Height, Channels: 1, Data: make([]float32, len(sum))}
	for i, v := range sum {
		out.Data[i] = float32(v)
	}
	return out
}

// Coverage returns, for every pixel, the sum over all tiles of the tile's
// weight divided by the pixel's total weight. This is the share of the
// output each pixel receives and is 1 wherever the image is covered.
func (t *Tiling) Coverage() images.PixelBuffer {
	sum := make([]float64, t.Width*t.Height)
	for r := range t.ys {
		for c := range t.xs {
			t.accumulate(sum, r, c)
		}
	}
	share := make([]float64, len(sum))
	for r := range t.ys {
		for c := range t.xs {
			x0, y0 := t.Origin(r, c)
			wx, wy := t.weights(r, c)
			for v, fy := range wy {
				row := (y0+v)*t.Width + x0
				for u, fx := range wx {
					share[row+u] += fx * fy / sum[row+u]
				}
			}
		}
	}
	out := images.PixelBuffer{Width: t.Width, Height: t.Height, Channels: 1, Data: make([]float32, len(share))}
	for i, v := range share {
		out.Data[i] = float32(v)
	}
	return out
}

func (t *Tiling) accumulate(sum []float64, row, column int) {
	x0, y0 := t.Origin(row, column)
	wx, wy := t.weights(row, column)
	for v, fy := range wy {
		base := (y0+v)*t.Width + x0
		for u, fx := range wx {
			sum[base+u] += fx * fy
		}
	}
}
