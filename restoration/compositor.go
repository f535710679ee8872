// Package restoration - Runs a fixed-resolution restoration model over large
// image/mask pairs tile by tile and blends the tiles back together.
package restoration

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-dataprep/images"
)

// Restorer restores one tile. Implementations receive a 3-channel image and
// a 1-channel mask of the same size and return a 3-channel buffer of that
// size.
type Restorer interface {
	Restore(ctx context.Context, image, mask images.PixelBuffer) (images.PixelBuffer, error)
}

// Observer is notified after every tile.
type Observer interface {
	ObserveTile(inferred bool, elapsed time.Duration)
}

// Tile is one square section of the image/mask pair.
type Tile struct {
	Row, Column      int
	OriginX, OriginY int
	Image, Mask      images.PixelBuffer
}

// TileResult is the output of one tile, either restored or passed through.
type TileResult struct {
	Row, Column      int
	OriginX, OriginY int
	Output           images.PixelBuffer
	// Inferred is true when the output came from the Restorer.
	Inferred bool
}

// Compositor splits images into tiles, restores the tiles that have mask
// content and blends the results.
//
// A Compositor holds no per-call state, but the Restorer it wraps decides
// whether concurrent ProcessInTiles calls are safe.
type Compositor struct {
	restorer Restorer
	observer Observer
	padMode  images.EdgeMode
}

// Option configures a Compositor.
type Option func(*Compositor)

// WithObserver reports every processed tile to o.
func WithObserver(o Observer) Option {
	return func(c *Compositor) {
		c.observer = o
	}
}

// WithPadMode sets how images smaller than a tile are extended.
func WithPadMode(mode images.EdgeMode) Option {
	return func(c *Compositor) {
		c.padMode = mode
	}
}

// NewCompositor returns a compositor that sends masked tiles to r.
func NewCompositor(r Restorer, opts ...Option) *Compositor {
	c := &Compositor{restorer: r, padMode: images.EdgeClamp}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessInTiles restores image where mask is non-zero.
//
// Tiles whose mask holds any value above zero go to the Restorer; the others
// are copied from the input. Overlapping tile outputs are cross-faded with
// linear ramps (see Tiling) and normalized by the total weight. An image
// smaller than a tile is padded to the tile size for processing and the
// result cropped back.
//
// The context is checked before every tile. On cancellation the partial
// output is dropped and the context error is returned.
//
// Arguments:
//   - ctx: Cancels the remaining tiles.
//   - image: The 3-channel source.
//   - mask: A 1-channel mask of the same size.
//   - tileSize: The tile side expected by the Restorer.
//   - overlap: The overlap between neighboring tiles, in [0, tileSize).
//
// Returns:
//   - PixelBuffer: A new buffer of the image's size.
//   - error: ErrInvalidTiling, ErrInvalidDimensions, a Restorer error or the context error.
func (c *Compositor) ProcessInTiles(ctx context.Context, image, mask images.PixelBuffer, tileSize, overlap int) (images.PixelBuffer, error) {
	if err := checkTiling(tileSize, overlap); err != nil {
		return images.PixelBuffer{}, err
	}
	if err := image.Validate(); err != nil {
		return images.PixelBuffer{}, errors.Wrap(err, "image")
	}
	if err := mask.Validate(); err != nil {
		return images.PixelBuffer{}, errors.Wrap(err, "mask")
	}
	if mask.Width != image.Width || mask.Height != image.Height || mask.Channels != 1 {
		return images.PixelBuffer{}, errors.Wrapf(images.ErrInvalidDimensions,
			"mask %dx%dx%d does not match image %dx%d", mask.Width, mask.Height, mask.Channels, image.Width, image.Height)
	}

	paddedImage, err := images.PadTo(image, tileSize, tileSize, c.padMode)
	if err != nil {
		return images.PixelBuffer{}, err
	}
	paddedMask, err := images.PadTo(mask, tileSize, tileSize, c.padMode)
	if err != nil {
		return images.PixelBuffer{}, err
	}

	tiling, err := NewTiling(paddedImage.Width, paddedImage.Height, tileSize, overlap)
	if err != nil {
		return images.PixelBuffer{}, err
	}

	acc := newAccumulator(paddedImage.Width, paddedImage.Height, image.Channels)
	inferred := 0

	for row := 0; row < tiling.Rows(); row++ {
		for col := 0; col < tiling.Columns(); col++ {
			if err := ctx.Err(); err != nil {
				return images.PixelBuffer{}, errors.Wrapf(err, "cancelled before tile (%d,%d)", row, col)
			}

			tile, err := cutTile(tiling, paddedImage, paddedMask, row, col)
			if err != nil {
				return images.PixelBuffer{}, err
			}

			result, err := c.processTile(ctx, tile)
			if err != nil {
				return images.PixelBuffer{}, err
			}
			if result.Inferred {
				inferred++
			}

			wx, wy := tiling.weights(row, col)
			acc.add(result, wx, wy)
		}
	}

	log.WithFields(log.Fields{
		"width":    image.Width,
		"height":   image.Height,
		"tiles":    tiling.Len(),
		"inferred": inferred,
	}).Debug("restored image in tiles")

	return acc.resolve(image.Width, image.Height)
}

func cutTile(t *Tiling, image, mask images.PixelBuffer, row, col int) (Tile, error) {
	rect := t.Rect(row, col)
	img, err := image.Crop(rect)
	if err != nil {
		return Tile{}, errors.Wrapf(err, "tile (%d,%d) image", row, col)
	}
	m, err := mask.Crop(rect)
	if err != nil {
		return Tile{}, errors.Wrapf(err, "tile (%d,%d) mask", row, col)
	}
	return Tile{
		Row:     row,
		Column:  col,
		OriginX: rect.X1,
		OriginY: rect.Y1,
		Image:   img,
		Mask:    m,
	}, nil
}

// processTile restores a tile with mask content and passes the others through.
func (c *Compositor) processTile(ctx context.Context, tile Tile) (TileResult, error) {
	start := time.Now()
	result := TileResult{
		Row:     tile.Row,
		Column:  tile.Column,
		OriginX: tile.OriginX,
		OriginY: tile.OriginY,
		Output:  tile.Image,
	}

	if tile.Mask.AnyAbove(0) {
		out, err := c.restorer.Restore(ctx, tile.Image, tile.Mask)
		if err != nil {
			return TileResult{}, errors.Wrapf(err, "restore tile (%d,%d)", tile.Row, tile.Column)
		}
		if err := out.Validate(); err != nil {
			return TileResult{}, errors.Wrapf(err, "restored tile (%d,%d)", tile.Row, tile.Column)
		}
		if out.Width != tile.Image.Width || out.Height != tile.Image.Height || out.Channels != tile.Image.Channels {
			return TileResult{}, errors.Wrapf(images.ErrInvalidDimensions,
				"restored tile (%d,%d) is %dx%dx%d, want %dx%dx%d", tile.Row, tile.Column,
				out.Width, out.Height, out.Channels, tile.Image.Width, tile.Image.Height, tile.Image.Channels)
		}
		result.Output = out
		result.Inferred = true
	}

	if c.observer != nil {
		c.observer.ObserveTile(result.Inferred, time.Since(start))
	}
	return result, nil
}

// accumulator sums weighted tile outputs over the padded canvas.
type accumulator struct {
	width, height, channels int
	sum                     []float64
	weight                  []float64
}

func newAccumulator(width, height, channels int) *accumulator {
	return &accumulator{
		width:    width,
		height:   height,
		channels: channels,
		sum:      make([]float64, width*height*channels),
		weight:   make([]float64, width*height),
	}
}

func (a *accumulator) add(r TileResult, wx, wy []float64) {
	for v, fy := range wy {
		for u, fx := range wx {
			w := fx * fy
			i := (r.OriginY+v)*a.width + r.OriginX + u
			a.weight[i] += w
			p := r.Output.Pixel(u, v)
			for ch := 0; ch < a.channels; ch++ {
				a.sum[i*a.channels+ch] += w * float64(p[ch])
			}
		}
	}
}

// resolve divides by the total weight and crops to width x height.
func (a *accumulator) resolve(width, height int) (images.PixelBuffer, error) {
	out, err := images.NewPixelBuffer(width, height, a.channels)
	if err != nil {
		return images.PixelBuffer{}, err
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*a.width + x
			w := a.weight[i]
			if w <= 0 {
				return images.PixelBuffer{}, errors.Errorf("pixel (%d,%d) not covered by any tile", x, y)
			}
			dst := out.Pixel(x, y)
			for ch := range dst {
				dst[ch] = float32(a.sum[i*a.channels+ch] / w)
			}
		}
	}
	return out, nil
}
