package images

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// dpidDistanceFloor is the squared color distance below which a source pixel
// is weighted by coverage alone.
const dpidDistanceFloor = 1e-12

// dpidKernel weights the 3x3 neighborhood of patch means around an output pixel.
var dpidKernel = [3][3]float64{
	{1, 2, 1},
	{2, 4, 2},
	{1, 2, 1},
}

// dpidGrid maps output pixels onto square source patches.
//
// The patch edge is the smaller of the two axis scale factors, so when the
// source and output aspect ratios differ the scanned window is centered on
// the source and the border on the wider axis is never read.
type dpidGrid struct {
	src        PixelBuffer
	outW, outH int
	patch      float64
	offX, offY float64
}

func newDpidGrid(src PixelBuffer, outW, outH int) dpidGrid {
	scaleX := float64(src.Width) / float64(outW)
	scaleY := float64(src.Height) / float64(outH)
	patch := math.Min(scaleX, scaleY)
	return dpidGrid{
		src:   src,
		outW:  outW,
		outH:  outH,
		patch: patch,
		offX:  (float64(src.Width) - float64(outW)*patch) / 2,
		offY:  (float64(src.Height) - float64(outH)*patch) / 2,
	}
}

// window returns the scanned source rectangle, in source pixels.
func (g dpidGrid) window() Rect {
	return Rect{
		X1: int(math.Floor(g.offX)),
		Y1: int(math.Floor(g.offY)),
		X2: int(math.Ceil(g.offX + float64(g.outW)*g.patch)),
		Y2: int(math.Ceil(g.offY + float64(g.outH)*g.patch)),
	}
}

// visit calls fn for every source pixel overlapped by the patch of output
// pixel (px, py), passing the exact fractional overlap of the patch and the
// pixel's unit square.
func (g dpidGrid) visit(px, py int, fn func(c colorful.Color, coverage float64)) {
	left := g.offX + float64(px)*g.patch
	right := left + g.patch
	top := g.offY + float64(py)*g.patch
	bottom := top + g.patch

	x0 := max(0, int(math.Floor(left)))
	x1 := min(g.src.Width, int(math.Ceil(right)))
	y0 := max(0, int(math.Floor(top)))
	y1 := min(g.src.Height, int(math.Ceil(bottom)))

	for sy := y0; sy < y1; sy++ {
		fy := math.Min(bottom, float64(sy+1)) - math.Max(top, float64(sy))
		if fy <= 0 {
			continue
		}
		for sx := x0; sx < x1; sx++ {
			fx := math.Min(right, float64(sx+1)) - math.Max(left, float64(sx))
			if fx <= 0 {
				continue
			}
			r, gr, b := g.src.RGB(sx, sy)
			fn(colorful.Color{R: float64(r), G: float64(gr), B: float64(b)}, fx*fy)
		}
	}
}

// patchMean returns the coverage-weighted mean color of the patch of (px, py).
func (g dpidGrid) patchMean(px, py int) colorful.Color {
	var acc colorful.Color
	var total float64
	g.visit(px, py, func(c colorful.Color, coverage float64) {
		acc.R += c.R * coverage
		acc.G += c.G * coverage
		acc.B += c.B * coverage
		total += coverage
	})
	if total == 0 {
		return acc
	}
	return colorful.Color{R: acc.R / total, G: acc.G / total, B: acc.B / total}
}

// DPID downsamples src to outWidth x outHeight using detail-preserving image
// downscaling: every output pixel is a weighted mean of its source patch where
// pixels that differ more from the local (3x3 smoothed) mean get more weight.
//
// lambda is the sharpness exponent applied to the color distance. 0 reduces
// the filter to an exact area average; larger values keep more edge contrast.
//
// The scanned source region is a centered window of square patches (see
// dpidGrid), so content outside that window on the wider axis is cropped.
// Output samples are quantized to 8-bit steps.
//
// Arguments:
//   - src: An RGB source buffer (extra channels are ignored).
//   - outWidth: The target width in pixels.
//   - outHeight: The target height in pixels.
//   - lambda: The sharpness exponent.
//
// Returns:
//   - PixelBuffer: A new 3-channel buffer of exactly outWidth x outHeight pixels.
//   - error: ErrInvalidDimensions for non-positive targets or a malformed source.
func DPID(src PixelBuffer, outWidth, outHeight int, lambda float64) (PixelBuffer, error) {
	if err := src.Validate(); err != nil {
		return PixelBuffer{}, err
	}
	if src.Channels < 3 {
		return PixelBuffer{}, errors.Wrapf(ErrInvalidDimensions, "dpid needs RGB input, got %d channels", src.Channels)
	}
	out, err := NewPixelBuffer(outWidth, outHeight, 3)
	if err != nil {
		return PixelBuffer{}, errors.Wrap(err, "dpid target")
	}

	g := newDpidGrid(src, outWidth, outHeight)
	workers := HalfCPU()

	// Guidance pass: the plain area mean of every output patch.
	means := make([]colorful.Color, outWidth*outHeight)
	ParallelWorkers(workers, outHeight, func(start, end int) {
		for py := start; py < end; py++ {
			for px := 0; px < outWidth; px++ {
				means[py*outWidth+px] = g.patchMean(px, py)
			}
		}
	})

	ParallelWorkers(workers, outHeight, func(start, end int) {
		for py := start; py < end; py++ {
			for px := 0; px < outWidth; px++ {
				ref := referenceMean(means, outWidth, outHeight, px, py)

				var acc colorful.Color
				var total float64
				g.visit(px, py, func(c colorful.Color, coverage float64) {
					w := coverage
					if lambda != 0 {
						d := ref.DistanceRgb(c)
						if d*d >= dpidDistanceFloor {
							w *= math.Pow(d, lambda)
						}
					}
					acc.R += c.R * w
					acc.G += c.G * w
					acc.B += c.B * w
					total += w
				})

				result := ref
				if total > 0 && !math.IsInf(total, 0) && !math.IsNaN(total) {
					result = colorful.Color{R: acc.R / total, G: acc.G / total, B: acc.B / total}
				}
				out.SetRGB(px, py, requantize(result.R), requantize(result.G), requantize(result.B))
			}
		}
	})

	return out, nil
}

// referenceMean smooths the patch means around (px, py) with dpidKernel,
// skipping neighbors outside the output grid.
func referenceMean(means []colorful.Color, w, h, px, py int) colorful.Color {
	var acc colorful.Color
	var total float64
	for dy := -1; dy <= 1; dy++ {
		y := py + dy
		if y < 0 || y >= h {
			continue
		}
		for dx := -1; dx <= 1; dx++ {
			x := px + dx
			if x < 0 || x >= w {
				continue
			}
			k := dpidKernel[dy+1][dx+1]
			m := means[y*w+x]
			acc.R += m.R * k
			acc.G += m.G * k
			acc.B += m.B * k
			total += k
		}
	}
	return colorful.Color{R: acc.R / total, G: acc.G / total, B: acc.B / total}
}

func requantize(v float64) float32 {
	return float32(uint8(Clamp(v, 0, 1)*255+0.5)) / 255
}
