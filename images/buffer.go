// Package images - Float pixel buffers and the pixel-level operations of the pipeline.
package images

import (
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/clone"
	"github.com/pkg/errors"
)

// ErrInvalidDimensions is the cause of every error returned for a buffer whose
// shape is not usable (non-positive sizes or a data length mismatch).
var ErrInvalidDimensions = errors.New("invalid buffer dimensions")

// PixelBuffer is a rectangular buffer of interleaved (HWC) float samples.
//
// Samples are normalized to [0, 1] by whichever stage produced the buffer.
// The invariant len(Data) == Width*Height*Channels holds for every buffer
// returned by this package.
type PixelBuffer struct {
	// Width of the buffer in pixels.
	Width int `json:"width" yaml:"width"`
	// Height of the buffer in pixels.
	Height int `json:"height" yaml:"height"`
	// Channels per pixel (3 for RGB, 1 for masks).
	Channels int `json:"channels" yaml:"channels"`
	// Data holds the samples, row-major with channels interleaved.
	Data []float32 `json:"-" yaml:"-"`
}

// NewPixelBuffer allocates a zeroed buffer.
//
// Arguments:
//   - width: The width in pixels.
//   - height: The height in pixels.
//   - channels: The number of channels per pixel.
//
// Returns:
//   - PixelBuffer: The allocated buffer.
//   - error: ErrInvalidDimensions if any dimension is not positive.
func NewPixelBuffer(width, height, channels int) (PixelBuffer, error) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return PixelBuffer{}, errors.Wrapf(ErrInvalidDimensions, "%dx%dx%d", width, height, channels)
	}
	return PixelBuffer{
		Width:    width,
		Height:   height,
		Channels: channels,
		Data:     make([]float32, width*height*channels),
	}, nil
}

// NewUniform allocates a buffer where every pixel holds the given channel values.
func NewUniform(width, height int, values ...float32) (PixelBuffer, error) {
	buf, err := NewPixelBuffer(width, height, len(values))
	if err != nil {
		return PixelBuffer{}, err
	}
	for i := 0; i < len(buf.Data); i += buf.Channels {
		copy(buf.Data[i:i+buf.Channels], values)
	}
	return buf, nil
}

// Validate checks the buffer invariant.
//
// Returns:
//   - error: ErrInvalidDimensions wrapped with the offending shape, nil otherwise.
func (b PixelBuffer) Validate() error {
	if b.Width <= 0 || b.Height <= 0 || b.Channels <= 0 {
		return errors.Wrapf(ErrInvalidDimensions, "%dx%dx%d", b.Width, b.Height, b.Channels)
	}
	if len(b.Data) != b.Width*b.Height*b.Channels {
		return errors.Wrapf(ErrInvalidDimensions, "data length %d does not match %dx%dx%d",
			len(b.Data), b.Width, b.Height, b.Channels)
	}
	return nil
}

// Offset returns the index of the first channel of pixel (x, y).
func (b PixelBuffer) Offset(x, y int) int {
	return (y*b.Width + x) * b.Channels
}

// Pixel returns the channel slice of pixel (x, y). The slice aliases Data.
func (b PixelBuffer) Pixel(x, y int) []float32 {
	i := b.Offset(x, y)
	return b.Data[i : i+b.Channels]
}

// RGB returns the first three channels of pixel (x, y).
func (b PixelBuffer) RGB(x, y int) (r, g, bl float32) {
	p := b.Pixel(x, y)
	return p[0], p[1], p[2]
}

// SetRGB writes the first three channels of pixel (x, y).
func (b PixelBuffer) SetRGB(x, y int, r, g, bl float32) {
	p := b.Pixel(x, y)
	p[0], p[1], p[2] = r, g, bl
}

// Clone returns a deep copy of the buffer.
func (b PixelBuffer) Clone() PixelBuffer {
	data := make([]float32, len(b.Data))
	copy(data, b.Data)
	b.Data = data
	return b
}

// Crop copies the rectangle r out of the buffer.
//
// Arguments:
//   - r: The source rectangle, X2/Y2 exclusive. Must lie within the buffer.
//
// Returns:
//   - PixelBuffer: A new buffer of r.Dx() x r.Dy() pixels.
//   - error: ErrInvalidDimensions if r is empty or extends outside the buffer.
func (b PixelBuffer) Crop(r Rect) (PixelBuffer, error) {
	if r.Empty() || !r.In(b.Width, b.Height) {
		return PixelBuffer{}, errors.Wrapf(ErrInvalidDimensions, "crop %v outside %dx%d", r, b.Width, b.Height)
	}
	out, err := NewPixelBuffer(r.Dx(), r.Dy(), b.Channels)
	if err != nil {
		return PixelBuffer{}, err
	}
	rowLen := r.Dx() * b.Channels
	for y := 0; y < r.Dy(); y++ {
		src := b.Offset(r.X1, r.Y1+y)
		copy(out.Data[y*rowLen:(y+1)*rowLen], b.Data[src:src+rowLen])
	}
	return out, nil
}

// Paste copies src into b with its top-left corner at (x, y). Pixels falling
// outside b are ignored. Channel counts must match.
func (b PixelBuffer) Paste(src PixelBuffer, x, y int) {
	for sy := 0; sy < src.Height; sy++ {
		dy := y + sy
		if dy < 0 || dy >= b.Height {
			continue
		}
		for sx := 0; sx < src.Width; sx++ {
			dx := x + sx
			if dx < 0 || dx >= b.Width {
				continue
			}
			copy(b.Pixel(dx, dy), src.Pixel(sx, sy))
		}
	}
}

// AnyAbove reports whether any sample is greater than threshold.
func (b PixelBuffer) AnyAbove(threshold float32) bool {
	for _, v := range b.Data {
		if v > threshold {
			return true
		}
	}
	return false
}

// ToCHW returns the samples in planar channel-first order.
func (b PixelBuffer) ToCHW() []float32 {
	plane := b.Width * b.Height
	out := make([]float32, len(b.Data))
	for i := 0; i < plane; i++ {
		for c := 0; c < b.Channels; c++ {
			out[c*plane+i] = b.Data[i*b.Channels+c]
		}
	}
	return out
}

// FromCHW builds an interleaved buffer from planar channel-first samples.
//
// Arguments:
//   - data: Planar samples of length width*height*channels.
//   - width, height, channels: The buffer shape.
//   - scale: Divisor applied to every sample (1 keeps values unchanged).
//
// Returns:
//   - PixelBuffer: The interleaved buffer.
//   - error: ErrInvalidDimensions if the shape and data length disagree.
func FromCHW(data []float32, width, height, channels int, scale float32) (PixelBuffer, error) {
	out, err := NewPixelBuffer(width, height, channels)
	if err != nil {
		return PixelBuffer{}, err
	}
	if len(data) != len(out.Data) {
		return PixelBuffer{}, errors.Wrapf(ErrInvalidDimensions, "planar length %d does not match %dx%dx%d",
			len(data), width, height, channels)
	}
	if scale == 0 {
		scale = 1
	}
	plane := width * height
	for i := 0; i < plane; i++ {
		for c := 0; c < channels; c++ {
			out.Data[i*channels+c] = data[c*plane+i] / scale
		}
	}
	return out, nil
}

// FromImage converts a decoded image into a normalized RGB buffer.
func FromImage(img image.Image) (PixelBuffer, error) {
	rgba := clone.AsRGBA(img)
	bounds := rgba.Bounds()
	out, err := NewPixelBuffer(bounds.Dx(), bounds.Dy(), 3)
	if err != nil {
		return PixelBuffer{}, err
	}
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			i := rgba.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
			out.SetRGB(x, y,
				float32(rgba.Pix[i])/255,
				float32(rgba.Pix[i+1])/255,
				float32(rgba.Pix[i+2])/255,
			)
		}
	}
	return out, nil
}

// MaskFromImage converts a decoded image into a single-channel buffer holding
// the normalized luminance of every pixel.
func MaskFromImage(img image.Image) (PixelBuffer, error) {
	rgba := clone.AsRGBA(img)
	bounds := rgba.Bounds()
	out, err := NewPixelBuffer(bounds.Dx(), bounds.Dy(), 1)
	if err != nil {
		return PixelBuffer{}, err
	}
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			g := color.GrayModel.Convert(rgba.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			out.Data[y*out.Width+x] = float32(g.Y) / 255
		}
	}
	return out, nil
}

// ToImage quantizes the buffer to an 8-bit RGBA image. Single-channel buffers
// are written as gray.
func (b PixelBuffer) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			p := b.Pixel(x, y)
			i := img.PixOffset(x, y)
			if b.Channels < 3 {
				v := Quantize(p[0])
				img.Pix[i], img.Pix[i+1], img.Pix[i+2] = v, v, v
			} else {
				img.Pix[i], img.Pix[i+1], img.Pix[i+2] = Quantize(p[0]), Quantize(p[1]), Quantize(p[2])
			}
			img.Pix[i+3] = 0xff
		}
	}
	return img
}

// Quantize clamps a normalized sample and rounds it to 8 bits.
func Quantize(v float32) uint8 {
	return uint8(Clamp(float64(v), 0, 1)*255 + 0.5)
}
