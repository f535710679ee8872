package images

import (
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// ResampleMethod selects the algorithm used to change a buffer's resolution.
type ResampleMethod string

const (
	// ResampleDPID uses detail-preserving downscaling (see DPID). Upscaling
	// falls back to ResampleLanczos.
	ResampleDPID ResampleMethod = "dpid"
	// ResampleLanczos uses Lanczos3 interpolation.
	ResampleLanczos ResampleMethod = "lanczos"
	// ResampleCatmullRom uses Catmull-Rom cubic interpolation.
	ResampleCatmullRom ResampleMethod = "catmullrom"
)

// Valid reports whether m names a supported method.
func (m ResampleMethod) Valid() bool {
	switch m {
	case ResampleDPID, ResampleLanczos, ResampleCatmullRom:
		return true
	}
	return false
}

// ResampleOptions configures Resize and Letterbox.
type ResampleOptions struct {
	// Method is the resampling algorithm.
	Method ResampleMethod `json:"method" yaml:"method"`
	// Lambda is the DPID sharpness exponent. Ignored by other methods.
	Lambda float64 `json:"lambda" yaml:"lambda"`
	// Background fills the letterbox padding. Defaults to white.
	Background color.Color `json:"-" yaml:"-"`
}

// Resize changes the resolution of src to width x height.
//
// Arguments:
//   - src: The RGB (3 channel) or mask (1 channel) source buffer.
//   - width: The target width in pixels.
//   - height: The target height in pixels.
//   - opts: The resampling method and its parameters.
//
// Returns:
//   - PixelBuffer: A new buffer of exactly width x height pixels.
//   - error: ErrInvalidDimensions for invalid shapes or an unknown method.
func Resize(src PixelBuffer, width, height int, opts ResampleOptions) (PixelBuffer, error) {
	if err := src.Validate(); err != nil {
		return PixelBuffer{}, err
	}
	if width <= 0 || height <= 0 {
		return PixelBuffer{}, errors.Wrapf(ErrInvalidDimensions, "resize target %dx%d", width, height)
	}
	if src.Channels != 1 && src.Channels != 3 {
		return PixelBuffer{}, errors.Wrapf(ErrInvalidDimensions, "resize needs 1 or 3 channels, got %d", src.Channels)
	}
	if src.Width == width && src.Height == height {
		return src.Clone(), nil
	}

	method := opts.Method
	if method == "" {
		method = ResampleLanczos
	}
	if method == ResampleDPID && (width > src.Width || height > src.Height || src.Channels != 3) {
		method = ResampleLanczos
	}

	var resized image.Image
	switch method {
	case ResampleDPID:
		return DPID(src, width, height, opts.Lambda)
	case ResampleLanczos:
		resized = resize.Resize(uint(width), uint(height), src.ToImage(), resize.Lanczos3)
	case ResampleCatmullRom:
		dst := image.NewNRGBA(image.Rect(0, 0, width, height))
		img := src.ToImage()
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		resized = dst
	default:
		return PixelBuffer{}, errors.Errorf("unsupported resample method: %q", opts.Method)
	}

	if src.Channels == 1 {
		return MaskFromImage(resized)
	}
	return FromImage(resized)
}

// Letterbox crops r out of src, scales it to fit inside width x height while
// keeping its aspect ratio, and centers it on a canvas filled with
// opts.Background.
//
// Arguments:
//   - src: The RGB source buffer.
//   - r: The source rectangle, X2/Y2 exclusive.
//   - width: The canvas width in pixels.
//   - height: The canvas height in pixels.
//   - opts: The resampling method, its parameters and the pad color.
//
// Returns:
//   - PixelBuffer: A new 3-channel buffer of exactly width x height pixels.
//   - error: ErrInvalidDimensions if r is outside src or the canvas is empty.
func Letterbox(src PixelBuffer, r Rect, width, height int, opts ResampleOptions) (PixelBuffer, error) {
	if width <= 0 || height <= 0 {
		return PixelBuffer{}, errors.Wrapf(ErrInvalidDimensions, "letterbox canvas %dx%d", width, height)
	}
	crop, err := src.Crop(r)
	if err != nil {
		return PixelBuffer{}, errors.Wrap(err, "letterbox source")
	}
	if crop.Channels != 3 {
		return PixelBuffer{}, errors.Wrapf(ErrInvalidDimensions, "letterbox needs RGB input, got %d channels", crop.Channels)
	}

	scale := math.Min(float64(width)/float64(crop.Width), float64(height)/float64(crop.Height))
	fitW := min(width, max(1, int(math.Round(float64(crop.Width)*scale))))
	fitH := min(height, max(1, int(math.Round(float64(crop.Height)*scale))))

	resized, err := Resize(crop, fitW, fitH, opts)
	if err != nil {
		return PixelBuffer{}, errors.Wrap(err, "letterbox resize")
	}
	if fitW == width && fitH == height {
		return resized, nil
	}

	bg := opts.Background
	if bg == nil {
		bg = color.White
	}
	r16, g16, b16, _ := bg.RGBA()
	canvas, err := NewUniform(width, height,
		float32(r16)/0xffff, float32(g16)/0xffff, float32(b16)/0xffff)
	if err != nil {
		return PixelBuffer{}, err
	}
	canvas.Paste(resized, (width-fitW)/2, (height-fitH)/2)
	return canvas, nil
}
