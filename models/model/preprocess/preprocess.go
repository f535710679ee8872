// Package preprocess - Turns pixel buffers into detector input tensors.
package preprocess

import (
	"image/color"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-dataprep/images"
)

// Normalization selects how 0-255 samples are mapped before inference.
type Normalization string

const (
	// NormalizeNone keeps samples on the 0-255 scale.
	NormalizeNone Normalization = "none"
	// NormalizeZeroToOne scales samples to [0, 1].
	NormalizeZeroToOne Normalization = "zero_to_one"
	// NormalizeMinusOneToOne scales samples to [-1, 1].
	NormalizeMinusOneToOne Normalization = "minus_one_to_one"
	// NormalizeStandardize subtracts Mean and divides by Std per channel.
	NormalizeStandardize Normalization = "standardize"
)

// ChannelOrder is the tensor layout.
type ChannelOrder string

const (
	// ChannelOrderCHW is planar [1, 3, H, W], the usual PyTorch export.
	ChannelOrderCHW ChannelOrder = "chw"
	// ChannelOrderHWC is interleaved [1, H, W, 3], the usual TensorFlow export.
	ChannelOrderHWC ChannelOrder = "hwc"
)

// ColorMode is the order of the color samples within a pixel.
type ColorMode string

const (
	ColorModeRGB ColorMode = "rgb"
	// ColorModeBGR swaps red and blue, for models trained on OpenCV frames.
	ColorModeBGR ColorMode = "bgr"
)

// ModelConfig describes the input a detector export expects. The image is
// always letterboxed, since the decoder undoes a letterbox.
type ModelConfig struct {
	// Name of the model, for logs.
	Name string `json:"name" yaml:"name"`
	// InputWidth and InputHeight are the model input size in pixels.
	InputWidth  int `json:"input_width"  yaml:"input_width"`
	InputHeight int `json:"input_height" yaml:"input_height"`
	// Normalization maps the 0-255 samples.
	Normalization Normalization `json:"normalization" yaml:"normalization"`
	// Mean and Std are per-channel values on the 0-255 scale, in ColorMode
	// order. Only NormalizeStandardize uses them.
	Mean []float32 `json:"mean" yaml:"mean"`
	Std  []float32 `json:"std"  yaml:"std"`
	// ChannelOrder is the tensor layout.
	ChannelOrder ChannelOrder `json:"channel_order" yaml:"channel_order"`
	// ColorMode is the sample order within a pixel.
	ColorMode ColorMode `json:"color_mode" yaml:"color_mode"`
	// Background fills the letterbox bars. Gray when nil.
	Background color.Color `json:"-" yaml:"-"`
	// Resample selects the algorithm used to fit the image into the input.
	Resample images.ResampleMethod `json:"resample" yaml:"resample"`
}

// Validate fills empty fields with the YOLOv4 defaults and rejects unknown
// modes.
func (c *ModelConfig) Validate() error {
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return errors.Wrapf(images.ErrInvalidDimensions, "model input %dx%d", c.InputWidth, c.InputHeight)
	}
	if c.Normalization == "" {
		c.Normalization = NormalizeZeroToOne
	}
	if c.ChannelOrder == "" {
		c.ChannelOrder = ChannelOrderHWC
	}
	if c.ColorMode == "" {
		c.ColorMode = ColorModeRGB
	}
	if c.Resample == "" {
		c.Resample = images.ResampleLanczos
	}
	if c.Background == nil {
		c.Background = color.RGBA{128, 128, 128, 255}
	}

	switch c.Normalization {
	case NormalizeNone, NormalizeZeroToOne, NormalizeMinusOneToOne:
	case NormalizeStandardize:
		if len(c.Mean) != 3 || len(c.Std) != 3 {
			return errors.Errorf("standardize needs 3 mean and 3 std values, got %d and %d", len(c.Mean), len(c.Std))
		}
		for _, s := range c.Std {
			if s == 0 {
				return errors.New("standardize std values must not be zero")
			}
		}
	default:
		return errors.Errorf("unknown normalization %q", c.Normalization)
	}
	switch c.ChannelOrder {
	case ChannelOrderCHW, ChannelOrderHWC:
	default:
		return errors.Errorf("unknown channel order %q", c.ChannelOrder)
	}
	switch c.ColorMode {
	case ColorModeRGB, ColorModeBGR:
	default:
		return errors.Errorf("unknown color mode %q", c.ColorMode)
	}
	if !c.Resample.Valid() {
		return errors.Errorf("unknown resample method %q", c.Resample)
	}
	return nil
}

// Input is a detector input tensor and the letterbox that produced it.
type Input struct {
	Data []float32
	// Shape is [1, 3, H, W] or [1, H, W, 3].
	Shape []int
	// Scale is the factor applied to the source image.
	Scale float64
	// PadLeft and PadTop are the letterbox bars in input pixels.
	PadLeft int
	PadTop  int
}

// Preprocessor letterboxes images into a detector's input tensor.
type Preprocessor struct {
	config ModelConfig
}

// NewPreprocessor validates config and returns a preprocessor.
//
// Arguments:
// - config: The model input description. Empty fields take the YOLOv4 defaults.
//
// Returns:
// - A configured Preprocessor.
// - error if a mode is unknown or the input size is not positive.
func NewPreprocessor(config ModelConfig) (*Preprocessor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Preprocessor{config: config}, nil
}

// Config returns the validated configuration.
func (p *Preprocessor) Config() ModelConfig {
	return p.config
}

// Preprocess builds the detector input for img.
//
// Arguments:
// - img: The RGB input buffer, normalized to [0, 1].
//
// Returns:
// - The tensor and its letterbox geometry.
// - error if the buffer is not a valid RGB image or resampling fails.
func (p *Preprocessor) Preprocess(img images.PixelBuffer) (*Input, error) {
	if err := img.Validate(); err != nil {
		return nil, errors.Wrap(err, "input validation failed")
	}
	if img.Channels != 3 {
		return nil, errors.Wrapf(images.ErrInvalidDimensions, "detector input needs 3 channels, got %d", img.Channels)
	}

	w, h := p.config.InputWidth, p.config.InputHeight
	opts := images.ResampleOptions{Method: p.config.Resample, Background: p.config.Background}
	letterboxed, err := images.Letterbox(img, images.Rect{X2: img.Width, Y2: img.Height}, w, h, opts)
	if err != nil {
		return nil, errors.Wrap(err, "resize failed")
	}

	scale := min(float64(w)/float64(img.Width), float64(h)/float64(img.Height))
	in := &Input{
		Data:    p.tensor(letterboxed),
		Scale:   scale,
		PadLeft: (w - min(w, max(1, int(float64(img.Width)*scale+0.5)))) / 2,
		PadTop:  (h - min(h, max(1, int(float64(img.Height)*scale+0.5)))) / 2,
	}
	if p.config.ChannelOrder == ChannelOrderCHW {
		in.Shape = []int{1, 3, h, w}
	} else {
		in.Shape = []int{1, h, w, 3}
	}

	log.WithFields(log.Fields{
		"model":   p.config.Name,
		"input":   []int{img.Width, img.Height},
		"scale":   scale,
		"padding": []int{in.PadLeft, in.PadTop},
		"shape":   in.Shape,
	}).Trace("preprocessed detector input")
	return in, nil
}

// tensor lays out and normalizes the quantized samples of img.
func (p *Preprocessor) tensor(img images.PixelBuffer) []float32 {
	plane := img.Width * img.Height
	out := make([]float32, plane*3)
	for i := 0; i < plane; i++ {
		px := [3]float32{
			float32(images.Quantize(img.Data[i*3])),
			float32(images.Quantize(img.Data[i*3+1])),
			float32(images.Quantize(img.Data[i*3+2])),
		}
		if p.config.ColorMode == ColorModeBGR {
			px[0], px[2] = px[2], px[0]
		}
		for c, v := range px {
			v = p.normalize(c, v)
			if p.config.ChannelOrder == ChannelOrderCHW {
				out[c*plane+i] = v
			} else {
				out[i*3+c] = v
			}
		}
	}
	return out
}

func (p *Preprocessor) normalize(channel int, v float32) float32 {
	switch p.config.Normalization {
	case NormalizeZeroToOne:
		return v / 255
	case NormalizeMinusOneToOne:
		return v/127.5 - 1
	case NormalizeStandardize:
		return (v - p.config.Mean[channel]) / p.config.Std[channel]
	default:
		return v
	}
}

// GetYOLOv4Config returns the input of the TensorFlow-exported YOLOv4
// detector: NHWC RGB scaled to [0, 1] and letterboxed on gray.
func GetYOLOv4Config(inputSize int) ModelConfig {
	return ModelConfig{
		Name:          "yolov4",
		InputWidth:    inputSize,
		InputHeight:   inputSize,
		Normalization: NormalizeZeroToOne,
		ChannelOrder:  ChannelOrderHWC,
		ColorMode:     ColorModeRGB,
		Background:    color.RGBA{128, 128, 128, 255},
		Resample:      images.ResampleLanczos,
	}
}
