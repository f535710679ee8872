package inference

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-dataprep/images"
)

// RestorerConfig names the restoration model's tensors.
type RestorerConfig struct {
	Image  string `json:"image" yaml:"image"`
	Mask   string `json:"mask" yaml:"mask"`
	Output string `json:"output" yaml:"output"`
	// OutputScale is the value of full intensity in the output, 1 or 255.
	OutputScale float32 `json:"output_scale" yaml:"output_scale"`
}

// DefaultRestorerConfig returns the tensor names of the stock inpainting
// export, which emits values in [0, 1].
func DefaultRestorerConfig() RestorerConfig {
	return RestorerConfig{
		Image:       "image",
		Mask:        "mask",
		Output:      "output",
		OutputScale: 1,
	}
}

// RestorationModel runs an inpainting network through an Invoker. It
// satisfies restoration.Restorer.
type RestorationModel struct {
	invoker Invoker
	config  RestorerConfig
}

// NewRestorationModel wires a restoration model.
func NewRestorationModel(invoker Invoker, config RestorerConfig) (*RestorationModel, error) {
	if invoker == nil {
		return nil, errors.New("restorer needs an invoker")
	}
	if config.Image == "" || config.Mask == "" || config.Output == "" {
		return nil, errors.Errorf("restorer tensor names must be set: %+v", config)
	}
	if config.OutputScale != 1 && config.OutputScale != 255 {
		return nil, errors.Errorf("output scale must be 1 or 255, got %v", config.OutputScale)
	}
	return &RestorationModel{invoker: invoker, config: config}, nil
}

// Restore sends one image/mask pair through the model.
//
// Arguments:
//   - ctx: Passed to the Invoker.
//   - image: A 3-channel buffer.
//   - mask: A 1-channel buffer of the same size.
//
// Returns:
//   - PixelBuffer: The 3-channel output, clamped to [0, 1].
//   - error: ErrInvalidDimensions for bad inputs or outputs, or the Invoker's error.
func (m *RestorationModel) Restore(ctx context.Context, image, mask images.PixelBuffer) (images.PixelBuffer, error) {
	if err := image.Validate(); err != nil {
		return images.PixelBuffer{}, err
	}
	if err := mask.Validate(); err != nil {
		return images.PixelBuffer{}, err
	}
	if image.Channels != 3 || mask.Channels != 1 || mask.Width != image.Width || mask.Height != image.Height {
		return images.PixelBuffer{}, errors.Wrapf(images.ErrInvalidDimensions,
			"restorer needs a 3-channel image and a matching mask, got %dx%dx%d and %dx%dx%d",
			image.Width, image.Height, image.Channels, mask.Width, mask.Height, mask.Channels)
	}

	w, h := image.Width, image.Height
	imageTensor, err := NewTensor([]int{1, 3, h, w}, image.ToCHW())
	if err != nil {
		return images.PixelBuffer{}, err
	}
	maskTensor, err := NewTensor([]int{1, 1, h, w}, mask.ToCHW())
	if err != nil {
		return images.PixelBuffer{}, err
	}

	outputs, err := m.invoker.Invoke(ctx, Tensors{
		m.config.Image: imageTensor,
		m.config.Mask:  maskTensor,
	})
	if err != nil {
		return images.PixelBuffer{}, errors.Wrap(err, "invoke restorer")
	}

	data, err := outputs.Get(m.config.Output)
	if err != nil {
		return images.PixelBuffer{}, err
	}
	out, err := images.FromCHW(data, w, h, 3, m.config.OutputScale)
	if err != nil {
		return images.PixelBuffer{}, errors.Wrap(err, "restorer output")
	}
	for i, v := range out.Data {
		out.Data[i] = float32(images.Clamp(float64(v), 0, 1))
	}
	return out, nil
}
