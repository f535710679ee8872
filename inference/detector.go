package inference

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-dataprep/images"
	"github.com/nvr-ai/go-dataprep/models/model/preprocess"
	"github.com/nvr-ai/go-dataprep/models/postprocess"
	"github.com/nvr-ai/go-dataprep/models/yolov4"
)

// Default tensor names of the YOLOv4 detector export.
const (
	DefaultDetectorInput = "input_1:0"
)

// DefaultDetectorOutputs are the YOLOv4 output heads, finest stride first.
var DefaultDetectorOutputs = []string{"Identity:0", "Identity_1:0", "Identity_2:0"}

// DetectorConfig names the detector's tensors and describes its input.
type DetectorConfig struct {
	// Input is the name of the image input.
	Input string `json:"input" yaml:"input"`
	// Outputs are the output heads in the order of the decoder's strides.
	Outputs []string `json:"outputs" yaml:"outputs"`
	// Preprocess describes the input layout. Nil selects the NHWC RGB [0, 1]
	// layout of the stock export. A zero input size takes the decoder's.
	Preprocess *preprocess.ModelConfig `json:"preprocess,omitempty" yaml:"preprocess,omitempty"`
}

// DefaultDetectorConfig returns the tensor names of the stock YOLOv4 export.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Input:   DefaultDetectorInput,
		Outputs: append([]string(nil), DefaultDetectorOutputs...),
	}
}

// DetectionModel runs a YOLOv4 detector through an Invoker.
type DetectionModel struct {
	invoker      Invoker
	decoder      *yolov4.YOLOv4
	preprocessor *preprocess.Preprocessor
	config       DetectorConfig
}

// NewDetectionModel wires a detector.
//
// Arguments:
//   - invoker: Runs the detector network.
//   - decoder: Decodes the raw heads; its input size sets the letterbox size.
//   - config: The tensor names and input layout.
//
// Returns:
//   - *DetectionModel: The detector.
//   - error: An error if the configuration does not match the decoder.
func NewDetectionModel(invoker Invoker, decoder *yolov4.YOLOv4, config DetectorConfig) (*DetectionModel, error) {
	if invoker == nil {
		return nil, errors.New("detector needs an invoker")
	}
	if decoder == nil {
		return nil, errors.New("detector needs a decoder")
	}
	if config.Input == "" {
		return nil, errors.New("detector input name is empty")
	}
	if n := len(decoder.Options().Strides); len(config.Outputs) != n {
		return nil, errors.Errorf("detector has %d output names for %d strides", len(config.Outputs), n)
	}

	size := decoder.Options().InputSize
	input := preprocess.GetYOLOv4Config(size)
	if config.Preprocess != nil {
		input = *config.Preprocess
		if input.InputWidth == 0 && input.InputHeight == 0 {
			input.InputWidth, input.InputHeight = size, size
		}
		if input.InputWidth != size || input.InputHeight != size {
			return nil, errors.Errorf("detector input %dx%d does not match the decoder input size %d",
				input.InputWidth, input.InputHeight, size)
		}
	}
	preprocessor, err := preprocess.NewPreprocessor(input)
	if err != nil {
		return nil, errors.Wrap(err, "detector input")
	}

	return &DetectionModel{
		invoker:      invoker,
		decoder:      decoder,
		preprocessor: preprocessor,
		config:       config,
	}, nil
}

// Decoder returns the bounding box decoder.
func (m *DetectionModel) Decoder() *yolov4.YOLOv4 {
	return m.decoder
}

// Detect returns the suppressed detections of img in image coordinates,
// sorted by descending confidence.
func (m *DetectionModel) Detect(ctx context.Context, img images.PixelBuffer) ([]postprocess.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := m.preprocessor.Preprocess(img)
	if err != nil {
		return nil, errors.Wrap(err, "preprocess")
	}
	t, err := NewTensor(input.Shape, input.Data)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	outputs, err := m.invoker.Invoke(ctx, Tensors{m.config.Input: t})
	if err != nil {
		return nil, errors.Wrap(err, "invoke detector")
	}

	heads := make([][]float32, len(m.config.Outputs))
	for i, name := range m.config.Outputs {
		if heads[i], err = outputs.Get(name); err != nil {
			return nil, err
		}
	}

	regions, err := m.decoder.PostProcess(heads, img.Width, img.Height)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"width":      img.Width,
		"height":     img.Height,
		"detections": len(regions),
		"elapsed":    time.Since(start),
	}).Debug("detector finished")

	return regions, nil
}
