// Package yolov4 - YOLOv4 model.
package yolov4

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-dataprep/models/postprocess"
)

// DefaultThreshold is the detection score a candidate must exceed to be kept.
const DefaultThreshold float32 = 0.5

// Options is the options for the YOLOv4 model.
type Options struct {
	// InputSize is the side of the square network input in pixels.
	InputSize int `json:"input_size" yaml:"input_size"`
	// NumClasses is the number of class probabilities per anchor.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// Strides is the downsampling factor of each output scale.
	Strides []int `json:"strides" yaml:"strides"`
	// XYScale is the center offset correction of each output scale.
	XYScale []float32 `json:"xy_scale" yaml:"xy_scale"`
	// Anchors holds the (width, height) pairs of each output scale, flattened.
	Anchors [][]float32 `json:"anchors" yaml:"anchors"`
	// Threshold is the minimum detection score. Clamped to [0, 1].
	Threshold float32 `json:"threshold" yaml:"threshold"`
	// IoUThreshold is the suppression overlap. Clamped to [0, 1].
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
}

// DefaultOptions returns the settings of the reference 416x416 COCO model.
func DefaultOptions() Options {
	return Options{
		InputSize:  416,
		NumClasses: 80,
		Strides:    []int{8, 16, 32},
		XYScale:    []float32{1.2, 1.1, 1.05},
		Anchors: [][]float32{
			{12, 16, 19, 36, 40, 28},
			{36, 75, 76, 55, 72, 146},
			{142, 110, 192, 243, 459, 401},
		},
		Threshold:    DefaultThreshold,
		IoUThreshold: postprocess.DefaultIoUThreshold,
	}
}

// YOLOv4 is the instance of the YOLOv4 decoder.
//
// Thresholds are mutable but must not be changed while another goroutine is
// decoding with the same instance.
type YOLOv4 struct {
	options   Options
	threshold float32
	nms       *postprocess.NMS
}

// NewModel creates a new decoder.
//
// Arguments:
//   - opts: The model geometry and thresholds.
//
// Returns:
//   - The decoder.
//   - error: An error if the geometry is inconsistent.
func NewModel(opts Options) (*YOLOv4, error) {
	if opts.InputSize <= 0 {
		return nil, errors.Errorf("NewModel requires a positive input size, got %d", opts.InputSize)
	}
	if opts.NumClasses <= 0 {
		return nil, errors.Errorf("NewModel requires at least one class, got %d", opts.NumClasses)
	}
	if len(opts.Strides) == 0 {
		return nil, errors.New("NewModel requires strides to be set")
	}
	if len(opts.XYScale) != len(opts.Strides) || len(opts.Anchors) != len(opts.Strides) {
		return nil, errors.Errorf("NewModel requires one xy scale and anchor set per stride: %d strides, %d xy scales, %d anchor sets",
			len(opts.Strides), len(opts.XYScale), len(opts.Anchors))
	}
	for i, stride := range opts.Strides {
		if stride <= 0 || opts.InputSize%stride != 0 {
			return nil, errors.Errorf("stride %d does not divide input size %d", stride, opts.InputSize)
		}
		if len(opts.Anchors[i]) == 0 || len(opts.Anchors[i])%2 != 0 {
			return nil, errors.Errorf("anchor set %d must hold width/height pairs, got %d values", i, len(opts.Anchors[i]))
		}
	}

	m := &YOLOv4{options: opts, nms: postprocess.NewNMS()}
	m.SetThreshold(opts.Threshold)
	m.nms.SetIoUThreshold(opts.IoUThreshold)
	return m, nil
}

// Options returns the options the decoder was built with.
func (m *YOLOv4) Options() Options {
	return m.options
}

// Threshold returns the detection score threshold.
func (m *YOLOv4) Threshold() float32 {
	return m.threshold
}

// SetThreshold stores the detection score threshold clamped to [0, 1].
func (m *YOLOv4) SetThreshold(threshold float32) {
	if math32.IsNaN(threshold) {
		threshold = DefaultThreshold
	}
	m.threshold = math32.Max(0, math32.Min(1, threshold))
}

// NMS returns the suppression stage used by PostProcess.
func (m *YOLOv4) NMS() *postprocess.NMS {
	return m.nms
}

// grid returns the number of cells per side of scale s.
func (m *YOLOv4) grid(s int) int {
	return m.options.InputSize / m.options.Strides[s]
}

// TensorLen returns the expected flattened length of output scale s.
func (m *YOLOv4) TensorLen(s int) int {
	g := m.grid(s)
	return g * g * len(m.options.Anchors[s]) / 2 * (5 + m.options.NumClasses)
}
