package inference

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-dataprep/images"
	"github.com/nvr-ai/go-dataprep/models/model/preprocess"
	"github.com/nvr-ai/go-dataprep/models/yolov4"
)

func TestNewTensor(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	d, err := NewTensor([]int{1, 2, 3}, data)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 3}, d.Shape())

	values, err := Float32s(d)
	require.NoError(t, err)
	assert.Equal(t, data, values)

	_, err = NewTensor([]int{2, 2}, data)
	assert.Error(t, err)
	_, err = NewTensor([]int{0, 6}, data)
	assert.Error(t, err)
}

func TestFloat32s(t *testing.T) {
	scalar := tensor.New(tensor.FromScalar(float32(0.5)))
	values, err := Float32s(scalar)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, values)

	_, err = Float32s(tensor.New(tensor.WithShape(2), tensor.WithBacking([]float64{1, 2})))
	assert.Error(t, err, "float64 tensors are rejected")

	_, err = Float32s(nil)
	assert.True(t, errors.Is(err, ErrMissingTensor))
}

func TestTensors_Get(t *testing.T) {
	d, err := NewTensor([]int{2}, []float32{1, 2})
	require.NoError(t, err)
	ts := Tensors{"a": d}

	values, err := ts.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, values)

	_, err = ts.Get("b")
	assert.True(t, errors.Is(err, ErrMissingTensor))
	assert.Equal(t, []string{"a"}, ts.Names())
}

// yoloHeads returns zeroed YOLOv4 heads with one person encoded on the
// stride 8 head: a 100x150 box centered at (208,208) of the 416 input.
func yoloHeads(opts yolov4.Options) [][]float32 {
	heads := make([][]float32, len(opts.Strides))
	numCols := 5 + opts.NumClasses
	for s, stride := range opts.Strides {
		grid := opts.InputSize / stride
		heads[s] = make([]float32, grid*grid*len(opts.Anchors[s])/2*numCols)
	}

	grid := opts.InputSize / opts.Strides[0]
	numAnchors := len(opts.Anchors[0]) / 2
	row := heads[0][((26*grid+26)*numAnchors)*numCols:]
	offset := float32(math.Log(1.0 / 11))
	row[0], row[1] = offset, offset
	row[2] = float32(math.Log(100.0 / 12))
	row[3] = float32(math.Log(150.0 / 16))
	row[4] = 0.9
	row[5] = 0.9
	return heads
}

func TestDetectionModel_Detect(t *testing.T) {
	decoder, err := yolov4.NewModel(yolov4.DefaultOptions())
	require.NoError(t, err)

	var seen []int
	invoker := InvokerFunc(func(_ context.Context, inputs Tensors) (Tensors, error) {
		in, ok := inputs[DefaultDetectorInput]
		require.True(t, ok)
		seen = in.Shape().Clone()

		out := Tensors{}
		for i, head := range yoloHeads(decoder.Options()) {
			d, err := NewTensor([]int{1, len(head)}, head)
			require.NoError(t, err)
			out[DefaultDetectorOutputs[i]] = d
		}
		return out, nil
	})

	m, err := NewDetectionModel(invoker, decoder, DefaultDetectorConfig())
	require.NoError(t, err)

	img, err := images.NewUniform(416, 416, 0.5, 0.5, 0.5)
	require.NoError(t, err)
	regions, err := m.Detect(context.Background(), img)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 416, 416, 3}, seen)
	require.Len(t, regions, 1)
	box := regions[0].Box
	assert.Equal(t, 0, box.Class)
	assert.InDelta(t, 0.81, regions[0].Confidence, 1e-5)
	assert.InDelta(t, 158, box.X1, 0.5)
	assert.InDelta(t, 133, box.Y1, 0.5)
	assert.InDelta(t, 258, box.X2, 0.5)
	assert.InDelta(t, 283, box.Y2, 0.5)
}

func TestDetectionModel_DetectPlanarInput(t *testing.T) {
	decoder, err := yolov4.NewModel(yolov4.DefaultOptions())
	require.NoError(t, err)

	var seen []float32
	var shape []int
	invoker := InvokerFunc(func(_ context.Context, inputs Tensors) (Tensors, error) {
		data, err := inputs.Get("images")
		require.NoError(t, err)
		seen = data
		shape = inputs["images"].Shape().Clone()

		out := Tensors{}
		for i, head := range yoloHeads(decoder.Options()) {
			d, err := NewTensor([]int{1, len(head)}, head)
			require.NoError(t, err)
			out[DefaultDetectorOutputs[i]] = d
		}
		return out, nil
	})

	cfg := DefaultDetectorConfig()
	cfg.Input = "images"
	cfg.Preprocess = &preprocess.ModelConfig{
		ChannelOrder:  preprocess.ChannelOrderCHW,
		ColorMode:     preprocess.ColorModeBGR,
		Normalization: preprocess.NormalizeStandardize,
		Mean:          []float32{153, 100, 50},
		Std:           []float32{1, 2, 0.5},
	}
	m, err := NewDetectionModel(invoker, decoder, cfg)
	require.NoError(t, err)

	img, err := images.NewUniform(416, 416, 0.2, 0.4, 0.6)
	require.NoError(t, err)
	regions, err := m.Detect(context.Background(), img)
	require.NoError(t, err)

	plane := 416 * 416
	assert.Equal(t, []int{1, 3, 416, 416}, shape)
	assert.InDelta(t, 0, seen[0], 1e-4, "blue plane first")
	assert.InDelta(t, 1, seen[plane], 1e-4, "green plane")
	assert.InDelta(t, 2, seen[2*plane], 1e-4, "red plane last")
	require.Len(t, regions, 1)
	assert.InDelta(t, 158, regions[0].Box.X1, 0.5)
}

func TestNewDetectionModel_InputMismatch(t *testing.T) {
	decoder, err := yolov4.NewModel(yolov4.DefaultOptions())
	require.NoError(t, err)
	inv := InvokerFunc(func(context.Context, Tensors) (Tensors, error) { return nil, nil })

	cfg := DefaultDetectorConfig()
	cfg.Preprocess = &preprocess.ModelConfig{InputWidth: 640, InputHeight: 640}
	_, err = NewDetectionModel(inv, decoder, cfg)
	assert.Error(t, err, "input size differs from the decoder")

	cfg.Preprocess = &preprocess.ModelConfig{ColorMode: "yuv"}
	_, err = NewDetectionModel(inv, decoder, cfg)
	assert.Error(t, err)
}

func TestDetectionModel_Errors(t *testing.T) {
	decoder, err := yolov4.NewModel(yolov4.DefaultOptions())
	require.NoError(t, err)
	img, err := images.NewUniform(64, 64, 0, 0, 0)
	require.NoError(t, err)

	_, err = NewDetectionModel(nil, decoder, DefaultDetectorConfig())
	assert.Error(t, err)
	_, err = NewDetectionModel(InvokerFunc(nil), decoder, DetectorConfig{Input: "x", Outputs: []string{"a"}})
	assert.Error(t, err, "one output name for three strides")

	boom := errors.New("boom")
	m, err := NewDetectionModel(InvokerFunc(func(context.Context, Tensors) (Tensors, error) {
		return nil, boom
	}), decoder, DefaultDetectorConfig())
	require.NoError(t, err)
	_, err = m.Detect(context.Background(), img)
	assert.True(t, errors.Is(err, boom))

	m, err = NewDetectionModel(InvokerFunc(func(context.Context, Tensors) (Tensors, error) {
		return Tensors{}, nil
	}), decoder, DefaultDetectorConfig())
	require.NoError(t, err)
	_, err = m.Detect(context.Background(), img)
	assert.True(t, errors.Is(err, ErrMissingTensor))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Detect(ctx, img)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRestorationModel_Restore(t *testing.T) {
	img, err := images.NewPixelBuffer(4, 2, 3)
	require.NoError(t, err)
	for i := range img.Data {
		img.Data[i] = float32(i) / float32(len(img.Data))
	}
	mask, err := images.NewUniform(4, 2, 1)
	require.NoError(t, err)

	// The fake network inverts the image on the 0-255 scale and overshoots
	// the first sample.
	invoker := InvokerFunc(func(_ context.Context, inputs Tensors) (Tensors, error) {
		assert.Equal(t, tensor.Shape{1, 3, 2, 4}, inputs["image"].Shape())
		assert.Equal(t, tensor.Shape{1, 1, 2, 4}, inputs["mask"].Shape())
		planar, err := inputs.Get("image")
		require.NoError(t, err)
		out := make([]float32, len(planar))
		for i, v := range planar {
			out[i] = (1 - v) * 255
		}
		out[0] = 300
		d, err := NewTensor([]int{1, 3, 2, 4}, out)
		require.NoError(t, err)
		return Tensors{"output": d}, nil
	})

	config := DefaultRestorerConfig()
	config.OutputScale = 255
	m, err := NewRestorationModel(invoker, config)
	require.NoError(t, err)

	out, err := m.Restore(context.Background(), img, mask)
	require.NoError(t, err)
	require.Equal(t, 3, out.Channels)
	assert.Equal(t, float32(1), out.Data[0], "values are clamped")
	for i := 1; i < len(img.Data); i++ {
		assert.InDelta(t, 1-img.Data[i], out.Data[i], 1e-6, "sample %d", i)
	}
}

func TestRestorationModel_Errors(t *testing.T) {
	_, err := NewRestorationModel(InvokerFunc(nil), RestorerConfig{Image: "i", Mask: "m", Output: "o", OutputScale: 2})
	assert.Error(t, err)
	_, err = NewRestorationModel(nil, DefaultRestorerConfig())
	assert.Error(t, err)

	m, err := NewRestorationModel(InvokerFunc(func(context.Context, Tensors) (Tensors, error) {
		d, err := NewTensor([]int{1, 3, 1, 1}, []float32{0, 0, 0})
		require.NoError(t, err)
		return Tensors{"output": d}, nil
	}), DefaultRestorerConfig())
	require.NoError(t, err)

	img, err := images.NewUniform(2, 2, 0, 0, 0)
	require.NoError(t, err)
	mask, err := images.NewUniform(2, 2, 1)
	require.NoError(t, err)

	_, err = m.Restore(context.Background(), img, mask)
	assert.True(t, errors.Is(err, images.ErrInvalidDimensions), "output of the wrong size")

	small, err := images.NewUniform(1, 1, 1)
	require.NoError(t, err)
	_, err = m.Restore(context.Background(), img, small)
	assert.True(t, errors.Is(err, images.ErrInvalidDimensions), "mask of the wrong size")
}
