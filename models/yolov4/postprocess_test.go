package yolov4

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-dataprep/models/postprocess"
)

const personClass = 0

func newTestModel(t *testing.T) *YOLOv4 {
	t.Helper()
	m, err := NewModel(DefaultOptions())
	require.NoError(t, err)
	return m
}

// emptyOutputs returns zeroed tensors for every scale of m.
func emptyOutputs(m *YOLOv4) [][]float32 {
	outputs := make([][]float32, len(m.options.Strides))
	for s := range outputs {
		outputs[s] = make([]float32, m.TensorLen(s))
	}
	return outputs
}

// setAnchor writes one anchor row. classProb is assigned to class and a small
// value to every other class.
func setAnchor(m *YOLOv4, out []float32, s, gx, gy, a int, tx, ty, tw, th, obj float32, class int, classProb float32) {
	grid := m.grid(s)
	numAnchors := len(m.options.Anchors[s]) / 2
	numCols := 5 + m.options.NumClasses
	row := out[((gy*grid+gx)*numAnchors+a)*numCols:]
	row[0], row[1], row[2], row[3], row[4] = tx, ty, tw, th, obj
	for j := 0; j < m.options.NumClasses; j++ {
		row[5+j] = 0.001
	}
	row[5+class] = classProb
}

// centeredPerson encodes a 100x150 box centered at (208,208) of the 416
// input, on scale 0, cell (26,26), anchor 0 (12x16).
func centeredPerson(m *YOLOv4, outputs [][]float32) {
	offset := float32(math.Log(1.0 / 11)) // sigmoid = 1/12, so 1/12*1.2 - 0.1 = 0
	setAnchor(m, outputs[0], 0, 26, 26, 0,
		offset, offset,
		float32(math.Log(100.0/12)), float32(math.Log(150.0/16)),
		0.9, personClass, 0.9)
}

func TestDecode_CenteredBox(t *testing.T) {
	m := newTestModel(t)
	outputs := emptyOutputs(m)
	centeredPerson(m, outputs)

	candidates, err := m.Decode(outputs, 416, 416)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, personClass, c.Class)
	assert.InDelta(t, 0.81, c.Score, 1e-5)
	assert.InDelta(t, 158, c.X1, 0.5)
	assert.InDelta(t, 133, c.Y1, 0.5)
	assert.InDelta(t, 258, c.X2, 0.5)
	assert.InDelta(t, 283, c.Y2, 0.5)
}

func TestDecode_UndoesLetterbox(t *testing.T) {
	m := newTestModel(t)
	outputs := emptyOutputs(m)
	centeredPerson(m, outputs)

	// 832x416 is scaled by 0.5 into the input and padded by 104 rows on top.
	candidates, err := m.Decode(outputs, 832, 416)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.InDelta(t, 316, c.X1, 1)
	assert.InDelta(t, 58, c.Y1, 1)
	assert.InDelta(t, 516, c.X2, 1)
	assert.InDelta(t, 358, c.Y2, 1)
}

func TestDecode_Threshold(t *testing.T) {
	m := newTestModel(t)
	outputs := emptyOutputs(m)
	centeredPerson(m, outputs)

	m.SetThreshold(0.81)
	candidates, err := m.Decode(outputs, 416, 416)
	require.NoError(t, err)
	assert.Empty(t, candidates, "a score equal to the threshold is not kept")

	m.SetThreshold(0.8)
	candidates, err = m.Decode(outputs, 416, 416)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)

	m.SetThreshold(3)
	assert.Equal(t, float32(1), m.Threshold())
	m.SetThreshold(-1)
	assert.Equal(t, float32(0), m.Threshold())
}

// TestDecode_CornersInsideImage fills every tensor with noise and checks the
// corner invariant on everything that survives.
func TestDecode_CornersInsideImage(t *testing.T) {
	m := newTestModel(t)
	m.SetThreshold(0)
	rng := rand.New(rand.NewSource(7))

	outputs := emptyOutputs(m)
	for _, out := range outputs {
		for i := range out {
			out[i] = float32(rng.NormFloat64() * 3)
		}
	}

	sizes := []struct{ w, h int }{{416, 416}, {100, 60}, {1920, 1080}, {37, 500}}
	for _, size := range sizes {
		candidates, err := m.Decode(outputs, size.w, size.h)
		require.NoError(t, err)
		require.NotEmpty(t, candidates)
		for _, c := range candidates {
			assert.LessOrEqual(t, c.X1, c.X2)
			assert.LessOrEqual(t, c.Y1, c.Y2)
			assert.GreaterOrEqual(t, c.X1, float32(0))
			assert.GreaterOrEqual(t, c.Y1, float32(0))
			assert.LessOrEqual(t, c.X2, float32(size.w-1))
			assert.LessOrEqual(t, c.Y2, float32(size.h-1))
			assert.Greater(t, c.Area(), float32(0))
		}
	}
}

func TestDecode_ShapeErrors(t *testing.T) {
	m := newTestModel(t)

	outputs := emptyOutputs(m)
	_, err := m.Decode(outputs[:2], 416, 416)
	assert.True(t, errors.Is(err, ErrTensorShape), "missing scale")

	outputs = emptyOutputs(m)
	outputs[1] = outputs[1][:len(outputs[1])-1]
	_, err = m.Decode(outputs, 416, 416)
	assert.True(t, errors.Is(err, ErrTensorShape), "short tensor")

	_, err = m.Decode(emptyOutputs(m), 0, 416)
	assert.Error(t, err)
}

func TestNewModel_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{name: "zero input", mutate: func(o *Options) { o.InputSize = 0 }},
		{name: "no classes", mutate: func(o *Options) { o.NumClasses = 0 }},
		{name: "no strides", mutate: func(o *Options) { o.Strides = nil }},
		{name: "missing xy scale", mutate: func(o *Options) { o.XYScale = o.XYScale[:2] }},
		{name: "stride does not divide", mutate: func(o *Options) { o.Strides = []int{8, 16, 30} }},
		{name: "odd anchors", mutate: func(o *Options) { o.Anchors[1] = []float32{36, 75, 76} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := NewModel(opts)
			assert.Error(t, err)
		})
	}

	m := newTestModel(t)
	assert.Equal(t, 52*52*3*85, m.TensorLen(0))
	assert.Equal(t, 13*13*3*85, m.TensorLen(2))
	assert.Equal(t, postprocess.DefaultIoUThreshold, m.NMS().IoUThreshold())
}

func TestPostProcess_SuppressesPerClass(t *testing.T) {
	m := newTestModel(t)
	outputs := emptyOutputs(m)
	centeredPerson(m, outputs)

	offset := float32(math.Log(1.0 / 11))
	// Same box one cell to the right with a lower score: suppressed.
	setAnchor(m, outputs[0], 0, 27, 26, 0,
		offset, offset, float32(math.Log(100.0/12)), float32(math.Log(150.0/16)),
		0.8, personClass, 0.9)
	// Same box, different class: kept.
	setAnchor(m, outputs[0], 0, 26, 27, 0,
		offset, offset, float32(math.Log(100.0/12)), float32(math.Log(150.0/16)),
		0.95, 16, 0.95)

	regions, err := m.PostProcess(outputs, 416, 416)
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, 16, regions[0].Box.Class, "regions are ordered by confidence across classes")
	assert.Equal(t, personClass, regions[1].Box.Class)
	assert.InDelta(t, 0.81, regions[1].Confidence, 1e-5)

	best, ok := Best(regions, personClass)
	require.True(t, ok)
	assert.InDelta(t, 0.81, best.Confidence, 1e-5)

	_, ok = Best(regions, 2)
	assert.False(t, ok)
}
