package pipeline

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-dataprep/images"
	"github.com/nvr-ai/go-dataprep/metrics"
	"github.com/nvr-ai/go-dataprep/models/postprocess"
)

const (
	classPerson = 0
	classDog    = 16
)

// fakeDetector returns the same regions for every image.
type fakeDetector struct {
	regions []postprocess.Region
	err     error
	calls   atomic.Int32
}

func (d *fakeDetector) Detect(context.Context, images.PixelBuffer) ([]postprocess.Region, error) {
	d.calls.Add(1)
	return d.regions, d.err
}

// whiteRestorer paints every tile white.
type whiteRestorer struct {
	calls atomic.Int32
}

func (r *whiteRestorer) Restore(_ context.Context, image, _ images.PixelBuffer) (images.PixelBuffer, error) {
	r.calls.Add(1)
	return images.NewUniform(image.Width, image.Height, 1, 1, 1)
}

func detection(class int, x1, y1, x2, y2, score float32) postprocess.Region {
	return postprocess.Region{
		Box:        postprocess.Candidate{X1: x1, Y1: y1, X2: x2, Y2: y2, Score: score, Class: class},
		Confidence: score,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Crop.Method = images.ResampleLanczos
	cfg.Restoration.TileSize = 64
	cfg.Restoration.Overlap = 16
	cfg.Workers = 2
	return cfg
}

func TestProcessor_CropOnDetection(t *testing.T) {
	detector := &fakeDetector{regions: []postprocess.Region{
		detection(classDog, 0, 0, 50, 50, 0.95),
		detection(classPerson, 100, 50, 200, 250, 0.9),
		detection(classPerson, 300, 10, 320, 30, 0.6),
	}}
	m := metrics.New()
	p, err := NewProcessor(testConfig(), WithDetector(detector), WithMetrics(m))
	require.NoError(t, err)

	img, err := images.NewUniform(400, 300, 0.2, 0.4, 0.6)
	require.NoError(t, err)

	res, err := p.Crop(context.Background(), img)
	require.NoError(t, err)

	assert.False(t, res.Fallback)
	require.NotNil(t, res.Region)
	assert.Equal(t, float32(0.9), res.Region.Confidence, "the best person is chosen, not the dog")
	assert.Equal(t, images.Rect{X1: 90, Y1: 30, X2: 210, Y2: 270}, res.Spec.Rect())
	assert.Equal(t, 512, res.Image.Width)
	assert.Equal(t, 512, res.Image.Height)

	// The 120x240 crop is letterboxed: the center holds the image color.
	r, g, b := res.Image.RGB(256, 256)
	assert.InDelta(t, 0.2, r, 0.01)
	assert.InDelta(t, 0.4, g, 0.01)
	assert.InDelta(t, 0.6, b, 0.01)

	assert.Equal(t, float32(0.2), img.Data[0], "input is left alone")
}

func TestProcessor_CropFallsBackToCenter(t *testing.T) {
	detector := &fakeDetector{regions: []postprocess.Region{detection(classDog, 10, 10, 100, 100, 0.99)}}
	p, err := NewProcessor(testConfig(), WithDetector(detector))
	require.NoError(t, err)

	img, err := images.NewUniform(400, 300, 0.5, 0.5, 0.5)
	require.NoError(t, err)

	res, err := p.Crop(context.Background(), img)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Nil(t, res.Region)
	assert.Equal(t, images.Rect{X1: 50, Y1: 0, X2: 350, Y2: 300}, res.Spec.Rect())
	assert.Equal(t, 512, res.Image.Width)
}

func TestProcessor_CropErrors(t *testing.T) {
	img, err := images.NewUniform(64, 64, 0, 0, 0)
	require.NoError(t, err)

	p, err := NewProcessor(testConfig())
	require.NoError(t, err)
	_, err = p.Crop(context.Background(), img)
	assert.True(t, errors.Is(err, ErrNotConfigured))

	boom := errors.New("boom")
	p, err = NewProcessor(testConfig(), WithDetector(&fakeDetector{err: boom}))
	require.NoError(t, err)
	_, err = p.Crop(context.Background(), img)
	assert.True(t, errors.Is(err, boom), "detector errors propagate")

	_, err = p.Crop(context.Background(), images.PixelBuffer{Width: 2, Height: 2, Channels: 3})
	assert.True(t, errors.Is(err, images.ErrInvalidDimensions))
}

func TestProcessor_RestoreWithoutMaskCopies(t *testing.T) {
	restorer := &whiteRestorer{}
	p, err := NewProcessor(testConfig(), WithRestorer(restorer))
	require.NoError(t, err)

	img, err := images.NewUniform(100, 80, 0.1, 0.2, 0.3)
	require.NoError(t, err)

	res, err := p.Restore(context.Background(), img, nil)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, img.Data, res.Image.Data)
	assert.Equal(t, int32(0), restorer.calls.Load())

	res.Image.Data[0] = 1
	assert.Equal(t, float32(0.1), img.Data[0], "the copy does not alias the input")
}

func TestProcessor_RestoreInTiles(t *testing.T) {
	restorer := &whiteRestorer{}
	m := metrics.New()
	p, err := NewProcessor(testConfig(), WithRestorer(restorer), WithMetrics(m))
	require.NoError(t, err)

	img, err := images.NewUniform(100, 80, 0, 0, 0)
	require.NoError(t, err)
	mask, err := images.NewUniform(100, 80, 1)
	require.NoError(t, err)

	res, err := p.Restore(context.Background(), img, &mask)
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	for i, v := range res.Image.Data {
		require.InDelta(t, 1, v, 1e-6, "sample %d", i)
	}
	// 100x80 with 64px tiles and a 48px stride: 2 columns, 2 rows.
	assert.Equal(t, int32(4), restorer.calls.Load())
}

// recordingRestorer returns each tile unchanged and keeps the last one.
type recordingRestorer struct {
	last images.PixelBuffer
}

func (r *recordingRestorer) Restore(_ context.Context, image, _ images.PixelBuffer) (images.PixelBuffer, error) {
	r.last = image.Clone()
	return image.Clone(), nil
}

func TestProcessor_RestorePadsSmallImages(t *testing.T) {
	img, err := images.NewPixelBuffer(40, 30, 3)
	require.NoError(t, err)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			img.Pixel(x, y)[0] = float32(x) / 255
		}
	}
	mask, err := images.NewUniform(40, 30, 1)
	require.NoError(t, err)

	tests := []struct {
		mode     images.EdgeMode
		expected float32
	}{
		{mode: images.EdgeClamp, expected: 39},
		{mode: images.EdgeMirror, expected: 38},
		{mode: images.EdgeWrap, expected: 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			cfg := testConfig()
			cfg.Restoration.PadMode = tt.mode
			restorer := &recordingRestorer{}
			p, err := NewProcessor(cfg, WithRestorer(restorer))
			require.NoError(t, err)

			res, err := p.Restore(context.Background(), img, &mask)
			require.NoError(t, err)

			require.Equal(t, 64, restorer.last.Width, "the restorer sees a full tile")
			assert.InDelta(t, tt.expected/255, restorer.last.Pixel(41, 0)[0], 1e-6)
			assert.Equal(t, 40, res.Image.Width)
			assert.Equal(t, 30, res.Image.Height)
			assert.InDeltaSlice(t, img.Data, res.Image.Data, 1e-5)
		})
	}
}

func TestProcessor_RestoreWithoutRestorer(t *testing.T) {
	p, err := NewProcessor(testConfig())
	require.NoError(t, err)

	img, err := images.NewUniform(10, 10, 0, 0, 0)
	require.NoError(t, err)
	mask, err := images.NewUniform(10, 10, 1)
	require.NoError(t, err)

	_, err = p.Restore(context.Background(), img, &mask)
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestNewProcessor_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Crop.Size = 100
	_, err := NewProcessor(cfg)
	assert.Error(t, err)
}
