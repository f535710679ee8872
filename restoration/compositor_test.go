package restoration

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-dataprep/images"
)

// fakeRestorer records its calls and returns the output of fn.
type fakeRestorer struct {
	mu    sync.Mutex
	calls []images.PixelBuffer
	fn    func(image, mask images.PixelBuffer) (images.PixelBuffer, error)
}

func (f *fakeRestorer) Restore(_ context.Context, image, mask images.PixelBuffer) (images.PixelBuffer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, mask)
	f.mu.Unlock()
	if f.fn == nil {
		return images.NewUniform(image.Width, image.Height, 1, 1, 1)
	}
	return f.fn(image, mask)
}

type countingObserver struct {
	inferred, passed int
}

func (o *countingObserver) ObserveTile(inferred bool, _ time.Duration) {
	if inferred {
		o.inferred++
	} else {
		o.passed++
	}
}

func randomImage(t *testing.T, w, h int, seed int64) images.PixelBuffer {
	t.Helper()
	buf, err := images.NewPixelBuffer(w, h, 3)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(seed))
	for i := range buf.Data {
		buf.Data[i] = float32(rng.Intn(256)) / 255
	}
	return buf
}

func emptyMask(t *testing.T, w, h int) images.PixelBuffer {
	t.Helper()
	mask, err := images.NewPixelBuffer(w, h, 1)
	require.NoError(t, err)
	return mask
}

// TestProcessInTiles_EmptyMaskIsIdentity covers the passthrough path: no
// inference calls and an output equal to the input.
func TestProcessInTiles_EmptyMaskIsIdentity(t *testing.T) {
	uniform, err := images.NewUniform(700, 500, 0.2, 0.4, 0.6)
	require.NoError(t, err)

	tests := []struct {
		name          string
		image         images.PixelBuffer
		tile, overlap int
	}{
		{name: "uniform", image: uniform, tile: 256, overlap: 64},
		{name: "noise", image: randomImage(t, 333, 287, 1), tile: 128, overlap: 100},
		{name: "defaults", image: randomImage(t, 1100, 600, 2), tile: DefaultTileSize, overlap: DefaultOverlap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restorer := &fakeRestorer{}
			observer := &countingObserver{}
			c := NewCompositor(restorer, WithObserver(observer))

			before := tt.image.Clone()
			out, err := c.ProcessInTiles(context.Background(), tt.image, emptyMask(t, tt.image.Width, tt.image.Height), tt.tile, tt.overlap)
			require.NoError(t, err)

			assert.Empty(t, restorer.calls, "no tile should reach the restorer")
			assert.Equal(t, 0, observer.inferred)
			assert.Greater(t, observer.passed, 0)
			assert.Equal(t, tt.image.Width, out.Width)
			assert.Equal(t, tt.image.Height, out.Height)
			assert.Equal(t, tt.image.Data, out.Data)
			assert.Equal(t, before.Data, tt.image.Data, "the input must not be modified")
		})
	}
}

// TestProcessInTiles_OnlyMaskedTilesAreInferred marks one pixel covered by a
// single tile.
func TestProcessInTiles_OnlyMaskedTilesAreInferred(t *testing.T) {
	img := randomImage(t, 700, 500, 3)
	mask := emptyMask(t, 700, 500)
	mask.Data[10*700+10] = 0.5

	restorer := &fakeRestorer{}
	observer := &countingObserver{}
	out, err := NewCompositor(restorer, WithObserver(observer)).
		ProcessInTiles(context.Background(), img, mask, 256, 64)
	require.NoError(t, err)

	require.Len(t, restorer.calls, 1)
	assert.Equal(t, 256, restorer.calls[0].Width)
	assert.Equal(t, 1, observer.inferred)
	assert.Equal(t, 11, observer.passed)

	// Only tile (0,0) covers [0,192) on both axes, so its output is taken as is.
	r, g, b := out.RGB(10, 10)
	assert.Equal(t, [3]float32{1, 1, 1}, [3]float32{r, g, b})

	// Outside the first tile the input is untouched.
	assert.Equal(t, img.Pixel(400, 300), out.Pixel(400, 300))
	assert.Equal(t, img.Pixel(699, 0), out.Pixel(699, 0))
}

// TestProcessInTiles_BlendsAcrossSeams checks that an overlap between a
// restored tile and a passthrough tile is cross-faded.
func TestProcessInTiles_BlendsAcrossSeams(t *testing.T) {
	img, err := images.NewUniform(448, 256, 0, 0, 0)
	require.NoError(t, err)
	mask := emptyMask(t, 448, 256)
	mask.Data[5] = 1

	out, err := NewCompositor(&fakeRestorer{}).ProcessInTiles(context.Background(), img, mask, 256, 64)
	require.NoError(t, err)

	// Tiles start at x=0 and x=192; the overlap is [192, 256).
	r, _, _ := out.RGB(191, 100)
	assert.Equal(t, float32(1), r)
	r, _, _ = out.RGB(192, 100)
	assert.InDelta(t, 64.0/65, r, 1e-6)
	r, _, _ = out.RGB(255, 100)
	assert.InDelta(t, 1.0/65, r, 1e-6)
	r, _, _ = out.RGB(256, 100)
	assert.Equal(t, float32(0), r)

	prev := float32(2)
	for x := 192; x < 256; x++ {
		r, _, _ := out.RGB(x, 100)
		assert.Less(t, r, prev, "the fade should fall monotonically at x=%d", x)
		prev = r
	}
}

func TestProcessInTiles_SmallImageIsPadded(t *testing.T) {
	img := randomImage(t, 100, 60, 4)
	mask, err := images.NewUniform(100, 60, 1)
	require.NoError(t, err)

	restorer := &fakeRestorer{fn: func(image, _ images.PixelBuffer) (images.PixelBuffer, error) {
		out := image.Clone()
		for i, v := range out.Data {
			out.Data[i] = 1 - v
		}
		return out, nil
	}}

	out, err := NewCompositor(restorer).ProcessInTiles(context.Background(), img, mask, 128, 16)
	require.NoError(t, err)
	require.Len(t, restorer.calls, 1)
	assert.Equal(t, 128, restorer.calls[0].Width, "the restorer always sees a full tile")
	assert.Equal(t, 128, restorer.calls[0].Height)

	require.Equal(t, 100, out.Width)
	require.Equal(t, 60, out.Height)
	for i, v := range img.Data {
		require.InDelta(t, 1-v, out.Data[i], 1e-6, "sample %d", i)
	}
}

func TestProcessInTiles_ContractErrors(t *testing.T) {
	img := randomImage(t, 64, 64, 5)
	c := NewCompositor(&fakeRestorer{})
	ctx := context.Background()

	_, err := c.ProcessInTiles(ctx, img, emptyMask(t, 64, 64), 32, 32)
	assert.True(t, errors.Is(err, ErrInvalidTiling), "overlap equal to tile size")

	_, err = c.ProcessInTiles(ctx, img, emptyMask(t, 64, 64), 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidTiling), "zero tile size")

	_, err = c.ProcessInTiles(ctx, img, emptyMask(t, 64, 32), 32, 8)
	assert.True(t, errors.Is(err, images.ErrInvalidDimensions), "mask size mismatch")

	_, err = c.ProcessInTiles(ctx, images.PixelBuffer{Width: 64, Height: 64, Channels: 3}, emptyMask(t, 64, 64), 32, 8)
	assert.True(t, errors.Is(err, images.ErrInvalidDimensions), "malformed image")
}

func TestProcessInTiles_RestorerErrors(t *testing.T) {
	img := randomImage(t, 64, 64, 6)
	mask, err := images.NewUniform(64, 64, 1)
	require.NoError(t, err)
	boom := errors.New("boom")

	_, err = NewCompositor(&fakeRestorer{fn: func(_, _ images.PixelBuffer) (images.PixelBuffer, error) {
		return images.PixelBuffer{}, boom
	}}).ProcessInTiles(context.Background(), img, mask, 32, 8)
	assert.True(t, errors.Is(err, boom), "restorer errors are returned as is")

	_, err = NewCompositor(&fakeRestorer{fn: func(_, _ images.PixelBuffer) (images.PixelBuffer, error) {
		return images.NewUniform(16, 16, 0, 0, 0)
	}}).ProcessInTiles(context.Background(), img, mask, 32, 8)
	assert.True(t, errors.Is(err, images.ErrInvalidDimensions), "wrong output size")
}

func TestProcessInTiles_Cancellation(t *testing.T) {
	img := randomImage(t, 256, 256, 7)
	mask, err := images.NewUniform(256, 256, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	restorer := &fakeRestorer{}
	_, err = NewCompositor(restorer).ProcessInTiles(ctx, img, mask, 64, 16)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, restorer.calls)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	restorer = &fakeRestorer{fn: func(image, _ images.PixelBuffer) (images.PixelBuffer, error) {
		cancel()
		return image, nil
	}}
	out, err := NewCompositor(restorer).ProcessInTiles(ctx, img, mask, 64, 16)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, restorer.calls, 1, "no tile may start after cancellation")
	assert.Nil(t, out.Data, "partial output is discarded")
}
