package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-dataprep/inference"
)

// value returns the counter or histogram sample count of the series name
// whose labels include every pair in labels.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, metric := range f.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue series
				}
			}
			if h := metric.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCounters(t *testing.T) {
	m := New()
	m.ImageProcessed("crop")
	m.ImageProcessed("crop")
	m.ImageFailed("restore")
	m.Detections(3)
	m.Fallback("no_detection")

	assert.Equal(t, 2.0, value(t, m, "dataprep_images_processed_total", map[string]string{"operation": "crop"}))
	assert.Equal(t, 1.0, value(t, m, "dataprep_images_failed_total", map[string]string{"operation": "restore"}))
	assert.Equal(t, 3.0, value(t, m, "dataprep_detections_total", nil))
	assert.Equal(t, 1.0, value(t, m, "dataprep_fallbacks_total", map[string]string{"reason": "no_detection"}))
}

func TestObserveTile(t *testing.T) {
	m := New()
	m.ObserveTile(true, 20*time.Millisecond)
	m.ObserveTile(false, time.Millisecond)
	m.ObserveTile(false, time.Millisecond)

	assert.Equal(t, 1.0, value(t, m, "dataprep_tiles_total", map[string]string{"route": "inferred"}))
	assert.Equal(t, 2.0, value(t, m, "dataprep_tiles_total", map[string]string{"route": "passthrough"}))
	assert.Equal(t, 1.0, value(t, m, "dataprep_tile_duration_seconds", nil), "only inferred tiles are timed")
}

func TestInstrument(t *testing.T) {
	m := New()
	boom := errors.New("boom")
	calls := 0
	inv := m.Instrument("detector", inference.InvokerFunc(func(context.Context, inference.Tensors) (inference.Tensors, error) {
		calls++
		if calls > 1 {
			return nil, boom
		}
		return inference.Tensors{}, nil
	}))

	_, err := inv.Invoke(context.Background(), nil)
	require.NoError(t, err)
	_, err = inv.Invoke(context.Background(), nil)
	assert.True(t, errors.Is(err, boom))

	assert.Equal(t, 1.0, value(t, m, "dataprep_inference_duration_seconds", map[string]string{"model": "detector", "status": "ok"}))
	assert.Equal(t, 1.0, value(t, m, "dataprep_inference_duration_seconds", map[string]string{"model": "detector", "status": "error"}))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Detections(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dataprep_detections_total 1"))
}
