package edges

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsepipe/pkg/ndarray"
)

// TestDetectVerticalEdge checks that a step image produces edges along the
// step and nowhere far from it.
func TestDetectVerticalEdge(t *testing.T) {
	size := 32
	img := ndarray.NewFloat64(size, size)
	for y := 0; y < size; y++ {
		for x := size / 2; x < size; x++ {
			img.Data[y*size+x] = 1
		}
	}

	for _, sigma := range []float64{0, 1} {
		cfg := DefaultConfig()
		cfg.Sigma = sigma
		d, err := NewCanny(cfg)
		require.NoError(t, err)

		edges, err := d.Detect(img)
		require.NoError(t, err)
		assert.Equal(t, []int{size, size}, edges.Shape)

		mid := size / 2
		hit := false
		for x := mid - 2; x <= mid+1; x++ {
			if edges.Data[mid*size+x] {
				hit = true
			}
		}
		assert.True(t, hit, "sigma=%v: expected an edge near column %d", sigma, mid)
		assert.False(t, edges.Data[mid*size+2], "sigma=%v: flat region marked as edge", sigma)
		assert.False(t, edges.Data[mid*size+size-3], "sigma=%v: flat region marked as edge", sigma)
	}
}

func TestDetectFlatAndNaN(t *testing.T) {
	d, err := NewCanny(DefaultConfig())
	require.NoError(t, err)

	flat := ndarray.NewFloat64(16, 16)
	edges, err := d.Detect(flat)
	require.NoError(t, err)
	assert.Equal(t, 0, edges.Count())

	nan := ndarray.NewFloat64(16, 16)
	for i := range nan.Data {
		nan.Data[i] = math.NaN()
	}
	edges, err = d.Detect(nan)
	require.NoError(t, err)
	assert.Equal(t, 0, edges.Count())
}

func TestDetectRejects3D(t *testing.T) {
	d, err := NewCanny(DefaultConfig())
	require.NoError(t, err)
	_, err = d.Detect(ndarray.NewFloat64(2, 4, 4))
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewCanny(Config{Sigma: -1, HighThreshold: 0.5})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewCanny(Config{LowThreshold: 0.6, HighThreshold: 0.5})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseFields(t *testing.T) {
	cfg, err := ParseFields(map[string]string{FieldSigma: "2", FieldHigh: "0.4"}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Sigma)
	assert.Equal(t, 0.4, cfg.HighThreshold)
	assert.Equal(t, DefaultConfig().LowThreshold, cfg.LowThreshold)

	base := DefaultConfig()
	cfg, err = ParseFields(map[string]string{FieldLow: "0.9"}, base)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, base, cfg)

	back, err := ParseFields(base.Fields(), Config{})
	require.NoError(t, err)
	assert.Equal(t, base, back)
}
