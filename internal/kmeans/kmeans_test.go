package kmeans

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	for name, test := range map[string]struct {
		cfg     Config
		pixels  int
		wantErr error
	}{
		"ok":             {Config{K: 2, MaxIterations: 1}, 2, nil},
		"k too small":    {Config{K: 1, MaxIterations: 10}, 16, ErrInvalidK},
		"no iterations":  {Config{K: 2, MaxIterations: 0}, 16, ErrInvalidIterations},
		"too few pixels": {Config{K: 5, MaxIterations: 10}, 4, ErrTooFewPixels},
	} {
		t.Run(name, func(t *testing.T) {
			err := test.cfg.Validate(test.pixels)
			if test.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, test.wantErr)
			}
		})
	}
}

func TestNewState(t *testing.T) {
	_, err := NewState(make([]byte, 11), 2, 2, 3, 2)
	assert.ErrorIs(t, err, ErrBufferSize)

	_, err = NewState(nil, 0, 0, 0, 2)
	assert.ErrorIs(t, err, ErrInvalidChannels)

	_, err = NewState(twoTones(), 4, 4, 3, -1)
	assert.ErrorIs(t, err, ErrInvalidK)

	s, err := NewState(twoTones(), 4, 4, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 16, s.NumPixels())
	assert.Len(t, s.Labels, 16)
	assert.Len(t, s.Distances, 16)
	assert.Equal(t, 2, s.Centers.Len())
	assert.Equal(t, []byte{11, 21, 31}, s.Pixel(1))
	assert.Equal(t, []byte{198, 178, 162}, s.Pixel(2))
}

func TestCenters(t *testing.T) {
	c := NewCenters(2, 3)
	c.Set(1, []float64{1, 2, 3})
	assert.Equal(t, []float64{0, 0, 0}, c.At(0))
	assert.Equal(t, []float64{1, 2, 3}, c.At(1))

	clone := c.Clone()
	c.Reset()
	assert.Equal(t, []float64{0, 0, 0}, c.At(1))
	assert.Equal(t, []float64{1, 2, 3}, clone.At(1))
}

func TestInitCenters(t *testing.T) {
	t.Run("copies the drawn pixels", func(t *testing.T) {
		s := newTestState(t, twoTones(), 4, 4, 3, 3)
		InitCenters(picking(0, 15, 0), s)

		assert.Equal(t, []float64{10, 20, 30}, s.Centers.At(0))
		assert.Equal(t, []float64{194, 174, 166}, s.Centers.At(1))
		// draws are with replacement
		assert.Equal(t, s.Centers.At(0), s.Centers.At(2))
	})

	t.Run("same seed same centers", func(t *testing.T) {
		a := newTestState(t, noise(1, 8), 8, 8, 3, 5)
		b := newTestState(t, noise(1, 8), 8, 8, 3, 5)
		InitCenters(rand.New(rand.NewSource(7)), a)
		InitCenters(rand.New(rand.NewSource(7)), b)
		assert.Equal(t, a.Centers.values, b.Centers.values)
	})
}
