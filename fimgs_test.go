package fimgs

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rprtr258/fimgs/internal/kmeans"
)

func TestPixelsRoundTrip(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 2, 1))
	gray.Pix = []byte{7, 200}

	opaque := image.NewRGBA(image.Rect(0, 0, 2, 1))
	opaque.Pix = []byte{1, 2, 3, 0xFF, 4, 5, 6, 0xFF}

	translucent := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	translucent.Pix = []byte{1, 2, 3, 0x80, 4, 5, 6, 0xFF}

	for name, test := range map[string]struct {
		im           image.Image
		wantChannels int
		wantPixels   []byte
	}{
		"gray":        {gray, 1, []byte{7, 200}},
		"opaque":      {opaque, 3, []byte{1, 2, 3, 4, 5, 6}},
		"translucent": {translucent, 4, []byte{1, 2, 3, 0x80, 4, 5, 6, 0xFF}},
	} {
		t.Run(name, func(t *testing.T) {
			pixels, width, height, channels := ToPixels(test.im)
			assert.Equal(t, 2, width)
			assert.Equal(t, 1, height)
			assert.Equal(t, test.wantChannels, channels)
			assert.Equal(t, test.wantPixels, pixels)

			im, err := FromPixels(pixels, width, height, channels)
			require.NoError(t, err)
			again, _, _, _ := ToPixels(im)
			assert.Equal(t, pixels, again)
		})
	}
}

func TestFromPixelsErrors(t *testing.T) {
	_, err := FromPixels(make([]byte, 5), 2, 1, 3)
	assert.Error(t, err)

	_, err = FromPixels(make([]byte, 4), 2, 1, 2)
	assert.EqualError(t, err, "unsupported number of channels: 2")
}

func TestLoadKMeansOptions(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "kmeans.yaml")
	require.NoError(t, os.WriteFile(filename, []byte("clusters: 7\nseed: 42\nbackend: parallel\n"), 0o644))

	opts, err := LoadKMeansOptions(filename)
	require.NoError(t, err)
	assert.Equal(t, 7, opts.Clusters)
	assert.Equal(t, 150, opts.MaxIterations)
	assert.Equal(t, 2, opts.Threads)
	assert.Equal(t, BackendParallel, opts.Backend)
	require.NotNil(t, opts.Seed)
	assert.Equal(t, int64(42), *opts.Seed)

	_, err = LoadKMeansOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestKMeansOptionsValidate(t *testing.T) {
	for name, test := range map[string]struct {
		modify  func(*KMeansOptions)
		wantErr string
	}{
		"defaults":      {func(*KMeansOptions) {}, ""},
		"one cluster":   {func(o *KMeansOptions) { o.Clusters = 1 }, "'n' must be at least 2, you gave n=1"},
		"no iterations": {func(o *KMeansOptions) { o.MaxIterations = 0 }, "'m' must be at least 1, you gave m=0"},
		"one thread": {func(o *KMeansOptions) {
			o.Backend, o.Threads = BackendParallel, 1
		}, "'t' must be at least 2, you gave t=1"},
		"gpu without device": {func(o *KMeansOptions) { o.Backend = BackendGPU }, kmeans.ErrNoDevice.Error()},
		"unknown backend":    {func(o *KMeansOptions) { o.Backend = "cuda" }, `unknown backend "cuda"`},
	} {
		t.Run(name, func(t *testing.T) {
			opts := DefaultKMeansOptions()
			test.modify(&opts)
			err := opts.Validate()
			if test.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, test.wantErr)
			}
		})
	}
}

func TestPaletteHex(t *testing.T) {
	p := Palette{{R: 1}, {R: 1, G: 1, B: 1}}
	assert.Equal(t, []string{"#ff0000", "#ffffff"}, p.Hex())
}

func writeTestImage(t *testing.T, filename string) {
	t.Helper()
	im := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			n := uint8(x + y)
			if x < 4 {
				im.Set(x, y, color.RGBA{10 + n, 20 + n, 30 + n, 0xFF})
			} else {
				im.Set(x, y, color.RGBA{200 - n, 180 - n, 160 + n, 0xFF})
			}
		}
	}

	f, err := os.Create(filename)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, im))
}

func TestApplyKMeansFilter(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source.png")
	writeTestImage(t, source)

	for _, backend := range []string{BackendSequential, BackendParallel, BackendEmulated} {
		t.Run(backend, func(t *testing.T) {
			seed := int64(3)
			opts := DefaultKMeansOptions()
			opts.Clusters = 2
			opts.Seed = &seed
			opts.Backend = backend
			opts.WorkGroupSize = 16

			result := filepath.Join(dir, backend+".png")
			palette, err := ApplyKMeansFilter(source, result, opts)
			require.NoError(t, err)
			require.Len(t, palette, 2)

			im, err := LoadImageFile(result)
			require.NoError(t, err)
			pixels, width, height, channels := ToPixels(im)
			assert.Equal(t, 8, width)
			assert.Equal(t, 8, height)
			require.Equal(t, 3, channels)

			colors := map[[3]byte]bool{}
			for i := 0; i < len(pixels); i += 3 {
				colors[[3]byte{pixels[i], pixels[i+1], pixels[i+2]}] = true
			}
			assert.LessOrEqual(t, len(colors), 2)
			for c := range colors {
				assert.True(t, nearPalette(palette, c), "color %v is not a palette color", c)
			}
		})
	}
}

// nearPalette reports whether c is a palette color up to rounding.
func nearPalette(palette Palette, c [3]byte) bool {
	for _, p := range palette {
		r, g, b := p.RGB255()
		if absDiff(r, c[0]) <= 1 && absDiff(g, c[1]) <= 1 && absDiff(b, c[2]) <= 1 {
			return true
		}
	}
	return false
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestApplyKMeansFilterMissingSource(t *testing.T) {
	_, err := ApplyKMeansFilter(filepath.Join(t.TempDir(), "nope.png"), "out.png", DefaultKMeansOptions())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
