// Package kmeans quantizes the colors of a pixel buffer with Lloyd's k-means.
//
// The pixel buffer is row-major and channel-interleaved: pixel i occupies
// bytes [i*channels, (i+1)*channels). Clustering never touches the buffer
// until the final reconstruction, which rewrites every pixel with the rounded
// center of its cluster.
//
// The algorithm is split into phases (assign, update, reconstruct) that are
// executed by a Backend. Initialization, the convergence loop and the numeric
// policy (tie-breaks, empty cluster repair, rounding) are shared by all of
// them.
package kmeans

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"
)

var (
	ErrInvalidK          = errors.New("kmeans: number of clusters must be at least 2")
	ErrInvalidIterations = errors.New("kmeans: maximum number of iterations must be at least 1")
	ErrInvalidThreads    = errors.New("kmeans: parallel backend needs at least 2 threads")
	ErrInvalidChannels   = errors.New("kmeans: number of channels must be at least 1")
	ErrTooFewPixels      = errors.New("kmeans: image has fewer pixels than clusters")
	ErrBufferSize        = errors.New("kmeans: pixel buffer size does not match image dimensions")
	ErrAcceleratorLimits = errors.New("kmeans: input exceeds accelerator limits")
	ErrNoDevice          = errors.New("kmeans: accelerator backend has no device")
)

// Config holds the parameters of one clustering run.
type Config struct {
	// K is the number of clusters.
	K int
	// MaxIterations caps the number of update steps.
	MaxIterations int
	// Rand seeds the initial centers. Nil means a generator seeded from the clock.
	Rand *rand.Rand
	// Logger receives progress records. Nil discards them.
	Logger *slog.Logger
}

// Validate checks the configuration against an image with nPixels pixels.
func (c Config) Validate(nPixels int) error {
	if c.K < 2 {
		return fmt.Errorf("%w, got k=%d", ErrInvalidK, c.K)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w, got %d", ErrInvalidIterations, c.MaxIterations)
	}
	if nPixels < c.K {
		return fmt.Errorf("%w: %d pixels, k=%d", ErrTooFewPixels, nPixels, c.K)
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

func (c Config) rand() *rand.Rand {
	if c.Rand == nil {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c.Rand
}

// Centers stores k cluster centers of a fixed number of channels each.
type Centers struct {
	k, channels int
	values      []float64
}

func NewCenters(k, channels int) *Centers {
	return &Centers{
		k:        k,
		channels: channels,
		values:   make([]float64, k*channels),
	}
}

func (c *Centers) Len() int      { return c.k }
func (c *Centers) Channels() int { return c.channels }

// At returns the channel values of center i. The slice aliases the store.
func (c *Centers) At(i int) []float64 {
	return c.values[i*c.channels : (i+1)*c.channels]
}

func (c *Centers) Set(i int, values []float64) {
	copy(c.At(i), values)
}

// Reset zeroes every center.
func (c *Centers) Reset() {
	for i := range c.values {
		c.values[i] = 0
	}
}

func (c *Centers) Clone() *Centers {
	return &Centers{
		k:        c.k,
		channels: c.channels,
		values:   append([]float64(nil), c.values...),
	}
}

// State is the data a clustering run works on.
type State struct {
	Pixels    []byte
	Width     int
	Height    int
	Channels  int
	Labels    []int
	Distances []float64
	Centers   *Centers
}

// NewState wraps pixels without copying them. Labels start at 0 and distances
// at 0, which stands for "no assignment yet".
func NewState(pixels []byte, width, height, channels, k int) (*State, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidChannels, channels)
	}
	if k < 2 {
		return nil, fmt.Errorf("%w, got k=%d", ErrInvalidK, k)
	}
	if width < 1 || height < 1 || len(pixels) != width*height*channels {
		return nil, fmt.Errorf("%w: %dx%dx%d needs %d bytes, got %d",
			ErrBufferSize, width, height, channels, width*height*channels, len(pixels))
	}
	n := width * height
	return &State{
		Pixels:    pixels,
		Width:     width,
		Height:    height,
		Channels:  channels,
		Labels:    make([]int, n),
		Distances: make([]float64, n),
		Centers:   NewCenters(k, channels),
	}, nil
}

func (s *State) NumPixels() int { return s.Width * s.Height }

// Pixel returns the channel bytes of pixel i. The slice aliases the buffer.
func (s *State) Pixel(i int) []byte {
	return s.Pixels[i*s.Channels : (i+1)*s.Channels]
}

// Distortion is the sum of squared distances from every pixel to the current
// center of its label.
func (s *State) Distortion() float64 {
	total := 0.0
	for i, label := range s.Labels {
		center := s.Centers.At(label)
		for channel, v := range s.Pixel(i) {
			d := float64(v) - center[channel]
			total += d * d
		}
	}
	return total
}
