package fimgs

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"gopkg.in/yaml.v3"

	"github.com/rprtr258/fimgs/internal/kmeans"
)

const (
	BackendSequential = "sequential"
	BackendParallel   = "parallel"
	BackendGPU        = "gpu"
	// BackendEmulated runs the gpu kernels on the CPU.
	BackendEmulated = "emulated"
)

// KMeansOptions configures the cluster filter. It can be loaded from a yaml
// file, see LoadKMeansOptions.
type KMeansOptions struct {
	Clusters      int    `yaml:"clusters"`
	MaxIterations int    `yaml:"max_iterations"`
	Seed          *int64 `yaml:"seed"`
	Threads       int    `yaml:"threads"`
	Backend       string `yaml:"backend"`
	WorkGroupSize int    `yaml:"work_group_size"`

	// Device runs the gpu backend.
	Device kmeans.Device `yaml:"-"`
	Logger *slog.Logger  `yaml:"-"`
}

func DefaultKMeansOptions() KMeansOptions {
	return KMeansOptions{
		Clusters:      4,
		MaxIterations: 150,
		Threads:       2,
		Backend:       BackendSequential,
		WorkGroupSize: kmeans.DefaultWorkGroupSize,
	}
}

// LoadKMeansOptions reads options from a yaml file on top of the defaults.
func LoadKMeansOptions(filename string) (KMeansOptions, error) {
	opts := DefaultKMeansOptions()
	data, err := os.ReadFile(filename)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse %s: %w", filename, err)
	}
	return opts, nil
}

func (opts KMeansOptions) Validate() error {
	if opts.Clusters < 2 {
		return fmt.Errorf("'n' must be at least 2, you gave n=%d", opts.Clusters)
	}
	if opts.MaxIterations < 1 {
		return fmt.Errorf("'m' must be at least 1, you gave m=%d", opts.MaxIterations)
	}
	switch opts.Backend {
	case BackendSequential, BackendEmulated:
	case BackendParallel:
		if opts.Threads < 2 {
			return fmt.Errorf("'t' must be at least 2, you gave t=%d", opts.Threads)
		}
	case BackendGPU:
		if opts.Device == nil {
			return kmeans.ErrNoDevice
		}
	default:
		return fmt.Errorf("unknown backend %q", opts.Backend)
	}
	return nil
}

func (opts KMeansOptions) backend() kmeans.Backend {
	switch opts.Backend {
	case BackendParallel:
		return kmeans.Parallel{Threads: opts.Threads}
	case BackendGPU:
		return kmeans.Accelerator{Device: opts.Device, WorkGroupSize: opts.WorkGroupSize}
	case BackendEmulated:
		return kmeans.Accelerator{Device: &kmeans.HostDevice{}, WorkGroupSize: opts.WorkGroupSize}
	default:
		return kmeans.Sequential{}
	}
}

func (opts KMeansOptions) config() kmeans.Config {
	seed := time.Now().UnixNano()
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	return kmeans.Config{
		K:             opts.Clusters,
		MaxIterations: opts.MaxIterations,
		Rand:          rand.New(rand.NewSource(seed)),
		Logger:        opts.Logger,
	}
}

// Palette holds the final cluster colors.
type Palette []colorful.Color

func (p Palette) Hex() []string {
	res := make([]string, len(p))
	for i, c := range p {
		res[i] = c.Hex()
	}
	return res
}

func paletteOf(centers *kmeans.Centers) Palette {
	palette := make(Palette, centers.Len())
	for i := range palette {
		center := centers.At(i)
		if len(center) < 3 {
			v := center[0] / 0xFF
			palette[i] = colorful.Color{R: v, G: v, B: v}.Clamped()
			continue
		}
		palette[i] = colorful.Color{
			R: center[0] / 0xFF,
			G: center[1] / 0xFF,
			B: center[2] / 0xFF,
		}.Clamped()
	}
	return palette
}

// ApplyKMeans quantizes im to opts.Clusters colors.
func ApplyKMeans(im image.Image, opts KMeansOptions) (image.Image, Palette, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}

	pixels, width, height, channels := ToPixels(im)
	res, err := kmeans.Quantize(pixels, width, height, channels, opts.config(), opts.backend())
	if err != nil {
		return nil, nil, err
	}

	filteredIm, err := FromPixels(pixels, width, height, channels)
	if err != nil {
		return nil, nil, err
	}
	return filteredIm, paletteOf(res.Centers), nil
}

func ApplyKMeansFilter(sourceImageFilename, resultImageFilename string, opts KMeansOptions) (Palette, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	im, err := LoadImageFile(sourceImageFilename)
	if err != nil {
		return nil, fmt.Errorf("error occured while loading image: %w", err)
	}
	filteredIm, palette, err := ApplyKMeans(im, opts)
	if err != nil {
		var buildErr *kmeans.BuildError
		if errors.As(err, &buildErr) {
			return nil, fmt.Errorf("gpu kernels failed to build: %w", err)
		}
		return nil, err
	}
	if err := saveImage(filteredIm, resultImageFilename); err != nil {
		return nil, err
	}
	return palette, nil
}
