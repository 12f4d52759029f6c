package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/rprtr258/fimgs"
	"github.com/rprtr258/fimgs/internal/gpu"
)

// OpenGL calls must stay on the main thread.
func init() {
	runtime.LockOSThread()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func clusterAction(ctx *cli.Context) error {
	sourceImageFilename := ctx.String("input")
	if sourceImageFilename == "" {
		return fmt.Errorf("source image is not provided, use -i")
	}

	opts := fimgs.DefaultKMeansOptions()
	if configFilename := ctx.String("config"); configFilename != "" {
		var err error
		if opts, err = fimgs.LoadKMeansOptions(configFilename); err != nil {
			return err
		}
	}
	if ctx.IsSet("n") {
		opts.Clusters = ctx.Int("n")
	}
	if ctx.IsSet("m") {
		opts.MaxIterations = ctx.Int("m")
	}
	if ctx.IsSet("s") {
		seed := ctx.Int64("s")
		opts.Seed = &seed
	}
	if ctx.IsSet("t") {
		opts.Threads = ctx.Int("t")
	}
	if ctx.IsSet("backend") {
		opts.Backend = ctx.String("backend")
	}
	if ctx.IsSet("workgroup-size") {
		opts.WorkGroupSize = ctx.Int("workgroup-size")
	}
	opts.Logger = newLogger(ctx.Bool("verbose"))

	if opts.Backend == fimgs.BackendGPU {
		device, err := gpu.Open()
		if err != nil {
			return fmt.Errorf("open gpu: %w", err)
		}
		defer device.Close()
		opts.Device = device
		opts.Logger.Info("using gpu", "device", device.Name())
	}

	resultImageFilename := ctx.String("output")
	if resultImageFilename == "" {
		resultImageFilename = fmt.Sprintf("%s.fimgs.png", sourceImageFilename)
	}

	palette, err := fimgs.ApplyKMeansFilter(sourceImageFilename, resultImageFilename, opts)
	if err != nil {
		return err
	}

	fmt.Println(resultImageFilename)
	if ctx.Bool("palette") {
		for _, hex := range palette.Hex() {
			fmt.Println(hex)
		}
	}
	return nil
}

func main() {
	defaults := fimgs.DefaultKMeansOptions()
	if err := (&cli.App{
		Name:  "fimgs",
		Usage: "image filters tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "source image",
				EnvVars: []string{"FIMGS_INPUT"},
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "result image, <input>.fimgs.png if not set, jpeg if it ends with .jpg",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "log progress to stderr",
				EnvVars: []string{"FIMGS_VERBOSE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "cluster",
				Usage: "quantize colors with k-means",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "yaml file with cluster options, flags take precedence",
						EnvVars: []string{"FIMGS_CONFIG"},
					},
					&cli.IntFlag{
						Name:    "n",
						Usage:   "number of clusters",
						Value:   defaults.Clusters,
						EnvVars: []string{"FIMGS_CLUSTERS"},
					},
					&cli.IntFlag{
						Name:    "m",
						Usage:   "maximum number of iterations",
						Value:   defaults.MaxIterations,
						EnvVars: []string{"FIMGS_MAX_ITERATIONS"},
					},
					&cli.Int64Flag{
						Name:    "s",
						Usage:   "random seed, current time if not set",
						EnvVars: []string{"FIMGS_SEED"},
					},
					&cli.IntFlag{
						Name:    "t",
						Usage:   "number of threads for the parallel backend",
						Value:   defaults.Threads,
						EnvVars: []string{"FIMGS_THREADS"},
					},
					&cli.StringFlag{
						Name:    "backend",
						Aliases: []string{"b"},
						Usage:   "sequential, parallel, gpu or emulated",
						Value:   defaults.Backend,
						EnvVars: []string{"FIMGS_BACKEND"},
					},
					&cli.IntFlag{
						Name:    "workgroup-size",
						Usage:   "gpu work-group size",
						Value:   defaults.WorkGroupSize,
						EnvVars: []string{"FIMGS_WORKGROUP_SIZE"},
					},
					&cli.BoolFlag{
						Name:  "palette",
						Usage: "print the resulting colors",
					},
				},
				Action: clusterAction,
			},
		},
	}).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
