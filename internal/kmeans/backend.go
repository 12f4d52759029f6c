package kmeans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Session runs the phases of one clustering run on a backend. It is obtained
// from Backend.Start and must be closed.
type Session interface {
	// Assign relabels every pixel with its nearest center and reports whether
	// any label changed.
	Assign() (bool, error)
	// Update recomputes the centers from the current labels.
	Update() error
	// Reconstruct overwrites the pixel buffer with the rounded centers.
	Reconstruct() error
	// Sync copies labels, distances and centers into the State when the
	// backend keeps them elsewhere.
	Sync() error
	// Close releases everything acquired by Start.
	Close() error
}

// Backend is an execution strategy for the clustering phases.
type Backend interface {
	Name() string
	Start(s *State, log *slog.Logger) (Session, error)
}

type Result struct {
	// Iterations is the number of update steps performed.
	Iterations int
	// Converged is false when the run stopped at the iteration cap.
	Converged  bool
	Distortion float64
	Centers    *Centers
	Labels     []int
}

// Quantize clusters the pixel buffer into cfg.K colors and rewrites it in
// place. The buffer is left untouched when an error is returned.
func Quantize(pixels []byte, width, height, channels int, cfg Config, backend Backend) (Result, error) {
	if err := cfg.Validate(width * height); err != nil {
		return Result{}, err
	}
	s, err := NewState(pixels, width, height, channels, cfg.K)
	if err != nil {
		return Result{}, err
	}
	return Run(s, cfg, backend)
}

// Run seeds the centers of s, alternates assignment and update until no label
// changes or cfg.MaxIterations update steps were made, then reconstructs the
// pixel buffer once. The reconstruction is committed to s.Pixels only after
// the session closed cleanly.
func Run(s *State, cfg Config, backend Backend) (_ Result, err error) {
	if err := cfg.Validate(s.NumPixels()); err != nil {
		return Result{}, err
	}
	if s.Centers.Len() != cfg.K {
		return Result{}, fmt.Errorf("kmeans: state has %d centers, config wants %d", s.Centers.Len(), cfg.K)
	}

	log := cfg.logger().With("backend", backend.Name())
	start := time.Now()

	InitCenters(cfg.rand(), s)

	sess, err := backend.Start(s, log)
	if err != nil {
		return Result{}, fmt.Errorf("start %s backend: %w", backend.Name(), err)
	}
	closed := false
	defer func() {
		if !closed {
			err = errors.Join(err, sess.Close())
		}
	}()

	log.Info("clustering",
		"pixels", s.NumPixels(),
		"channels", s.Channels,
		"k", cfg.K,
		"max_iterations", cfg.MaxIterations,
	)

	res := Result{}
	for res.Iterations < cfg.MaxIterations {
		changed, err := sess.Assign()
		if err != nil {
			return Result{}, fmt.Errorf("assign, iteration %d: %w", res.Iterations, err)
		}
		log.Debug("assigned", "iteration", res.Iterations, "changed", changed)
		if !changed {
			res.Converged = true
			break
		}

		if err := sess.Update(); err != nil {
			return Result{}, fmt.Errorf("update, iteration %d: %w", res.Iterations, err)
		}
		res.Iterations++
	}

	if err := sess.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync: %w", err)
	}
	res.Distortion = s.Distortion()
	res.Centers = s.Centers.Clone()
	res.Labels = append([]int(nil), s.Labels...)

	pixels := s.Pixels
	s.Pixels = make([]byte, len(pixels))
	reconstructErr := sess.Reconstruct()
	reconstructed := s.Pixels
	s.Pixels = pixels
	if reconstructErr != nil {
		return Result{}, fmt.Errorf("reconstruct: %w", reconstructErr)
	}

	closed = true
	if err := sess.Close(); err != nil {
		return Result{}, fmt.Errorf("close %s session: %w", backend.Name(), err)
	}
	copy(s.Pixels, reconstructed)

	log.LogAttrs(context.Background(), slog.LevelInfo, "clustered",
		slog.Int("iterations", res.Iterations),
		slog.Bool("converged", res.Converged),
		slog.Float64("distortion", res.Distortion),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}
