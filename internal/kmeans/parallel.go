package kmeans

import (
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc/pool"
)

// Parallel splits the pixels into Threads contiguous ranges, one per worker.
// Center sums are reduced from per-worker partials merged in worker order;
// the division into means and the empty cluster repair stay single-threaded.
type Parallel struct {
	Threads int
}

func (Parallel) Name() string { return "parallel" }

func (p Parallel) Start(s *State, log *slog.Logger) (Session, error) {
	if p.Threads < 2 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidThreads, p.Threads)
	}

	k := s.Centers.Len()
	ranges := splitRange(s.NumPixels(), p.Threads)
	ps := &parallelSession{
		state:   s,
		log:     log,
		ranges:  ranges,
		changed: make([]bool, len(ranges)),
		sums:    NewCenters(k, s.Channels),
		counts:  make([]int, k),
	}
	for range ranges {
		ps.partialSums = append(ps.partialSums, NewCenters(k, s.Channels))
		ps.partialCounts = append(ps.partialCounts, make([]int, k))
	}
	return ps, nil
}

type pixelRange struct{ lo, hi int }

// splitRange cuts [0, n) into parts contiguous ranges whose sizes differ by at
// most one.
func splitRange(n, parts int) []pixelRange {
	ranges := make([]pixelRange, parts)
	size, rest := n/parts, n%parts
	lo := 0
	for i := range ranges {
		hi := lo + size
		if i < rest {
			hi++
		}
		ranges[i] = pixelRange{lo, hi}
		lo = hi
	}
	return ranges
}

type parallelSession struct {
	state  *State
	log    *slog.Logger
	ranges []pixelRange

	changed       []bool
	partialSums   []*Centers
	partialCounts [][]int
	sums          *Centers
	counts        []int
}

// fork runs f once per worker range and joins.
func (ps *parallelSession) fork(f func(worker int, r pixelRange)) {
	p := pool.New().WithMaxGoroutines(len(ps.ranges))
	for worker, r := range ps.ranges {
		worker, r := worker, r
		p.Go(func() {
			f(worker, r)
		})
	}
	p.Wait()
}

func (ps *parallelSession) Assign() (bool, error) {
	ps.fork(func(worker int, r pixelRange) {
		ps.changed[worker] = assignRange(ps.state, r.lo, r.hi)
	})
	for _, changed := range ps.changed {
		if changed {
			return true, nil
		}
	}
	return false, nil
}

func (ps *parallelSession) Update() error {
	ps.fork(func(worker int, r pixelRange) {
		sums, counts := ps.partialSums[worker], ps.partialCounts[worker]
		sums.Reset()
		for i := range counts {
			counts[i] = 0
		}
		accumulateRange(ps.state, sums, counts, r.lo, r.hi)
	})

	ps.sums.Reset()
	for i := range ps.counts {
		ps.counts[i] = 0
	}
	for worker, partial := range ps.partialSums {
		for i, v := range partial.values {
			ps.sums.values[i] += v
		}
		for i, c := range ps.partialCounts[worker] {
			ps.counts[i] += c
		}
	}

	if repaired := finalize(ps.state, ps.sums, ps.counts); repaired > 0 {
		ps.log.Debug("repaired empty clusters", "count", repaired)
	}
	return nil
}

func (ps *parallelSession) Reconstruct() error {
	ps.fork(func(_ int, r pixelRange) {
		reconstructRange(ps.state, r.lo, r.hi)
	})
	return nil
}

func (*parallelSession) Sync() error  { return nil }
func (*parallelSession) Close() error { return nil }
