package kmeans

import "log/slog"

// Sequential runs every phase on the calling goroutine. Its output is the
// reference the other backends are compared against.
type Sequential struct{}

func (Sequential) Name() string { return "sequential" }

func (Sequential) Start(s *State, log *slog.Logger) (Session, error) {
	return &sequentialSession{
		state:  s,
		log:    log,
		sums:   NewCenters(s.Centers.Len(), s.Channels),
		counts: make([]int, s.Centers.Len()),
	}, nil
}

type sequentialSession struct {
	state  *State
	log    *slog.Logger
	sums   *Centers
	counts []int
}

func (ss *sequentialSession) Assign() (bool, error) {
	return assignRange(ss.state, 0, ss.state.NumPixels()), nil
}

func (ss *sequentialSession) Update() error {
	ss.sums.Reset()
	for i := range ss.counts {
		ss.counts[i] = 0
	}
	accumulateRange(ss.state, ss.sums, ss.counts, 0, ss.state.NumPixels())
	if repaired := finalize(ss.state, ss.sums, ss.counts); repaired > 0 {
		ss.log.Debug("repaired empty clusters", "count", repaired)
	}
	return nil
}

func (ss *sequentialSession) Reconstruct() error {
	reconstructRange(ss.state, 0, ss.state.NumPixels())
	return nil
}

func (*sequentialSession) Sync() error  { return nil }
func (*sequentialSession) Close() error { return nil }
