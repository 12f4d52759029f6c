package kmeans

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const DefaultWorkGroupSize = 256

// Accelerator offloads the phases to compute kernels on Device. Pixels,
// centers, labels, distances, counts and the changed flag live in device
// buffers for the whole run; only the changed flag crosses back to the host
// every iteration. Empty clusters are repaired on the host with the same
// farthest-pixel policy as the other backends, which costs a read of the
// distances in the iterations where a cluster empties.
//
// The device computes in float32, so centers may differ from the host
// backends in the last bits.
type Accelerator struct {
	Device Device
	// Kernels overrides DefaultKernels.
	Kernels KernelSource
	// WorkGroupSize only affects performance. Zero means DefaultWorkGroupSize.
	WorkGroupSize int
}

func (Accelerator) Name() string { return "accelerator" }

func (a Accelerator) workGroupSize() int {
	if a.WorkGroupSize == 0 {
		return DefaultWorkGroupSize
	}
	return a.WorkGroupSize
}

func (a Accelerator) validate(s *State) error {
	if a.Device == nil {
		return ErrNoDevice
	}
	if ws := a.workGroupSize(); ws < 1 || ws > MaxWorkGroupSize {
		return fmt.Errorf("%w: work-group size %d not in [1, %d]", ErrAcceleratorLimits, ws, MaxWorkGroupSize)
	}
	if slots := s.Centers.Len() * (s.Channels + 1); slots > MaxSharedSlots {
		return fmt.Errorf("%w: k*(channels+1)=%d exceeds %d", ErrAcceleratorLimits, slots, MaxSharedSlots)
	}
	if n := s.NumPixels(); n > MaxAcceleratorPixels {
		return fmt.Errorf("%w: %d pixels exceeds %d", ErrAcceleratorLimits, n, MaxAcceleratorPixels)
	}
	return nil
}

func (a Accelerator) Start(s *State, log *slog.Logger) (_ Session, err error) {
	if err := a.validate(s); err != nil {
		return nil, err
	}

	src := a.Kernels
	if src == nil {
		src = DefaultKernels()
	}
	ws := a.workGroupSize()

	start := time.Now()
	prog, err := a.Device.Build(src, BuildOptions{WorkGroupSize: ws})
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", a.Device.Name(), err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, prog.Release())
		}
	}()
	log.Debug("kernels built", "device", a.Device.Name(), "work_group_size", ws, "elapsed", time.Since(start))

	k, n := s.Centers.Len(), s.NumPixels()
	as := &acceleratorSession{
		state: s,
		log:   log,
		prog:  prog,
		params: Params{
			Pixels:   int32(n),
			Channels: int32(s.Channels),
			Clusters: int32(k),
		},
		pixelGroups:   groupsFor(n, ws),
		clusterGroups: groupsFor(k, ws),
		counts:        make([]uint32, k),
		sums:          make([]uint32, k*s.Channels),
		changed:       make([]uint32, 1),
	}

	start = time.Now()
	for _, buf := range []struct {
		binding Binding
		data    any
	}{
		{BindPixels, widenPixels(s.Pixels)},
		{BindCenters, toFloat32(s.Centers.values)},
		{BindLabels, toInt32(s.Labels)},
		{BindDistances, toFloat32(s.Distances)},
		{BindCounts, as.counts},
		{BindSums, as.sums},
		{BindChanged, as.changed},
	} {
		if err := prog.Alloc(buf.binding, buf.data); err != nil {
			return nil, fmt.Errorf("alloc %s buffer: %w", buf.binding, err)
		}
	}
	as.timings.transfer = time.Since(start)
	return as, nil
}

func groupsFor(items, groupSize int) int {
	return (items + groupSize - 1) / groupSize
}

type acceleratorTimings struct {
	transfer, assign, readChanged, partialSum, mean, repair, writeBack, readBack time.Duration
}

type acceleratorSession struct {
	state  *State
	log    *slog.Logger
	prog   Program
	params Params

	pixelGroups, clusterGroups int

	// host scratch, reused across iterations
	counts  []uint32
	sums    []uint32
	changed []uint32

	timings  acceleratorTimings
	released bool
}

func (as *acceleratorSession) Assign() (bool, error) {
	start := time.Now()
	as.changed[0] = 0
	if err := as.prog.Write(BindChanged, as.changed); err != nil {
		return false, err
	}
	if err := as.prog.Dispatch(KernelAssign, as.pixelGroups, as.params); err != nil {
		return false, err
	}
	if err := as.prog.Finish(); err != nil {
		return false, err
	}
	as.timings.assign += time.Since(start)

	start = time.Now()
	if err := as.prog.Read(BindChanged, as.changed); err != nil {
		return false, err
	}
	as.timings.readChanged += time.Since(start)
	return as.changed[0] != 0, nil
}

func (as *acceleratorSession) Update() error {
	start := time.Now()
	clear(as.sums)
	clear(as.counts)
	if err := as.prog.Write(BindSums, as.sums); err != nil {
		return err
	}
	if err := as.prog.Write(BindCounts, as.counts); err != nil {
		return err
	}
	if err := as.prog.Dispatch(KernelPartialSum, as.pixelGroups, as.params); err != nil {
		return err
	}
	if err := as.prog.Finish(); err != nil {
		return err
	}
	as.timings.partialSum += time.Since(start)

	start = time.Now()
	if err := as.prog.Dispatch(KernelMean, as.clusterGroups, as.params); err != nil {
		return err
	}
	if err := as.prog.Finish(); err != nil {
		return err
	}
	as.timings.mean += time.Since(start)

	start = time.Now()
	defer func() { as.timings.repair += time.Since(start) }()
	if err := as.prog.Read(BindCounts, as.counts); err != nil {
		return err
	}
	return as.repair()
}

// repair runs the host empty cluster policy on a copy of the device state and
// writes the touched centers and distances back.
func (as *acceleratorSession) repair() error {
	var empty []int
	for cluster, count := range as.counts {
		if count == 0 {
			empty = append(empty, cluster)
		}
	}
	if len(empty) == 0 {
		return nil
	}

	if err := as.pullCenters(); err != nil {
		return err
	}
	if err := as.pullDistances(); err != nil {
		return err
	}
	for _, cluster := range empty {
		donor := repairEmpty(as.state, as.state.Centers, cluster)
		as.log.Debug("repaired empty cluster", "cluster", cluster, "donor", donor)
	}
	if err := as.prog.Write(BindCenters, toFloat32(as.state.Centers.values)); err != nil {
		return err
	}
	return as.prog.Write(BindDistances, toFloat32(as.state.Distances))
}

func (as *acceleratorSession) pullCenters() error {
	centers := make([]float32, len(as.state.Centers.values))
	if err := as.prog.Read(BindCenters, centers); err != nil {
		return err
	}
	for i, v := range centers {
		as.state.Centers.values[i] = float64(v)
	}
	return nil
}

func (as *acceleratorSession) pullDistances() error {
	distances := make([]float32, len(as.state.Distances))
	if err := as.prog.Read(BindDistances, distances); err != nil {
		return err
	}
	for i, v := range distances {
		as.state.Distances[i] = float64(v)
	}
	return nil
}

func (as *acceleratorSession) Sync() error {
	labels := make([]int32, len(as.state.Labels))
	if err := as.prog.Read(BindLabels, labels); err != nil {
		return err
	}
	for i, v := range labels {
		as.state.Labels[i] = int(v)
	}
	if err := as.pullDistances(); err != nil {
		return err
	}
	return as.pullCenters()
}

// Reconstruct reads the written-back pixels into scratch memory first, so the
// caller's buffer is only touched once the whole transfer succeeded.
func (as *acceleratorSession) Reconstruct() error {
	start := time.Now()
	if err := as.prog.Dispatch(KernelWriteBack, as.pixelGroups, as.params); err != nil {
		return err
	}
	if err := as.prog.Finish(); err != nil {
		return err
	}
	as.timings.writeBack = time.Since(start)

	start = time.Now()
	pixels := make([]uint32, len(as.state.Pixels))
	if err := as.prog.Read(BindPixels, pixels); err != nil {
		return err
	}
	for i, v := range pixels {
		as.state.Pixels[i] = byte(v)
	}
	as.timings.readBack = time.Since(start)
	return nil
}

func (as *acceleratorSession) Close() error {
	if as.released {
		return nil
	}
	as.released = true

	t := as.timings
	as.log.Debug("device timings",
		"transfer", t.transfer,
		"assign", t.assign,
		"read_changed", t.readChanged,
		"partial_sum", t.partialSum,
		"mean", t.mean,
		"repair", t.repair,
		"write_back", t.writeBack,
		"read_back", t.readBack,
	)
	return as.prog.Release()
}

func widenPixels(pixels []byte) []uint32 {
	res := make([]uint32, len(pixels))
	for i, v := range pixels {
		res[i] = uint32(v)
	}
	return res
}

func toFloat32(values []float64) []float32 {
	res := make([]float32, len(values))
	for i, v := range values {
		res[i] = float32(v)
	}
	return res
}

func toInt32(values []int) []int32 {
	res := make([]int32, len(values))
	for i, v := range values {
		res[i] = int32(v)
	}
	return res
}
