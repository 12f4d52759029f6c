package kmeans

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var errReleased = errors.New("program released")

// HostDevice executes the kernels as Go code on the CPU. It follows the
// device model closely: buffers are separate from host memory, dispatches
// queue up and run in order, work-groups of a dispatch run concurrently and
// all arithmetic is float32 like on a GPU. Useful for tests and for machines
// without a GPU.
type HostDevice struct {
	// Workers bounds the number of concurrently executing work-groups. Zero
	// means GOMAXPROCS.
	Workers int
}

func (*HostDevice) Name() string { return "host" }

// hostKernel processes one work-group.
type hostKernel func(m *hostMemory, p Params, group, groupSize int) error

var hostKernels = map[Kernel]hostKernel{
	KernelAssign:     hostAssign,
	KernelPartialSum: hostPartialSum,
	KernelMean:       hostMean,
	KernelWriteBack:  hostWriteBack,
}

func (d *HostDevice) Build(src KernelSource, opts BuildOptions) (Program, error) {
	if opts.WorkGroupSize < 1 || opts.WorkGroupSize > MaxWorkGroupSize {
		return nil, fmt.Errorf("%w: work-group size %d not in [1, %d]", ErrAcceleratorLimits, opts.WorkGroupSize, MaxWorkGroupSize)
	}
	for _, k := range Kernels {
		if strings.TrimSpace(src[k]) == "" {
			return nil, &BuildError{Kernel: k, Log: "no source for entry point"}
		}
	}
	for k := range src {
		if _, ok := hostKernels[k]; !ok {
			return nil, &BuildError{Kernel: k, Log: "unknown entry point"}
		}
	}

	workers := d.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &hostProgram{
		workers:   workers,
		groupSize: opts.WorkGroupSize,
	}, nil
}

type hostMemory struct {
	pixels    []uint32
	centers   []float32
	labels    []int32
	distances []float32
	counts    []uint32
	sums      []uint32
	changed   []uint32
}

type hostDispatch struct {
	kernel Kernel
	groups int
	params Params
}

type hostProgram struct {
	workers   int
	groupSize int
	mem       hostMemory
	queue     []hostDispatch
	released  bool
}

func cloneBuffer[T any](b Binding, data any) ([]T, error) {
	src, ok := data.([]T)
	if !ok {
		return nil, fmt.Errorf("%s buffer holds %T, got %T", b, []T(nil), data)
	}
	return append([]T(nil), src...), nil
}

func copyBuffer[T any](b Binding, dst []T, data any) error {
	src, ok := data.([]T)
	if !ok {
		return fmt.Errorf("%s buffer holds %T, got %T", b, []T(nil), data)
	}
	if dst == nil {
		return fmt.Errorf("%s buffer is not allocated", b)
	}
	if len(src) != len(dst) {
		return fmt.Errorf("%s buffer has %d elements, got %d", b, len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

func readBuffer[T any](b Binding, src []T, dst any) error {
	d, ok := dst.([]T)
	if !ok {
		return fmt.Errorf("%s buffer holds %T, got %T", b, []T(nil), dst)
	}
	if src == nil {
		return fmt.Errorf("%s buffer is not allocated", b)
	}
	if len(src) != len(d) {
		return fmt.Errorf("%s buffer has %d elements, got %d", b, len(src), len(d))
	}
	copy(d, src)
	return nil
}

func (p *hostProgram) Alloc(b Binding, data any) error {
	if p.released {
		return errReleased
	}

	var err error
	switch b {
	case BindPixels:
		p.mem.pixels, err = cloneBuffer[uint32](b, data)
	case BindCenters:
		p.mem.centers, err = cloneBuffer[float32](b, data)
	case BindLabels:
		p.mem.labels, err = cloneBuffer[int32](b, data)
	case BindDistances:
		p.mem.distances, err = cloneBuffer[float32](b, data)
	case BindCounts:
		p.mem.counts, err = cloneBuffer[uint32](b, data)
	case BindSums:
		p.mem.sums, err = cloneBuffer[uint32](b, data)
	case BindChanged:
		p.mem.changed, err = cloneBuffer[uint32](b, data)
	default:
		err = fmt.Errorf("unknown binding %s", b)
	}
	return err
}

func (p *hostProgram) Write(b Binding, data any) error {
	if err := p.Finish(); err != nil {
		return err
	}

	switch b {
	case BindPixels:
		return copyBuffer(b, p.mem.pixels, data)
	case BindCenters:
		return copyBuffer(b, p.mem.centers, data)
	case BindLabels:
		return copyBuffer(b, p.mem.labels, data)
	case BindDistances:
		return copyBuffer(b, p.mem.distances, data)
	case BindCounts:
		return copyBuffer(b, p.mem.counts, data)
	case BindSums:
		return copyBuffer(b, p.mem.sums, data)
	case BindChanged:
		return copyBuffer(b, p.mem.changed, data)
	default:
		return fmt.Errorf("unknown binding %s", b)
	}
}

func (p *hostProgram) Read(b Binding, dst any) error {
	if err := p.Finish(); err != nil {
		return err
	}

	switch b {
	case BindPixels:
		return readBuffer(b, p.mem.pixels, dst)
	case BindCenters:
		return readBuffer(b, p.mem.centers, dst)
	case BindLabels:
		return readBuffer(b, p.mem.labels, dst)
	case BindDistances:
		return readBuffer(b, p.mem.distances, dst)
	case BindCounts:
		return readBuffer(b, p.mem.counts, dst)
	case BindSums:
		return readBuffer(b, p.mem.sums, dst)
	case BindChanged:
		return readBuffer(b, p.mem.changed, dst)
	default:
		return fmt.Errorf("unknown binding %s", b)
	}
}

func (p *hostProgram) Dispatch(k Kernel, groups int, params Params) error {
	if p.released {
		return errReleased
	}
	if _, ok := hostKernels[k]; !ok {
		return fmt.Errorf("unknown kernel %s", k)
	}
	if groups < 0 {
		return fmt.Errorf("negative group count %d", groups)
	}
	p.queue = append(p.queue, hostDispatch{kernel: k, groups: groups, params: params})
	return nil
}

// Finish runs the queued dispatches in order. A dispatch starts only after
// every work-group of the previous one has completed.
func (p *hostProgram) Finish() error {
	if p.released {
		return errReleased
	}

	queue := p.queue
	p.queue = nil
	for _, d := range queue {
		if err := p.run(d); err != nil {
			return fmt.Errorf("kernel %s: %w", d.kernel, err)
		}
	}
	return nil
}

func (p *hostProgram) run(d hostDispatch) error {
	kernel := hostKernels[d.kernel]

	var g errgroup.Group
	g.SetLimit(p.workers)
	for group := 0; group < d.groups; group++ {
		group := group
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("work-group %d faulted: %v", group, r)
				}
			}()
			return kernel(&p.mem, d.params, group, p.groupSize)
		})
	}
	return g.Wait()
}

func (p *hostProgram) Release() error {
	if p.released {
		return nil
	}
	p.released = true
	p.mem = hostMemory{}
	p.queue = nil
	return nil
}

func groupRange(group, groupSize, items int) (int, int) {
	lo := group * groupSize
	return lo, min(lo+groupSize, items)
}

func hostAssign(m *hostMemory, p Params, group, groupSize int) error {
	c, k := int(p.Channels), int(p.Clusters)
	lo, hi := groupRange(group, groupSize, int(p.Pixels))
	for pixel := lo; pixel < hi; pixel++ {
		best, bestDistance := int32(0), float32(math.MaxFloat32)
		for cluster := 0; cluster < k; cluster++ {
			var distance float32
			for channel := 0; channel < c; channel++ {
				d := float32(m.pixels[pixel*c+channel]) - m.centers[cluster*c+channel]
				distance += float32(d * d)
			}
			if distance < bestDistance {
				best, bestDistance = int32(cluster), distance
			}
		}

		m.distances[pixel] = bestDistance
		if m.labels[pixel] != best {
			m.labels[pixel] = best
			atomic.StoreUint32(&m.changed[0], 1)
		}
	}
	return nil
}

// hostPartialSum sums one work-group into local slots, sums of all clusters
// followed by the counts, then merges the non-zero slots atomically.
func hostPartialSum(m *hostMemory, p Params, group, groupSize int) error {
	c, k := int(p.Channels), int(p.Clusters)
	sumSlots := k * c
	local := make([]uint32, sumSlots+k)

	lo, hi := groupRange(group, groupSize, int(p.Pixels))
	for pixel := lo; pixel < hi; pixel++ {
		label := int(m.labels[pixel])
		if label < 0 || label >= k {
			return fmt.Errorf("pixel %d has label %d outside [0, %d)", pixel, label, k)
		}
		for channel := 0; channel < c; channel++ {
			local[label*c+channel] += m.pixels[pixel*c+channel]
		}
		local[sumSlots+label]++
	}

	for i, v := range local {
		if v == 0 {
			continue
		}
		if i < sumSlots {
			atomic.AddUint32(&m.sums[i], v)
		} else {
			atomic.AddUint32(&m.counts[i-sumSlots], v)
		}
	}
	return nil
}

func hostMean(m *hostMemory, p Params, group, groupSize int) error {
	c := int(p.Channels)
	lo, hi := groupRange(group, groupSize, int(p.Clusters))
	for cluster := lo; cluster < hi; cluster++ {
		count := m.counts[cluster]
		if count == 0 {
			continue
		}
		for channel := 0; channel < c; channel++ {
			i := cluster*c + channel
			m.centers[i] = float32(float64(m.sums[i]) / float64(count))
		}
	}
	return nil
}

func hostWriteBack(m *hostMemory, p Params, group, groupSize int) error {
	c := int(p.Channels)
	lo, hi := groupRange(group, groupSize, int(p.Pixels))
	for pixel := lo; pixel < hi; pixel++ {
		label := int(m.labels[pixel])
		for channel := 0; channel < c; channel++ {
			m.pixels[pixel*c+channel] = uint32(roundChannel(float64(m.centers[label*c+channel])))
		}
	}
	return nil
}
