package kmeans

import (
	"embed"
	"fmt"
	"math"
	"strings"
)

// Kernel names a compute entry point.
type Kernel string

const (
	KernelAssign     Kernel = "assign_pixels"
	KernelPartialSum Kernel = "partial_sum_centers"
	KernelMean       Kernel = "centers_mean"
	KernelWriteBack  Kernel = "update_data"
)

// Kernels lists the entry points a device program must provide.
var Kernels = []Kernel{KernelAssign, KernelPartialSum, KernelMean, KernelWriteBack}

// Binding is the slot of a device buffer. GL devices use it as the shader
// storage binding index.
type Binding uint32

// Element types per binding: pixels []uint32 (one channel value per element),
// centers []float32, labels []int32, distances []float32, counts []uint32,
// sums []uint32, changed []uint32 of length 1.
const (
	BindPixels Binding = iota
	BindCenters
	BindLabels
	BindDistances
	BindCounts
	BindSums
	BindChanged
)

func (b Binding) String() string {
	switch b {
	case BindPixels:
		return "pixels"
	case BindCenters:
		return "centers"
	case BindLabels:
		return "labels"
	case BindDistances:
		return "distances"
	case BindCounts:
		return "counts"
	case BindSums:
		return "sums"
	case BindChanged:
		return "changed"
	default:
		return fmt.Sprintf("binding(%d)", uint32(b))
	}
}

const (
	// MaxSharedSlots bounds k*(channels+1), the per work-group scratch used by
	// the partial sum kernel.
	MaxSharedSlots = 1024
	// MaxWorkGroupSize bounds BuildOptions.WorkGroupSize.
	MaxWorkGroupSize = 1024
	// MaxAcceleratorPixels keeps 255*pixels inside a uint32 channel sum.
	MaxAcceleratorPixels = math.MaxUint32 / 255
)

// KernelSource maps entry points to their program text.
type KernelSource map[Kernel]string

//go:embed kernels/*.comp
var kernelFiles embed.FS

// DefaultKernels returns the GLSL compute shaders shipped with the package.
func DefaultKernels() KernelSource {
	src := KernelSource{}
	for _, k := range Kernels {
		b, err := kernelFiles.ReadFile("kernels/" + string(k) + ".comp")
		if err != nil {
			panic(fmt.Sprintf("embedded kernel %s: %v", k, err))
		}
		src[k] = string(b)
	}
	return src
}

type BuildOptions struct {
	WorkGroupSize int
}

// BuildError reports a kernel that could not be compiled or linked.
type BuildError struct {
	Kernel Kernel
	Log    string
}

func (e *BuildError) Error() string {
	if log := strings.TrimSpace(e.Log); log != "" {
		return fmt.Sprintf("build kernel %s: %s", e.Kernel, log)
	}
	return fmt.Sprintf("build kernel %s", e.Kernel)
}

// Params are the scalar arguments passed to every kernel.
type Params struct {
	Pixels   int32
	Channels int32
	Clusters int32
}

// Device is a compute device with its own memory.
type Device interface {
	Name() string
	// Build compiles every entry point of src.
	Build(src KernelSource, opts BuildOptions) (Program, error)
}

// Program is a built kernel set with the buffers it runs on and a single
// in-order command queue.
type Program interface {
	// Alloc creates the buffer at b initialized with a copy of data.
	Alloc(b Binding, data any) error
	// Write replaces the contents of the buffer at b.
	Write(b Binding, data any) error
	// Read drains the queue and copies the buffer at b into dst.
	Read(b Binding, dst any) error
	// Dispatch enqueues groups work-groups of kernel k.
	Dispatch(k Kernel, groups int, p Params) error
	// Finish blocks until every enqueued dispatch has completed.
	Finish() error
	// Release frees the buffers and the kernels.
	Release() error
}
