package kmeans

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildHost(t *testing.T, groupSize int) Program {
	t.Helper()
	p, err := (&HostDevice{}).Build(DefaultKernels(), BuildOptions{WorkGroupSize: groupSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Release() })
	return p
}

func TestDefaultKernels(t *testing.T) {
	src := DefaultKernels()
	for _, k := range Kernels {
		assert.Contains(t, src[k], "void main()", "kernel %s", k)
		assert.Contains(t, src[k], "WORKGROUP_SIZE", "kernel %s", k)
	}
}

func TestHostDeviceBuild(t *testing.T) {
	t.Run("missing entry point", func(t *testing.T) {
		src := DefaultKernels()
		src[KernelMean] = "  "

		_, err := (&HostDevice{}).Build(src, BuildOptions{WorkGroupSize: 8})
		var buildErr *BuildError
		require.ErrorAs(t, err, &buildErr)
		assert.Equal(t, KernelMean, buildErr.Kernel)
		assert.EqualError(t, err, "build kernel centers_mean: no source for entry point")
	})

	t.Run("unknown entry point", func(t *testing.T) {
		src := DefaultKernels()
		src["histogram"] = "void main() {}"

		_, err := (&HostDevice{}).Build(src, BuildOptions{WorkGroupSize: 8})
		var buildErr *BuildError
		require.ErrorAs(t, err, &buildErr)
		assert.Equal(t, Kernel("histogram"), buildErr.Kernel)
	})

	t.Run("bad work-group size", func(t *testing.T) {
		_, err := (&HostDevice{}).Build(DefaultKernels(), BuildOptions{})
		assert.ErrorIs(t, err, ErrAcceleratorLimits)
	})
}

func TestHostProgramBuffers(t *testing.T) {
	p := buildHost(t, 4)

	require.NoError(t, p.Alloc(BindCounts, []uint32{1, 2, 3}))
	assert.Error(t, p.Alloc(BindCenters, []uint32{1}), "centers hold float32")
	assert.Error(t, p.Write(BindCounts, []uint32{1}), "length mismatch")
	assert.Error(t, p.Write(BindSums, []uint32{1}), "not allocated")

	got := make([]uint32, 3)
	require.NoError(t, p.Read(BindCounts, got))
	assert.Equal(t, []uint32{1, 2, 3}, got)

	require.NoError(t, p.Write(BindCounts, []uint32{4, 5, 6}))
	require.NoError(t, p.Read(BindCounts, got))
	assert.Equal(t, []uint32{4, 5, 6}, got)

	require.NoError(t, p.Release())
	assert.ErrorIs(t, p.Read(BindCounts, got), errReleased)
	assert.NoError(t, p.Release())
}

// loadProgram allocates every buffer for a run over pixels with the given
// labels and centers.
func loadProgram(t *testing.T, p Program, pixels []byte, labels []int32, centers []float32, k int) {
	t.Helper()
	channels := len(pixels) / len(labels)
	require.NoError(t, p.Alloc(BindPixels, widenPixels(pixels)))
	require.NoError(t, p.Alloc(BindCenters, centers))
	require.NoError(t, p.Alloc(BindLabels, labels))
	require.NoError(t, p.Alloc(BindDistances, make([]float32, len(labels))))
	require.NoError(t, p.Alloc(BindCounts, make([]uint32, k)))
	require.NoError(t, p.Alloc(BindSums, make([]uint32, k*channels)))
	require.NoError(t, p.Alloc(BindChanged, []uint32{0}))
}

func TestHostKernels(t *testing.T) {
	pixels := twoTones()
	params := Params{Pixels: 16, Channels: 3, Clusters: 2}

	// group size 3 leaves a partial last group
	p := buildHost(t, 3)
	loadProgram(t, p, pixels, make([]int32, 16), []float32{10, 20, 30, 194, 174, 166}, 2)

	t.Run("assign", func(t *testing.T) {
		require.NoError(t, p.Dispatch(KernelAssign, groupsFor(16, 3), params))

		changed := []uint32{0}
		require.NoError(t, p.Read(BindChanged, changed))
		assert.Equal(t, []uint32{1}, changed)

		labels := make([]int32, 16)
		require.NoError(t, p.Read(BindLabels, labels))
		for i, label := range labels {
			want := int32(0)
			if i%4 >= 2 {
				want = 1
			}
			assert.Equal(t, want, label, "pixel %d", i)
		}

		distances := make([]float32, 16)
		require.NoError(t, p.Read(BindDistances, distances))
		assert.Equal(t, float32(0), distances[0])
		assert.Equal(t, float32(3), distances[1])
	})

	t.Run("partial sums and means", func(t *testing.T) {
		require.NoError(t, p.Dispatch(KernelPartialSum, groupsFor(16, 3), params))
		require.NoError(t, p.Dispatch(KernelMean, groupsFor(2, 3), params))
		require.NoError(t, p.Finish())

		counts := make([]uint32, 2)
		require.NoError(t, p.Read(BindCounts, counts))
		assert.Equal(t, []uint32{8, 8}, counts)

		sums := make([]uint32, 6)
		require.NoError(t, p.Read(BindSums, sums))
		assert.Equal(t, []uint32{96, 176, 256, 1568, 1408, 1312}, sums)

		centers := make([]float32, 6)
		require.NoError(t, p.Read(BindCenters, centers))
		assert.Equal(t, []float32{12, 22, 32, 196, 176, 164}, centers)
	})

	t.Run("write back", func(t *testing.T) {
		require.NoError(t, p.Dispatch(KernelWriteBack, groupsFor(16, 3), params))

		got := make([]uint32, len(pixels))
		require.NoError(t, p.Read(BindPixels, got))
		for i := 0; i < 16; i++ {
			want := []uint32{12, 22, 32}
			if i%4 >= 2 {
				want = []uint32{196, 176, 164}
			}
			assert.Equal(t, want, got[i*3:i*3+3], "pixel %d", i)
		}
	})
}

func TestHostKernelFault(t *testing.T) {
	p := buildHost(t, 4)
	loadProgram(t, p, twoTones(), []int32{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 7}, make([]float32, 6), 2)

	require.NoError(t, p.Dispatch(KernelPartialSum, 4, Params{Pixels: 16, Channels: 3, Clusters: 2}))
	err := p.Finish()
	assert.ErrorContains(t, err, "kernel partial_sum_centers")
	assert.ErrorContains(t, err, "label 7")
}

func TestHostDispatchValidation(t *testing.T) {
	p := buildHost(t, 4)
	assert.Error(t, p.Dispatch("histogram", 1, Params{}))
	assert.Error(t, p.Dispatch(KernelAssign, -1, Params{}))
}
