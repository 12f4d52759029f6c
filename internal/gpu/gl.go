// Package gpu runs the k-means kernels as OpenGL 4.3 compute shaders.
//
// Every call must come from the goroutine that opened the Device, and that
// goroutine must be locked to its OS thread (runtime.LockOSThread).
// Requires libgl1-mesa-dev, xorg-dev packages.
package gpu

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/go-gl/gl/v4.3-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/rprtr258/fimgs/internal/kmeans"
)

// Device is a headless OpenGL context.
type Device struct {
	window   *glfw.Window
	renderer string
}

var _ kmeans.Device = (*Device)(nil)

func Open() (*Device, error) {
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("couldn't initialize GLFW: %w", err)
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 3)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)

	// Size (1, 1), the window is never shown
	window, err := glfw.CreateWindow(1, 1, "fimgs", nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("couldn't create window: %w", err)
	}
	window.MakeContextCurrent()

	if err := gl.Init(); err != nil {
		window.Destroy()
		glfw.Terminate()
		return nil, fmt.Errorf("couldn't initialize glow: %w", err)
	}

	return &Device{
		window:   window,
		renderer: gl.GoStr(gl.GetString(gl.RENDERER)),
	}, nil
}

func (d *Device) Name() string { return d.renderer }

func (d *Device) Close() {
	d.window.Destroy()
	glfw.Terminate()
}

func (d *Device) Build(src kmeans.KernelSource, opts kmeans.BuildOptions) (kmeans.Program, error) {
	header := fmt.Sprintf("#version 430\n#define WORKGROUP_SIZE %d\n#define MAX_SHARED_SLOTS %d\n",
		opts.WorkGroupSize, kmeans.MaxSharedSlots)

	p := &program{
		kernels: make(map[kmeans.Kernel]kernel, len(kmeans.Kernels)),
		buffers: map[kmeans.Binding]buffer{},
	}
	for _, name := range kmeans.Kernels {
		source, ok := src[name]
		if !ok {
			p.Release()
			return nil, &kmeans.BuildError{Kernel: name, Log: "no source for entry point"}
		}

		id, log, err := linkCompute(header + source)
		if err != nil {
			p.Release()
			return nil, &kmeans.BuildError{Kernel: name, Log: log}
		}
		p.kernels[name] = kernel{
			program:  id,
			pixels:   gl.GetUniformLocation(id, gl.Str("n_pixels\x00")),
			channels: gl.GetUniformLocation(id, gl.Str("n_channels\x00")),
			clusters: gl.GetUniformLocation(id, gl.Str("n_clusters\x00")),
		}
	}
	return p, nil
}

func compileShader(source string, shaderType uint32) (uint32, string, error) {
	shader := gl.CreateShader(shaderType)

	csources, free := gl.Strs(source + "\x00")
	gl.ShaderSource(shader, 1, csources, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)

		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))
		gl.DeleteShader(shader)

		return 0, log, fmt.Errorf("failed to compile shader")
	}
	return shader, "", nil
}

func linkCompute(source string) (uint32, string, error) {
	shader, log, err := compileShader(source, gl.COMPUTE_SHADER)
	if err != nil {
		return 0, log, err
	}
	defer gl.DeleteShader(shader)

	program := gl.CreateProgram()
	gl.AttachShader(program, shader)
	gl.LinkProgram(program)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)

		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		gl.DeleteProgram(program)

		return 0, log, fmt.Errorf("failed to link program")
	}
	return program, "", nil
}

type kernel struct {
	program                    uint32
	pixels, channels, clusters int32
}

type buffer struct {
	id   uint32
	size int
}

type program struct {
	kernels map[kmeans.Kernel]kernel
	buffers map[kmeans.Binding]buffer
}

// raw returns the address and byte size of a buffer slice.
func raw(data any) (unsafe.Pointer, int, error) {
	var n int
	switch v := data.(type) {
	case []uint32:
		n = len(v) * 4
	case []int32:
		n = len(v) * 4
	case []float32:
		n = len(v) * 4
	default:
		return nil, 0, fmt.Errorf("unsupported buffer type %T", data)
	}
	if n == 0 {
		return nil, 0, fmt.Errorf("empty buffer")
	}
	return gl.Ptr(data), n, nil
}

func glError(op string) error {
	if code := gl.GetError(); code != gl.NO_ERROR {
		return fmt.Errorf("%s: gl error 0x%x", op, code)
	}
	return nil
}

func (p *program) Alloc(b kmeans.Binding, data any) error {
	if _, ok := p.buffers[b]; ok {
		return fmt.Errorf("%s buffer already allocated", b)
	}
	ptr, size, err := raw(data)
	if err != nil {
		return fmt.Errorf("%s buffer: %w", b, err)
	}

	var id uint32
	gl.GenBuffers(1, &id)
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, id)
	gl.BufferData(gl.SHADER_STORAGE_BUFFER, size, ptr, gl.DYNAMIC_COPY)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, uint32(b), id)
	p.buffers[b] = buffer{id: id, size: size}
	return glError("alloc " + b.String())
}

func (p *program) lookup(b kmeans.Binding, data any) (buffer, unsafe.Pointer, error) {
	buf, ok := p.buffers[b]
	if !ok {
		return buffer{}, nil, fmt.Errorf("%s buffer is not allocated", b)
	}
	ptr, size, err := raw(data)
	if err != nil {
		return buffer{}, nil, fmt.Errorf("%s buffer: %w", b, err)
	}
	if size != buf.size {
		return buffer{}, nil, fmt.Errorf("%s buffer has %d bytes, got %d", b, buf.size, size)
	}
	return buf, ptr, nil
}

func (p *program) Write(b kmeans.Binding, data any) error {
	buf, ptr, err := p.lookup(b, data)
	if err != nil {
		return err
	}
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, buf.id)
	gl.BufferSubData(gl.SHADER_STORAGE_BUFFER, 0, buf.size, ptr)
	return glError("write " + b.String())
}

func (p *program) Read(b kmeans.Binding, dst any) error {
	buf, ptr, err := p.lookup(b, dst)
	if err != nil {
		return err
	}
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, buf.id)
	gl.GetBufferSubData(gl.SHADER_STORAGE_BUFFER, 0, buf.size, ptr)
	return glError("read " + b.String())
}

func (p *program) Dispatch(k kmeans.Kernel, groups int, params kmeans.Params) error {
	kern, ok := p.kernels[k]
	if !ok {
		return fmt.Errorf("unknown kernel %s", k)
	}
	if groups == 0 {
		return nil
	}

	gl.UseProgram(kern.program)
	gl.Uniform1i(kern.pixels, params.Pixels)
	gl.Uniform1i(kern.channels, params.Channels)
	gl.Uniform1i(kern.clusters, params.Clusters)
	gl.DispatchCompute(uint32(groups), 1, 1)
	// make shader writes visible to the next dispatch and to buffer reads
	gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT | gl.BUFFER_UPDATE_BARRIER_BIT)
	return glError("dispatch " + string(k))
}

func (p *program) Finish() error {
	gl.Finish()
	return glError("finish")
}

func (p *program) Release() error {
	for b, buf := range p.buffers {
		gl.DeleteBuffers(1, &buf.id)
		delete(p.buffers, b)
	}
	for k, kern := range p.kernels {
		gl.DeleteProgram(kern.program)
		delete(p.kernels, k)
	}
	return glError("release")
}
