// Package webgpu implements the device binding interface on WebGPU using
// go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO bindings.
package webgpu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/loom-gpu/loom/internal/codegen"
	"github.com/loom-gpu/loom/internal/device"
)

// Device implements device.Device on a WebGPU adapter. Kernel pipelines
// are cached per artifact key and candidate; launches execute on the
// device's default queue and return after the submission has drained, so
// the dispatcher's completion state matches the hardware.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	wdev     *wgpu.Device
	queue    *wgpu.Queue

	// Pipeline cache, read-mostly after warm-up.
	mu        sync.RWMutex
	pipelines map[string]*wgpu.ComputePipeline

	// fence is a scratch buffer read back after each launch to block
	// until the queue drains.
	fence *wgpu.Buffer
}

// New opens the high-performance adapter. Returns an error if WebGPU is
// unavailable or initialization fails.
func New() (dev *Device, err error) {
	// Recover from panic if the wgpu native library is not found.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance, instanceErr := wgpu.CreateInstance(nil)
	if instanceErr != nil {
		return nil, fmt.Errorf("webgpu: failed to create instance: %w", instanceErr)
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", adapterErr)
	}

	wdev, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", deviceErr)
	}

	queue := wdev.GetQueue()
	if queue == nil {
		wdev.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	d := &Device{
		instance:  instance,
		adapter:   adapter,
		wdev:      wdev,
		queue:     queue,
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}
	d.fence = wdev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  4,
	})
	return d, nil
}

// Name implements device.Device. The name keys persisted autotune entries;
// it must be stable across runs on the same adapter.
func (d *Device) Name() string { return "webgpu" }

type gpuBuffer struct {
	buf  *wgpu.Buffer
	size int
}

func (b *gpuBuffer) Size() int { return b.size }

// Alloc implements device.Device.
func (d *Device) Alloc(size int) (buf device.Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("webgpu: alloc %d bytes: %v: %w", size, r, device.ErrOutOfMemory)
		}
	}()
	b := d.wdev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  uint64(size), //nolint:gosec // G115: size is non-negative
	})
	return &gpuBuffer{buf: b, size: size}, nil
}

// Free implements device.Device.
func (d *Device) Free(b device.Buffer) {
	b.(*gpuBuffer).buf.Release()
}

// Write implements device.Device. Data is uploaded through a staging
// buffer mapped at creation, then copied on the queue to preserve
// submission order against in-flight kernels.
func (d *Device) Write(dst device.Buffer, data []byte) error {
	gb := dst.(*gpuBuffer)
	if len(data) > gb.size {
		return fmt.Errorf("webgpu: write of %d bytes exceeds buffer size %d", len(data), gb.size)
	}

	size := uint64(len(data))
	staging := d.wdev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()

	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, data)
	staging.Unmap()

	encoder := d.wdev.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, gb.buf, 0, size)
	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)
	return nil
}

// Read implements device.Device. Uses a staging buffer since storage
// buffers cannot be mapped directly; MapAsync blocks until the queue has
// drained, which orders the read after every prior submission.
func (d *Device) Read(src device.Buffer, dst []byte) error {
	gb := src.(*gpuBuffer)
	if len(dst) > gb.size {
		return fmt.Errorf("webgpu: read of %d bytes exceeds buffer size %d", len(dst), gb.size)
	}
	data, err := d.readBuffer(gb.buf, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (d *Device) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := d.wdev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.wdev.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)

	if err := staging.MapAsync(d.wdev, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("webgpu: failed to map staging buffer: %w", err)
	}

	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mappedSlice)
	staging.Unmap()
	return result, nil
}

type gpuKernel struct {
	pipeline *wgpu.ComputePipeline
	artifact *codegen.Artifact
	cfg      codegen.LaunchConfig
	name     string
}

func (k *gpuKernel) Name() string                 { return k.name }
func (k *gpuKernel) Launch() codegen.LaunchConfig { return k.cfg }

// Compile implements device.Device. Shader module and pipeline creation
// panic on invalid source in these bindings; that is reported as a
// CompileError so autotuning can disqualify the candidate.
func (d *Device) Compile(a *codegen.Artifact, idx int) (k device.Kernel, err error) {
	cand := a.Candidates[idx]

	// Candidate names identify only the op-kind sequence and launch
	// variant; distinct artifacts (different baked scalars, different
	// binding topology) can share a name with different WGSL. The cache
	// must key on the artifact key as well.
	pk := a.Key + "/" + cand.Name

	d.mu.RLock()
	pipeline, ok := d.pipelines[pk]
	d.mu.RUnlock()
	if ok {
		return &gpuKernel{pipeline: pipeline, artifact: a, cfg: cand.Launch, name: cand.Name}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			k = nil
			err = &device.CompileError{Kernel: cand.Name, Reason: fmt.Sprint(r)}
		}
	}()

	shader := d.wdev.CreateShaderModuleWGSL(cand.WGSL)
	pipeline = d.wdev.CreateComputePipelineSimple(nil, shader, "main")

	d.mu.Lock()
	d.pipelines[pk] = pipeline
	d.mu.Unlock()
	return &gpuKernel{pipeline: pipeline, artifact: a, cfg: cand.Launch, name: cand.Name}, nil
}

// Launch implements device.Device. Bindings follow the artifact layout:
// inputs, bound outputs, partials for reduce kernels, then the params
// uniform. The call returns once the submission has drained.
func (d *Device) Launch(k device.Kernel, buffers []device.Buffer, n int) (err error) {
	gk := k.(*gpuKernel)

	defer func() {
		if r := recover(); r != nil {
			err = &device.Fault{Kernel: gk.name, Reason: fmt.Sprint(r)}
		}
	}()

	// Params uniform (size: u32), 16-byte aligned.
	params := make([]byte, 16)
	binary.LittleEndian.PutUint32(params[0:4], uint32(n)) //nolint:gosec // G115: element count is non-negative
	bufferParams := d.createUniformBuffer(params)
	defer bufferParams.Release()

	entries := make([]wgpu.BindGroupEntry, 0, len(buffers)+1)
	for i, b := range buffers {
		gb := b.(*gpuBuffer)
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), gb.buf, 0, uint64(gb.size))) //nolint:gosec // G115
	}
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(buffers)), bufferParams, 0, 16)) //nolint:gosec // G115

	bindGroupLayout := gk.pipeline.GetBindGroupLayout(0)
	bindGroup := d.wdev.CreateBindGroupSimple(bindGroupLayout, entries)
	defer bindGroup.Release()

	encoder := d.wdev.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(gk.pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)
	computePass.DispatchWorkgroups(uint32(gk.cfg.Workgroups(n)), 1, 1) //nolint:gosec // G115
	computePass.End()

	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)

	// Block until the queue drains so dispatcher completion and autotune
	// timings reflect device execution, not submission.
	_, err = d.readBuffer(d.fence, 4)
	return err
}

// createUniformBuffer creates a uniform buffer with 16-byte alignment.
func (d *Device) createUniformBuffer(data []byte) *wgpu.Buffer {
	size := uint64(len(data))
	alignedSize := (size + 15) &^ 15

	buffer := d.wdev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             alignedSize,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, alignedSize)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), alignedSize)
	copy(mappedSlice, data)
	buffer.Unmap()
	return buffer
}

// Close implements device.Device.
func (d *Device) Close() {
	d.mu.Lock()
	for _, p := range d.pipelines {
		p.Release()
	}
	d.pipelines = make(map[string]*wgpu.ComputePipeline)
	d.mu.Unlock()

	if d.fence != nil {
		d.fence.Release()
	}
	d.wdev.Release()
	d.adapter.Release()
	d.instance.Release()
}
