// Package webgpu adapts a WebGPU device to the runtime's compile backend
// and device contracts. Kernel sources are WGSL compute shaders; pointer
// arguments are storage-buffer handles minted by AllocBuffer, and scalar
// arguments are delivered through a uniform buffer bound after the
// storage bindings.
package webgpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/packer"
	"github.com/samcharles93/kiln/internal/signature"
)

// Adapter owns a WebGPU instance, device and queue. It implements both
// compile.Backend (WGSL to compute pipeline) and device.Device (dispatch).
// WebGPU exposes a single queue, so all streams map onto it; per-stream
// FIFO ordering still holds because the queue itself is FIFO.
type Adapter struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	dev      *wgpu.Device
	queue    *wgpu.Queue

	mu        sync.Mutex
	pipelines map[device.Binary]*pipelineEntry
	buffers   map[uint64]*wgpu.Buffer

	nextBin atomic.Uint64
	nextBuf atomic.Uint64
}

type pipelineEntry struct {
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
	uniform  *wgpu.Buffer // scalar parameter block, nil when all-pointer
	conv     packer.Convention
}

// New initializes the adapter, preferring a high-performance device and
// falling back to whatever the platform offers.
func New() (*Adapter, error) {
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, fmt.Errorf("webgpu: create instance failed")
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		adapter, err = instance.RequestAdapter(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("webgpu: request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("webgpu: no adapter available")
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("webgpu: request device: %w", err)
	}
	return &Adapter{
		instance:  instance,
		adapter:   adapter,
		dev:       dev,
		queue:     dev.GetQueue(),
		pipelines: make(map[device.Binary]*pipelineEntry),
		buffers:   make(map[uint64]*wgpu.Buffer),
	}, nil
}

// AllocBuffer creates a storage buffer and returns the handle used as a
// device-pointer argument. Handles are 16-aligned so freshly allocated
// buffers classify as Align16 in signatures, matching how real device
// allocators hand out aligned base addresses.
func (a *Adapter) AllocBuffer(size int) (uint64, error) {
	buf, err := a.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "kiln_storage",
		Size:  uint64(size),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return 0, fmt.Errorf("webgpu: create buffer: %w", err)
	}
	handle := a.nextBuf.Add(1) * 16
	a.mu.Lock()
	a.buffers[handle] = buf
	a.mu.Unlock()
	return handle, nil
}

// WriteBuffer uploads data to a buffer handle.
func (a *Adapter) WriteBuffer(handle uint64, data []byte) error {
	a.mu.Lock()
	buf := a.buffers[handle]
	a.mu.Unlock()
	if buf == nil {
		return fmt.Errorf("webgpu: unknown buffer handle %#x", handle)
	}
	a.queue.WriteBuffer(buf, 0, data)
	return nil
}

// FreeBuffer destroys a buffer handle.
func (a *Adapter) FreeBuffer(handle uint64) {
	a.mu.Lock()
	buf := a.buffers[handle]
	delete(a.buffers, handle)
	a.mu.Unlock()
	if buf != nil {
		buf.Destroy()
	}
}

// Compile builds a compute pipeline from the kernel's WGSL source. The
// bind group layout follows the calling convention: one storage binding
// per pointer argument in declaration order, then a uniform block when the
// signature carries scalars.
func (a *Adapter) Compile(ctx context.Context, def kernel.Def, sig signature.Signature) (*compile.Entry, error) {
	module, err := a.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          def.Name + "_shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: def.Source},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: shader compile: %w", err)
	}

	var layoutEntries []wgpu.BindGroupLayoutEntry
	binding := uint32(0)
	scalarBytes := 0
	for _, p := range sig.Params() {
		switch p.Kind {
		case kernel.ArgPointer:
			layoutEntries = append(layoutEntries, wgpu.BindGroupLayoutEntry{
				Binding:    binding,
				Visibility: wgpu.ShaderStageCompute,
				Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage},
			})
			binding++
		case kernel.ArgScalar:
			scalarBytes += p.Scalar.Size()
		}
	}
	if scalarBytes > 0 {
		layoutEntries = append(layoutEntries, wgpu.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
		})
	}

	bgl, err := a.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   def.Name + "_bgl",
		Entries: layoutEntries,
	})
	if err != nil {
		module.Release()
		return nil, fmt.Errorf("webgpu: create bind group layout: %w", err)
	}
	pipelineLayout, err := a.dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            def.Name + "_layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		module.Release()
		return nil, fmt.Errorf("webgpu: create pipeline layout: %w", err)
	}
	pipeline, err := a.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  def.Name + "_pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: def.EntrySymbol(),
		},
	})
	module.Release()
	if err != nil {
		return nil, fmt.Errorf("webgpu: create pipeline: %w", err)
	}

	var uniform *wgpu.Buffer
	if scalarBytes > 0 {
		// Uniform blocks round to 16 bytes.
		size := uint64((scalarBytes + 15) &^ 15)
		uniform, err = a.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: def.Name + "_params",
			Size:  size,
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			pipeline.Release()
			return nil, fmt.Errorf("webgpu: create uniform buffer: %w", err)
		}
	}

	conv := packer.Plan(sig.Params())
	bin := device.Binary(a.nextBin.Add(1))
	pe := &pipelineEntry{pipeline: pipeline, layout: bgl, uniform: uniform, conv: conv}
	a.mu.Lock()
	a.pipelines[bin] = pe
	a.mu.Unlock()

	return &compile.Entry{
		Binary:     bin,
		Convention: conv,
		Release: func() {
			a.mu.Lock()
			delete(a.pipelines, bin)
			a.mu.Unlock()
			if pe.uniform != nil {
				pe.uniform.Destroy()
			}
			pe.pipeline.Release()
		},
	}, nil
}

// Enqueue binds the packed arguments and dispatches the grid on the queue.
func (a *Adapter) Enqueue(bin device.Binary, args packer.Packed, grid, block kernel.Dims, sharedMem int, stream device.Stream) error {
	a.mu.Lock()
	pe := a.pipelines[bin]
	a.mu.Unlock()
	if pe == nil {
		return fmt.Errorf("webgpu: unknown binary handle %d", bin)
	}

	var bindEntries []wgpu.BindGroupEntry
	scalarBlock := make([]byte, 0, 64)
	binding := uint32(0)
	for _, slot := range pe.conv.Slots {
		switch slot.Kind {
		case kernel.ArgPointer:
			handle := binary.LittleEndian.Uint64(args.Bytes[slot.Offset:])
			a.mu.Lock()
			buf := a.buffers[handle]
			a.mu.Unlock()
			if buf == nil {
				return fmt.Errorf("webgpu: unknown buffer handle %#x at binding %d", handle, binding)
			}
			bindEntries = append(bindEntries, wgpu.BindGroupEntry{
				Binding: binding,
				Buffer:  buf,
				Size:    buf.GetSize(),
			})
			binding++
		case kernel.ArgScalar:
			scalarBlock = append(scalarBlock, args.Bytes[slot.Offset:slot.Offset+slot.Size]...)
		}
	}
	if pe.uniform != nil {
		for len(scalarBlock)%16 != 0 {
			scalarBlock = append(scalarBlock, 0)
		}
		a.queue.WriteBuffer(pe.uniform, 0, scalarBlock)
		bindEntries = append(bindEntries, wgpu.BindGroupEntry{
			Binding: binding,
			Buffer:  pe.uniform,
			Size:    pe.uniform.GetSize(),
		})
	}

	bindGroup, err := a.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "kiln_bind",
		Layout:  pe.layout,
		Entries: bindEntries,
	})
	if err != nil {
		return fmt.Errorf("webgpu: create bind group: %w", err)
	}
	defer bindGroup.Release()

	enc, err := a.dev.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("webgpu: create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pe.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32(max(grid.X, 1)), uint32(max(grid.Y, 1)), uint32(max(grid.Z, 1)))
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("webgpu: finish command encoder: %w", err)
	}
	a.queue.Submit(cmd)
	return nil
}

// Synchronize blocks until submitted work completes.
func (a *Adapter) Synchronize(stream device.Stream) error {
	a.dev.Poll(true, nil)
	return nil
}

// Capacity reports WebGPU's baseline compute limits.
func (a *Adapter) Capacity() device.ResourceLimits {
	return device.ResourceLimits{
		MaxBlockThreads: 256,
		MaxSharedMemory: 16 * 1024,
		MaxGrid:         kernel.Dims{X: 65535, Y: 65535, Z: 65535},
	}
}

// Close releases device resources. Compiled pipelines are released through
// their cache entries; Close drops whatever remains.
func (a *Adapter) Close() {
	a.mu.Lock()
	pipelines := a.pipelines
	buffers := a.buffers
	a.pipelines = make(map[device.Binary]*pipelineEntry)
	a.buffers = make(map[uint64]*wgpu.Buffer)
	a.mu.Unlock()
	for _, pe := range pipelines {
		if pe.uniform != nil {
			pe.uniform.Destroy()
		}
		pe.pipeline.Release()
	}
	for _, buf := range buffers {
		buf.Destroy()
	}
}
