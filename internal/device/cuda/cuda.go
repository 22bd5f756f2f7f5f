//go:build cuda

// Package cuda adapts the CUDA driver API to the runtime's compile and
// device contracts. Kernel sources are expected to be PTX or cubin images
// already produced by the compilation pipeline; this adapter loads them
// and launches with the packed parameter buffer.
package cuda

/*
#cgo LDFLAGS: -lcuda

// Minimal CUDA driver forward declarations to avoid requiring headers at
// compile time. Linker will still require libcuda when building with the
// cuda tag.
typedef int CUresult;
typedef int CUdevice;
typedef void* CUcontext;
typedef void* CUmodule;
typedef void* CUfunction;
typedef void* CUstream;
typedef unsigned long long CUdeviceptr;

extern void free(void* ptr);

extern CUresult cuInit(unsigned int flags);
extern CUresult cuDeviceGet(CUdevice* dev, int ordinal);
extern CUresult cuDeviceGetAttribute(int* value, int attrib, CUdevice dev);
extern CUresult cuCtxCreate(CUcontext* ctx, unsigned int flags, CUdevice dev);
extern CUresult cuCtxDestroy(CUcontext ctx);
extern CUresult cuModuleLoadData(CUmodule* mod, const void* image);
extern CUresult cuModuleUnload(CUmodule mod);
extern CUresult cuModuleGetFunction(CUfunction* fn, CUmodule mod, const char* name);
extern CUresult cuStreamCreate(CUstream* stream, unsigned int flags);
extern CUresult cuStreamDestroy(CUstream stream);
extern CUresult cuStreamSynchronize(CUstream stream);
extern CUresult cuLaunchKernel(CUfunction fn,
	unsigned int gridX, unsigned int gridY, unsigned int gridZ,
	unsigned int blockX, unsigned int blockY, unsigned int blockZ,
	unsigned int sharedMemBytes, CUstream stream,
	void** kernelParams, void** extra);
extern CUresult cuGetErrorString(CUresult result, const char** str);

#define KILN_CU_LAUNCH_PARAM_END            ((void*)0x00)
#define KILN_CU_LAUNCH_PARAM_BUFFER_POINTER ((void*)0x01)
#define KILN_CU_LAUNCH_PARAM_BUFFER_SIZE    ((void*)0x02)

#define KILN_CU_ATTR_MAX_THREADS_PER_BLOCK 1
#define KILN_CU_ATTR_MAX_SHARED_PER_BLOCK  8
#define KILN_CU_ATTR_MAX_REGS_PER_BLOCK    12
#define KILN_CU_ATTR_MAX_GRID_DIM_X        5
#define KILN_CU_ATTR_MAX_GRID_DIM_Y        6
#define KILN_CU_ATTR_MAX_GRID_DIM_Z        7

static CUresult kilnCuLaunchPacked(CUfunction fn,
	unsigned int gx, unsigned int gy, unsigned int gz,
	unsigned int bx, unsigned int by, unsigned int bz,
	unsigned int smem, CUstream stream,
	void* buf, unsigned long long size) {
	void* extra[] = {
		KILN_CU_LAUNCH_PARAM_BUFFER_POINTER, buf,
		KILN_CU_LAUNCH_PARAM_BUFFER_SIZE, (void*)&size,
		KILN_CU_LAUNCH_PARAM_END,
	};
	return cuLaunchKernel(fn, gx, gy, gz, bx, by, bz, smem, stream, 0, extra);
}
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/packer"
	"github.com/samcharles93/kiln/internal/signature"
)

// Adapter owns one CUDA context and implements compile.Backend (module
// load + function resolve) and device.Device (cuLaunchKernel dispatch).
type Adapter struct {
	ctx    C.CUcontext
	dev    C.CUdevice
	limits device.ResourceLimits

	mu      sync.Mutex
	funcs   map[device.Binary]*loadedFunc
	streams map[device.Stream]C.CUstream

	nextBin atomic.Uint64
}

type loadedFunc struct {
	module C.CUmodule
	fn     C.CUfunction
}

// New initializes the driver on device ordinal and creates the context.
func New(ordinal int) (*Adapter, error) {
	if err := cuErr(C.cuInit(0)); err != nil {
		return nil, fmt.Errorf("cuda init: %w", err)
	}
	var dev C.CUdevice
	if err := cuErr(C.cuDeviceGet(&dev, C.int(ordinal))); err != nil {
		return nil, fmt.Errorf("cuda device %d: %w", ordinal, err)
	}
	var ctx C.CUcontext
	if err := cuErr(C.cuCtxCreate(&ctx, 0, dev)); err != nil {
		return nil, fmt.Errorf("cuda context: %w", err)
	}
	a := &Adapter{
		ctx:     ctx,
		dev:     dev,
		funcs:   make(map[device.Binary]*loadedFunc),
		streams: make(map[device.Stream]C.CUstream),
	}
	a.limits = device.ResourceLimits{
		MaxBlockThreads: a.attr(C.KILN_CU_ATTR_MAX_THREADS_PER_BLOCK),
		MaxSharedMemory: a.attr(C.KILN_CU_ATTR_MAX_SHARED_PER_BLOCK),
		Registers:       a.attr(C.KILN_CU_ATTR_MAX_REGS_PER_BLOCK),
		MaxGrid: kernel.Dims{
			X: a.attr(C.KILN_CU_ATTR_MAX_GRID_DIM_X),
			Y: a.attr(C.KILN_CU_ATTR_MAX_GRID_DIM_Y),
			Z: a.attr(C.KILN_CU_ATTR_MAX_GRID_DIM_Z),
		},
	}
	return a, nil
}

func (a *Adapter) attr(id C.int) int {
	var v C.int
	if err := cuErr(C.cuDeviceGetAttribute(&v, id, a.dev)); err != nil {
		return 0
	}
	return int(v)
}

// Compile loads the definition's image (PTX or cubin text in Def.Source)
// and resolves the entry symbol.
func (a *Adapter) Compile(ctx context.Context, def kernel.Def, sig signature.Signature) (*compile.Entry, error) {
	image := C.CString(def.Source)
	defer C.free(unsafe.Pointer(image))

	var module C.CUmodule
	if err := cuErr(C.cuModuleLoadData(&module, unsafe.Pointer(image))); err != nil {
		return nil, fmt.Errorf("load module for kernel %q: %w", def.Name, err)
	}
	sym := C.CString(def.EntrySymbol())
	defer C.free(unsafe.Pointer(sym))
	var fn C.CUfunction
	if err := cuErr(C.cuModuleGetFunction(&fn, module, sym)); err != nil {
		_ = cuErr(C.cuModuleUnload(module))
		return nil, fmt.Errorf("resolve symbol %q: %w", def.EntrySymbol(), err)
	}

	bin := device.Binary(a.nextBin.Add(1))
	lf := &loadedFunc{module: module, fn: fn}
	a.mu.Lock()
	a.funcs[bin] = lf
	a.mu.Unlock()

	return &compile.Entry{
		Binary:     bin,
		Convention: packer.Plan(sig.Params()),
		Release: func() {
			a.mu.Lock()
			delete(a.funcs, bin)
			a.mu.Unlock()
			_ = cuErr(C.cuModuleUnload(lf.module))
		},
	}, nil
}

// Enqueue launches the function with the packed parameter buffer via the
// driver's buffer-pointer launch extra, avoiding a per-argument pointer
// array on the host side.
func (a *Adapter) Enqueue(bin device.Binary, args packer.Packed, grid, block kernel.Dims, sharedMem int, stream device.Stream) error {
	a.mu.Lock()
	lf := a.funcs[bin]
	a.mu.Unlock()
	if lf == nil {
		return fmt.Errorf("unknown binary handle %d", bin)
	}
	cs, err := a.stream(stream)
	if err != nil {
		return err
	}
	var buf unsafe.Pointer
	if len(args.Bytes) > 0 {
		buf = unsafe.Pointer(&args.Bytes[0])
	}
	return cuErr(C.kilnCuLaunchPacked(lf.fn,
		C.uint(max(grid.X, 1)), C.uint(max(grid.Y, 1)), C.uint(max(grid.Z, 1)),
		C.uint(max(block.X, 1)), C.uint(max(block.Y, 1)), C.uint(max(block.Z, 1)),
		C.uint(sharedMem), cs,
		buf, C.ulonglong(len(args.Bytes))))
}

func (a *Adapter) stream(s device.Stream) (C.CUstream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cs, ok := a.streams[s]; ok {
		return cs, nil
	}
	if s == device.DefaultStream {
		a.streams[s] = nil
		return nil, nil
	}
	var cs C.CUstream
	if err := cuErr(C.cuStreamCreate(&cs, 0)); err != nil {
		return nil, fmt.Errorf("create stream %d: %w", s, err)
	}
	a.streams[s] = cs
	return cs, nil
}

// Synchronize blocks until the stream drains.
func (a *Adapter) Synchronize(stream device.Stream) error {
	cs, err := a.stream(stream)
	if err != nil {
		return err
	}
	return cuErr(C.cuStreamSynchronize(cs))
}

// Capacity reports the attributes read at init. Device state changes are
// not re-polled; a stale entry surfaces through the launch path.
func (a *Adapter) Capacity() device.ResourceLimits { return a.limits }

// Close destroys streams, modules, and the context.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for s, cs := range a.streams {
		if cs != nil {
			_ = cuErr(C.cuStreamDestroy(cs))
		}
		delete(a.streams, s)
	}
	for bin, lf := range a.funcs {
		_ = cuErr(C.cuModuleUnload(lf.module))
		delete(a.funcs, bin)
	}
	return cuErr(C.cuCtxDestroy(a.ctx))
}

func cuErr(code C.CUresult) error {
	if code == 0 {
		return nil
	}
	var msg *C.char
	if C.cuGetErrorString(code, &msg) == 0 && msg != nil {
		return fmt.Errorf("cuda driver error %d: %s", int(code), C.GoString(msg))
	}
	return fmt.Errorf("cuda driver error %d", int(code))
}
