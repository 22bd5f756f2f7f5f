// Package device declares the narrow device-layer surface the launch
// runtime depends on. Adapters (hostsim, webgpu, cuda) implement it; the
// runtime never reaches past it into driver state.
package device

import (
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/packer"
)

// Binary is an opaque handle to a device-loadable compiled kernel, minted
// by the compile backend paired with the device that will execute it.
type Binary uint64

// Stream identifies an ordered queue of asynchronous device operations.
// Launches on one stream complete FIFO by enqueue order; streams are
// unordered relative to each other unless explicitly synchronized.
type Stream uint64

// DefaultStream is the stream used when a caller does not name one.
const DefaultStream Stream = 0

// ResourceLimits describes current device capacity. Compiled entries carry
// their requirements; the launcher compares the two before every dispatch.
type ResourceLimits struct {
	MaxBlockThreads int
	MaxSharedMemory int
	MaxGrid         kernel.Dims
	Registers       int
}

// Device is the execution side of the external device layer.
//
// Enqueue is non-blocking: it queues the dispatch on the stream and
// returns. The packed view is only valid for the duration of the call; a
// device that needs the bytes later must copy them into its own queue
// entry before returning.
type Device interface {
	Enqueue(bin Binary, args packer.Packed, grid, block kernel.Dims, sharedMem int, stream Stream) error
	Synchronize(stream Stream) error
	Capacity() ResourceLimits
}
