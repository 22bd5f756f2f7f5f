// Package hostsim provides an in-process device layer and compile backend
// with the same contracts as a real adapter: FIFO streams, capacity
// limits, asynchronous completion. It backs the test suite and the launch
// benchmark, where dispatch must cost nothing but bookkeeping.
package hostsim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/packer"
	"github.com/samcharles93/kiln/internal/signature"
)

// DefaultLimits mirror a mid-range discrete part.
var DefaultLimits = device.ResourceLimits{
	MaxBlockThreads: 1024,
	MaxSharedMemory: 48 * 1024,
	MaxGrid:         kernel.Dims{X: 1 << 31, Y: 65535, Z: 65535},
	Registers:       65536,
}

// Device simulates the execution side. In immediate mode (the default)
// every enqueue completes synchronously and only counters move, keeping
// the steady-state path allocation-free. With tracking enabled, enqueues
// stay pending per stream until Complete or Synchronize observes them,
// which is what the eviction-safety tests need.
type Device struct {
	tracking bool

	mu      sync.Mutex
	limits  device.ResourceLimits
	pending map[device.Stream]int

	enqueued  atomic.Int64
	completed atomic.Int64
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithLimits overrides the simulated resource limits.
func WithLimits(l device.ResourceLimits) DeviceOption {
	return func(d *Device) { d.limits = l }
}

// WithTracking keeps launches pending until explicitly completed.
func WithTracking() DeviceOption {
	return func(d *Device) { d.tracking = true }
}

// NewDevice builds a simulated device.
func NewDevice(opts ...DeviceOption) *Device {
	d := &Device{
		limits:  DefaultLimits,
		pending: make(map[device.Stream]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue validates the configuration against device limits and records
// the dispatch. The packed bytes are not retained.
func (d *Device) Enqueue(bin device.Binary, args packer.Packed, grid, block kernel.Dims, sharedMem int, stream device.Stream) error {
	limits := d.Capacity()
	if grid.IsZero() || block.IsZero() || grid.Count() <= 0 || block.Count() <= 0 {
		return fmt.Errorf("hostsim: empty grid or block")
	}
	if block.Count() > limits.MaxBlockThreads {
		return fmt.Errorf("hostsim: block of %d threads exceeds device limit %d", block.Count(), limits.MaxBlockThreads)
	}
	if sharedMem > limits.MaxSharedMemory {
		return fmt.Errorf("hostsim: %d shared memory bytes exceeds device limit %d", sharedMem, limits.MaxSharedMemory)
	}
	if grid.X > limits.MaxGrid.X || grid.Y > max(limits.MaxGrid.Y, 1) || grid.Z > max(limits.MaxGrid.Z, 1) {
		return fmt.Errorf("hostsim: grid %v exceeds device limit %v", grid, limits.MaxGrid)
	}
	d.enqueued.Add(1)
	if !d.tracking {
		d.completed.Add(1)
		return nil
	}
	d.mu.Lock()
	d.pending[stream]++
	d.mu.Unlock()
	return nil
}

// Synchronize drains the stream, completing everything pending on it.
func (d *Device) Synchronize(stream device.Stream) error {
	if !d.tracking {
		return nil
	}
	d.mu.Lock()
	n := d.pending[stream]
	d.pending[stream] = 0
	d.mu.Unlock()
	d.completed.Add(int64(n))
	return nil
}

// Complete finishes up to n pending launches on the stream and returns how
// many it finished. Tests use it to step completion forward.
func (d *Device) Complete(stream device.Stream, n int) int {
	d.mu.Lock()
	if p := d.pending[stream]; p < n {
		n = p
	}
	d.pending[stream] -= n
	d.mu.Unlock()
	d.completed.Add(int64(n))
	return n
}

// Capacity returns the simulated limits.
func (d *Device) Capacity() device.ResourceLimits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits
}

// SetLimits replaces the simulated limits, modelling external device-state
// change after entries were compiled.
func (d *Device) SetLimits(l device.ResourceLimits) {
	d.mu.Lock()
	d.limits = l
	d.mu.Unlock()
}

// Enqueued returns the total number of accepted dispatches.
func (d *Device) Enqueued() int64 { return d.enqueued.Load() }

// Completed returns the total number of completed dispatches.
func (d *Device) Completed() int64 { return d.completed.Load() }

// Pending returns the launches not yet complete on the stream.
func (d *Device) Pending(stream device.Stream) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[stream]
}

// Compiler is the matching compile backend. It plans a real calling
// convention from the signature and mints sequential binary handles; an
// optional delay and injectable failure make compile-path behavior
// observable in tests.
type Compiler struct {
	Delay     time.Duration
	SharedMem int // resource requirement stamped on entries
	Registers int

	failMu sync.Mutex
	fail   error

	calls    atomic.Int64
	released atomic.Int64
	nextBin  atomic.Uint64
}

// NewCompiler builds a simulated backend.
func NewCompiler() *Compiler { return &Compiler{} }

// FailWith makes subsequent Compile calls return err; nil clears it.
func (c *Compiler) FailWith(err error) {
	c.failMu.Lock()
	c.fail = err
	c.failMu.Unlock()
}

// Compile plans the entry for one signature.
func (c *Compiler) Compile(ctx context.Context, def kernel.Def, sig signature.Signature) (*compile.Entry, error) {
	c.calls.Add(1)
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.failMu.Lock()
	fail := c.fail
	c.failMu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return &compile.Entry{
		Binary:     device.Binary(c.nextBin.Add(1)),
		Convention: packer.Plan(sig.Params()),
		SharedMem:  c.SharedMem,
		Registers:  c.Registers,
		Release:    func() { c.released.Add(1) },
	}, nil
}

// Calls returns how many times the backend was invoked.
func (c *Compiler) Calls() int64 { return c.calls.Load() }

// Released returns how many compiled entries have been freed.
func (c *Compiler) Released() int64 { return c.released.Load() }

// Export encodes an entry as bytes: the binary handle plus resource
// metadata. Real backends persist actual device code; the simulator only
// needs a stable round trip.
func (c *Compiler) Export(e *compile.Entry) ([]byte, error) {
	buf := make([]byte, 0, 24)
	buf = binary.AppendUvarint(buf, uint64(e.Binary))
	buf = binary.AppendUvarint(buf, uint64(e.SharedMem))
	buf = binary.AppendUvarint(buf, uint64(e.Registers))
	return buf, nil
}

// Import rebuilds an entry from exported bytes, replanning the convention
// from the signature the way a real loader derives it from the artifact.
func (c *Compiler) Import(ctx context.Context, def kernel.Def, sig signature.Signature, data []byte) (*compile.Entry, error) {
	bin, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("hostsim: truncated artifact for kernel %q", def.Name)
	}
	data = data[n:]
	smem, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("hostsim: truncated artifact for kernel %q", def.Name)
	}
	data = data[n:]
	regs, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("hostsim: truncated artifact for kernel %q", def.Name)
	}
	return &compile.Entry{
		Binary:     device.Binary(bin),
		Convention: packer.Plan(sig.Params()),
		SharedMem:  int(smem),
		Registers:  int(regs),
		Release:    func() { c.released.Add(1) },
	}, nil
}
