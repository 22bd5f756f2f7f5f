// Package launch composes the signature builder, specialization cache,
// argument packer, and device layer into the runtime callers invoke
// kernels through. A call resolves its cache entry (compiling on first
// use), packs arguments into per-stream scratch, and enqueues without
// blocking; synchronization is a separate, explicit operation.
package launch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/kiln/internal/cache"
	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/packer"
	"github.com/samcharles93/kiln/internal/signature"
)

// Handle identifies an enqueued launch: the stream it went to and its
// sequence number on that stream. Completion is observed via Synchronize,
// not through the handle; devices do not support cancelling enqueued work.
type Handle struct {
	Stream device.Stream
	Seq    uint64
}

// Config wires a Runtime's collaborators. Backend and Device are required;
// the rest default.
type Config struct {
	Backend       compile.Backend
	Device        device.Device
	CacheCapacity int
	Logger        logger.Logger
}

// streamTracker holds the per-stream calling context: key and packing
// scratch, the launch sequence, and pins held for launches not yet known
// complete. Calls on one stream serialize here, which also gives the
// stream its FIFO enqueue order; distinct streams proceed in parallel.
type streamTracker struct {
	mu       sync.Mutex
	sig      signature.Builder
	keyBuf   []byte
	pack     packer.Packer
	seq      uint64
	inflight map[*cache.Entry]int64
}

// Runtime is the kernel launch runtime. Construct with New; safe for
// concurrent use from multiple goroutines and streams.
type Runtime struct {
	dev   device.Device
	cache *cache.Cache
	log   logger.Logger

	closed atomic.Bool

	mu       sync.RWMutex
	trackers map[device.Stream]*streamTracker
}

// New builds a Runtime. Lifecycle is explicit: the caller owns the runtime
// and must Close it to release cached entries.
func New(cfg Config) (*Runtime, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("launch: config requires a compile backend")
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("launch: config requires a device")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	opts := []cache.Option{cache.WithLogger(log)}
	if cfg.CacheCapacity > 0 {
		opts = append(opts, cache.WithCapacity(cfg.CacheCapacity))
	}
	return &Runtime{
		dev:      cfg.Device,
		cache:    cache.New(cfg.Backend, opts...),
		log:      log,
		trackers: make(map[device.Stream]*streamTracker),
	}, nil
}

func (rt *Runtime) tracker(s device.Stream) *streamTracker {
	rt.mu.RLock()
	tr := rt.trackers[s]
	rt.mu.RUnlock()
	if tr != nil {
		return tr
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if tr = rt.trackers[s]; tr == nil {
		tr = &streamTracker{inflight: make(map[*cache.Entry]int64)}
		rt.trackers[s] = tr
	}
	return tr
}

// Invoke launches def with the given runtime arguments, compile-time
// constants, grid specification, and block shape on stream. The first call
// for a distinct signature compiles; subsequent calls reuse the cached
// entry and allocate nothing. Invoke returns once the launch is enqueued.
func (rt *Runtime) Invoke(ctx context.Context, def kernel.Def, args []kernel.Arg, consts []int64, grid Grid, block kernel.Dims, stream device.Stream) (Handle, error) {
	if rt.closed.Load() {
		return Handle{}, ErrClosed
	}
	tr := rt.tracker(stream)
	tr.mu.Lock()
	defer tr.mu.Unlock()

	key, err := tr.sig.AppendKey(tr.keyBuf[:0], args, consts, block)
	if err != nil {
		return Handle{}, err
	}
	tr.keyBuf = key

	limits := rt.dev.Capacity()
	if block.Count() > limits.MaxBlockThreads {
		return Handle{}, &Error{
			Kernel: def.Name,
			Err:    fmt.Errorf("block of %d threads exceeds device limit %d", block.Count(), limits.MaxBlockThreads),
		}
	}
	gridDims, err := grid.Evaluate(block)
	if err != nil {
		return Handle{}, &Error{Kernel: def.Name, Err: err}
	}

	for attempt := 0; ; attempt++ {
		e, ok := rt.cache.Lookup(key)
		if !ok {
			sig, err := tr.sig.Build(args, consts, block)
			if err != nil {
				return Handle{}, err
			}
			if e, err = rt.cache.GetOrCompile(ctx, def, sig); err != nil {
				return Handle{}, err
			}
		}
		c := e.Compiled()

		// Device state may have changed since this entry was compiled.
		if c.SharedMem > limits.MaxSharedMemory || (limits.Registers > 0 && c.Registers > limits.Registers) {
			rt.cache.Invalidate(e.Signature().Key())
			e.Unpin()
			if attempt == 0 {
				rt.log.Warn("compiled entry exceeds device capacity, recompiling",
					"kernel", def.Name, "shared_mem", c.SharedMem)
				continue
			}
			return Handle{}, fmt.Errorf("kernel %q: %w", def.Name, ErrStaleEntry)
		}

		packed, err := tr.pack.Pack(args, c.Convention)
		if err != nil {
			e.Unpin()
			return Handle{}, &Error{Kernel: def.Name, Err: err}
		}
		if err := rt.dev.Enqueue(c.Binary, packed, gridDims, block, c.SharedMem, stream); err != nil {
			e.Unpin()
			return Handle{}, &Error{Kernel: def.Name, Err: err}
		}

		// The lookup pin is held until the stream synchronizes, keeping
		// the entry alive past any eviction while its launch is in flight.
		tr.inflight[e]++
		tr.seq++
		return Handle{Stream: stream, Seq: tr.seq}, nil
	}
}

// Synchronize blocks until all work enqueued on the stream has completed,
// then releases the entry pins those launches held.
func (rt *Runtime) Synchronize(stream device.Stream) error {
	tr := rt.tracker(stream)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := rt.dev.Synchronize(stream); err != nil {
		return err
	}
	for e, n := range tr.inflight {
		e.UnpinN(n)
		delete(tr.inflight, e)
	}
	return nil
}

// CacheStats returns the specialization cache counters.
func (rt *Runtime) CacheStats() cache.Stats { return rt.cache.Stats() }

// Close synchronizes every stream and tears down the cache. The runtime is
// unusable afterwards.
func (rt *Runtime) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	rt.mu.RLock()
	streams := make([]device.Stream, 0, len(rt.trackers))
	for s := range rt.trackers {
		streams = append(streams, s)
	}
	rt.mu.RUnlock()
	var firstErr error
	for _, s := range streams {
		if err := rt.Synchronize(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rt.cache.Close()
	return firstErr
}
