package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/device/hostsim"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/signature"
)

var testDef = kernel.Def{Name: "axpy", Source: "kernel axpy"}

func sigFor(t testing.TB, consts ...int64) signature.Signature {
	t.Helper()
	args := []kernel.Arg{
		kernel.Pointer(0x1000),
		kernel.Pointer(0x2000),
		kernel.Int32Arg(1024),
	}
	sig, err := signature.Build(args, consts, kernel.Dims{X: 128, Y: 1, Z: 1})
	if err != nil {
		t.Fatalf("signature.Build: %v", err)
	}
	return sig
}

func TestMissThenHit(t *testing.T) {
	backend := hostsim.NewCompiler()
	c := New(backend)
	defer c.Close()

	sig := sigFor(t, 64)
	if _, ok := c.Lookup([]byte(sig.Key())); ok {
		t.Fatal("expected a miss on an empty cache")
	}

	e, err := c.GetOrCompile(context.Background(), testDef, sig)
	if err != nil {
		t.Fatalf("GetOrCompile: %v", err)
	}
	e.Unpin()

	hit, ok := c.Lookup([]byte(sig.Key()))
	if !ok {
		t.Fatal("expected a hit after compilation")
	}
	if hit != e {
		t.Fatal("lookup returned a different entry")
	}
	hit.Unpin()

	if backend.Calls() != 1 {
		t.Fatalf("expected 1 backend call, got %d", backend.Calls())
	}
	stats := c.Stats()
	if stats.Misses != 1 || stats.Hits != 1 || stats.Entries != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSingleCompilationUnderConcurrency(t *testing.T) {
	backend := hostsim.NewCompiler()
	backend.Delay = 20 * time.Millisecond
	c := New(backend)
	defer c.Close()

	sig := sigFor(t, 64)
	const callers = 16

	var wg sync.WaitGroup
	entries := make([]*Entry, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries[i], errs[i] = c.GetOrCompile(context.Background(), testDef, sig)
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if entries[i] != entries[0] {
			t.Fatalf("caller %d got a different entry", i)
		}
		entries[i].Unpin()
	}
	if backend.Calls() != 1 {
		t.Fatalf("expected exactly 1 compilation, got %d", backend.Calls())
	}
}

func TestDistinctSignaturesCompileIndependently(t *testing.T) {
	backend := hostsim.NewCompiler()
	c := New(backend)
	defer c.Close()

	a, err := c.GetOrCompile(context.Background(), testDef, sigFor(t, 32))
	if err != nil {
		t.Fatalf("compile a: %v", err)
	}
	b, err := c.GetOrCompile(context.Background(), testDef, sigFor(t, 64))
	if err != nil {
		t.Fatalf("compile b: %v", err)
	}
	if a == b {
		t.Fatal("distinct signatures shared an entry")
	}
	a.Unpin()
	b.Unpin()
	if backend.Calls() != 2 {
		t.Fatalf("expected 2 compilations, got %d", backend.Calls())
	}
}

func TestCompileFailureNotInserted(t *testing.T) {
	backend := hostsim.NewCompiler()
	c := New(backend)
	defer c.Close()

	boom := errors.New("ptx assembler rejected input")
	backend.FailWith(boom)

	sig := sigFor(t, 64)
	_, err := c.GetOrCompile(context.Background(), testDef, sig)
	if err == nil {
		t.Fatal("expected a compilation error")
	}
	var cerr *compile.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *compile.Error, got %T", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed compilation left %d entries", c.Len())
	}

	// The failure is not cached: the next identical call re-attempts.
	backend.FailWith(nil)
	e, err := c.GetOrCompile(context.Background(), testDef, sig)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	e.Unpin()
	if backend.Calls() != 2 {
		t.Fatalf("expected retry to hit the backend, got %d calls", backend.Calls())
	}
	if got := c.Stats().Failures; got != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", got)
	}
}

func TestConcurrentCallersShareFailure(t *testing.T) {
	backend := hostsim.NewCompiler()
	backend.Delay = 10 * time.Millisecond
	backend.FailWith(errors.New("no device"))
	c := New(backend)
	defer c.Close()

	sig := sigFor(t, 64)
	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.GetOrCompile(context.Background(), testDef, sig)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d unexpectedly succeeded", i)
		}
	}
	if backend.Calls() != 1 {
		t.Fatalf("expected 1 shared failed compilation, got %d", backend.Calls())
	}
}

func TestLRUEviction(t *testing.T) {
	backend := hostsim.NewCompiler()
	c := New(backend, WithCapacity(2))
	defer c.Close()

	sigA, sigB, sigC := sigFor(t, 1), sigFor(t, 2), sigFor(t, 3)
	ctx := context.Background()

	a, err := c.GetOrCompile(ctx, testDef, sigA)
	if err != nil {
		t.Fatal(err)
	}
	a.Unpin()
	b, err := c.GetOrCompile(ctx, testDef, sigB)
	if err != nil {
		t.Fatal(err)
	}
	b.Unpin()

	// Touch A so B becomes least recently used.
	if e, ok := c.Lookup([]byte(sigA.Key())); ok {
		e.Unpin()
	} else {
		t.Fatal("expected A to be cached")
	}

	e, err := c.GetOrCompile(ctx, testDef, sigC)
	if err != nil {
		t.Fatal(err)
	}
	e.Unpin()

	if c.Len() != 2 {
		t.Fatalf("expected capacity 2 to hold, got %d entries", c.Len())
	}
	if _, ok := c.Lookup([]byte(sigB.Key())); ok {
		t.Fatal("expected B to be evicted")
	}
	if e, ok := c.Lookup([]byte(sigA.Key())); ok {
		e.Unpin()
	} else {
		t.Fatal("expected A to survive")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Fatalf("expected 1 eviction, got %d", got)
	}
	if backend.Released() != 1 {
		t.Fatalf("expected the evicted binary to be freed, got %d", backend.Released())
	}
}

func TestEvictionNeverDestroysPinnedEntry(t *testing.T) {
	backend := hostsim.NewCompiler()
	c := New(backend, WithCapacity(1))
	defer c.Close()

	ctx := context.Background()
	a, err := c.GetOrCompile(ctx, testDef, sigFor(t, 1))
	if err != nil {
		t.Fatal(err)
	}
	// A stays pinned, as if a launch against it were still in flight.

	b, err := c.GetOrCompile(ctx, testDef, sigFor(t, 2))
	if err != nil {
		t.Fatal(err)
	}

	// Both entries are pinned; the cache must run over capacity rather
	// than free either one.
	if backend.Released() != 0 {
		t.Fatalf("a pinned entry was freed: %d releases", backend.Released())
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache to run over capacity, got %d entries", c.Len())
	}

	b.Unpin()
	// A's pin drops; the next insert can now restore the bound.
	a.Unpin()
	e, err := c.GetOrCompile(ctx, testDef, sigFor(t, 3))
	if err != nil {
		t.Fatal(err)
	}
	e.Unpin()
	if c.Len() > 2 {
		t.Fatalf("eviction never caught up: %d entries", c.Len())
	}
	if backend.Released() == 0 {
		t.Fatal("expected unpinned entries to become evictable")
	}
}

func TestInvalidate(t *testing.T) {
	backend := hostsim.NewCompiler()
	c := New(backend)
	defer c.Close()

	sig := sigFor(t, 64)
	e, err := c.GetOrCompile(context.Background(), testDef, sig)
	if err != nil {
		t.Fatal(err)
	}

	// Invalidation with a pin outstanding defers the free.
	c.Invalidate(sig.Key())
	if _, ok := c.Lookup([]byte(sig.Key())); ok {
		t.Fatal("invalidated entry still resolvable")
	}
	if backend.Released() != 0 {
		t.Fatal("pinned entry freed by invalidation")
	}
	e.Unpin()
	if backend.Released() != 1 {
		t.Fatalf("expected free on last unpin, got %d", backend.Released())
	}

	// Invalidating an absent key is a no-op.
	c.Invalidate(sig.Key())
}

func TestClose(t *testing.T) {
	backend := hostsim.NewCompiler()
	c := New(backend)

	e, err := c.GetOrCompile(context.Background(), testDef, sigFor(t, 64))
	if err != nil {
		t.Fatal(err)
	}
	e.Unpin()

	c.Close()
	if backend.Released() != 1 {
		t.Fatalf("expected close to free entries, got %d", backend.Released())
	}
	if _, err := c.GetOrCompile(context.Background(), testDef, sigFor(t, 64)); err == nil {
		t.Fatal("expected GetOrCompile to fail after Close")
	}
	// Close is idempotent.
	c.Close()
}

func TestLookupNoAllocations(t *testing.T) {
	backend := hostsim.NewCompiler()
	c := New(backend)
	defer c.Close()

	sig := sigFor(t, 64)
	e, err := c.GetOrCompile(context.Background(), testDef, sig)
	if err != nil {
		t.Fatal(err)
	}
	e.Unpin()

	key := []byte(sig.Key())
	allocs := testing.AllocsPerRun(100, func() {
		hit, ok := c.Lookup(key)
		if !ok {
			t.Fatal("unexpected miss")
		}
		hit.Unpin()
	})
	if allocs != 0 {
		t.Fatalf("expected zero allocations on the hit path, got %v", allocs)
	}
}

func BenchmarkLookupHit(b *testing.B) {
	backend := hostsim.NewCompiler()
	c := New(backend)
	defer c.Close()

	sig := sigFor(b, 64)
	e, err := c.GetOrCompile(context.Background(), testDef, sig)
	if err != nil {
		b.Fatal(err)
	}
	e.Unpin()
	key := []byte(sig.Key())

	b.ReportAllocs()
	b.ResetTimer()
	for range b.N {
		hit, ok := c.Lookup(key)
		if !ok {
			b.Fatal("miss")
		}
		hit.Unpin()
	}
}
