package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/device/hostsim"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/signature"
)

var storeDef = kernel.Def{Name: "axpy", Source: "kernel axpy"}

func storeSig(t *testing.T, consts ...int64) signature.Signature {
	t.Helper()
	args := []kernel.Arg{kernel.Pointer(0x1000), kernel.Int32Arg(7)}
	sig, err := signature.Build(args, consts, kernel.Dims{X: 128})
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	inner := &hostsim.Compiler{SharedMem: 2048, Registers: 16}
	store, err := Open(dir, inner)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sig := storeSig(t, 64)
	entry, err := store.Compile(context.Background(), storeDef, sig)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if inner.Calls() != 1 {
		t.Fatalf("expected 1 inner compilation, got %d", inner.Calls())
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 artifact, got %d", store.Len())
	}

	// A fresh store over the same directory serves from disk.
	reopened, err := Open(dir, inner)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	loaded, err := reopened.Compile(context.Background(), storeDef, sig)
	if err != nil {
		t.Fatalf("Compile from disk: %v", err)
	}
	if inner.Calls() != 1 {
		t.Fatalf("disk hit still reached the backend: %d calls", inner.Calls())
	}
	if loaded.Binary != entry.Binary || loaded.SharedMem != 2048 || loaded.Registers != 16 {
		t.Fatalf("loaded entry mismatch: %+v vs %+v", loaded, entry)
	}
}

func TestDistinctSignaturesGetDistinctArtifacts(t *testing.T) {
	dir := t.TempDir()
	inner := hostsim.NewCompiler()
	store, err := Open(dir, inner)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := store.Compile(ctx, storeDef, storeSig(t, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Compile(ctx, storeDef, storeSig(t, 2)); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 artifacts, got %d", store.Len())
	}
	artifacts := store.Artifacts()
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 listed artifacts, got %d", len(artifacts))
	}
	for _, a := range artifacts {
		if a.Kernel != "axpy" {
			t.Errorf("unexpected kernel name %q", a.Kernel)
		}
		if _, err := os.Stat(filepath.Join(dir, a.File)); err != nil {
			t.Errorf("artifact file missing: %v", err)
		}
	}
}

func TestCorruptArtifactRecompiles(t *testing.T) {
	dir := t.TempDir()
	inner := hostsim.NewCompiler()
	store, err := Open(dir, inner)
	if err != nil {
		t.Fatal(err)
	}

	sig := storeSig(t, 64)
	ctx := context.Background()
	if _, err := store.Compile(ctx, storeDef, sig); err != nil {
		t.Fatal(err)
	}

	// Truncate the stored binary behind the index's back.
	for _, a := range store.Artifacts() {
		if err := os.WriteFile(filepath.Join(dir, a.File), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	reopened, err := Open(dir, inner)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.Compile(ctx, storeDef, sig); err != nil {
		t.Fatalf("expected recompilation, got %v", err)
	}
	if inner.Calls() != 2 {
		t.Fatalf("expected a fresh compilation after corruption, got %d calls", inner.Calls())
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	inner := hostsim.NewCompiler()
	store, err := Open(dir, inner)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := store.Compile(ctx, storeDef, storeSig(t, 1)); err != nil {
		t.Fatal(err)
	}
	files := store.Artifacts()

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
	for _, a := range files {
		if _, err := os.Stat(filepath.Join(dir, a.File)); !os.IsNotExist(err) {
			t.Errorf("artifact %s not removed", a.File)
		}
	}

	// After clearing, compilation goes back to the backend and re-persists.
	if _, err := store.Compile(ctx, storeDef, storeSig(t, 1)); err != nil {
		t.Fatal(err)
	}
	if inner.Calls() != 2 {
		t.Fatalf("expected recompilation after clear, got %d calls", inner.Calls())
	}
	if store.Len() != 1 {
		t.Fatalf("expected re-persisted artifact, got %d", store.Len())
	}
}

func TestOpenRequiresExporter(t *testing.T) {
	if _, err := Open(t.TempDir(), nonExportingBackend{}); err == nil {
		t.Fatal("expected error for a backend without export support")
	}
}

type nonExportingBackend struct{}

func (nonExportingBackend) Compile(context.Context, kernel.Def, signature.Signature) (*compile.Entry, error) {
	return nil, nil
}
