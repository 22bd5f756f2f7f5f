// Package compile declares the contract with the external compilation
// backend. The runtime treats compilation as a pure, potentially slow
// function from (definition, signature) to a loaded entry; it never
// inspects backend internals.
package compile

import (
	"context"
	"fmt"

	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/packer"
	"github.com/samcharles93/kiln/internal/signature"
)

// Entry is one compiled specialization: the loaded binary, the calling
// convention its parameter buffer expects, and its resource requirements.
// Entries are immutable after creation; Release, if set, frees the device
// side when the cache retires the entry.
type Entry struct {
	Binary     device.Binary
	Convention packer.Convention
	SharedMem  int
	Registers  int
	Release    func()
}

// Backend compiles a kernel definition for one signature. Implementations
// must be safe for concurrent use; the cache guarantees at most one
// in-flight Compile per signature but different signatures compile in
// parallel.
type Backend interface {
	Compile(ctx context.Context, def kernel.Def, sig signature.Signature) (*Entry, error)
}

// Exporter is an optional Backend extension that can round-trip compiled
// binaries through bytes, enabling an on-disk artifact cache.
type Exporter interface {
	// Export returns the persistable binary image of a compiled entry.
	Export(e *Entry) ([]byte, error)
	// Import loads a previously exported image for the same signature.
	Import(ctx context.Context, def kernel.Def, sig signature.Signature, data []byte) (*Entry, error)
}

// Error reports a backend failure with enough context to identify the
// specialization. No cache entry exists after a compile error, so retrying
// the same call re-attempts compilation.
type Error struct {
	Kernel string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compile kernel %q (signature %x): %v", e.Kernel, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
