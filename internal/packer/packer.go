// Package packer converts live call arguments into the fixed-layout byte
// buffer a compiled entry expects. The layout (calling convention) is
// planned once per compiled entry; packing reuses caller-owned scratch so
// the steady-state launch path performs no heap allocation.
package packer

import (
	"encoding/binary"
	"fmt"

	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/signature"
)

const pointerSize = 8

// Slot is one argument's position in the packed buffer.
type Slot struct {
	Kind   kernel.ArgKind
	Scalar kernel.ScalarKind
	Offset int
	Size   int
}

// Convention is the packed-buffer layout for one compiled entry: ordered
// slots at naturally aligned offsets, total size rounded up to pointer
// alignment. Immutable once planned.
type Convention struct {
	Slots []Slot
	Size  int
}

// Plan computes the calling convention for a classified argument list.
// Arguments pack in declaration order, each at its natural alignment, the
// way the device-side parameter buffer is laid out.
func Plan(params []signature.Param) Convention {
	slots := make([]Slot, len(params))
	off := 0
	for i, p := range params {
		size := pointerSize
		if p.Kind == kernel.ArgScalar {
			size = p.Scalar.Size()
		}
		off = alignUp(off, size)
		slots[i] = Slot{Kind: p.Kind, Scalar: p.Scalar, Offset: off, Size: size}
		off += size
	}
	return Convention{Slots: slots, Size: alignUp(off, pointerSize)}
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Packed is a transient view over a Packer's scratch. It is valid until the
// owning Packer's next Pack call and must not be retained past the enqueue.
type Packed struct {
	Bytes []byte
}

// Packer owns the reusable scratch buffer for one calling context. Scratch
// grows to the largest convention seen and is kept; it never shrinks, so
// capacity stabilizes once the observed signature set does.
type Packer struct {
	buf []byte
}

// Pack writes args into scratch per the convention and returns the view.
// Argument count and kinds must match the convention; a mismatch means the
// entry was compiled for a different signature and is a caller bug.
func (p *Packer) Pack(args []kernel.Arg, conv Convention) (Packed, error) {
	if len(args) != len(conv.Slots) {
		return Packed{}, fmt.Errorf("pack: %d arguments for a %d-slot convention", len(args), len(conv.Slots))
	}
	if cap(p.buf) < conv.Size {
		p.buf = make([]byte, conv.Size)
	}
	buf := p.buf[:conv.Size]
	for i := range conv.Slots {
		s := &conv.Slots[i]
		a := &args[i]
		if a.Kind != s.Kind {
			return Packed{}, fmt.Errorf("pack: argument %d kind %d does not match convention kind %d", i, a.Kind, s.Kind)
		}
		switch s.Size {
		case 4:
			binary.LittleEndian.PutUint32(buf[s.Offset:], uint32(a.Bits))
		case 8:
			binary.LittleEndian.PutUint64(buf[s.Offset:], a.Bits)
		default:
			return Packed{}, fmt.Errorf("pack: argument %d has unsupported slot size %d", i, s.Size)
		}
	}
	return Packed{Bytes: buf}, nil
}

// Capacity returns the current scratch capacity in bytes.
func (p *Packer) Capacity() int { return cap(p.buf) }
