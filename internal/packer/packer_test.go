package packer

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/signature"
)

func planFor(t *testing.T, args []kernel.Arg) Convention {
	t.Helper()
	sig, err := signature.Build(args, nil, kernel.Dims{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatalf("signature.Build: %v", err)
	}
	return Plan(sig.Params())
}

func TestPlanNaturalAlignment(t *testing.T) {
	// i32 at 0, f64 aligns to 8, ptr at 16, f32 at 24, total rounds to 32.
	args := []kernel.Arg{
		kernel.Int32Arg(1),
		kernel.Float64Arg(2),
		kernel.Pointer(0x1000),
		kernel.Float32Arg(3),
	}
	conv := planFor(t, args)

	wantOffsets := []int{0, 8, 16, 24}
	wantSizes := []int{4, 8, 8, 4}
	for i, slot := range conv.Slots {
		if slot.Offset != wantOffsets[i] || slot.Size != wantSizes[i] {
			t.Errorf("slot %d: got offset %d size %d, want %d/%d",
				i, slot.Offset, slot.Size, wantOffsets[i], wantSizes[i])
		}
	}
	if conv.Size != 32 {
		t.Fatalf("expected total size 32, got %d", conv.Size)
	}
}

func TestPlanEmpty(t *testing.T) {
	conv := Plan(nil)
	if conv.Size != 0 || len(conv.Slots) != 0 {
		t.Fatalf("expected empty convention, got %+v", conv)
	}
}

func TestPackRoundTrip(t *testing.T) {
	args := []kernel.Arg{
		kernel.Pointer(0xdeadbeef0),
		kernel.Int32Arg(-5),
		kernel.Float32Arg(2.5),
		kernel.Uint64Arg(math.MaxUint64),
		kernel.Float64Arg(-0.125),
	}
	conv := planFor(t, args)

	var p Packer
	packed, err := p.Pack(args, conv)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(packed.Bytes) != conv.Size {
		t.Fatalf("expected %d packed bytes, got %d", conv.Size, len(packed.Bytes))
	}

	if got := binary.LittleEndian.Uint64(packed.Bytes[conv.Slots[0].Offset:]); got != 0xdeadbeef0 {
		t.Errorf("pointer: got %#x", got)
	}
	if got := int32(binary.LittleEndian.Uint32(packed.Bytes[conv.Slots[1].Offset:])); got != -5 {
		t.Errorf("i32: got %d", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(packed.Bytes[conv.Slots[2].Offset:])); got != 2.5 {
		t.Errorf("f32: got %v", got)
	}
	if got := binary.LittleEndian.Uint64(packed.Bytes[conv.Slots[3].Offset:]); got != math.MaxUint64 {
		t.Errorf("u64: got %d", got)
	}
	if got := math.Float64frombits(binary.LittleEndian.Uint64(packed.Bytes[conv.Slots[4].Offset:])); got != -0.125 {
		t.Errorf("f64: got %v", got)
	}
}

func TestPackArityMismatch(t *testing.T) {
	args := []kernel.Arg{kernel.Int32Arg(1), kernel.Int32Arg(2)}
	conv := planFor(t, args)

	var p Packer
	if _, err := p.Pack(args[:1], conv); err == nil {
		t.Fatal("expected error for argument count mismatch")
	}
}

func TestPackKindMismatch(t *testing.T) {
	conv := planFor(t, []kernel.Arg{kernel.Pointer(0x1000)})

	var p Packer
	if _, err := p.Pack([]kernel.Arg{kernel.Int32Arg(1)}, conv); err == nil {
		t.Fatal("expected error for kind mismatch")
	}
}

func TestScratchGrowsAndKeeps(t *testing.T) {
	small := []kernel.Arg{kernel.Int32Arg(1)}
	smallConv := planFor(t, small)

	big := make([]kernel.Arg, 40)
	for i := range big {
		big[i] = kernel.Pointer(uint64(0x1000 + i*16))
	}
	bigConv := planFor(t, big)

	var p Packer
	if _, err := p.Pack(small, smallConv); err != nil {
		t.Fatalf("small pack: %v", err)
	}
	firstCap := p.Capacity()

	if _, err := p.Pack(big, bigConv); err != nil {
		t.Fatalf("big pack: %v", err)
	}
	grownCap := p.Capacity()
	if grownCap < bigConv.Size {
		t.Fatalf("capacity %d below convention size %d", grownCap, bigConv.Size)
	}
	if grownCap < firstCap {
		t.Fatalf("capacity shrank from %d to %d", firstCap, grownCap)
	}

	// Back to the small convention: no shrink, no growth.
	if _, err := p.Pack(small, smallConv); err != nil {
		t.Fatalf("small pack after big: %v", err)
	}
	if p.Capacity() != grownCap {
		t.Fatalf("capacity changed on smaller pack: %d to %d", grownCap, p.Capacity())
	}
}

func TestPackNoAllocationsSteadyState(t *testing.T) {
	args := make([]kernel.Arg, 40)
	for i := range args {
		args[i] = kernel.Pointer(uint64(0x1000 + i*16))
	}
	conv := planFor(t, args)

	var p Packer
	if _, err := p.Pack(args, conv); err != nil {
		t.Fatalf("warmup pack: %v", err)
	}

	allocs := testing.AllocsPerRun(100, func() {
		if _, err := p.Pack(args, conv); err != nil {
			t.Fatal(err)
		}
	})
	if allocs != 0 {
		t.Fatalf("expected zero steady-state allocations, got %v", allocs)
	}
}

func BenchmarkPack(b *testing.B) {
	args := make([]kernel.Arg, 40)
	for i := range args {
		args[i] = kernel.Pointer(uint64(0x1000 + i*16))
	}
	sig, err := signature.Build(args, nil, kernel.Dims{X: 1, Y: 1, Z: 1})
	if err != nil {
		b.Fatal(err)
	}
	conv := Plan(sig.Params())

	var p Packer
	b.ReportAllocs()
	b.ResetTimer()
	for range b.N {
		if _, err := p.Pack(args, conv); err != nil {
			b.Fatal(err)
		}
	}
}
