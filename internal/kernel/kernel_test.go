package kernel

import (
	"math"
	"testing"
)

func TestEntrySymbol(t *testing.T) {
	d := Def{Name: "axpy", Source: "..."}
	if got := d.EntrySymbol(); got != "axpy" {
		t.Fatalf("expected name fallback, got %q", got)
	}
	d.Entry = "axpy_kernel_main"
	if got := d.EntrySymbol(); got != "axpy_kernel_main" {
		t.Fatalf("expected explicit entry, got %q", got)
	}
}

func TestScalarKindRoundTrip(t *testing.T) {
	kinds := []ScalarKind{Int32, Int64, Uint32, Uint64, Float32, Float64}
	for _, k := range kinds {
		if got := ParseScalarKind(k.String()); got != k {
			t.Errorf("round trip of %v returned %v", k, got)
		}
	}
	if ParseScalarKind("f16") != ScalarInvalid {
		t.Error("expected ScalarInvalid for unknown kind")
	}
	if ScalarInvalid.Size() != 0 {
		t.Error("invalid kind must have size 0")
	}
}

func TestScalarKindSize(t *testing.T) {
	for _, k := range []ScalarKind{Int32, Uint32, Float32} {
		if k.Size() != 4 {
			t.Errorf("%v: expected size 4, got %d", k, k.Size())
		}
	}
	for _, k := range []ScalarKind{Int64, Uint64, Float64} {
		if k.Size() != 8 {
			t.Errorf("%v: expected size 8, got %d", k, k.Size())
		}
	}
}

func TestClassifyAlign(t *testing.T) {
	tests := []struct {
		addr uint64
		want AlignClass
	}{
		{0x0, Align16},
		{0x10, Align16},
		{0x1000, Align16},
		{0x1001, Align1},
		{0x1008, Align1},
		{0x100f, Align1},
	}
	for _, tc := range tests {
		if got := ClassifyAlign(tc.addr); got != tc.want {
			t.Errorf("ClassifyAlign(%#x): expected %v, got %v", tc.addr, tc.want, got)
		}
	}
}

func TestArgConstructors(t *testing.T) {
	if a := Int32Arg(-1); a.Kind != ArgScalar || a.Scalar != Int32 || uint32(a.Bits) != math.MaxUint32 {
		t.Errorf("Int32Arg(-1): %+v", a)
	}
	if a := Float32Arg(2.5); a.Bits != uint64(math.Float32bits(2.5)) {
		t.Errorf("Float32Arg bits: %#x", a.Bits)
	}
	if a := Float64Arg(-0.5); a.Bits != math.Float64bits(-0.5) {
		t.Errorf("Float64Arg bits: %#x", a.Bits)
	}
	if a := Pointer(0x1234); a.Kind != ArgPointer || a.Bits != 0x1234 {
		t.Errorf("Pointer: %+v", a)
	}
}

func TestDimsCount(t *testing.T) {
	if got := (Dims{}).Count(); got != 1 {
		t.Errorf("zero dims count: %d", got)
	}
	if got := (Dims{X: 4}).Count(); got != 4 {
		t.Errorf("X-only count: %d", got)
	}
	if got := (Dims{X: 4, Y: 2, Z: 3}).Count(); got != 24 {
		t.Errorf("full count: %d", got)
	}
	if !(Dims{}).IsZero() || (Dims{X: 1}).IsZero() {
		t.Error("IsZero misclassified")
	}
}

func TestCeilDiv(t *testing.T) {
	tests := []struct{ n, block, want int }{
		{1024, 128, 8},
		{1000, 128, 8},
		{1, 128, 1},
		{0, 128, 0},
		{129, 128, 2},
		{128, 128, 1},
		{5, 0, 0},
	}
	for _, tc := range tests {
		if got := CeilDiv(tc.n, tc.block); got != tc.want {
			t.Errorf("CeilDiv(%d, %d): expected %d, got %d", tc.n, tc.block, tc.want, got)
		}
	}
}
