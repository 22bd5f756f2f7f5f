// Package kernel defines device kernel definitions and the closed set of
// argument classes the launch runtime accepts. Argument classification is
// done once at the boundary; everything downstream (signatures, packing,
// dispatch) switches over these tags rather than reflecting on values.
package kernel

import "math"

// Def describes a kernel handed to a compile backend. Source is backend
// specific (WGSL, PTX, ...); the runtime never inspects it.
type Def struct {
	Name   string
	Source string
	Entry  string // entry symbol; defaults to Name when empty
}

// EntrySymbol returns the symbol the backend should resolve.
func (d Def) EntrySymbol() string {
	if d.Entry != "" {
		return d.Entry
	}
	return d.Name
}

// ScalarKind identifies the numeric class of a scalar argument.
type ScalarKind uint8

const (
	ScalarInvalid ScalarKind = iota
	Int32
	Int64
	Uint32
	Uint64
	Float32
	Float64
)

// Size returns the packed byte size of the scalar kind, or 0 if invalid.
func (k ScalarKind) Size() int {
	switch k {
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

func (k ScalarKind) String() string {
	switch k {
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	case Uint32:
		return "u32"
	case Uint64:
		return "u64"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	}
	return "invalid"
}

// ParseScalarKind is the inverse of String. Returns ScalarInvalid for
// anything unrecognized.
func ParseScalarKind(s string) ScalarKind {
	switch s {
	case "i32":
		return Int32
	case "i64":
		return Int64
	case "u32":
		return Uint32
	case "u64":
		return Uint64
	case "f32":
		return Float32
	case "f64":
		return Float64
	}
	return ScalarInvalid
}

// AlignClass partitions device pointers by the divisibility the backend may
// specialize on. Pointers divisible by 16 admit vectorized access; mixing
// the two classes under one compiled entry would read or write out of the
// expected bounds, so the class participates in the cache key.
type AlignClass uint8

const (
	Align1  AlignClass = iota // no guaranteed divisibility
	Align16                   // address divisible by 16
)

func (a AlignClass) String() string {
	if a == Align16 {
		return "align16"
	}
	return "align1"
}

// ClassifyAlign derives the alignment class of a device address.
func ClassifyAlign(addr uint64) AlignClass {
	if addr%16 == 0 {
		return Align16
	}
	return Align1
}

// ArgKind tags the variant held by an Arg.
type ArgKind uint8

const (
	ArgInvalid ArgKind = iota
	ArgScalar
	ArgPointer
)

// Arg is one runtime kernel argument: either a scalar of a declared kind or
// a device pointer. Compile-time constants are not Args; they travel
// separately and are baked into the compiled entry.
//
// Arg is a plain value so argument lists can be built and passed without
// heap traffic on the steady-state launch path.
type Arg struct {
	Kind   ArgKind
	Scalar ScalarKind
	Bits   uint64 // raw scalar value bits, or the device address for pointers
}

func Int32Arg(v int32) Arg   { return Arg{Kind: ArgScalar, Scalar: Int32, Bits: uint64(uint32(v))} }
func Int64Arg(v int64) Arg   { return Arg{Kind: ArgScalar, Scalar: Int64, Bits: uint64(v)} }
func Uint32Arg(v uint32) Arg { return Arg{Kind: ArgScalar, Scalar: Uint32, Bits: uint64(v)} }
func Uint64Arg(v uint64) Arg { return Arg{Kind: ArgScalar, Scalar: Uint64, Bits: v} }

func Float32Arg(v float32) Arg {
	return Arg{Kind: ArgScalar, Scalar: Float32, Bits: uint64(math.Float32bits(v))}
}

func Float64Arg(v float64) Arg {
	return Arg{Kind: ArgScalar, Scalar: Float64, Bits: math.Float64bits(v)}
}

// Pointer wraps a device address. The alignment class is derived from the
// address when the signature is built, not stored here.
func Pointer(addr uint64) Arg { return Arg{Kind: ArgPointer, Bits: addr} }

// Dims is an execution topology extent: a grid or block in up to three
// dimensions. Zero-valued axes are treated as 1 by Count.
type Dims struct {
	X, Y, Z int
}

// Count returns the total element count described by the dims.
func (d Dims) Count() int {
	x, y, z := d.X, d.Y, d.Z
	if x == 0 {
		x = 1
	}
	if y == 0 {
		y = 1
	}
	if z == 0 {
		z = 1
	}
	return x * y * z
}

// IsZero reports whether no axis has been set.
func (d Dims) IsZero() bool { return d.X == 0 && d.Y == 0 && d.Z == 0 }

// CeilDiv maps a problem size onto block counts: ceil(n / block).
func CeilDiv(n, block int) int {
	if block <= 0 {
		return 0
	}
	return (n + block - 1) / block
}
