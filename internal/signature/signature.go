// Package signature reduces a call site to the cache key that selects a
// compiled kernel entry. Two calls with structurally equal signatures must
// share an entry; any difference in argument kind, scalar class, pointer
// alignment class, constexpr value, or block shape must separate them.
package signature

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/samcharles93/kiln/internal/kernel"
)

// ErrInvalidArgument is wrapped by every classification failure.
var ErrInvalidArgument = errors.New("invalid argument")

// Param is the classified form of one runtime argument as recorded in a
// signature. For pointers, Align is the divisibility class of the address
// the signature was built from.
type Param struct {
	Kind   kernel.ArgKind
	Scalar kernel.ScalarKind
	Align  kernel.AlignClass
}

// Signature is an immutable cache key plus the classified argument list a
// calling convention is planned from. Construction is a pure function of
// the call-site arguments, constexprs, and block shape.
type Signature struct {
	key    string
	params []Param
	consts []int64
	block  kernel.Dims
}

// Key returns the canonical byte-string encoding. It is the cache map key.
func (s Signature) Key() string { return s.key }

// Params returns the classified argument list. Callers must not mutate it.
func (s Signature) Params() []Param { return s.params }

// Constexprs returns the ordered compile-time constant values.
func (s Signature) Constexprs() []int64 { return s.consts }

// Block returns the block shape the signature was built for.
func (s Signature) Block() kernel.Dims { return s.block }

// Arity returns the number of runtime arguments.
func (s Signature) Arity() int { return len(s.params) }

// Builder derives signatures and raw keys. The zero value is ready to use;
// key scratch is caller-supplied so each calling context can amortize it.
type Builder struct{}

// Key encoding, version-prefixed so persisted artifact indexes stay
// self-describing:
//
//	"k1" ( 's' scalarKind | 'p' alignClass )* '|' ( 'c' varint )* '|' 'b' varint varint varint
const keyPrefix = "k1"

// AppendKey appends the canonical key for the call to dst and returns the
// extended slice. It allocates nothing beyond dst's growth, which the
// caller amortizes by reusing the buffer; this is the hit-path entry point.
func (b *Builder) AppendKey(dst []byte, args []kernel.Arg, consts []int64, block kernel.Dims) ([]byte, error) {
	dst = append(dst, keyPrefix...)
	for i := range args {
		a := &args[i]
		switch a.Kind {
		case kernel.ArgScalar:
			if a.Scalar.Size() == 0 {
				return nil, fmt.Errorf("argument %d: unsupported scalar kind %d: %w", i, a.Scalar, ErrInvalidArgument)
			}
			dst = append(dst, 's', byte(a.Scalar))
		case kernel.ArgPointer:
			dst = append(dst, 'p', byte(kernel.ClassifyAlign(a.Bits)))
		default:
			return nil, fmt.Errorf("argument %d: unclassifiable kind %d: %w", i, a.Kind, ErrInvalidArgument)
		}
	}
	dst = append(dst, '|')
	for _, c := range consts {
		dst = append(dst, 'c')
		dst = binary.AppendVarint(dst, c)
	}
	dst = append(dst, '|', 'b')
	dst = binary.AppendVarint(dst, int64(block.X))
	dst = binary.AppendVarint(dst, int64(block.Y))
	dst = binary.AppendVarint(dst, int64(block.Z))
	return dst, nil
}

// Build constructs the full Signature for a call. This runs on the miss
// path only, so materializing the key string and classified params is fine.
func (b *Builder) Build(args []kernel.Arg, consts []int64, block kernel.Dims) (Signature, error) {
	key, err := b.AppendKey(nil, args, consts, block)
	if err != nil {
		return Signature{}, err
	}
	params := make([]Param, len(args))
	for i := range args {
		a := &args[i]
		params[i] = Param{Kind: a.Kind, Scalar: a.Scalar}
		if a.Kind == kernel.ArgPointer {
			params[i].Align = kernel.ClassifyAlign(a.Bits)
		}
	}
	cc := make([]int64, len(consts))
	copy(cc, consts)
	return Signature{
		key:    string(key),
		params: params,
		consts: cc,
		block:  block,
	}, nil
}

// Build is the package-level convenience for one-off construction.
func Build(args []kernel.Arg, consts []int64, block kernel.Dims) (Signature, error) {
	var b Builder
	return b.Build(args, consts, block)
}
