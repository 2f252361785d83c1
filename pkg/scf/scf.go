// Package scf implements the Strata Checkpoint Format: a flat binary
// container holding named tensors in f32, f16 or bf16 encoding. The layout
// is a fixed header, a tensor directory, and a 64-byte-aligned data
// section, so readers can mmap a checkpoint and hand out zero-copy byte
// views of each tensor.
package scf

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

const (
	// Magic is the little-endian file magic "SCF1".
	Magic uint32 = 0x31464353

	// Version is the current format version.
	Version uint32 = 1

	headerSize = 24
	dataAlign  = 64
)

// TensorDType identifies the element encoding of a tensor's data section.
type TensorDType uint8

const (
	DTypeInvalid TensorDType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
)

// ElemSize returns the byte size of one element, or 0 for invalid dtypes.
func (d TensorDType) ElemSize() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

func (d TensorDType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return "invalid"
	}
}

// Tensor is a named tensor stored in a checkpoint. Raw aliases the file's
// data section (or mapped memory); callers must not write through it.
type Tensor struct {
	Name  string
	DType TensorDType
	Shape []int
	Raw   []byte
}

// Elems returns the total element count of the tensor.
func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float32 decodes the tensor into a freshly allocated []float32.
func (t *Tensor) Float32() []float32 {
	n := t.Elems()
	out := make([]float32, n)
	switch t.DType {
	case DTypeF32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Raw[i*4:]))
		}
	case DTypeF16:
		for i := 0; i < n; i++ {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Raw[i*2:])).Float32()
		}
	case DTypeBF16:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(t.Raw[i*2:])) << 16)
		}
	default:
		panic("scf: decode of invalid dtype")
	}
	return out
}

func alignUp(n, align int) int {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + align - rem
}
