package bytecode

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

var nextBaseID atomic.Uint64

// Base is the storage of one logical array. Data is the host copy and stays
// nil until the array is first materialized on the host.
type Base struct {
	id    uint64
	Type  Type
	NElem int
	Data  []byte
}

// NewBase creates an array of n elements without host storage.
func NewBase(t Type, n int) *Base {
	return &Base{id: nextBaseID.Add(1), Type: t, NElem: n}
}

// NewFloat32Base creates a float32 array holding a copy of vals.
func NewFloat32Base(vals []float32) *Base {
	b := NewBase(Float32, len(vals))
	copy(b.Float32s(), vals)
	return b
}

// NewBoolBase creates a bool array holding a copy of vals.
func NewBoolBase(vals []bool) *Base {
	b := NewBase(Bool, len(vals))
	data := b.Host()
	for i, v := range vals {
		if v {
			data[i] = 1
		}
	}
	return b
}

// ID is a process-unique identifier, stable for the lifetime of the array.
func (b *Base) ID() uint64 { return b.id }

// Bytes returns the storage size in bytes.
func (b *Base) Bytes() int64 { return int64(b.NElem) * int64(b.Type.Size()) }

// HasHostData reports whether the host copy has been materialized.
func (b *Base) HasHostData() bool { return b.Data != nil }

// Host returns the host storage, allocating it zeroed on first use.
func (b *Base) Host() []byte {
	if b.Data == nil {
		b.Data = make([]byte, b.Bytes())
	}
	return b.Data
}

// Float32s returns the host storage reinterpreted as float32 values.
// Returns nil for non-float32 arrays and empty arrays.
func (b *Base) Float32s() []float32 {
	if b.Type != Float32 || b.NElem == 0 {
		return nil
	}
	data := b.Host()
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), b.NElem)
}

// BoolAt returns element i of a bool array's host copy.
func (b *Base) BoolAt(i int) bool {
	return b.Host()[i] != 0
}

func (b *Base) String() string {
	return fmt.Sprintf("base#%d(%s[%d])", b.id, b.Type, b.NElem)
}

// View is a strided window onto a Base. Strides and Start are counted in
// elements. Several views may alias the same Base.
type View struct {
	Base   *Base
	Shape  []int
	Stride []int
	Start  int
}

// Contiguous returns a row-major view of b with the given shape.
func Contiguous(b *Base, shape ...int) *View {
	return &View{Base: b, Shape: append([]int(nil), shape...), Stride: RowMajorStrides(shape)}
}

// Vector returns a 1-D view covering all of b.
func Vector(b *Base) *View {
	return Contiguous(b, b.NElem)
}

// RowMajorStrides computes the element strides of a dense row-major layout.
func RowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// Type returns the element type of the underlying array.
func (v *View) Type() Type { return v.Base.Type }

// Rank returns the number of dimensions.
func (v *View) Rank() int { return len(v.Shape) }

// NElem returns the number of elements addressed by the view.
func (v *View) NElem() int {
	n := 1
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// ByteOffset returns the start of the view in bytes from the base origin.
func (v *View) ByteOffset() int64 {
	return int64(v.Start) * int64(v.Base.Type.Size())
}

// Same reports whether both views address exactly the same elements of the
// same base in the same order.
func (v *View) Same(o *View) bool {
	if v.Base != o.Base || v.Start != o.Start || len(v.Shape) != len(o.Shape) {
		return false
	}
	for i := range v.Shape {
		if v.Shape[i] != o.Shape[i] {
			return false
		}
		if v.Shape[i] > 1 && v.Stride[i] != o.Stride[i] {
			return false
		}
	}
	return true
}

// CoversBase reports whether the view is a dense row-major view of the whole
// base, so a write through it replaces every element.
func (v *View) CoversBase() bool {
	if v.Start != 0 || v.NElem() != v.Base.NElem {
		return false
	}
	dense := RowMajorStrides(v.Shape)
	for i := range v.Shape {
		if v.Shape[i] > 1 && v.Stride[i] != dense[i] {
			return false
		}
	}
	return true
}

// Validate checks that the view stays inside its base.
func (v *View) Validate() error {
	if v.Base == nil {
		return fmt.Errorf("view has no base")
	}
	if len(v.Stride) != len(v.Shape) {
		return fmt.Errorf("view of %s: %d strides for %d dims", v.Base, len(v.Stride), len(v.Shape))
	}
	lo, hi := v.Start, v.Start
	for i, d := range v.Shape {
		if d < 0 {
			return fmt.Errorf("view of %s: negative extent %d", v.Base, d)
		}
		if d == 0 {
			return nil
		}
		span := (d - 1) * v.Stride[i]
		if span < 0 {
			lo += span
		} else {
			hi += span
		}
	}
	if lo < 0 || hi >= v.Base.NElem {
		return fmt.Errorf("view of %s addresses elements [%d, %d] outside [0, %d)", v.Base, lo, hi, v.Base.NElem)
	}
	return nil
}

// Constant is an immediate scalar operand. Bools are 0 or 1.
type Constant struct {
	Type  Type
	Value float64
}

// Operand is either an array view or an immediate constant.
type Operand struct {
	View  *View
	Const *Constant
}

// Array wraps a view as an operand.
func Array(v *View) Operand { return Operand{View: v} }

// Scalar wraps an immediate as an operand.
func Scalar(t Type, value float64) Operand {
	return Operand{Const: &Constant{Type: t, Value: value}}
}

// IsConst reports whether the operand is an immediate.
func (o Operand) IsConst() bool { return o.View == nil }

// Instruction is one bytecode instruction. For computations Operands[0] is
// the output. Instructions are never mutated once issued.
type Instruction struct {
	Opcode   Opcode
	Type     Type
	Operands []Operand
}

// NewInstruction builds an instruction.
func NewInstruction(op Opcode, t Type, operands ...Operand) Instruction {
	return Instruction{Opcode: op, Type: t, Operands: operands}
}

// Output returns the output view, or nil if the instruction has none.
func (in *Instruction) Output() *View {
	if len(in.Operands) == 0 {
		return nil
	}
	return in.Operands[0].View
}

// Inputs returns every operand after the output.
func (in *Instruction) Inputs() []Operand {
	if len(in.Operands) < 2 {
		return nil
	}
	return in.Operands[1:]
}

func (in *Instruction) String() string {
	return fmt.Sprintf("%s.%s/%d", in.Opcode, in.Type, len(in.Operands))
}
