package bytecode

import "fmt"

// Opcode identifies an operation in the upstream instruction set.
// Reductions are expressed as an elementwise opcode with the Reduce bit set,
// e.g. Add|Reduce.
type Opcode uint16

// Reduce marks a reduction of the underlying binary opcode along one axis.
const Reduce Opcode = 0x8000

// System opcodes
const (
	None Opcode = iota
	Sync
	Discard
	Free
	Userfunc
)

// Elementwise opcodes
const (
	Add Opcode = iota + 16
	Subtract
	Multiply
	Divide
	Power
	Absolute
	Negative
	Sqrt
	Square
	Reciprocal
	Exp
	Exp2
	Expm1
	Log
	Log2
	Log10
	Log1p
	Sin
	Cos
	Tan
	Arcsin
	Arccos
	Arctan
	Arctan2
	Sinh
	Cosh
	Tanh
	Maximum
	Minimum
	Greater
	GreaterEqual
	Less
	LessEqual
	Equal
	NotEqual
	LogicalAnd
	LogicalOr
	LogicalXor
	LogicalNot
	BitwiseAnd
	BitwiseOr
	BitwiseXor
	Invert
	LeftShift
	RightShift
	Remainder
	Mod
	Floor
	Ceil
	Trunc
	Rint
	Sign
	Identity

	opcodeEnd
)

var opcodeNames = map[Opcode]string{
	None:         "none",
	Sync:         "sync",
	Discard:      "discard",
	Free:         "free",
	Userfunc:     "userfunc",
	Add:          "add",
	Subtract:     "subtract",
	Multiply:     "multiply",
	Divide:       "divide",
	Power:        "power",
	Absolute:     "absolute",
	Negative:     "negative",
	Sqrt:         "sqrt",
	Square:       "square",
	Reciprocal:   "reciprocal",
	Exp:          "exp",
	Exp2:         "exp2",
	Expm1:        "expm1",
	Log:          "log",
	Log2:         "log2",
	Log10:        "log10",
	Log1p:        "log1p",
	Sin:          "sin",
	Cos:          "cos",
	Tan:          "tan",
	Arcsin:       "arcsin",
	Arccos:       "arccos",
	Arctan:       "arctan",
	Arctan2:      "arctan2",
	Sinh:         "sinh",
	Cosh:         "cosh",
	Tanh:         "tanh",
	Maximum:      "maximum",
	Minimum:      "minimum",
	Greater:      "greater",
	GreaterEqual: "greater_equal",
	Less:         "less",
	LessEqual:    "less_equal",
	Equal:        "equal",
	NotEqual:     "not_equal",
	LogicalAnd:   "logical_and",
	LogicalOr:    "logical_or",
	LogicalXor:   "logical_xor",
	LogicalNot:   "logical_not",
	BitwiseAnd:   "bitwise_and",
	BitwiseOr:    "bitwise_or",
	BitwiseXor:   "bitwise_xor",
	Invert:       "invert",
	LeftShift:    "left_shift",
	RightShift:   "right_shift",
	Remainder:    "remainder",
	Mod:          "mod",
	Floor:        "floor",
	Ceil:         "ceil",
	Trunc:        "trunc",
	Rint:         "rint",
	Sign:         "sign",
	Identity:     "identity",
}

// AllOpcodes returns every non-reduce opcode of the instruction set in
// numeric order, system opcodes included.
func AllOpcodes() []Opcode {
	ops := []Opcode{None, Sync, Discard, Free, Userfunc}
	for op := Add; op < opcodeEnd; op++ {
		ops = append(ops, op)
	}
	return ops
}

// ParseOpcode looks an opcode up by its lowercase name. A "reduce_" prefix
// sets the Reduce bit.
func ParseOpcode(name string) (Opcode, error) {
	var flag Opcode
	if len(name) > 7 && name[:7] == "reduce_" {
		flag = Reduce
		name = name[7:]
	}
	for op, n := range opcodeNames {
		if n == name {
			return op | flag, nil
		}
	}
	return 0, fmt.Errorf("unknown opcode %q", name)
}

// IsReduce reports whether the Reduce bit is set.
func (op Opcode) IsReduce() bool { return op&Reduce != 0 }

// Base strips the Reduce bit.
func (op Opcode) Base() Opcode { return op &^ Reduce }

// IsSystem reports whether op is a control instruction rather than a
// computation.
func (op Opcode) IsSystem() bool {
	switch op {
	case None, Sync, Discard, Free, Userfunc:
		return true
	}
	return false
}

func (op Opcode) String() string {
	name, ok := opcodeNames[op.Base()]
	if !ok {
		name = fmt.Sprintf("opcode(%d)", uint16(op.Base()))
	}
	if op.IsReduce() {
		return "reduce_" + name
	}
	return name
}
