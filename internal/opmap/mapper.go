// Package opmap maps bytecode (opcode, type) pairs onto the native device
// operations the kernel generator can emit.
package opmap

import (
	"sort"

	"github.com/xupit3r/cudave/pkg/bytecode"
	"github.com/xupit3r/cudave/pkg/verr"
)

// Op describes one native operation. Bool values travel through kernels as
// 0 or 1 in float32 registers.
type Op struct {
	Opcode   bytecode.Opcode
	Type     bytecode.Type // operand type
	Result   bytecode.Type
	Arity    int // input count
	Mnemonic string
	Eval     func(x, y float32) float32

	// Set for reductions only.
	Combine  *Op
	Identity float32
}

// Pair is one (opcode, element type) capability.
type Pair struct {
	Opcode bytecode.Opcode
	Type   bytecode.Type
}

type key struct {
	op bytecode.Opcode
	t  bytecode.Type
}

// Mapper is an immutable lookup table built once at startup.
type Mapper struct {
	table     map[key]*Op
	supported []Pair
	opcodes   []bytecode.Opcode
	reducible []bytecode.Opcode
}

// New builds a mapper whose synthesized reductions are exactly reduceOps, in
// the given order. Each entry must be a base opcode listed in the
// associativity table.
func New(reduceOps []bytecode.Opcode) (*Mapper, error) {
	m := &Mapper{table: make(map[key]*Op)}
	for i := range nativeOps {
		op := &nativeOps[i]
		m.table[key{op.Opcode, op.Type}] = op
	}

	direct := make(map[bytecode.Opcode]bool)
	for k := range m.table {
		direct[k.op] = true
		m.supported = append(m.supported, Pair{k.op, k.t})
	}
	for op := range direct {
		m.opcodes = append(m.opcodes, op)
	}
	sort.Slice(m.opcodes, func(i, j int) bool { return m.opcodes[i] < m.opcodes[j] })

	seen := make(map[bytecode.Opcode]bool)
	for _, base := range reduceOps {
		base = base.Base()
		if seen[base] {
			continue
		}
		seen[base] = true
		identity, ok := associative[base]
		if !ok {
			return nil, verr.New(verr.UnsupportedOperation, "opmap.New",
				"%s is not registered as associative and commutative", base)
		}
		synthesized := false
		for _, t := range Types() {
			combine, ok := m.table[key{base, t}]
			if !ok || combine.Arity != 2 || combine.Result != t {
				continue
			}
			m.table[key{base | bytecode.Reduce, t}] = &Op{
				Opcode:   base | bytecode.Reduce,
				Type:     t,
				Result:   t,
				Arity:    1,
				Mnemonic: "red." + combine.Mnemonic,
				Eval:     combine.Eval,
				Combine:  combine,
				Identity: identity,
			}
			m.supported = append(m.supported, Pair{base | bytecode.Reduce, t})
			synthesized = true
		}
		if !synthesized {
			return nil, verr.New(verr.UnsupportedOperation, "opmap.New",
				"no supported element type can reduce with %s", base)
		}
		m.opcodes = append(m.opcodes, base|bytecode.Reduce)
		m.reducible = append(m.reducible, base)
	}

	sort.Slice(m.supported, func(i, j int) bool {
		if m.supported[i].Opcode != m.supported[j].Opcode {
			return m.supported[i].Opcode < m.supported[j].Opcode
		}
		return m.supported[i].Type < m.supported[j].Type
	})
	return m, nil
}

// Map returns the native operation for (op, t).
func (m *Mapper) Map(op bytecode.Opcode, t bytecode.Type) (*Op, error) {
	if native, ok := m.table[key{op, t}]; ok {
		return native, nil
	}
	return nil, verr.New(verr.UnsupportedOperation, "opmap.Map", "no native operation for %s on %s", op, t)
}

// SupportedOperations returns every pair Map accepts, synthesized reductions
// included.
func (m *Mapper) SupportedOperations() []Pair {
	return append([]Pair(nil), m.supported...)
}

// Opcodes returns the directly mapped opcodes in numeric order followed by
// the synthesized reductions in configuration order.
func (m *Mapper) Opcodes() []bytecode.Opcode {
	return append([]bytecode.Opcode(nil), m.opcodes...)
}

// Reducible returns the base opcodes that have a synthesized reduction.
func (m *Mapper) Reducible() []bytecode.Opcode {
	return append([]bytecode.Opcode(nil), m.reducible...)
}

// Types returns the element types the native table is built for.
func Types() []bytecode.Type {
	return []bytecode.Type{bytecode.Float32, bytecode.Bool}
}

// IsAssociative reports whether op may be used as a reduction operator.
func IsAssociative(op bytecode.Opcode) bool {
	_, ok := associative[op.Base()]
	return ok
}
