package kernel

import (
	"github.com/xupit3r/cudave/pkg/bytecode"
)

type access struct {
	view  *bytecode.View
	write bool
}

// Batch is a contiguous run of instructions judged mutually fusable. It also
// records, per base, how the batch touches it so the fusion rule can be
// checked incrementally.
type Batch struct {
	Instructions []*bytecode.Instruction

	shape      []int
	reduction  bool
	accesses   map[*bytecode.Base][]access
	firstWrite map[*bytecode.Base]bool
	elided     map[*bytecode.Base]bool
	views      int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{
		accesses:   make(map[*bytecode.Base][]access),
		firstWrite: make(map[*bytecode.Base]bool),
		elided:     make(map[*bytecode.Base]bool),
	}
}

// Len returns the number of instructions in the batch.
func (b *Batch) Len() int { return len(b.Instructions) }

// Empty reports whether the batch holds no instructions.
func (b *Batch) Empty() bool { return len(b.Instructions) == 0 }

// Shape returns the iteration shape shared by the batch.
func (b *Batch) Shape() []int { return b.shape }

// IsReduction reports whether the batch holds a reduction.
func (b *Batch) IsReduction() bool { return b.reduction }

// Append adds in to the batch. Callers check Generator.Fusable first.
func (b *Batch) Append(in *bytecode.Instruction) {
	if b.Empty() {
		if out := in.Output(); out != nil {
			b.shape = append([]int(nil), out.Shape...)
		}
		b.reduction = in.Opcode.IsReduce()
	}
	b.Instructions = append(b.Instructions, in)
	for _, opnd := range in.Inputs() {
		if opnd.View != nil {
			b.record(opnd.View, false)
		}
	}
	if out := in.Output(); out != nil {
		b.record(out, true)
	}
}

func (b *Batch) record(v *bytecode.View, write bool) {
	prev := b.accesses[v.Base]
	if len(prev) == 0 {
		b.firstWrite[v.Base] = write
	}
	if write {
		// A write after the base was dropped produces a live value again.
		delete(b.elided, v.Base)
	}
	fresh := true
	for _, a := range prev {
		if a.view.Same(v) {
			fresh = false
			break
		}
	}
	if fresh {
		b.views++
	}
	b.accesses[v.Base] = append(prev, access{view: v, write: write})
}

// Writes reports whether the batch writes base.
func (b *Batch) Writes(base *bytecode.Base) bool {
	for _, a := range b.accesses[base] {
		if a.write {
			return true
		}
	}
	return false
}

// Touches reports whether any instruction of the batch accesses base.
func (b *Batch) Touches(base *bytecode.Base) bool {
	return len(b.accesses[base]) > 0
}

// Elide marks base as a batch-local intermediate that is never stored. Only
// bases whose first access in the batch is a write can be elided.
func (b *Batch) Elide(base *bytecode.Base) bool {
	if b.reduction || !b.firstWrite[base] || !b.Touches(base) {
		return false
	}
	b.elided[base] = true
	return true
}

// Elided reports whether base is kept in registers only.
func (b *Batch) Elided(base *bytecode.Base) bool { return b.elided[base] }

// Bases returns every base the batch touches.
func (b *Batch) Bases() []*bytecode.Base {
	bases := make([]*bytecode.Base, 0, len(b.accesses))
	for base := range b.accesses {
		bases = append(bases, base)
	}
	return bases
}

// Mark records the extent of a batch so it can be rewound later.
type Mark struct {
	n      int
	elided []*bytecode.Base
}

// Len returns the number of instructions covered by m.
func (m Mark) Len() int { return m.n }

// Mark returns the current extent of b.
func (b *Batch) Mark() Mark {
	m := Mark{n: len(b.Instructions)}
	for base := range b.elided {
		m.elided = append(m.elided, base)
	}
	return m
}

// Rewind returns a batch holding only the instructions and elisions b had
// at m.
func (b *Batch) Rewind(m Mark) *Batch {
	nb := NewBatch()
	for _, in := range b.Instructions[:m.n] {
		nb.Append(in)
	}
	for _, base := range m.elided {
		nb.elided[base] = true
	}
	return nb
}
