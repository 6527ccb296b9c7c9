package kernel

import (
	"fmt"
	"strings"

	"github.com/xupit3r/cudave/internal/opmap"
	"github.com/xupit3r/cudave/pkg/bytecode"
	"github.com/xupit3r/cudave/pkg/verr"
)

// Config bounds the kernel template set.
type Config struct {
	BlockSize int
	MaxGrid   int
	MaxParams int
	MaxRank   int
}

// DefaultConfig returns the stock template limits.
func DefaultConfig() Config {
	return Config{BlockSize: 256, MaxGrid: 1024, MaxParams: 32, MaxRank: 16}
}

// Generator builds kernels from batches. It holds no per-batch state.
type Generator struct {
	mapper *opmap.Mapper
	cfg    Config
	seq    uint64
}

// NewGenerator creates a generator over mapper's native operations.
func NewGenerator(mapper *opmap.Mapper, cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.MaxGrid <= 0 {
		cfg.MaxGrid = def.MaxGrid
	}
	if cfg.MaxParams <= 0 {
		cfg.MaxParams = def.MaxParams
	}
	if cfg.MaxRank <= 0 {
		cfg.MaxRank = def.MaxRank
	}
	return &Generator{mapper: mapper, cfg: cfg}
}

// Config returns the effective limits.
func (g *Generator) Config() Config { return g.cfg }

// Fusable reports whether in can extend b. Instructions fuse when they share
// the iteration shape and every base written in the batch is only ever seen
// through one view, so each element's thread owns all of its reads and
// writes. Reductions never fuse.
func (g *Generator) Fusable(b *Batch, in *bytecode.Instruction) bool {
	if b.Empty() {
		return true
	}
	if b.reduction || in.Opcode.IsReduce() {
		return false
	}
	out := in.Output()
	if out == nil || !sameShape(out.Shape, b.shape) {
		return false
	}

	added := 0
	check := func(v *bytecode.View, write bool) bool {
		prev := b.accesses[v.Base]
		fresh := true
		for _, a := range prev {
			same := a.view.Same(v)
			if same {
				fresh = false
			}
			if (a.write || write) && !same {
				return false
			}
		}
		if fresh {
			added++
		}
		return true
	}
	for _, opnd := range in.Inputs() {
		if opnd.View == nil {
			continue
		}
		if opnd.View.Base == out.Base && !opnd.View.Same(out) {
			return false
		}
		if !check(opnd.View, false) {
			return false
		}
	}
	if !check(out, true) {
		return false
	}
	return b.views+added <= g.cfg.MaxParams
}

// Generate lowers b into a kernel.
func (g *Generator) Generate(b *Batch) (*Kernel, error) {
	if b.Empty() {
		return nil, verr.New(verr.CodeGenerationFailure, "kernel.Generate", "empty batch")
	}
	g.seq++
	if b.reduction {
		if b.Len() != 1 {
			return nil, verr.New(verr.CodeGenerationFailure, "kernel.Generate",
				"reduction batch holds %d instructions", b.Len())
		}
		return g.generateReduction(b.Instructions[0])
	}
	return g.generateChain(b)
}

type chainBuilder struct {
	k       *Kernel
	chain   *Chain
	batch   *Batch
	loaded  map[int]int
	written map[*bytecode.Base]written
	stores  map[int]int
}

type written struct {
	view *bytecode.View
	reg  int
}

func (g *Generator) generateChain(b *Batch) (*Kernel, error) {
	const op = "kernel.Generate"
	shape := b.shape
	if len(shape) > g.cfg.MaxRank {
		return nil, verr.New(verr.CodeGenerationFailure, op, "rank %d exceeds template limit %d", len(shape), g.cfg.MaxRank)
	}

	k := &Kernel{ID: g.seq, Shape: append([]int(nil), shape...), Elems: product(shape)}
	cb := &chainBuilder{
		k:       k,
		chain:   &Chain{},
		batch:   b,
		loaded:  make(map[int]int),
		written: make(map[*bytecode.Base]written),
		stores:  make(map[int]int),
	}
	var names []string

	for _, in := range b.Instructions {
		native, err := g.mapper.Map(in.Opcode, in.Type)
		if err != nil {
			return nil, err
		}
		if len(in.Operands) != native.Arity+1 {
			return nil, verr.New(verr.CodeGenerationFailure, op,
				"%s takes %d inputs, got %d operands", in.Opcode, native.Arity, len(in.Operands))
		}
		out := in.Output()
		if out == nil {
			return nil, verr.New(verr.CodeGenerationFailure, op, "%s has no output array", in.Opcode)
		}
		if out.Type() != native.Result {
			return nil, verr.New(verr.UnsupportedOperation, op,
				"%s on %s produces %s, output is %s", in.Opcode, in.Type, native.Result, out.Type())
		}
		if !sameShape(out.Shape, shape) {
			return nil, verr.New(verr.CodeGenerationFailure, op,
				"%s output shape %v differs from iteration shape %v", in.Opcode, out.Shape, shape)
		}

		srcs := make([]Src, 0, native.Arity)
		for _, opnd := range in.Inputs() {
			if v := opnd.View; v != nil && v.Base == out.Base && !v.Same(out) {
				return nil, verr.New(verr.CodeGenerationFailure, op,
					"%s reads and writes %s through different views", in.Opcode, out.Base)
			}
			src, err := cb.source(g, opnd, in.Type)
			if err != nil {
				return nil, err
			}
			srcs = append(srcs, src)
		}

		dst := cb.reg()
		cb.chain.Body = append(cb.chain.Body, Inst{Code: Compute, Dst: dst, Op: native, Srcs: srcs})
		if err := cb.write(g, out, dst); err != nil {
			return nil, err
		}
		names = append(names, in.Opcode.String())
	}

	for i := range k.Params {
		if reg, ok := cb.stores[i]; ok {
			cb.chain.Body = append(cb.chain.Body, Inst{Code: Store, Param: i, Srcs: []Src{{Kind: SrcReg, Reg: reg}}})
		}
	}

	k.Root = Node{Kind: Elementwise, Chain: cb.chain}
	k.Name = fmt.Sprintf("ew%d_%s", k.ID, strings.Join(names, "_"))
	k.Launch = g.launch(k.Elems)
	return k, nil
}

func (cb *chainBuilder) reg() int {
	r := cb.chain.Regs
	cb.chain.Regs++
	return r
}

func (cb *chainBuilder) source(g *Generator, opnd bytecode.Operand, t bytecode.Type) (Src, error) {
	if opnd.IsConst() {
		if opnd.Const.Type != t {
			return Src{}, verr.New(verr.UnsupportedOperation, "kernel.Generate",
				"constant of type %s in %s instruction", opnd.Const.Type, t)
		}
		return Src{Kind: SrcConst, Const: float32(opnd.Const.Value)}, nil
	}
	v := opnd.View
	if v.Type() != t {
		return Src{}, verr.New(verr.UnsupportedOperation, "kernel.Generate",
			"%s input in %s instruction", v.Type(), t)
	}
	if w, ok := cb.written[v.Base]; ok {
		if !w.view.Same(v) {
			return Src{}, verr.New(verr.CodeGenerationFailure, "kernel.Generate",
				"%s is read through a different view than it was written", v.Base)
		}
		return Src{Kind: SrcReg, Reg: w.reg}, nil
	}
	idx, err := cb.param(g, v, Read)
	if err != nil {
		return Src{}, err
	}
	if reg, ok := cb.loaded[idx]; ok {
		return Src{Kind: SrcReg, Reg: reg}, nil
	}
	reg := cb.reg()
	cb.chain.Body = append(cb.chain.Body, Inst{Code: Load, Dst: reg, Param: idx})
	cb.loaded[idx] = reg
	return Src{Kind: SrcReg, Reg: reg}, nil
}

func (cb *chainBuilder) write(g *Generator, out *bytecode.View, reg int) error {
	cb.written[out.Base] = written{view: out, reg: reg}
	if cb.batch.Elided(out.Base) {
		return nil
	}
	idx, err := cb.param(g, out, Write)
	if err != nil {
		return err
	}
	cb.stores[idx] = reg
	cb.loaded[idx] = reg
	return nil
}

func (cb *chainBuilder) param(g *Generator, v *bytecode.View, acc Access) (int, error) {
	strides, ok := broadcastStrides(v, cb.k.Shape)
	if !ok {
		return 0, verr.New(verr.CodeGenerationFailure, "kernel.Generate",
			"view shape %v does not broadcast to %v", v.Shape, cb.k.Shape)
	}
	for i := range cb.k.Params {
		p := &cb.k.Params[i]
		if p.Base == v.Base && p.Start == v.Start && sameShape(p.Stride, strides) {
			p.Access |= acc
			return i, nil
		}
	}
	if len(cb.k.Params) >= g.cfg.MaxParams {
		return 0, verr.New(verr.CodeGenerationFailure, "kernel.Generate",
			"more than %d buffer bindings", g.cfg.MaxParams)
	}
	cb.k.Params = append(cb.k.Params, Param{
		Base:   v.Base,
		View:   v,
		Type:   v.Type(),
		Stride: strides,
		Start:  v.Start,
		Access: acc,
	})
	return len(cb.k.Params) - 1, nil
}

func (g *Generator) generateReduction(in *bytecode.Instruction) (*Kernel, error) {
	const op = "kernel.Generate"
	native, err := g.mapper.Map(in.Opcode, in.Type)
	if err != nil {
		return nil, err
	}
	if len(in.Operands) < 2 || len(in.Operands) > 3 {
		return nil, verr.New(verr.CodeGenerationFailure, op, "%s takes an output, an input and an optional axis", in.Opcode)
	}
	out, src := in.Output(), in.Operands[1].View
	if out == nil || src == nil {
		return nil, verr.New(verr.CodeGenerationFailure, op, "%s needs array output and input", in.Opcode)
	}
	if src.Type() != in.Type || out.Type() != native.Result {
		return nil, verr.New(verr.UnsupportedOperation, op, "%s reduces %s into %s", in.Opcode, src.Type(), out.Type())
	}
	rank := src.Rank()
	if rank == 0 || rank > g.cfg.MaxRank {
		return nil, verr.New(verr.CodeGenerationFailure, op, "cannot reduce a rank %d array", rank)
	}
	axis := 0
	if len(in.Operands) == 3 {
		if !in.Operands[2].IsConst() {
			return nil, verr.New(verr.CodeGenerationFailure, op, "reduction axis must be an immediate")
		}
		axis = int(in.Operands[2].Const.Value)
	}
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, verr.New(verr.CodeGenerationFailure, op, "axis %d out of range for rank %d", axis, rank)
	}

	outShape := make([]int, 0, rank-1)
	outerStrides := make([]int, 0, rank-1)
	for d := 0; d < rank; d++ {
		if d != axis {
			outShape = append(outShape, src.Shape[d])
			outerStrides = append(outerStrides, src.Stride[d])
		}
	}
	outStrides, ok := reducedOutputStrides(out, outShape)
	if !ok {
		return nil, verr.New(verr.CodeGenerationFailure, op,
			"output shape %v does not match reduced shape %v", out.Shape, outShape)
	}

	node := &ReduceNode{
		Op:             native,
		Axis:           axis,
		Len:            src.Shape[axis],
		OutShape:       outShape,
		Outer:          product(outShape),
		InAxisStride:   src.Stride[axis],
		InOuterStrides: outerStrides,
	}
	launch := g.launch(node.Len)
	if launch.Grid == 0 {
		launch.Grid = 1
	}

	k := &Kernel{
		ID:    g.seq,
		Name:  fmt.Sprintf("red%d_%s", g.seq, in.Opcode.Base()),
		Shape: append([]int(nil), src.Shape...),
		Elems: src.NElem(),
		Params: []Param{
			{Base: src.Base, View: src, Type: src.Type(), Stride: append([]int(nil), src.Stride...), Start: src.Start, Access: Read},
			{Base: out.Base, View: out, Type: out.Type(), Stride: outStrides, Start: out.Start, Access: Write},
			{Scratch: true, Type: bytecode.Float32, Elems: node.Outer * launch.Grid, Access: Read | Write},
		},
		Launch: launch,
	}
	node.In, node.Out, node.Partials = 0, 1, 2
	k.Root = Node{Kind: Reduction, Reduce: node}
	return k, nil
}

func (g *Generator) launch(elems int) LaunchConfig {
	lc := LaunchConfig{Block: g.cfg.BlockSize}
	if elems <= 0 {
		return lc
	}
	lc.Grid = (elems + lc.Block - 1) / lc.Block
	if lc.Grid > g.cfg.MaxGrid {
		lc.Grid = g.cfg.MaxGrid
	}
	return lc
}

// reducedOutputStrides matches a reduction output view against the reduced
// shape. A reduction to a scalar may be written to a one-element view.
func reducedOutputStrides(out *bytecode.View, shape []int) ([]int, bool) {
	if sameShape(out.Shape, shape) {
		return append([]int(nil), out.Stride...), true
	}
	if len(shape) == 0 && out.NElem() == 1 {
		return nil, true
	}
	return nil, false
}

// broadcastStrides maps v onto shape with numpy broadcasting: missing
// leading dims and size-1 dims repeat with stride 0.
func broadcastStrides(v *bytecode.View, shape []int) ([]int, bool) {
	if len(v.Shape) > len(shape) {
		return nil, false
	}
	strides := make([]int, len(shape))
	off := len(shape) - len(v.Shape)
	for i := off; i < len(shape); i++ {
		d := v.Shape[i-off]
		switch {
		case d == 1:
			strides[i] = 0
		case d == shape[i]:
			strides[i] = v.Stride[i-off]
		default:
			return nil, false
		}
	}
	return strides, true
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
