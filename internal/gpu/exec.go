package gpu

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xupit3r/cudave/internal/kernel"
	"github.com/xupit3r/cudave/pkg/bytecode"
)

// binding is a param resolved against device memory.
type binding struct {
	f32    []float32
	pred   []byte
	stride []int
	start  int
	dense  bool
	elems  int
}

func bind(p *kernel.Param, buf []byte, shape []int) binding {
	b := binding{stride: p.Stride, start: p.Start}
	switch p.Type {
	case bytecode.Bool:
		b.pred = buf
		b.elems = len(buf)
	default:
		if n := len(buf) / 4; n > 0 {
			b.f32 = unsafe.Slice((*float32)(unsafe.Pointer(&buf[0])), n)
		}
		b.elems = len(buf) / 4
	}
	if p.Start == 0 && len(p.Stride) == len(shape) {
		b.dense = true
		dense := bytecode.RowMajorStrides(shape)
		for i := range shape {
			if shape[i] > 1 && p.Stride[i] != dense[i] {
				b.dense = false
				break
			}
		}
	}
	return b
}

func (b *binding) load(off int) (float32, error) {
	if off < 0 || off >= b.elems {
		return 0, errors.Errorf("illegal address: element %d of %d", off, b.elems)
	}
	if b.pred != nil {
		if b.pred[off] != 0 {
			return 1, nil
		}
		return 0, nil
	}
	return b.f32[off], nil
}

func (b *binding) store(off int, v float32) error {
	if off < 0 || off >= b.elems {
		return errors.Errorf("illegal address: element %d of %d", off, b.elems)
	}
	if b.pred != nil {
		if v != 0 {
			b.pred[off] = 1
		} else {
			b.pred[off] = 0
		}
		return nil
	}
	b.f32[off] = v
	return nil
}

// offset maps linear element i of shape onto the binding.
func (b *binding) offset(i int, shape []int) int {
	if b.dense {
		return i
	}
	off := b.start
	for d := len(shape) - 1; d >= 0; d-- {
		ext := shape[d]
		off += (i % ext) * b.stride[d]
		i /= ext
	}
	return off
}

func execute(k *kernel.Kernel, mem [][]byte, workers int) error {
	switch k.Root.Kind {
	case kernel.Elementwise:
		return executeChain(k, mem, workers)
	case kernel.Reduction:
		return executeReduction(k, mem, workers)
	default:
		return errors.Errorf("unknown node kind %d", k.Root.Kind)
	}
}

// executeChain runs a fused elementwise kernel: every thread walks the
// iteration space with a grid stride and evaluates the whole chain per
// element.
func executeChain(k *kernel.Kernel, mem [][]byte, workers int) error {
	if k.Launch.Grid == 0 || k.Elems == 0 {
		return nil
	}
	chain := k.Root.Chain
	binds := make([]binding, len(k.Params))
	for i := range k.Params {
		binds[i] = bind(&k.Params[i], mem[i], k.Shape)
	}

	grid, block := k.Launch.Grid, k.Launch.Block
	stride := grid * block

	var g errgroup.Group
	g.SetLimit(workers)
	for blk := 0; blk < grid; blk++ {
		blk := blk
		g.Go(func() error {
			regs := make([]float32, chain.Regs)
			args := make([]float32, 2)
			for t := 0; t < block; t++ {
				for i := blk*block + t; i < k.Elems; i += stride {
					if err := evalChain(chain, binds, k.Shape, i, regs, args); err != nil {
						return errors.Wrapf(err, "block %d thread %d", blk, t)
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func evalChain(chain *kernel.Chain, binds []binding, shape []int, i int, regs, args []float32) error {
	for _, in := range chain.Body {
		switch in.Code {
		case kernel.Load:
			b := &binds[in.Param]
			v, err := b.load(b.offset(i, shape))
			if err != nil {
				return err
			}
			regs[in.Dst] = v
		case kernel.Compute:
			args[0], args[1] = 0, 0
			for j, s := range in.Srcs {
				if s.Kind == kernel.SrcConst {
					args[j] = s.Const
				} else {
					args[j] = regs[s.Reg]
				}
			}
			regs[in.Dst] = in.Op.Eval(args[0], args[1])
		case kernel.Store:
			b := &binds[in.Param]
			if err := b.store(b.offset(i, shape), regs[in.Srcs[0].Reg]); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeReduction runs the two-pass reduction template. Pass one gives
// every block a grid-stride slice of the reduced axis and folds its threads'
// accumulators with a tree into one partial per (output, block). Pass two
// folds the partials of each output.
func executeReduction(k *kernel.Kernel, mem [][]byte, workers int) error {
	r := k.Root.Reduce
	combine := r.Op.Combine.Eval
	in := bind(&k.Params[r.In], mem[r.In], nil)
	out := bind(&k.Params[r.Out], mem[r.Out], nil)
	partials := bind(&k.Params[r.Partials], mem[r.Partials], nil)

	grid, block := k.Launch.Grid, k.Launch.Block
	if partials.elems < r.Outer*grid {
		return errors.Errorf("illegal address: %d partials need %d elements, have %d", r.Outer*grid, r.Outer*grid, partials.elems)
	}

	inBase := make([]int, r.Outer)
	outOff := make([]int, r.Outer)
	for o := 0; o < r.Outer; o++ {
		inBase[o] = k.Params[r.In].Start + dotUnravel(o, r.OutShape, r.InOuterStrides)
		outOff[o] = k.Params[r.Out].Start + dotUnravel(o, r.OutShape, k.Params[r.Out].Stride)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for blk := 0; blk < grid; blk++ {
		blk := blk
		g.Go(func() error {
			acc := make([]float32, block)
			for o := 0; o < r.Outer; o++ {
				for t := 0; t < block; t++ {
					a := r.Op.Identity
					for j := blk*block + t; j < r.Len; j += grid * block {
						v, err := in.load(inBase[o] + j*r.InAxisStride)
						if err != nil {
							return errors.Wrapf(err, "block %d thread %d", blk, t)
						}
						a = combine(a, v)
					}
					acc[t] = a
				}
				partials.f32[o*grid+blk] = treeFold(acc, combine)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for o := 0; o < r.Outer; o++ {
		v := treeFold(partials.f32[o*grid:(o+1)*grid], combine)
		if err := out.store(outOff[o], v); err != nil {
			return err
		}
	}
	return nil
}

// treeFold combines vals pairwise in place, like a shared-memory block
// reduction. vals must not be empty.
func treeFold(vals []float32, combine func(x, y float32) float32) float32 {
	n := len(vals)
	for n > 1 {
		half := (n + 1) / 2
		for i := 0; i+half < n; i++ {
			vals[i] = combine(vals[i], vals[i+half])
		}
		n = half
	}
	return vals[0]
}

func dotUnravel(i int, shape, strides []int) int {
	off := 0
	for d := len(shape) - 1; d >= 0; d-- {
		off += (i % shape[d]) * strides[d]
		i /= shape[d]
	}
	return off
}
