package commands

import (
	"fmt"
	"math"
	"sort"

	"github.com/xupit3r/cudave/pkg/bytecode"
	"github.com/xupit3r/cudave/pkg/ve"
)

// result summarises one workload run checked against a host computation.
type result struct {
	Summary string
	MaxErr  float64 // largest absolute deviation from the host result
}

type workload struct {
	Description string
	Run         func(e *ve.Engine, n int) (result, error)
}

var workloads = map[string]workload{
	"add-chain": {"out = (a + b) + c, fused into one kernel", runAddChain},
	"sum":       {"sum of n ones through a two-pass reduction", runSum},
	"compare":   {"mask = !(a > b) over a broadcast row", runCompare},
}

func workloadNames() []string {
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func vec(b *bytecode.Base) bytecode.Operand { return bytecode.Array(bytecode.Vector(b)) }

func runAddChain(e *ve.Engine, n int) (result, error) {
	av, bv, cv := make([]float32, n), make([]float32, n), make([]float32, n)
	for i := 0; i < n; i++ {
		av[i] = float32(i%1000) * 0.25
		bv[i] = 1
		cv[i] = float32(i % 3)
	}
	a, b, c := bytecode.NewFloat32Base(av), bytecode.NewFloat32Base(bv), bytecode.NewFloat32Base(cv)
	ab, out := bytecode.NewBase(bytecode.Float32, n), bytecode.NewBase(bytecode.Float32, n)

	err := e.Execute([]bytecode.Instruction{
		bytecode.NewInstruction(bytecode.Add, bytecode.Float32, vec(ab), vec(a), vec(b)),
		bytecode.NewInstruction(bytecode.Add, bytecode.Float32, vec(out), vec(ab), vec(c)),
		bytecode.NewInstruction(bytecode.Discard, bytecode.Float32, vec(ab)),
		bytecode.NewInstruction(bytecode.Sync, bytecode.Float32, vec(out)),
	})
	if err != nil {
		return result{}, err
	}
	if err := e.Flush(); err != nil {
		return result{}, err
	}

	var maxErr float64
	for i, got := range out.Float32s() {
		want := (float64(av[i]) + float64(bv[i])) + float64(cv[i])
		maxErr = math.Max(maxErr, math.Abs(float64(got)-want))
	}
	return result{Summary: fmt.Sprintf("%d elements", n), MaxErr: maxErr}, nil
}

func runSum(e *ve.Engine, n int) (result, error) {
	ones := make([]float32, n)
	for i := range ones {
		ones[i] = 1
	}
	in, sum := bytecode.NewFloat32Base(ones), bytecode.NewBase(bytecode.Float32, 1)

	err := e.Execute([]bytecode.Instruction{
		bytecode.NewInstruction(bytecode.Add|bytecode.Reduce, bytecode.Float32, vec(sum), vec(in)),
		bytecode.NewInstruction(bytecode.Sync, bytecode.Float32, vec(sum)),
	})
	if err != nil {
		return result{}, err
	}
	if err := e.Flush(); err != nil {
		return result{}, err
	}
	got := float64(sum.Float32s()[0])
	return result{
		Summary: fmt.Sprintf("sum = %g", got),
		MaxErr:  math.Abs(got - float64(n)),
	}, nil
}

func runCompare(e *ve.Engine, n int) (result, error) {
	const cols = 4
	rows := (n + cols - 1) / cols
	av := make([]float32, rows*cols)
	for i := range av {
		av[i] = float32(i % 7)
	}
	row := []float32{1, 2, 3, 4}
	a, b := bytecode.NewFloat32Base(av), bytecode.NewFloat32Base(row)
	gt, mask := bytecode.NewBase(bytecode.Bool, rows*cols), bytecode.NewBase(bytecode.Bool, rows*cols)

	shape := []int{rows, cols}
	full := func(base *bytecode.Base) bytecode.Operand {
		return bytecode.Array(bytecode.Contiguous(base, shape...))
	}
	bcast := &bytecode.View{Base: b, Shape: shape, Stride: []int{0, 1}}

	err := e.Execute([]bytecode.Instruction{
		bytecode.NewInstruction(bytecode.Greater, bytecode.Float32, full(gt), full(a), bytecode.Array(bcast)),
		bytecode.NewInstruction(bytecode.LogicalNot, bytecode.Bool, full(mask), full(gt)),
		bytecode.NewInstruction(bytecode.Free, bytecode.Bool, full(gt)),
		bytecode.NewInstruction(bytecode.Sync, bytecode.Bool, full(mask)),
	})
	if err != nil {
		return result{}, err
	}
	if err := e.Flush(); err != nil {
		return result{}, err
	}

	set, wrong := 0, 0
	for i := range av {
		want := !(av[i] > row[i%cols])
		if mask.BoolAt(i) {
			set++
		}
		if mask.BoolAt(i) != want {
			wrong++
		}
	}
	return result{
		Summary: fmt.Sprintf("%d of %d set", set, len(av)),
		MaxErr:  float64(wrong),
	}, nil
}
