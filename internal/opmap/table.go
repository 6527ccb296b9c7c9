package opmap

import (
	"math"

	bc "github.com/xupit3r/cudave/pkg/bytecode"
)

// associative lists the operators assumed associative and commutative, with
// their identity element. Only these may be synthesized into reductions.
var associative = map[bc.Opcode]float32{
	bc.Add:        0,
	bc.Multiply:   1,
	bc.Maximum:    float32(math.Inf(-1)),
	bc.Minimum:    float32(math.Inf(1)),
	bc.LogicalAnd: 1,
	bc.LogicalOr:  0,
	bc.LogicalXor: 0,
}

func unary(f func(float64) float64) func(x, _ float32) float32 {
	return func(x, _ float32) float32 { return float32(f(float64(x))) }
}

func truth(x float32) bool { return x != 0 }

func pred(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

var nativeOps = []Op{
	// float32 arithmetic
	{Opcode: bc.Add, Type: bc.Float32, Result: bc.Float32, Arity: 2, Mnemonic: "add.f32",
		Eval: func(x, y float32) float32 { return x + y }},
	{Opcode: bc.Subtract, Type: bc.Float32, Result: bc.Float32, Arity: 2, Mnemonic: "sub.f32",
		Eval: func(x, y float32) float32 { return x - y }},
	{Opcode: bc.Multiply, Type: bc.Float32, Result: bc.Float32, Arity: 2, Mnemonic: "mul.f32",
		Eval: func(x, y float32) float32 { return x * y }},
	{Opcode: bc.Divide, Type: bc.Float32, Result: bc.Float32, Arity: 2, Mnemonic: "div.rn.f32",
		Eval: func(x, y float32) float32 { return x / y }},
	{Opcode: bc.Power, Type: bc.Float32, Result: bc.Float32, Arity: 2, Mnemonic: "pow.f32",
		Eval: func(x, y float32) float32 { return float32(math.Pow(float64(x), float64(y))) }},
	{Opcode: bc.Maximum, Type: bc.Float32, Result: bc.Float32, Arity: 2, Mnemonic: "max.f32",
		Eval: func(x, y float32) float32 { return float32(math.Max(float64(x), float64(y))) }},
	{Opcode: bc.Minimum, Type: bc.Float32, Result: bc.Float32, Arity: 2, Mnemonic: "min.f32",
		Eval: func(x, y float32) float32 { return float32(math.Min(float64(x), float64(y))) }},
	{Opcode: bc.Absolute, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "abs.f32",
		Eval: unary(math.Abs)},
	{Opcode: bc.Negative, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "neg.f32",
		Eval: func(x, _ float32) float32 { return -x }},
	{Opcode: bc.Sqrt, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "sqrt.rn.f32",
		Eval: unary(math.Sqrt)},
	{Opcode: bc.Square, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "mul.f32",
		Eval: func(x, _ float32) float32 { return x * x }},
	{Opcode: bc.Reciprocal, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "rcp.rn.f32",
		Eval: func(x, _ float32) float32 { return 1 / x }},
	{Opcode: bc.Exp, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "ex2.approx.f32",
		Eval: unary(math.Exp)},
	{Opcode: bc.Exp2, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "ex2.approx.f32",
		Eval: unary(math.Exp2)},
	{Opcode: bc.Log, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "lg2.approx.f32",
		Eval: unary(math.Log)},
	{Opcode: bc.Log2, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "lg2.approx.f32",
		Eval: unary(math.Log2)},
	{Opcode: bc.Log10, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "lg2.approx.f32",
		Eval: unary(math.Log10)},
	{Opcode: bc.Sin, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "sin.approx.f32",
		Eval: unary(math.Sin)},
	{Opcode: bc.Cos, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "cos.approx.f32",
		Eval: unary(math.Cos)},
	{Opcode: bc.Floor, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "cvt.rmi.f32.f32",
		Eval: unary(math.Floor)},
	{Opcode: bc.Ceil, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "cvt.rpi.f32.f32",
		Eval: unary(math.Ceil)},
	{Opcode: bc.Trunc, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "cvt.rzi.f32.f32",
		Eval: unary(math.Trunc)},
	{Opcode: bc.Rint, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "cvt.rni.f32.f32",
		Eval: unary(math.RoundToEven)},
	{Opcode: bc.Identity, Type: bc.Float32, Result: bc.Float32, Arity: 1, Mnemonic: "mov.f32",
		Eval: func(x, _ float32) float32 { return x }},

	// float32 comparisons
	{Opcode: bc.Greater, Type: bc.Float32, Result: bc.Bool, Arity: 2, Mnemonic: "setp.gt.f32",
		Eval: func(x, y float32) float32 { return pred(x > y) }},
	{Opcode: bc.GreaterEqual, Type: bc.Float32, Result: bc.Bool, Arity: 2, Mnemonic: "setp.ge.f32",
		Eval: func(x, y float32) float32 { return pred(x >= y) }},
	{Opcode: bc.Less, Type: bc.Float32, Result: bc.Bool, Arity: 2, Mnemonic: "setp.lt.f32",
		Eval: func(x, y float32) float32 { return pred(x < y) }},
	{Opcode: bc.LessEqual, Type: bc.Float32, Result: bc.Bool, Arity: 2, Mnemonic: "setp.le.f32",
		Eval: func(x, y float32) float32 { return pred(x <= y) }},
	{Opcode: bc.Equal, Type: bc.Float32, Result: bc.Bool, Arity: 2, Mnemonic: "setp.eq.f32",
		Eval: func(x, y float32) float32 { return pred(x == y) }},
	{Opcode: bc.NotEqual, Type: bc.Float32, Result: bc.Bool, Arity: 2, Mnemonic: "setp.ne.f32",
		Eval: func(x, y float32) float32 { return pred(x != y) }},

	// predicates
	{Opcode: bc.LogicalAnd, Type: bc.Bool, Result: bc.Bool, Arity: 2, Mnemonic: "and.pred",
		Eval: func(x, y float32) float32 { return pred(truth(x) && truth(y)) }},
	{Opcode: bc.LogicalOr, Type: bc.Bool, Result: bc.Bool, Arity: 2, Mnemonic: "or.pred",
		Eval: func(x, y float32) float32 { return pred(truth(x) || truth(y)) }},
	{Opcode: bc.LogicalXor, Type: bc.Bool, Result: bc.Bool, Arity: 2, Mnemonic: "xor.pred",
		Eval: func(x, y float32) float32 { return pred(truth(x) != truth(y)) }},
	{Opcode: bc.LogicalNot, Type: bc.Bool, Result: bc.Bool, Arity: 1, Mnemonic: "not.pred",
		Eval: func(x, _ float32) float32 { return pred(!truth(x)) }},
	{Opcode: bc.Equal, Type: bc.Bool, Result: bc.Bool, Arity: 2, Mnemonic: "setp.eq.pred",
		Eval: func(x, y float32) float32 { return pred(truth(x) == truth(y)) }},
	{Opcode: bc.NotEqual, Type: bc.Bool, Result: bc.Bool, Arity: 2, Mnemonic: "setp.ne.pred",
		Eval: func(x, y float32) float32 { return pred(truth(x) != truth(y)) }},
	{Opcode: bc.Identity, Type: bc.Bool, Result: bc.Bool, Arity: 1, Mnemonic: "mov.pred",
		Eval: func(x, _ float32) float32 { return pred(truth(x)) }},
}
