// Package kernel turns fusable instruction batches into launchable kernel
// descriptors.
package kernel

import (
	"github.com/xupit3r/cudave/internal/opmap"
	"github.com/xupit3r/cudave/pkg/bytecode"
)

// NodeKind tags the variant held by a Node.
type NodeKind int

const (
	// Elementwise evaluates a fused expression once per element of the
	// iteration shape.
	Elementwise NodeKind = iota
	// Reduction folds one axis with a grid-stride partial pass followed by
	// a combining pass.
	Reduction
)

func (k NodeKind) String() string {
	switch k {
	case Elementwise:
		return "elementwise"
	case Reduction:
		return "reduction"
	default:
		return "unknown"
	}
}

// Node is the root of a kernel's operation graph. Exactly one of Chain and
// Reduce is set, matching Kind.
type Node struct {
	Kind   NodeKind
	Chain  *Chain
	Reduce *ReduceNode
}

// Access is how a kernel touches a parameter.
type Access uint8

const (
	Read Access = 1 << iota
	Write
)

func (a Access) Reads() bool  { return a&Read != 0 }
func (a Access) Writes() bool { return a&Write != 0 }

// Param is one buffer binding. Array params address a bytecode base through
// Stride and Start, both in elements over the kernel's iteration shape (or,
// for reductions, the node's own shapes). Scratch params are kernel-private
// float32 buffers of Elems elements.
type Param struct {
	Scratch bool
	Base    *bytecode.Base
	View    *bytecode.View
	Type    bytecode.Type
	Stride  []int
	Start   int
	Access  Access
	Elems   int
}

// Bytes returns the size of the device buffer the param needs.
func (p *Param) Bytes() int64 {
	if p.Scratch {
		return int64(p.Elems) * 4
	}
	return p.Base.Bytes()
}

// Code is a micro-instruction kind of an elementwise chain.
type Code int

const (
	Load Code = iota
	Compute
	Store
)

// SrcKind says where a compute source comes from.
type SrcKind int

const (
	SrcReg SrcKind = iota
	SrcConst
)

// Src is a register or an immediate.
type Src struct {
	Kind  SrcKind
	Reg   int
	Const float32
}

// Inst is one step of a chain body, evaluated per element.
//
//	Load:    R[Dst] = P[Param][elem]
//	Compute: R[Dst] = Op(Srcs...)
//	Store:   P[Param][elem] = R[Src.Reg]
type Inst struct {
	Code  Code
	Dst   int
	Param int
	Op    *opmap.Op
	Srcs  []Src
}

// Chain is a fused elementwise expression.
type Chain struct {
	Body []Inst
	Regs int
}

// ReduceNode folds input axis Axis with Op.Combine.
type ReduceNode struct {
	Op       *opmap.Op
	In       int
	Out      int
	Partials int
	Axis     int
	Len      int   // extent of the reduced axis
	OutShape []int // input shape without the reduced axis
	Outer    int   // product of OutShape

	// Input strides split into the reduced axis and the remaining dims.
	InAxisStride   int
	InOuterStrides []int
}

// LaunchConfig is the grid/block sizing of a kernel. Grid is 0 for kernels
// over empty shapes.
type LaunchConfig struct {
	Grid  int
	Block int
}

// Threads returns the total thread count.
func (l LaunchConfig) Threads() int { return l.Grid * l.Block }

// Kernel is an ephemeral, fully bound kernel description.
type Kernel struct {
	ID     uint64
	Name   string
	Root   Node
	Params []Param
	Shape  []int
	Elems  int
	Launch LaunchConfig
}

// ArrayParams returns the indices of params that bind bytecode bases.
func (k *Kernel) ArrayParams() []int {
	var idx []int
	for i := range k.Params {
		if !k.Params[i].Scratch {
			idx = append(idx, i)
		}
	}
	return idx
}
