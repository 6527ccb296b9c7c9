package kernel

import (
	"fmt"
	"strings"

	"github.com/xupit3r/cudave/pkg/bytecode"
)

// Listing renders k as CUDA-flavoured pseudo source for diagnostics. The text
// is not compiled and its format may change.
func (k *Kernel) Listing() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "// %s: %s over %v, grid %d x block %d\n", k.Name, k.Root.Kind, k.Shape, k.Launch.Grid, k.Launch.Block)
	fmt.Fprintf(&sb, "__global__ void %s(", k.Name)
	for i, p := range k.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		qual := ""
		if !p.Access.Writes() {
			qual = "const "
		}
		fmt.Fprintf(&sb, "%s%s* p%d", qual, cType(p.Type), i)
	}
	sb.WriteString(")\n{\n")

	switch k.Root.Kind {
	case Elementwise:
		k.listChain(&sb)
	case Reduction:
		k.listReduction(&sb)
	}
	sb.WriteString("}\n")
	return sb.String()
}

func (k *Kernel) listChain(sb *strings.Builder) {
	fmt.Fprintf(sb, "    for (int i = blockIdx.x * blockDim.x + threadIdx.x; i < %d; i += gridDim.x * blockDim.x) {\n", k.Elems)
	for _, in := range k.Root.Chain.Body {
		switch in.Code {
		case Load:
			fmt.Fprintf(sb, "        float r%d = p%d[%s];\n", in.Dst, in.Param, k.indexExpr(in.Param))
		case Compute:
			args := make([]string, len(in.Srcs))
			for i, s := range in.Srcs {
				args[i] = srcExpr(s)
			}
			fmt.Fprintf(sb, "        float r%d = %s(%s); // %s\n", in.Dst, in.Op.Mnemonic, strings.Join(args, ", "), in.Op.Opcode)
		case Store:
			fmt.Fprintf(sb, "        p%d[%s] = %s;\n", in.Param, k.indexExpr(in.Param), srcExpr(in.Srcs[0]))
		}
	}
	sb.WriteString("    }\n")
}

func (k *Kernel) listReduction(sb *strings.Builder) {
	r := k.Root.Reduce
	fmt.Fprintf(sb, "    // pass 1: %d partials per output over axis %d (len %d)\n", k.Launch.Grid, r.Axis, r.Len)
	fmt.Fprintf(sb, "    for (int o = 0; o < %d; o++) {\n", r.Outer)
	fmt.Fprintf(sb, "        float acc = %g;\n", r.Op.Identity)
	sb.WriteString("        for (int j = blockIdx.x * blockDim.x + threadIdx.x; j < ")
	fmt.Fprintf(sb, "%d; j += gridDim.x * blockDim.x)\n", r.Len)
	fmt.Fprintf(sb, "            acc = %s(acc, p%d[in_offset(o, j)]);\n", r.Op.Combine.Mnemonic, r.In)
	fmt.Fprintf(sb, "        block_reduce_%s(acc, &p%d[o * gridDim.x + blockIdx.x]);\n", r.Op.Combine.Opcode, r.Partials)
	sb.WriteString("    }\n")
	sb.WriteString("    // pass 2: combine partials\n")
	fmt.Fprintf(sb, "    p%d[out_offset(o)] = fold_%s(&p%d[o * gridDim.x], gridDim.x);\n", r.Out, r.Op.Combine.Opcode, r.Partials)
}

func (k *Kernel) indexExpr(param int) string {
	p := k.Params[param]
	if p.Start == 0 && sameShape(p.Stride, bytecode.RowMajorStrides(k.Shape)) {
		return "i"
	}
	return fmt.Sprintf("%d + dot(unravel(i), %v)", p.Start, p.Stride)
}

func srcExpr(s Src) string {
	if s.Kind == SrcConst {
		return fmt.Sprintf("%gf", s.Const)
	}
	return fmt.Sprintf("r%d", s.Reg)
}

func cType(t bytecode.Type) string {
	switch t {
	case bytecode.Float32:
		return "float"
	case bytecode.Bool:
		return "bool"
	default:
		return t.String()
	}
}
