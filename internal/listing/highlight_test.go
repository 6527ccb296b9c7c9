package listing

import (
	"strings"
	"testing"

	"github.com/xupit3r/cudave/internal/kernel"
	"github.com/xupit3r/cudave/internal/opmap"
	"github.com/xupit3r/cudave/pkg/bytecode"
)

func testKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	m, err := opmap.New([]bytecode.Opcode{bytecode.Add})
	if err != nil {
		t.Fatalf("opmap.New failed: %v", err)
	}
	g := kernel.NewGenerator(m, kernel.DefaultConfig())
	a, out := bytecode.NewBase(bytecode.Float32, 8), bytecode.NewBase(bytecode.Float32, 8)
	in := bytecode.NewInstruction(bytecode.Multiply, bytecode.Float32,
		bytecode.Array(bytecode.Vector(out)), bytecode.Array(bytecode.Vector(a)), bytecode.Scalar(bytecode.Float32, 2))
	b := kernel.NewBatch()
	b.Append(&in)
	k, err := g.Generate(b)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return k
}

func TestKernelListing(t *testing.T) {
	k := testKernel(t)
	out := Kernel(k, DefaultOptions())
	plain := StripANSI(out)
	for _, want := range []string{"__global__", k.Name, "mul"} {
		if !strings.Contains(plain, want) {
			t.Errorf("listing lacks %q:\n%s", want, plain)
		}
	}
}

func TestHighlightDisabled(t *testing.T) {
	src := "__global__ void k(float* p0)\n{\n}\n"
	if got := Highlight(src, Options{}); got != src {
		t.Errorf("Highlight without formatter changed the source: %q", got)
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"ANSI color codes", "\x1b[31mred\x1b[0m text", "red text"},
		{"no codes", "plain", "plain"},
		{"256 colour", "\x1b[38;5;197mfloat\x1b[0m", "float"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripANSI(tt.input); got != tt.expected {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFrame(t *testing.T) {
	got := Frame("ew1", "a\nb\n")
	want := "┌─ ew1 ─\n│ a\n│ b\n└─\n"
	if got != want {
		t.Errorf("Frame = %q, want %q", got, want)
	}
}
