package opmap

import (
	"math"
	"reflect"
	"testing"

	bc "github.com/xupit3r/cudave/pkg/bytecode"
	"github.com/xupit3r/cudave/pkg/verr"
)

func newMapper(t *testing.T, reduceOps ...bc.Opcode) *Mapper {
	t.Helper()
	m, err := New(reduceOps)
	if err != nil {
		t.Fatalf("New(%v): %v", reduceOps, err)
	}
	return m
}

func TestMapAgreesWithSupportedOperations(t *testing.T) {
	m := newMapper(t, bc.Add)

	supported := make(map[Pair]bool)
	for _, p := range m.SupportedOperations() {
		supported[p] = true
	}

	var space []bc.Opcode
	for _, op := range bc.AllOpcodes() {
		space = append(space, op, op|bc.Reduce)
	}
	for _, op := range space {
		for _, typ := range bc.AllTypes() {
			native, err := m.Map(op, typ)
			if want := supported[Pair{op, typ}]; (err == nil) != want {
				t.Errorf("Map(%v, %v) err = %v, supported = %v", op, typ, err, want)
			}
			if err != nil && !verr.Is(err, verr.UnsupportedOperation) {
				t.Errorf("Map(%v, %v) returned %v, want UnsupportedOperation", op, typ, err)
			}
			if err == nil && (native.Opcode != op || native.Type != typ) {
				t.Errorf("Map(%v, %v) returned descriptor for %v/%v", op, typ, native.Opcode, native.Type)
			}
		}
	}
}

func TestOpcodesCountAndStability(t *testing.T) {
	m := newMapper(t, bc.Add)

	direct := make(map[bc.Opcode]bool)
	for _, p := range m.SupportedOperations() {
		if !p.Opcode.IsReduce() {
			direct[p.Opcode] = true
		}
	}
	ops := m.Opcodes()
	if len(ops) != len(direct)+1 {
		t.Fatalf("len(Opcodes) = %d, want %d direct + 1 synthesized", len(ops), len(direct))
	}
	if last := ops[len(ops)-1]; last != bc.Add|bc.Reduce {
		t.Errorf("last opcode = %v, want reduce_add", last)
	}
	for _, op := range ops[:len(ops)-1] {
		if !direct[op] {
			t.Errorf("%v reported but not directly mapped", op)
		}
	}

	again := newMapper(t, bc.Add)
	if !reflect.DeepEqual(ops, again.Opcodes()) {
		t.Error("negotiation is not deterministic")
	}
}

func TestSystemOpcodesAreNotMapped(t *testing.T) {
	m := newMapper(t, bc.Add)
	for _, op := range []bc.Opcode{bc.None, bc.Sync, bc.Discard, bc.Free, bc.Userfunc} {
		if _, err := m.Map(op, bc.Float32); err == nil {
			t.Errorf("%v should not map", op)
		}
	}
}

func TestReductionConfiguration(t *testing.T) {
	m := newMapper(t, bc.Add, bc.Maximum, bc.LogicalOr)
	if got := m.Reducible(); !reflect.DeepEqual(got, []bc.Opcode{bc.Add, bc.Maximum, bc.LogicalOr}) {
		t.Errorf("Reducible() = %v", got)
	}

	red, err := m.Map(bc.Maximum|bc.Reduce, bc.Float32)
	if err != nil {
		t.Fatalf("Map(reduce_maximum): %v", err)
	}
	if !math.IsInf(float64(red.Identity), -1) {
		t.Errorf("max identity = %v, want -Inf", red.Identity)
	}
	if red.Combine == nil || red.Combine.Opcode != bc.Maximum {
		t.Errorf("reduction combiner = %+v", red.Combine)
	}

	if _, err := m.Map(bc.LogicalOr|bc.Reduce, bc.Bool); err != nil {
		t.Errorf("Map(reduce_logical_or, bool): %v", err)
	}
	if _, err := m.Map(bc.Multiply|bc.Reduce, bc.Float32); err == nil {
		t.Error("multiply reduction was not configured")
	}
}

func TestNonAssociativeReductionRejected(t *testing.T) {
	for _, op := range []bc.Opcode{bc.Subtract, bc.Divide, bc.Power, bc.Greater} {
		if _, err := New([]bc.Opcode{op}); !verr.Is(err, verr.UnsupportedOperation) {
			t.Errorf("New([%v]) err = %v, want UnsupportedOperation", op, err)
		}
	}
	if !IsAssociative(bc.Add | bc.Reduce) {
		t.Error("add should be associative")
	}
}

func TestEval(t *testing.T) {
	m := newMapper(t)
	tests := []struct {
		op   bc.Opcode
		typ  bc.Type
		x, y float32
		want float32
	}{
		{bc.Add, bc.Float32, 2, 3, 5},
		{bc.Subtract, bc.Float32, 2, 3, -1},
		{bc.Divide, bc.Float32, 3, 2, 1.5},
		{bc.Sqrt, bc.Float32, 16, 0, 4},
		{bc.Negative, bc.Float32, 2, 0, -2},
		{bc.Rint, bc.Float32, 2.5, 0, 2},
		{bc.Less, bc.Float32, 1, 2, 1},
		{bc.GreaterEqual, bc.Float32, 1, 2, 0},
		{bc.LogicalXor, bc.Bool, 1, 1, 0},
		{bc.LogicalNot, bc.Bool, 0, 0, 1},
		{bc.Equal, bc.Bool, 1, 1, 1},
	}
	for _, tt := range tests {
		native, err := m.Map(tt.op, tt.typ)
		if err != nil {
			t.Fatalf("Map(%v, %v): %v", tt.op, tt.typ, err)
		}
		if got := native.Eval(tt.x, tt.y); got != tt.want {
			t.Errorf("%v(%v, %v) = %v, want %v", tt.op, tt.x, tt.y, got, tt.want)
		}
	}
}

func TestTypes(t *testing.T) {
	if got := Types(); !reflect.DeepEqual(got, []bc.Type{bc.Float32, bc.Bool}) {
		t.Errorf("Types() = %v", got)
	}
}

func TestBoolMnemonicsAreDistinct(t *testing.T) {
	m := newMapper(t, bc.Add)
	seen := make(map[string]Pair)
	for _, p := range m.SupportedOperations() {
		if p.Opcode.IsReduce() || p.Type != bc.Bool {
			continue
		}
		native, err := m.Map(p.Opcode, p.Type)
		if err != nil {
			t.Fatalf("Map(%v, %v): %v", p.Opcode, p.Type, err)
		}
		if prev, ok := seen[native.Mnemonic]; ok {
			t.Errorf("%v/%v and %v/%v share mnemonic %q", prev.Opcode, prev.Type, p.Opcode, p.Type, native.Mnemonic)
		}
		seen[native.Mnemonic] = p
	}
	if native, err := m.Map(bc.Equal, bc.Bool); err != nil || native.Mnemonic != "setp.eq.pred" {
		t.Errorf("Map(equal, bool) = %+v, %v", native, err)
	}
}
