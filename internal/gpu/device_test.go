package gpu

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"unsafe"

	"github.com/xupit3r/cudave/internal/kernel"
	"github.com/xupit3r/cudave/internal/opmap"
	"github.com/xupit3r/cudave/pkg/bytecode"
	"github.com/xupit3r/cudave/pkg/verr"
)

func testDevice(t *testing.T, mem int64) *SimDevice {
	t.Helper()
	dev, err := Open(0, Config{Count: 1, MemoryBytes: mem, Workers: 4})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func testGenerator(t *testing.T) *kernel.Generator {
	t.Helper()
	m, err := opmap.New([]bytecode.Opcode{bytecode.Add, bytecode.Maximum})
	if err != nil {
		t.Fatalf("opmap.New failed: %v", err)
	}
	return kernel.NewGenerator(m, kernel.Config{BlockSize: 64, MaxGrid: 8})
}

func generate(t *testing.T, g *kernel.Generator, ins ...bytecode.Instruction) *kernel.Kernel {
	t.Helper()
	b := kernel.NewBatch()
	for i := range ins {
		if !g.Fusable(b, &ins[i]) {
			t.Fatalf("instruction %d not fusable", i)
		}
		b.Append(&ins[i])
	}
	k, err := g.Generate(b)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return k
}

// run uploads every array param, launches k and copies written params back.
func run(t *testing.T, dev *SimDevice, k *kernel.Kernel) error {
	t.Helper()
	args := make([]Arg, len(k.Params))
	for i := range k.Params {
		p := &k.Params[i]
		ptr, err := dev.AllocateRaw(p.Bytes())
		if err != nil {
			t.Fatalf("AllocateRaw failed: %v", err)
		}
		defer dev.FreeRaw(ptr)
		if !p.Scratch && p.Base.HasHostData() {
			if err := dev.CopyToDevice(ptr, p.Base.Host()); err != nil {
				t.Fatalf("CopyToDevice failed: %v", err)
			}
		}
		args[i] = Arg{Ptr: ptr}
	}
	if _, err := dev.Launch(k, args); err != nil {
		return err
	}
	if err := dev.Synchronize(); err != nil {
		return err
	}
	for i := range k.Params {
		p := &k.Params[i]
		if !p.Scratch && p.Access.Writes() {
			if err := dev.CopyToHost(p.Base.Host(), args[i].Ptr); err != nil {
				return err
			}
		}
	}
	return nil
}

func TestOpenFailures(t *testing.T) {
	tests := []struct {
		name    string
		ordinal int
		cfg     Config
	}{
		{"no devices", 0, Config{Count: 0, MemoryBytes: 1 << 20}},
		{"ordinal out of range", 2, Config{Count: 1, MemoryBytes: 1 << 20}},
		{"negative ordinal", -1, Config{Count: 1, MemoryBytes: 1 << 20}},
		{"no memory", 0, Config{Count: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.ordinal, tt.cfg)
			if !verr.Is(err, verr.DeviceInitializationFailure) {
				t.Errorf("expected DeviceInitializationFailure, got %v", err)
			}
		})
	}
}

func TestProperties(t *testing.T) {
	dev := testDevice(t, 1<<20)
	props := dev.Properties()
	if props.MemoryBytes != 1<<20 {
		t.Errorf("MemoryBytes = %d", props.MemoryBytes)
	}
	if props.MaxThreadsPerBlock != MaxThreadsPerBlock {
		t.Errorf("MaxThreadsPerBlock = %d", props.MaxThreadsPerBlock)
	}
	if dev.Name() == "" {
		t.Error("device name is empty")
	}
	t.Logf("device: %s features=%v", dev.Name(), props.Features)
}

func TestAllocateOutOfMemory(t *testing.T) {
	dev := testDevice(t, 1024)

	p, err := dev.AllocateRaw(768)
	if err != nil {
		t.Fatalf("AllocateRaw failed: %v", err)
	}
	if _, err := dev.AllocateRaw(512); !verr.Is(err, verr.OutOfDeviceMemory) {
		t.Fatalf("expected OutOfDeviceMemory, got %v", err)
	}
	if err := dev.FreeRaw(p); err != nil {
		t.Fatalf("FreeRaw failed: %v", err)
	}
	if _, err := dev.AllocateRaw(512); err != nil {
		t.Fatalf("AllocateRaw after free failed: %v", err)
	}

	st := dev.Stats()
	if st.Allocations != 2 || st.Frees != 1 || st.UsedBytes != 512 {
		t.Errorf("unexpected stats %+v", st)
	}
	if err := dev.FreeRaw(p); err == nil {
		t.Error("double free should fail")
	}
}

func TestCopyRoundTrip(t *testing.T) {
	dev := testDevice(t, 1<<20)
	src := make([]byte, 1000)
	for i := range src {
		src[i] = byte(i % 251)
	}
	ptr, err := dev.AllocateRaw(int64(len(src)))
	if err != nil {
		t.Fatalf("AllocateRaw failed: %v", err)
	}
	if err := dev.CopyToDevice(ptr, src); err != nil {
		t.Fatalf("CopyToDevice failed: %v", err)
	}
	// The staged copy must not observe later host writes.
	src[0] = 255

	dst := make([]byte, len(src))
	if err := dev.CopyToHost(dst, ptr); err != nil {
		t.Fatalf("CopyToHost failed: %v", err)
	}
	if dst[0] != 0 {
		t.Errorf("dst[0] = %d, want 0", dst[0])
	}
	for i := 1; i < len(dst); i++ {
		if dst[i] != byte(i%251) {
			t.Fatalf("dst[%d] = %d", i, dst[i])
		}
	}
	if err := dev.CopyToDevice(ptr, make([]byte, 2000)); !verr.Is(err, verr.TransferFailure) {
		t.Errorf("oversized copy: expected TransferFailure, got %v", err)
	}
}

func TestLaunchFusedChain(t *testing.T) {
	dev := testDevice(t, 1<<20)
	g := testGenerator(t)

	const n = 1000
	av, bv := make([]float32, n), make([]float32, n)
	for i := range av {
		av[i] = float32(i)
		bv[i] = float32(2 * i)
	}
	a, b := bytecode.NewFloat32Base(av), bytecode.NewFloat32Base(bv)
	tmp, out := bytecode.NewBase(bytecode.Float32, n), bytecode.NewBase(bytecode.Float32, n)

	k := generate(t, g,
		bytecode.NewInstruction(bytecode.Add, bytecode.Float32,
			bytecode.Array(bytecode.Vector(tmp)), bytecode.Array(bytecode.Vector(a)), bytecode.Array(bytecode.Vector(b))),
		bytecode.NewInstruction(bytecode.Multiply, bytecode.Float32,
			bytecode.Array(bytecode.Vector(out)), bytecode.Array(bytecode.Vector(tmp)), bytecode.Scalar(bytecode.Float32, 0.5)),
	)
	if err := run(t, dev, k); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	got := out.Float32s()
	for i := range got {
		if want := float32(3*i) * 0.5; got[i] != want {
			t.Fatalf("out[%d] = %v, want %v", i, got[i], want)
		}
	}
	if st := dev.Stats(); st.Launches != 1 || st.Completed != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestLaunchBroadcastCompare(t *testing.T) {
	dev := testDevice(t, 1<<20)
	g := testGenerator(t)

	// 3x4 matrix compared against a row vector of thresholds.
	mv := make([]float32, 12)
	for i := range mv {
		mv[i] = float32(i % 4)
	}
	m := bytecode.NewFloat32Base(mv)
	row := bytecode.NewFloat32Base([]float32{0, 2, 1, 5})
	out := bytecode.NewBase(bytecode.Bool, 12)

	k := generate(t, g, bytecode.NewInstruction(bytecode.Greater, bytecode.Float32,
		bytecode.Array(bytecode.Contiguous(out, 3, 4)),
		bytecode.Array(bytecode.Contiguous(m, 3, 4)),
		bytecode.Array(bytecode.Contiguous(row, 4))))
	if err := run(t, dev, k); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := []bool{false, false, true, false}
	for i := 0; i < 12; i++ {
		if out.BoolAt(i) != want[i%4] {
			t.Errorf("out[%d] = %v, want %v", i, out.BoolAt(i), want[i%4])
		}
	}
}

func TestLaunchReduction(t *testing.T) {
	dev := testDevice(t, 1<<22)
	g := testGenerator(t)

	tests := []struct {
		name  string
		op    bytecode.Opcode
		n     int
		value func(i int) float32
		want  float32
	}{
		{"sum of ones", bytecode.Add | bytecode.Reduce, 100000, func(int) float32 { return 1 }, 100000},
		{"single element", bytecode.Add | bytecode.Reduce, 1, func(int) float32 { return 7 }, 7},
		{"max", bytecode.Maximum | bytecode.Reduce, 5000, func(i int) float32 { return float32((i * 37) % 4999) }, 4998},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vals := make([]float32, tt.n)
			for i := range vals {
				vals[i] = tt.value(i)
			}
			in := bytecode.NewFloat32Base(vals)
			out := bytecode.NewBase(bytecode.Float32, 1)
			k := generate(t, g, bytecode.NewInstruction(tt.op, bytecode.Float32,
				bytecode.Array(bytecode.Vector(out)), bytecode.Array(bytecode.Vector(in))))
			if err := run(t, dev, k); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if got := out.Float32s()[0]; got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLaunchReductionAxis(t *testing.T) {
	dev := testDevice(t, 1<<20)
	g := testGenerator(t)

	// Sum the rows of a 3x5 matrix: out[j] = sum_i m[i][j].
	mv := make([]float32, 15)
	for i := range mv {
		mv[i] = float32(i)
	}
	m := bytecode.NewFloat32Base(mv)
	out := bytecode.NewBase(bytecode.Float32, 5)
	k := generate(t, g, bytecode.NewInstruction(bytecode.Add|bytecode.Reduce, bytecode.Float32,
		bytecode.Array(bytecode.Vector(out)),
		bytecode.Array(bytecode.Contiguous(m, 3, 5)),
		bytecode.Scalar(bytecode.Int64, 0)))
	if err := run(t, dev, k); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	got := out.Float32s()
	for j := 0; j < 5; j++ {
		want := float32(j + (5 + j) + (10 + j))
		if math.Abs(float64(got[j]-want)) > 1e-6 {
			t.Errorf("out[%d] = %v, want %v", j, got[j], want)
		}
	}
}

func TestStickyLaunchFailure(t *testing.T) {
	dev := testDevice(t, 1<<20)
	g := testGenerator(t)

	a := bytecode.NewFloat32Base(make([]float32, 100))
	out := bytecode.NewBase(bytecode.Float32, 100)
	k := generate(t, g, bytecode.NewInstruction(bytecode.Identity, bytecode.Float32,
		bytecode.Array(bytecode.Vector(out)), bytecode.Array(bytecode.Vector(a))))

	if k.Params[0].Base != a {
		t.Fatalf("expected the input as first param")
	}
	// Bind the input to a buffer too small for the kernel.
	small, _ := dev.AllocateRaw(16)
	full, _ := dev.AllocateRaw(400)
	w, err := dev.Launch(k, []Arg{{Ptr: small}, {Ptr: full}})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	// A copy queued after the failing kernel reports the sticky error.
	if err := dev.CopyToHost(make([]byte, 4), full); !verr.Is(err, verr.KernelLaunchFailure) {
		t.Errorf("expected KernelLaunchFailure from copy, got %v", err)
	}
	werr := w.Wait()
	if !verr.Is(werr, verr.KernelLaunchFailure) {
		t.Errorf("expected KernelLaunchFailure from work, got %v", werr)
	}
	if msg := fmt.Sprint(werr); !strings.Contains(msg, "illegal address") || !strings.Contains(msg, "thread") {
		t.Errorf("fault does not name the thread and address: %q", msg)
	}
	if err := dev.Synchronize(); !verr.Is(err, verr.KernelLaunchFailure) {
		t.Errorf("expected KernelLaunchFailure from sync, got %v", err)
	}
	// Synchronize clears the error.
	if err := dev.Synchronize(); err != nil {
		t.Errorf("second Synchronize: %v", err)
	}
	if st := dev.Stats(); st.Failed == 0 {
		t.Errorf("expected a failed launch in %+v", st)
	}
}

func TestLaunchValidation(t *testing.T) {
	dev := testDevice(t, 1<<20)
	g := testGenerator(t)
	a := bytecode.NewFloat32Base([]float32{1, 2})
	out := bytecode.NewBase(bytecode.Float32, 2)
	k := generate(t, g, bytecode.NewInstruction(bytecode.Negative, bytecode.Float32,
		bytecode.Array(bytecode.Vector(out)), bytecode.Array(bytecode.Vector(a))))

	if _, err := dev.Launch(k, []Arg{{Ptr: 1}}); !verr.Is(err, verr.KernelLaunchFailure) {
		t.Errorf("arg count mismatch: got %v", err)
	}
	if _, err := dev.Launch(k, []Arg{{Ptr: 99}, {Ptr: 98}}); !verr.Is(err, verr.KernelLaunchFailure) {
		t.Errorf("unknown pointers: got %v", err)
	}
	if st := dev.Stats(); st.Launches != 0 {
		t.Errorf("rejected launches were counted: %+v", st)
	}
}

func TestWorkOrdering(t *testing.T) {
	dev := testDevice(t, 1<<20)
	g := testGenerator(t)
	a := bytecode.NewFloat32Base([]float32{1, 2, 3, 4})
	k := generate(t, g, bytecode.NewInstruction(bytecode.Add, bytecode.Float32,
		bytecode.Array(bytecode.Vector(a)), bytecode.Array(bytecode.Vector(a)), bytecode.Scalar(bytecode.Float32, 1)))

	ptr, _ := dev.AllocateRaw(a.Bytes())
	if err := dev.CopyToDevice(ptr, a.Host()); err != nil {
		t.Fatalf("CopyToDevice failed: %v", err)
	}
	var works []*Work
	for i := 0; i < 5; i++ {
		w, err := dev.Launch(k, []Arg{{Ptr: ptr}})
		if err != nil {
			t.Fatalf("Launch failed: %v", err)
		}
		works = append(works, w)
	}
	if err := dev.Synchronize(); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	for i, w := range works {
		if !w.Done() {
			t.Errorf("work %d not done after Synchronize", i)
		}
		if i > 0 && w.Seq <= works[i-1].Seq {
			t.Errorf("work sequence not increasing: %d after %d", w.Seq, works[i-1].Seq)
		}
	}
	dst := make([]byte, a.Bytes())
	if err := dev.CopyToHost(dst, ptr); err != nil {
		t.Fatalf("CopyToHost failed: %v", err)
	}
	got := unsafe.Slice((*float32)(unsafe.Pointer(&dst[0])), 4)
	for i, want := range []float32{6, 7, 8, 9} {
		if got[i] != want {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want)
		}
	}
}

func TestClosedDevice(t *testing.T) {
	dev, err := Open(0, Config{Count: 1, MemoryBytes: 1024})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ptr, _ := dev.AllocateRaw(64)
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := dev.CopyToDevice(ptr, make([]byte, 8)); err == nil {
		t.Error("copy on closed device should fail")
	}
	if _, err := dev.AllocateRaw(8); err == nil {
		t.Error("allocation on closed device should fail")
	}
	if err := dev.Synchronize(); err != nil {
		t.Errorf("Synchronize on closed device: %v", err)
	}
}
