package gpu

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/xupit3r/cudave/internal/kernel"
	"github.com/xupit3r/cudave/pkg/verr"
)

// MaxThreadsPerBlock is the block size limit of the simulated device.
const MaxThreadsPerBlock = 1024

// SimDevice executes kernels on host goroutines while keeping the
// asynchronous single-stream semantics of a real device.
type SimDevice struct {
	props   Properties
	workers int
	stream  *stream

	mu     sync.Mutex
	mem    map[DevicePtr][]byte
	next   DevicePtr
	stats  Stats
	closed bool
}

// Open selects and initializes device ordinal.
func Open(ordinal int, cfg Config) (*SimDevice, error) {
	const op = "gpu.Open"
	if cfg.Count <= 0 {
		return nil, verr.New(verr.DeviceInitializationFailure, op, "no compute device available")
	}
	if ordinal < 0 || ordinal >= cfg.Count {
		return nil, verr.New(verr.DeviceInitializationFailure, op,
			"device ordinal %d out of range (%d devices)", ordinal, cfg.Count)
	}
	if cfg.MemoryBytes <= 0 {
		return nil, verr.New(verr.DeviceInitializationFailure, op, "device %d reports no memory", ordinal)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	d := &SimDevice{
		props: Properties{
			Name:               fmt.Sprintf("SimGPU %d (%s, %d workers)", ordinal, runtime.GOARCH, workers),
			Ordinal:            ordinal,
			MemoryBytes:        cfg.MemoryBytes,
			MaxThreadsPerBlock: MaxThreadsPerBlock,
			Workers:            workers,
			Features:           hostFeatures(),
		},
		workers: workers,
		stream:  newStream(cfg.QueueDepth),
		mem:     make(map[DevicePtr][]byte),
	}
	return d, nil
}

// hostFeatures lists the SIMD extensions the executing host offers.
func hostFeatures() []string {
	var f []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			f = append(f, "sse4.1")
		}
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasFMA {
			f = append(f, "fma")
		}
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			f = append(f, "fphp")
		}
		if cpu.ARM64.HasSVE {
			f = append(f, "sve")
		}
	}
	return f
}

func (d *SimDevice) Name() string           { return d.props.Name }
func (d *SimDevice) Properties() Properties { return d.props }

func (d *SimDevice) AllocateRaw(size int64) (DevicePtr, error) {
	const op = "gpu.AllocateRaw"
	if size <= 0 {
		return 0, verr.New(verr.OutOfDeviceMemory, op, "invalid allocation size %d", size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, verr.New(verr.DeviceInitializationFailure, op, "device closed")
	}
	if d.stats.UsedBytes+size > d.props.MemoryBytes {
		return 0, verr.New(verr.OutOfDeviceMemory, op, "%d bytes requested, %d of %d in use",
			size, d.stats.UsedBytes, d.props.MemoryBytes)
	}
	d.next++
	d.mem[d.next] = make([]byte, size)
	d.stats.UsedBytes += size
	d.stats.Allocations++
	return d.next, nil
}

func (d *SimDevice) FreeRaw(ptr DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.mem[ptr]
	if !ok {
		return verr.New(verr.TransferFailure, "gpu.FreeRaw", "unknown device pointer %#x", uint64(ptr))
	}
	delete(d.mem, ptr)
	d.stats.UsedBytes -= int64(len(buf))
	d.stats.Frees++
	return nil
}

func (d *SimDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *SimDevice) lookup(ptr DevicePtr) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.mem[ptr]
	return buf, ok
}

func (d *SimDevice) CopyToDevice(dst DevicePtr, src []byte) error {
	const op = "gpu.CopyToDevice"
	if d.isClosed() {
		return verr.New(verr.TransferFailure, op, "device closed")
	}
	buf, ok := d.lookup(dst)
	if !ok {
		return verr.New(verr.TransferFailure, op, "unknown device pointer %#x", uint64(dst))
	}
	if len(src) > len(buf) {
		return verr.New(verr.TransferFailure, op, "%d bytes into %d byte buffer", len(src), len(buf))
	}

	staged := append([]byte(nil), src...)
	d.stream.submit("htod", func() error {
		copy(buf, staged)
		d.mu.Lock()
		d.stats.BytesToDevice += int64(len(staged))
		d.mu.Unlock()
		return nil
	})
	return nil
}

func (d *SimDevice) CopyToHost(dst []byte, src DevicePtr) error {
	const op = "gpu.CopyToHost"
	if d.isClosed() {
		return verr.New(verr.TransferFailure, op, "device closed")
	}
	buf, ok := d.lookup(src)
	if !ok {
		return verr.New(verr.TransferFailure, op, "unknown device pointer %#x", uint64(src))
	}
	if len(dst) > len(buf) {
		return verr.New(verr.TransferFailure, op, "%d bytes from %d byte buffer", len(dst), len(buf))
	}

	w := d.stream.submit("dtoh", func() error {
		copy(dst, buf)
		d.mu.Lock()
		d.stats.BytesToHost += int64(len(dst))
		d.mu.Unlock()
		return nil
	})
	if err := w.Wait(); err != nil {
		return verr.Wrap(verr.KernelLaunchFailure, op, err, "stream faulted before copy")
	}
	return nil
}

func (d *SimDevice) Launch(k *kernel.Kernel, args []Arg) (*Work, error) {
	const op = "gpu.Launch"
	if d.isClosed() {
		return nil, verr.New(verr.KernelLaunchFailure, op, "device closed")
	}
	if len(args) != len(k.Params) {
		return nil, verr.New(verr.KernelLaunchFailure, op, "%s: %d args for %d params", k.Name, len(args), len(k.Params))
	}
	if k.Launch.Block > d.props.MaxThreadsPerBlock {
		return nil, verr.New(verr.KernelLaunchFailure, op, "%s: block of %d exceeds %d threads",
			k.Name, k.Launch.Block, d.props.MaxThreadsPerBlock)
	}
	mem := make([][]byte, len(args))
	for i, a := range args {
		buf, ok := d.lookup(a.Ptr)
		if !ok {
			return nil, verr.New(verr.KernelLaunchFailure, op, "%s: param %d bound to unknown pointer %#x",
				k.Name, i, uint64(a.Ptr))
		}
		mem[i] = buf
	}

	d.mu.Lock()
	d.stats.Launches++
	d.mu.Unlock()

	return d.stream.submit(k.Name, func() error {
		err := execute(k, mem, d.workers)
		d.mu.Lock()
		if err != nil {
			d.stats.Failed++
		} else {
			d.stats.Completed++
		}
		d.mu.Unlock()
		if err != nil {
			return verr.Wrap(verr.KernelLaunchFailure, op, err, "kernel %s", k.Name)
		}
		return nil
	}), nil
}

func (d *SimDevice) Synchronize() error {
	if d.isClosed() {
		return nil
	}
	err := d.stream.drain()
	d.mu.Lock()
	d.stats.Syncs++
	d.mu.Unlock()
	if err != nil {
		return verr.Wrap(verr.KernelLaunchFailure, "gpu.Synchronize", err, "device reported an error")
	}
	return nil
}

func (d *SimDevice) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stream.close()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.mem = make(map[DevicePtr][]byte)
	d.stats.UsedBytes = 0
	return nil
}
