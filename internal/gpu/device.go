package gpu

import (
	"github.com/xupit3r/cudave/internal/kernel"
)

// DevicePtr is an opaque device address returned by AllocateRaw. Zero is
// never a valid allocation.
type DevicePtr uint64

// Arg binds one kernel param to device memory.
type Arg struct {
	Ptr DevicePtr
}

// Device represents a compute device with a single in-order execution
// stream. Launches and host-to-device copies are asynchronous; completion
// is only observed through Synchronize or a blocking device-to-host copy.
type Device interface {
	// Name returns a human-readable device name
	Name() string

	// Properties returns static device limits
	Properties() Properties

	// AllocateRaw allocates size bytes of device memory
	AllocateRaw(size int64) (DevicePtr, error)

	// FreeRaw releases an allocation
	FreeRaw(ptr DevicePtr) error

	// CopyToDevice enqueues a host-to-device copy of src into dst. src may
	// be reused as soon as the call returns.
	CopyToDevice(dst DevicePtr, src []byte) error

	// CopyToHost copies len(dst) bytes from src once all earlier stream
	// work has completed
	CopyToHost(dst []byte, src DevicePtr) error

	// Launch enqueues k with one Arg per kernel param
	Launch(k *kernel.Kernel, args []Arg) (*Work, error)

	// Synchronize blocks until the stream drains and reports the first
	// kernel failure since the previous call
	Synchronize() error

	// Stats returns activity counters
	Stats() Stats

	// Close releases the device and every allocation
	Close() error
}

// Properties describes a device.
type Properties struct {
	Name               string
	Ordinal            int
	MemoryBytes        int64
	MaxThreadsPerBlock int
	Workers            int
	Features           []string
}

// Stats counts device activity.
type Stats struct {
	Launches      int64
	Completed     int64
	Failed        int64
	Syncs         int64
	Allocations   int64
	Frees         int64
	UsedBytes     int64
	BytesToDevice int64
	BytesToHost   int64
}

// Config selects and sizes the simulated devices.
type Config struct {
	Count       int   // number of visible devices
	MemoryBytes int64 // memory per device
	Workers     int   // goroutines executing blocks; 0 uses GOMAXPROCS
	QueueDepth  int   // stream entries before Launch blocks
}
