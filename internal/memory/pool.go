// Package memory pools device allocations behind opaque handles.
package memory

import (
	"fmt"

	"github.com/xupit3r/cudave/internal/gpu"
	"github.com/xupit3r/cudave/internal/logging"
	"github.com/xupit3r/cudave/pkg/verr"
)

// Allocator is the raw device memory interface the pool builds on.
type Allocator interface {
	AllocateRaw(size int64) (gpu.DevicePtr, error)
	FreeRaw(ptr gpu.DevicePtr) error
}

// Handle names a pooled buffer by size-class arena and slot index. The zero
// Handle is never valid.
type Handle struct {
	Arena uint32
	Index uint32
}

func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) String() string { return fmt.Sprintf("buf[%d:%d]", h.Arena, h.Index) }

// Stats tracks pool activity
type Stats struct {
	Allocations int64 // Allocate calls
	Reuses      int64 // served from an idle slot
	Misses      int64 // served by the device allocator
	Evictions   int64 // idle slots returned to the device
	Retries     int64 // allocations that succeeded after trimming the pool
	ActiveBytes int64
	IdleBytes   int64
}

type slot struct {
	ptr      gpu.DevicePtr
	size     int64 // bytes requested by the current owner
	active   bool
	released uint64 // release tick while idle
}

// arena holds every slot of one size class. Slot 0 is unused so that Index
// is never zero.
type arena struct {
	class int64
	slots []slot
	idle  []uint32 // released slots, most recent last
	empty []uint32 // slots without device memory
}

// Manager is a pool allocator over device memory. Released buffers stay
// allocated on the device, up to Ceiling idle bytes; past that the oldest
// idle buffer is freed first.
type Manager struct {
	dev     Allocator
	ceiling int64
	arenas  []*arena // arena i has Handle.Arena i+1
	byClass map[int64]uint32
	tick    uint64
	stats   Stats
}

// NewManager creates a pool over dev. A ceiling of 0 keeps every released
// buffer.
func NewManager(dev Allocator, ceiling int64) *Manager {
	return &Manager{
		dev:     dev,
		ceiling: ceiling,
		byClass: make(map[int64]uint32),
	}
}

// Allocate returns a buffer of at least size bytes.
func (m *Manager) Allocate(size int64) (Handle, error) {
	const op = "memory.Allocate"
	if size <= 0 {
		size = 1
	}
	m.stats.Allocations++

	class := roundUpPowerOf2(size)
	// A buffer one class up is close enough to reuse.
	for c := class; c <= class*2; c *= 2 {
		if h, ok := m.reuse(c, size); ok {
			m.stats.Reuses++
			return h, nil
		}
	}

	m.stats.Misses++
	ptr, err := m.dev.AllocateRaw(class)
	if verr.Is(err, verr.OutOfDeviceMemory) && m.stats.IdleBytes > 0 {
		logging.Component("memory").Debugf("allocation of %d bytes failed, trimming %d idle bytes", class, m.stats.IdleBytes)
		if terr := m.Trim(); terr != nil {
			return Handle{}, terr
		}
		m.stats.Retries++
		ptr, err = m.dev.AllocateRaw(class)
	}
	if err != nil {
		return Handle{}, verr.Wrap(verr.OutOfDeviceMemory, op, err, "allocating %d bytes", size)
	}

	a, ai := m.arena(class)
	var idx uint32
	if n := len(a.empty); n > 0 {
		idx = a.empty[n-1]
		a.empty = a.empty[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}
	a.slots[idx] = slot{ptr: ptr, size: size, active: true}
	m.stats.ActiveBytes += class
	return Handle{Arena: ai, Index: idx}, nil
}

func (m *Manager) reuse(class, size int64) (Handle, bool) {
	ai, ok := m.byClass[class]
	if !ok {
		return Handle{}, false
	}
	a := m.arenas[ai-1]
	n := len(a.idle)
	if n == 0 {
		return Handle{}, false
	}
	idx := a.idle[n-1]
	a.idle = a.idle[:n-1]
	s := &a.slots[idx]
	s.active = true
	s.size = size
	m.stats.IdleBytes -= class
	m.stats.ActiveBytes += class
	return Handle{Arena: ai, Index: idx}, true
}

func (m *Manager) arena(class int64) (*arena, uint32) {
	if ai, ok := m.byClass[class]; ok {
		return m.arenas[ai-1], ai
	}
	a := &arena{class: class, slots: make([]slot, 1)}
	m.arenas = append(m.arenas, a)
	ai := uint32(len(m.arenas))
	m.byClass[class] = ai
	return a, ai
}

func (m *Manager) lookup(h Handle) (*arena, *slot, bool) {
	if h.Arena == 0 || int(h.Arena) > len(m.arenas) {
		return nil, nil, false
	}
	a := m.arenas[h.Arena-1]
	if h.Index == 0 || int(h.Index) >= len(a.slots) {
		return nil, nil, false
	}
	s := &a.slots[h.Index]
	if !s.active {
		return nil, nil, false
	}
	return a, s, true
}

// Ptr resolves an active handle to its device address.
func (m *Manager) Ptr(h Handle) (gpu.DevicePtr, error) {
	_, s, ok := m.lookup(h)
	if !ok {
		return 0, verr.New(verr.TransferFailure, "memory.Ptr", "%s is not an active buffer", h)
	}
	return s.ptr, nil
}

// Size returns the requested size of an active handle.
func (m *Manager) Size(h Handle) int64 {
	if _, s, ok := m.lookup(h); ok {
		return s.size
	}
	return 0
}

// Release returns a buffer to the pool.
func (m *Manager) Release(h Handle) error {
	a, s, ok := m.lookup(h)
	if !ok {
		return verr.New(verr.TransferFailure, "memory.Release", "%s is not an active buffer", h)
	}
	m.tick++
	s.active = false
	s.released = m.tick
	a.idle = append(a.idle, h.Index)
	m.stats.ActiveBytes -= a.class
	m.stats.IdleBytes += a.class

	for m.ceiling > 0 && m.stats.IdleBytes > m.ceiling {
		if err := m.evictOldest(); err != nil {
			return err
		}
	}
	return nil
}

// evictOldest frees the idle buffer released longest ago.
func (m *Manager) evictOldest() error {
	var (
		victim *arena
		oldest uint64
	)
	for _, a := range m.arenas {
		// idle is ordered by release, so the front is the arena's oldest.
		if len(a.idle) > 0 {
			if t := a.slots[a.idle[0]].released; victim == nil || t < oldest {
				victim, oldest = a, t
			}
		}
	}
	if victim == nil {
		return nil
	}
	idx := victim.idle[0]
	victim.idle = victim.idle[1:]
	m.stats.Evictions++
	logging.Component("memory").Debugf("evicting buffer %d of class %d", idx, victim.class)
	return m.drop(victim, idx)
}

func (m *Manager) drop(a *arena, idx uint32) error {
	s := &a.slots[idx]
	err := m.dev.FreeRaw(s.ptr)
	*s = slot{}
	a.empty = append(a.empty, idx)
	m.stats.IdleBytes -= a.class
	if err != nil {
		return verr.Wrap(verr.OutOfDeviceMemory, "memory.Trim", err, "freeing pooled buffer")
	}
	return nil
}

// Trim frees every idle buffer.
func (m *Manager) Trim() error {
	var firstErr error
	for _, a := range m.arenas {
		for _, idx := range a.idle {
			if err := m.drop(a, idx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		a.idle = a.idle[:0]
	}
	return firstErr
}

// Stats returns current pool statistics
func (m *Manager) Stats() Stats { return m.stats }

// Close frees every buffer, active or idle, and invalidates all handles.
func (m *Manager) Close() error {
	firstErr := m.Trim()
	for _, a := range m.arenas {
		for idx := range a.slots {
			s := &a.slots[idx]
			if !s.active {
				continue
			}
			if err := m.dev.FreeRaw(s.ptr); err != nil && firstErr == nil {
				firstErr = err
			}
			*s = slot{}
		}
	}
	m.arenas = nil
	m.byClass = make(map[int64]uint32)
	m.stats.ActiveBytes = 0
	return firstErr
}

// roundUpPowerOf2 rounds up to the nearest power of 2
func roundUpPowerOf2(n int64) int64 {
	if n <= 0 {
		return 0
	}

	// Small sizes share a few coarse classes.
	if n <= 256 {
		return 256
	}
	if n <= 1024 {
		return 1024
	}
	if n <= 4096 {
		return 4096
	}

	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++

	return n
}
