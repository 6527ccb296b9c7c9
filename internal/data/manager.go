// Package data tracks where the authoritative copy of every array lives and
// moves it between host and device on demand.
package data

import (
	"github.com/xupit3r/cudave/internal/gpu"
	"github.com/xupit3r/cudave/internal/logging"
	"github.com/xupit3r/cudave/internal/memory"
	"github.com/xupit3r/cudave/pkg/bytecode"
	"github.com/xupit3r/cudave/pkg/verr"
)

// Transfer is the copy interface of a device.
type Transfer interface {
	CopyToDevice(dst gpu.DevicePtr, src []byte) error
	CopyToHost(dst []byte, src gpu.DevicePtr) error
}

// Pool is the buffer interface of a memory manager.
type Pool interface {
	Allocate(size int64) (memory.Handle, error)
	Release(h memory.Handle) error
	Ptr(h memory.Handle) (gpu.DevicePtr, error)
}

// Stats counts residency traffic.
type Stats struct {
	Uploads    int64
	WriteBacks int64
	Resident   int
	Retiring   int
}

// entry is the residency record of one base. The device copy is valid once
// uploaded or once a launched kernel wrote it; dirty means the host copy is
// stale.
type entry struct {
	handle      memory.Handle
	deviceValid bool
	dirty       bool
	refs        int  // bindings of launched, not yet synchronized kernels
	discarded   bool // release the buffer when refs reaches zero
}

// Manager keeps one authoritative copy per base. It is not safe for
// concurrent use.
type Manager struct {
	dev     Transfer
	pool    Pool
	arrays  map[*bytecode.Base]*entry
	uploads int64
	wbs     int64
}

// NewManager creates a residency tracker over dev and pool.
func NewManager(dev Transfer, pool Pool) *Manager {
	return &Manager{
		dev:    dev,
		pool:   pool,
		arrays: make(map[*bytecode.Base]*entry),
	}
}

// Resolve returns the device buffer backing v's base, allocating it and
// uploading the host copy when the device copy is not yet valid. overwrite
// says the caller writes every element of v before reading any, which lets
// a covering view skip the upload.
func (m *Manager) Resolve(v *bytecode.View, overwrite bool) (gpu.DevicePtr, error) {
	base := v.Base
	e := m.arrays[base]
	if e == nil {
		e = &entry{}
		m.arrays[base] = e
	}
	if e.discarded {
		// The base is live again; its old device contents are not.
		e.discarded = false
		e.deviceValid = false
		e.dirty = false
	}
	if e.handle.IsZero() {
		h, err := m.pool.Allocate(base.Bytes())
		if err != nil {
			if e.refs == 0 {
				delete(m.arrays, base)
			}
			return 0, err
		}
		e.handle = h
	}
	ptr, err := m.pool.Ptr(e.handle)
	if err != nil {
		return 0, err
	}
	if !e.deviceValid {
		if overwrite && v.CoversBase() {
			// The buffer holds nothing valid until MarkWritten confirms
			// the launch that fills it.
			return ptr, nil
		}
		if base.NElem > 0 {
			if err := m.dev.CopyToDevice(ptr, base.Host()); err != nil {
				return 0, verr.Wrap(verr.TransferFailure, "data.Resolve", err, "uploading %s", base)
			}
			m.uploads++
		}
		e.deviceValid = true
	}
	return ptr, nil
}

// MarkWritten records a device-side write: the device copy becomes the
// authoritative one.
func (m *Manager) MarkWritten(base *bytecode.Base) {
	if e := m.arrays[base]; e != nil {
		e.deviceValid = true
		e.dirty = true
	}
}

// WriteBack copies the device copy of base to host memory if the host copy
// is stale. The copy is ordered after every launched kernel.
func (m *Manager) WriteBack(base *bytecode.Base) error {
	e := m.arrays[base]
	if e == nil || !e.dirty || e.discarded {
		return nil
	}
	ptr, err := m.pool.Ptr(e.handle)
	if err != nil {
		return err
	}
	if err := m.dev.CopyToHost(base.Host(), ptr); err != nil {
		return verr.Wrap(verr.TransferFailure, "data.WriteBack", err, "downloading %s", base)
	}
	e.dirty = false
	m.wbs++
	return nil
}

// Discard drops the device copy of base. Pending kernel bindings keep the
// buffer alive until they are dropped.
func (m *Manager) Discard(base *bytecode.Base) error {
	e := m.arrays[base]
	if e == nil {
		return nil
	}
	if e.refs > 0 {
		e.discarded = true
		return nil
	}
	return m.release(base, e)
}

// Free drops both the device and the host copy of base.
func (m *Manager) Free(base *bytecode.Base) error {
	err := m.Discard(base)
	base.Data = nil
	return err
}

// Retain records a pending kernel binding of base.
func (m *Manager) Retain(base *bytecode.Base) {
	if e := m.arrays[base]; e != nil {
		e.refs++
	}
}

// Drop releases a binding taken with Retain.
func (m *Manager) Drop(base *bytecode.Base) error {
	e := m.arrays[base]
	if e == nil || e.refs == 0 {
		return nil
	}
	e.refs--
	if e.refs == 0 && e.discarded {
		return m.release(base, e)
	}
	return nil
}

func (m *Manager) release(base *bytecode.Base, e *entry) error {
	delete(m.arrays, base)
	if e.handle.IsZero() {
		return nil
	}
	logging.Component("data").Debugf("releasing %s (%s)", e.handle, base)
	return m.pool.Release(e.handle)
}

// Known reports whether base has device residency.
func (m *Manager) Known(base *bytecode.Base) bool {
	e := m.arrays[base]
	return e != nil && !e.discarded
}

// Dirty reports whether the device holds a newer value of base than the
// host.
func (m *Manager) Dirty(base *bytecode.Base) bool {
	e := m.arrays[base]
	return e != nil && e.dirty && !e.discarded
}

// Stats returns residency counters.
func (m *Manager) Stats() Stats {
	st := Stats{Uploads: m.uploads, WriteBacks: m.wbs}
	for _, e := range m.arrays {
		if e.discarded {
			st.Retiring++
		} else {
			st.Resident++
		}
	}
	return st
}

// Close releases every buffer regardless of pending bindings. Callers
// synchronize the device first.
func (m *Manager) Close() error {
	var firstErr error
	for base, e := range m.arrays {
		if err := m.release(base, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
