// Package scheduler partitions an instruction stream into fusable batches
// and launches them in program order.
package scheduler

import (
	"github.com/sirupsen/logrus"

	"github.com/xupit3r/cudave/internal/data"
	"github.com/xupit3r/cudave/internal/gpu"
	"github.com/xupit3r/cudave/internal/kernel"
	"github.com/xupit3r/cudave/internal/logging"
	"github.com/xupit3r/cudave/internal/memory"
	"github.com/xupit3r/cudave/internal/opmap"
	"github.com/xupit3r/cudave/pkg/bytecode"
	"github.com/xupit3r/cudave/pkg/verr"
)

// State is the scheduler state.
type State int

const (
	// Idle: no open batch and no launched work awaiting synchronization.
	Idle State = iota
	// Accumulating: a batch is open or launched work is in flight.
	Accumulating
	// Flushing: FlushAll is draining the device.
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Device is the launch interface of a device.
type Device interface {
	Launch(k *kernel.Kernel, args []gpu.Arg) (*gpu.Work, error)
	Synchronize() error
}

// ScratchPool provides kernel-private buffers.
type ScratchPool interface {
	Allocate(size int64) (memory.Handle, error)
	Release(h memory.Handle) error
	Ptr(h memory.Handle) (gpu.DevicePtr, error)
}

// Stats counts scheduling activity.
type Stats struct {
	Instructions int64 // computations scheduled
	Fused        int64 // computations that extended an open batch
	Kernels      int64 // batches lowered to kernels
	Launches     int64
	Elided       int64 // intermediates kept in registers
	WriteBacks   int64 // SYNC instructions served
	Flushes      int64 // FlushAll calls that synchronized the device
}

// pending is one launched batch awaiting synchronization. Its bindings keep
// the bound buffers alive.
type pending struct {
	work    *gpu.Work
	bases   []*bytecode.Base
	scratch []memory.Handle
}

// Scheduler is the instruction scheduler. It is driven by a single caller
// and is not safe for concurrent use.
type Scheduler struct {
	mapper  *opmap.Mapper
	gen     *kernel.Generator
	dev     Device
	data    *data.Manager
	scratch ScratchPool

	state   State
	batch   *kernel.Batch
	pending []pending
	closed  bool
	stats   Stats
	log     *logrus.Entry

	// OnKernel, if set, observes every generated kernel before launch.
	OnKernel func(k *kernel.Kernel)
}

// New creates a scheduler.
func New(mapper *opmap.Mapper, gen *kernel.Generator, dev Device, dm *data.Manager, scratch ScratchPool) *Scheduler {
	return &Scheduler{
		mapper:  mapper,
		gen:     gen,
		dev:     dev,
		data:    dm,
		scratch: scratch,
		batch:   kernel.NewBatch(),
		log:     logging.Component("scheduler"),
	}
}

// State returns the current state.
func (s *Scheduler) State() State { return s.state }

// Stats returns scheduling counters.
func (s *Scheduler) Stats() Stats { return s.stats }

// Pending returns the number of launched batches not yet synchronized.
func (s *Scheduler) Pending() int { return len(s.pending) }

// Schedule consumes instructions in program order. Closing a batch launches
// it immediately, so Schedule may return while kernels still run. On failure
// only this call's instructions are dropped from the open batch; what
// earlier calls left in it stays scheduled.
func (s *Scheduler) Schedule(ins []bytecode.Instruction) error {
	if s.closed {
		return verr.New(verr.DeviceInitializationFailure, "scheduler.Schedule", "scheduler is closed")
	}
	open, mark := s.batch, s.batch.Mark()
	for i := range ins {
		if err := s.schedule(&ins[i]); err != nil {
			s.rewind(open, mark)
			return err
		}
	}
	s.settle()
	return nil
}

// rewind drops the instructions a failed Schedule call added to the open
// batch. If the batch open at the start of the call was closed during it,
// everything still open belongs to the call.
func (s *Scheduler) rewind(open *kernel.Batch, mark kernel.Mark) {
	if s.batch != open {
		s.abort()
		return
	}
	if dropped := s.batch.Len() - mark.Len(); dropped > 0 {
		s.log.Debugf("dropping %d instructions of the failed call", dropped)
	}
	s.batch = open.Rewind(mark)
	s.settle()
}

func (s *Scheduler) schedule(in *bytecode.Instruction) error {
	const op = "scheduler.Schedule"
	switch in.Opcode {
	case bytecode.None:
		return nil
	case bytecode.Sync:
		v := in.Output()
		if v == nil {
			return verr.New(verr.UnsupportedOperation, op, "SYNC without an array operand")
		}
		return s.sync(v.Base)
	case bytecode.Discard, bytecode.Free:
		v := in.Output()
		if v == nil {
			return verr.New(verr.UnsupportedOperation, op, "%s without an array operand", in.Opcode)
		}
		return s.discard(v.Base, in.Opcode == bytecode.Free)
	case bytecode.Userfunc:
		return verr.New(verr.UnsupportedOperation, op, "user functions are not supported")
	}

	if _, err := s.mapper.Map(in.Opcode, in.Type); err != nil {
		return err
	}
	if in.Output() == nil {
		return verr.New(verr.CodeGenerationFailure, op, "%s has no output array", in)
	}
	if !s.gen.Fusable(s.batch, in) {
		if err := s.closeBatch(); err != nil {
			return err
		}
	} else if !s.batch.Empty() {
		s.stats.Fused++
	}
	s.batch.Append(in)
	s.stats.Instructions++
	s.state = Accumulating
	return nil
}

// sync makes the host copy of base current. Only a batch that writes base
// has to be closed first; the download is ordered after every launched
// kernel.
func (s *Scheduler) sync(base *bytecode.Base) error {
	if s.batch.Writes(base) {
		if err := s.closeBatch(); err != nil {
			return err
		}
	}
	if err := s.data.WriteBack(base); err != nil {
		return err
	}
	s.stats.WriteBacks++
	return nil
}

// discard drops base. A base produced inside the open batch with no earlier
// residency never needs a buffer at all.
func (s *Scheduler) discard(base *bytecode.Base, free bool) error {
	if s.batch.Touches(base) {
		if !s.data.Known(base) && !base.HasHostData() && s.batch.Elide(base) {
			s.stats.Elided++
			s.log.Debugf("eliding intermediate %s", base)
			return nil
		}
		if err := s.closeBatch(); err != nil {
			return err
		}
	}
	if free {
		return s.data.Free(base)
	}
	return s.data.Discard(base)
}

// closeBatch lowers the open batch to a kernel, binds its buffers and
// launches it.
func (s *Scheduler) closeBatch() error {
	if s.batch.Empty() {
		return nil
	}
	b := s.batch
	s.batch = kernel.NewBatch()

	k, err := s.gen.Generate(b)
	if err != nil {
		return err
	}
	s.stats.Kernels++
	if s.OnKernel != nil {
		s.OnKernel(k)
	}
	if k.Root.Kind == kernel.Elementwise && k.Elems == 0 {
		s.log.Debugf("skipping empty kernel %s", k.Name)
		return nil
	}

	p, args, err := s.bind(k)
	if err != nil {
		s.unbind(p)
		return err
	}
	w, err := s.dev.Launch(k, args)
	if err != nil {
		s.unbind(p)
		return err
	}
	for _, i := range k.ArrayParams() {
		if k.Params[i].Access.Writes() {
			s.data.MarkWritten(k.Params[i].Base)
		}
	}
	p.work = w
	s.pending = append(s.pending, p)
	s.stats.Launches++
	s.log.WithFields(logrus.Fields{
		"kernel":       k.Name,
		"instructions": b.Len(),
		"params":       len(k.Params),
		"grid":         k.Launch.Grid,
		"block":        k.Launch.Block,
	}).Debug("launched batch")
	return nil
}

// bind resolves every kernel param to a device buffer and takes a binding
// reference on it.
func (s *Scheduler) bind(k *kernel.Kernel) (pending, []gpu.Arg, error) {
	var p pending
	args := make([]gpu.Arg, len(k.Params))
	retained := make(map[*bytecode.Base]bool)
	for i := range k.Params {
		prm := &k.Params[i]
		if prm.Scratch {
			h, err := s.scratch.Allocate(prm.Bytes())
			if err != nil {
				return p, nil, err
			}
			p.scratch = append(p.scratch, h)
			ptr, err := s.scratch.Ptr(h)
			if err != nil {
				return p, nil, err
			}
			args[i] = gpu.Arg{Ptr: ptr}
			continue
		}
		overwrite := prm.Access == kernel.Write
		ptr, err := s.data.Resolve(prm.View, overwrite)
		if err != nil {
			return p, nil, err
		}
		if !retained[prm.Base] {
			retained[prm.Base] = true
			s.data.Retain(prm.Base)
			p.bases = append(p.bases, prm.Base)
		}
		args[i] = gpu.Arg{Ptr: ptr}
	}
	return p, args, nil
}

func (s *Scheduler) unbind(p pending) error {
	var firstErr error
	for _, base := range p.bases {
		if err := s.data.Drop(base); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, h := range p.scratch {
		if err := s.scratch.Release(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushAll closes the open batch and blocks until the device has finished
// every launched kernel. With nothing open or in flight it does nothing.
func (s *Scheduler) FlushAll() error {
	if s.batch.Empty() && len(s.pending) == 0 {
		s.state = Idle
		return nil
	}
	s.state = Flushing
	err := s.closeBatch()
	if err != nil {
		s.abort()
	}

	syncErr := s.dev.Synchronize()
	s.stats.Flushes++
	for _, p := range s.pending {
		if uerr := s.unbind(p); uerr != nil && syncErr == nil {
			syncErr = uerr
		}
	}
	s.pending = nil
	s.state = Idle
	if err != nil {
		return err
	}
	return syncErr
}

// Close flushes all work and rejects further instructions.
func (s *Scheduler) Close() error {
	if s.closed {
		return nil
	}
	err := s.FlushAll()
	s.closed = true
	return err
}

func (s *Scheduler) abort() {
	if !s.batch.Empty() {
		s.log.Debugf("abandoning open batch of %d instructions", s.batch.Len())
	}
	s.batch = kernel.NewBatch()
	s.settle()
}

func (s *Scheduler) settle() {
	if s.batch.Empty() && len(s.pending) == 0 {
		s.state = Idle
	} else {
		s.state = Accumulating
	}
}
