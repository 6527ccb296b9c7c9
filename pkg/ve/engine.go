// Package ve is the vector engine: capability negotiation, instruction
// submission and teardown over a single compute device.
//
// An Engine is created by Negotiate and scopes every later call. The engine
// is not reentrant; a caller must not submit concurrently.
package ve

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xupit3r/cudave/internal/data"
	"github.com/xupit3r/cudave/internal/gpu"
	"github.com/xupit3r/cudave/internal/kernel"
	"github.com/xupit3r/cudave/internal/logging"
	"github.com/xupit3r/cudave/internal/memory"
	"github.com/xupit3r/cudave/internal/opmap"
	"github.com/xupit3r/cudave/internal/scheduler"
	"github.com/xupit3r/cudave/pkg/bytecode"
	"github.com/xupit3r/cudave/pkg/verr"
)

// Options configures an engine.
type Options struct {
	Ordinal     int
	Device      gpu.Config
	PoolCeiling int64 // idle pooled bytes kept on the device
	Kernel      kernel.Config
	ReduceOps   []bytecode.Opcode // operators offered as synthesized reductions

	// OnKernel, if set, observes every generated kernel before launch.
	OnKernel func(k *kernel.Kernel)
}

// DefaultOptions returns options for one simulated device with 1 GiB of
// memory.
func DefaultOptions() Options {
	return Options{
		Device:      gpu.Config{Count: 1, MemoryBytes: 1 << 30},
		PoolCeiling: 256 << 20,
		Kernel:      kernel.DefaultConfig(),
		ReduceOps:   []bytecode.Opcode{bytecode.Add},
	}
}

// Status is the two-valued result of a boundary operation.
type Status int

const (
	Success Status = iota
	Failure
)

func (s Status) String() string {
	if s == Success {
		return "success"
	}
	return "failure"
}

// Capabilities is the negotiated capability set. It is exhaustive: any
// computation outside it is rejected at submission.
type Capabilities struct {
	Opcodes []bytecode.Opcode
	Types   []bytecode.Type
}

// Stats aggregates the counters of every engine component.
type Stats struct {
	Device    gpu.Stats
	Memory    memory.Stats
	Data      data.Stats
	Scheduler scheduler.Stats
}

// Engine is the context created by negotiation.
type Engine struct {
	caps    Capabilities
	opcodes map[bytecode.Opcode]bool
	types   map[bytecode.Type]bool

	mapper *opmap.Mapper
	dev    *gpu.SimDevice
	pool   *memory.Manager
	data   *data.Manager
	sched  *scheduler.Scheduler
	closed bool
	log    *logrus.Entry
}

// Negotiate initializes the device and reports the capability set.
func Negotiate(opts Options) (*Engine, error) {
	log := logging.Component("ve")

	mapper, err := opmap.New(opts.ReduceOps)
	if err != nil {
		return nil, boundary(log, "negotiate", err)
	}
	dev, err := gpu.Open(opts.Ordinal, opts.Device)
	if err != nil {
		return nil, boundary(log, "negotiate", err)
	}

	pool := memory.NewManager(dev, opts.PoolCeiling)
	dm := data.NewManager(dev, pool)
	gen := kernel.NewGenerator(mapper, opts.Kernel)
	sched := scheduler.New(mapper, gen, dev, dm, pool)
	sched.OnKernel = opts.OnKernel

	e := &Engine{
		caps: Capabilities{
			Opcodes: mapper.Opcodes(),
			Types:   opmap.Types(),
		},
		opcodes: make(map[bytecode.Opcode]bool),
		types:   make(map[bytecode.Type]bool),
		mapper:  mapper,
		dev:     dev,
		pool:    pool,
		data:    dm,
		sched:   sched,
		log:     log,
	}
	for _, op := range e.caps.Opcodes {
		e.opcodes[op] = true
	}
	for _, t := range e.caps.Types {
		e.types[t] = true
	}
	log.WithFields(logrus.Fields{
		"device":  dev.Name(),
		"opcodes": len(e.caps.Opcodes),
		"types":   len(e.caps.Types),
	}).Info("engine initialized")
	return e, nil
}

// Capabilities returns the negotiated capability set.
func (e *Engine) Capabilities() Capabilities {
	return Capabilities{
		Opcodes: append([]bytecode.Opcode(nil), e.caps.Opcodes...),
		Types:   append([]bytecode.Type(nil), e.caps.Types...),
	}
}

// Device returns the properties of the engine's device.
func (e *Engine) Device() gpu.Properties { return e.dev.Properties() }

func (e *Engine) ready(op string) error {
	if e == nil || e.closed {
		return verr.New(verr.DeviceInitializationFailure, op, "engine not initialized")
	}
	return nil
}

// Execute validates ins against the capability set, then schedules it.
// Kernels may still be running when Execute returns.
func (e *Engine) Execute(ins []bytecode.Instruction) error {
	const op = "ve.Execute"
	if err := e.ready(op); err != nil {
		return err
	}
	if err := e.validate(ins); err != nil {
		return err
	}
	return e.sched.Schedule(ins)
}

// validate rejects the whole submission before any of it is scheduled.
func (e *Engine) validate(ins []bytecode.Instruction) error {
	const op = "ve.Execute"
	for i := range ins {
		in := &ins[i]
		switch in.Opcode {
		case bytecode.None, bytecode.Sync, bytecode.Discard, bytecode.Free:
			if in.Opcode != bytecode.None && in.Output() == nil {
				return verr.New(verr.UnsupportedOperation, op, "instruction %d: %s without an array operand", i, in.Opcode)
			}
			continue
		}
		if !e.opcodes[in.Opcode] || !e.types[in.Type] {
			return verr.New(verr.UnsupportedOperation, op,
				"instruction %d: %s on %s is outside the negotiated capabilities", i, in.Opcode, in.Type)
		}
		native, err := e.mapper.Map(in.Opcode, in.Type)
		if err != nil {
			return verr.Wrap(verr.UnsupportedOperation, op, err, "instruction %d", i)
		}
		if in.Output() == nil {
			return verr.New(verr.UnsupportedOperation, op, "instruction %d: %s has no array output", i, in.Opcode)
		}
		if in.Opcode.IsReduce() {
			if n := len(in.Operands); n < 2 || n > 3 {
				return verr.New(verr.UnsupportedOperation, op,
					"instruction %d: %s takes an output, an input and an optional axis, got %d operands", i, in.Opcode, n)
			}
		} else if len(in.Operands) != native.Arity+1 {
			return verr.New(verr.UnsupportedOperation, op,
				"instruction %d: %s takes %d inputs, got %d operands", i, in.Opcode, native.Arity, len(in.Operands))
		}
		for j, opnd := range in.Operands {
			if opnd.IsConst() {
				if opnd.Const == nil {
					return verr.New(verr.UnsupportedOperation, op, "instruction %d: operand %d is empty", i, j)
				}
				continue
			}
			if err := opnd.View.Validate(); err != nil {
				return verr.Wrap(verr.UnsupportedOperation, op, err, "instruction %d operand %d", i, j)
			}
			if !e.types[opnd.View.Type()] {
				return verr.New(verr.UnsupportedOperation, op,
					"instruction %d: operand %d has unsupported type %s", i, j, opnd.View.Type())
			}
		}
	}
	return nil
}

// Submit is Execute with the two-valued result; failures go to the log.
func (e *Engine) Submit(ins []bytecode.Instruction) Status {
	return e.status("submit", e.Execute(ins))
}

// Flush blocks until every launched kernel has completed.
func (e *Engine) Flush() error {
	if err := e.ready("ve.Flush"); err != nil {
		return err
	}
	return e.sched.FlushAll()
}

// Shutdown flushes pending work and releases every device resource. The
// engine is unusable afterwards, even if the flush failed.
func (e *Engine) Shutdown() error {
	if err := e.ready("ve.Shutdown"); err != nil {
		return err
	}
	err := e.sched.Close()
	if derr := e.data.Close(); derr != nil && err == nil {
		err = derr
	}
	if perr := e.pool.Close(); perr != nil && err == nil {
		err = perr
	}
	if cerr := e.dev.Close(); cerr != nil && err == nil {
		err = cerr
	}
	e.closed = true
	e.log.Info("engine shut down")
	return err
}

// Teardown is Shutdown with the two-valued result.
func (e *Engine) Teardown() Status {
	return e.status("teardown", e.Shutdown())
}

// Stats returns a snapshot of the component counters.
func (e *Engine) Stats() Stats {
	if e == nil || e.closed {
		return Stats{}
	}
	return Stats{
		Device:    e.dev.Stats(),
		Memory:    e.pool.Stats(),
		Data:      e.data.Stats(),
		Scheduler: e.sched.Stats(),
	}
}

func (e *Engine) status(boundaryOp string, err error) Status {
	if err == nil {
		return Success
	}
	log := logging.Component("ve")
	if e != nil && e.log != nil {
		log = e.log
	}
	boundary(log, boundaryOp, err)
	return Failure
}

// boundary reports err on the diagnostic sink and returns it.
func boundary(log *logrus.Entry, op string, err error) error {
	fields := logrus.Fields{"kind": verr.KindOf(err).String(), "op": op}
	var ve *verr.Error
	if errors.As(err, &ve) {
		fields["component"] = ve.Op
	}
	log.WithFields(fields).Error(err.Error())
	return err
}
