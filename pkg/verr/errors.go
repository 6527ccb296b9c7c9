// Package verr defines the typed failures surfaced by the vector engine.
package verr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an engine failure.
type Kind int

const (
	Unknown Kind = iota
	// UnsupportedOperation: opcode/type combination outside the negotiated set
	UnsupportedOperation
	OutOfDeviceMemory
	DeviceInitializationFailure
	CodeGenerationFailure
	KernelLaunchFailure
	TransferFailure
)

func (k Kind) String() string {
	switch k {
	case UnsupportedOperation:
		return "UnsupportedOperation"
	case OutOfDeviceMemory:
		return "OutOfDeviceMemory"
	case DeviceInitializationFailure:
		return "DeviceInitializationFailure"
	case CodeGenerationFailure:
		return "CodeGenerationFailure"
	case KernelLaunchFailure:
		return "KernelLaunchFailure"
	case TransferFailure:
		return "TransferFailure"
	default:
		return "Unknown"
	}
}

// Error is a classified failure with the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s in %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s in %s: %s", e.Kind, e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error carrying a stack trace.
func New(kind Kind, op, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)})
}

// Wrap classifies err. An err that already carries a kind keeps it.
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != Unknown {
		return errors.WithMessagef(err, format, args...)
	}
	return errors.WithStack(&Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err})
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
