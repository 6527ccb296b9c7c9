package verr

import (
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(OutOfDeviceMemory, "memory.Allocate", "%d bytes", 64)
	if got := KindOf(err); got != OutOfDeviceMemory {
		t.Fatalf("KindOf = %v, want OutOfDeviceMemory", got)
	}
	if !strings.Contains(err.Error(), "memory.Allocate") {
		t.Errorf("message %q lacks op", err.Error())
	}

	wrapped := fmt.Errorf("schedule: %w", err)
	if !Is(wrapped, OutOfDeviceMemory) {
		t.Errorf("kind lost through fmt wrapping")
	}
	if KindOf(fmt.Errorf("plain")) != Unknown {
		t.Errorf("plain error should be Unknown")
	}
	if Is(nil, OutOfDeviceMemory) {
		t.Errorf("nil error has no kind")
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(TransferFailure, "gpu.CopyToHost", "short buffer")
	err := Wrap(KernelLaunchFailure, "scheduler", inner, "batch %d", 3)
	if KindOf(err) != TransferFailure {
		t.Errorf("Wrap reclassified: got %v", KindOf(err))
	}

	err = Wrap(CodeGenerationFailure, "kernel.Generate", fmt.Errorf("boom"), "stage %d", 1)
	if KindOf(err) != CodeGenerationFailure {
		t.Errorf("KindOf = %v, want CodeGenerationFailure", KindOf(err))
	}
	if Wrap(CodeGenerationFailure, "x", nil, "ignored") != nil {
		t.Errorf("Wrap(nil) should be nil")
	}
}

func TestKindString(t *testing.T) {
	kinds := map[Kind]string{
		UnsupportedOperation:        "UnsupportedOperation",
		OutOfDeviceMemory:           "OutOfDeviceMemory",
		DeviceInitializationFailure: "DeviceInitializationFailure",
		CodeGenerationFailure:       "CodeGenerationFailure",
		KernelLaunchFailure:         "KernelLaunchFailure",
		TransferFailure:             "TransferFailure",
		Unknown:                     "Unknown",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", k, k.String(), want)
		}
	}
}
