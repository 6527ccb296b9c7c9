package system

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetRAMInfo(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skipf("RAM probing not supported on %s", runtime.GOOS)
	}
	info, err := GetRAMInfo()
	if err != nil {
		t.Fatalf("GetRAMInfo failed: %v", err)
	}

	if info.TotalBytes <= 0 {
		t.Errorf("Expected positive total bytes, got %d", info.TotalBytes)
	}

	if info.AvailableBytes < 0 {
		t.Errorf("Expected non-negative available bytes, got %d", info.AvailableBytes)
	}

	if info.AvailableBytes > info.TotalBytes {
		t.Errorf("Available bytes (%d) cannot exceed total bytes (%d)",
			info.AvailableBytes, info.TotalBytes)
	}
}

func TestEstimateUsableRAM(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skipf("RAM probing not supported on %s", runtime.GOOS)
	}
	usable, err := EstimateUsableRAM()
	if err != nil {
		t.Fatalf("EstimateUsableRAM failed: %v", err)
	}
	if usable < 0 {
		t.Errorf("Expected non-negative usable RAM, got %d", usable)
	}
	info, _ := GetRAMInfo()
	if usable > info.TotalBytes {
		t.Errorf("Usable RAM (%d) cannot exceed total RAM (%d)", usable, info.TotalBytes)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
		{1536 * 1024 * 1024, "1.5 GiB"},
	}

	for _, tt := range tests {
		result := FormatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("FormatBytes(%d) = %s; want %s", tt.bytes, result, tt.expected)
		}
	}
}

func TestPlatform(t *testing.T) {
	p := Platform()
	if !strings.Contains(p, "/") || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		t.Errorf("Platform() = %q, want os/arch", p)
	}
}
