// Package system inspects the host the simulated device runs on.
package system

import (
	"fmt"
	"runtime"
)

// RAMInfo contains information about system memory
type RAMInfo struct {
	TotalBytes     int64
	AvailableBytes int64
	UsedBytes      int64
}

// GetRAMInfo returns information about system RAM
func GetRAMInfo() (*RAMInfo, error) {
	return getRAMInfo()
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// hostReserve is left to the OS and other processes.
const hostReserve = int64(2 << 30)

// EstimateUsableRAM returns the available RAM minus a reserve for the rest
// of the host. Device memory is carved out of it.
func EstimateUsableRAM() (int64, error) {
	info, err := GetRAMInfo()
	if err != nil {
		return 0, err
	}
	if info.AvailableBytes < hostReserve {
		return 0, nil
	}
	return info.AvailableBytes - hostReserve, nil
}

// Platform returns the OS/architecture pair of the host.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
