package system

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func getRAMInfo() (*RAMInfo, error) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return nil, fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	free, err := unix.SysctlUint32("vm.page_free_count")
	if err != nil {
		return nil, fmt.Errorf("sysctl vm.page_free_count: %w", err)
	}
	available := int64(free) * int64(unix.Getpagesize())
	return &RAMInfo{
		TotalBytes:     int64(total),
		AvailableBytes: available,
		UsedBytes:      int64(total) - available,
	}, nil
}
