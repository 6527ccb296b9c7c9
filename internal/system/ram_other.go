//go:build !linux && !darwin

package system

import (
	"fmt"
	"runtime"
)

func getRAMInfo() (*RAMInfo, error) {
	return nil, fmt.Errorf("RAM probing not supported on %s", runtime.GOOS)
}
