//go:build !linux && !darwin && !freebsd && !windows

package diskusage

import (
	"fmt"
	"runtime"
)

func statfs(string) (uint64, uint64, error) {
	return 0, 0, fmt.Errorf("disk usage is not supported on %s", runtime.GOOS)
}
