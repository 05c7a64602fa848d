// Package diskusage reports capacity of the filesystem holding a path.
package diskusage

import (
	"math"

	"filedrop/internal/fsutil"
)

// Usage is a point-in-time capacity report. Free counts bytes available to
// unprivileged users, so Used includes blocks reserved for root.
type Usage struct {
	Total       uint64 `json:"total"`
	Free        uint64 `json:"free"`
	Used        uint64 `json:"used"`
	PercentUsed int    `json:"percentUsed"`
}

// Report queries the filesystem containing path. It fails with
// fsutil.ErrUnavailable when the platform has no way to ask.
func Report(path string) (Usage, error) {
	total, free, err := statfs(path)
	if err != nil {
		return Usage{}, fsutil.NewError("disk-space", "", fsutil.ErrUnavailable, err)
	}
	return compute(total, free), nil
}

func compute(total, free uint64) Usage {
	if free > total {
		free = total
	}
	u := Usage{Total: total, Free: free, Used: total - free}
	if total > 0 {
		u.PercentUsed = int(math.Round(float64(u.Used) / float64(total) * 100))
	}
	return u
}
