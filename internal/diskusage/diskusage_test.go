package diskusage

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/internal/fsutil"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		total, free uint64
		want        Usage
	}{
		{"half", 1000, 500, Usage{Total: 1000, Free: 500, Used: 500, PercentUsed: 50}},
		{"rounds up", 1000, 994, Usage{Total: 1000, Free: 994, Used: 6, PercentUsed: 1}},
		{"rounds down", 1000, 996, Usage{Total: 1000, Free: 996, Used: 4, PercentUsed: 0}},
		{"full", 4096, 0, Usage{Total: 4096, Free: 0, Used: 4096, PercentUsed: 100}},
		{"empty fs", 0, 0, Usage{}},
		{"free over total", 10, 20, Usage{Total: 10, Free: 10, Used: 0, PercentUsed: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compute(tt.total, tt.free))
		})
	}
}

func TestReport(t *testing.T) {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "windows":
	default:
		t.Skip("no disk usage on " + runtime.GOOS)
	}
	u, err := Report(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, u.Total, uint64(0))
	assert.Equal(t, u.Total-u.Free, u.Used)
	assert.GreaterOrEqual(t, u.PercentUsed, 0)
	assert.LessOrEqual(t, u.PercentUsed, 100)
}

func TestReportMissingPath(t *testing.T) {
	_, err := Report(filepath.Join(t.TempDir(), "does", "not", "exist"))
	assert.ErrorIs(t, err, fsutil.ErrUnavailable)
}
