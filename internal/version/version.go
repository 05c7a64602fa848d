// Package version reports the build version of filedrop.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build-time variables (override via -ldflags -X ...).
// Example:
//
//	go build -ldflags "-X filedrop/internal/version.Version=1.2.0 -X filedrop/internal/version.Commit=abcd123"
var (
	Version   = ""
	Commit    = ""
	BuildDate = ""
)

// Unknown is reported when no version was stamped into the binary.
const Unknown = "unknown"

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
	GoVersion string `json:"goVersion"`
}

// Get returns the linker-stamped version, falling back to the module
// version recorded by the go tool and finally to Unknown.
func Get() Info {
	return get(Version, debug.ReadBuildInfo)
}

func get(stamped string, read func() (*debug.BuildInfo, bool)) Info {
	info := Info{
		Version:   stamped,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	if info.Version != "" {
		return info
	}
	info.Version = Unknown
	bi, ok := read()
	if !ok || bi == nil {
		return info
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		info.Version = v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" && len(s.Value) >= 7 {
				info.Commit = s.Value[:7]
			}
		case "vcs.time":
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		}
	}
	return info
}

func (i Info) String() string {
	s := i.Version
	if i.Commit != "" {
		s += fmt.Sprintf(" (%s)", i.Commit)
	}
	if i.BuildDate != "" {
		s += fmt.Sprintf(" built %s", i.BuildDate)
	}
	s += fmt.Sprintf(" [%s]", i.GoVersion)
	return s
}
