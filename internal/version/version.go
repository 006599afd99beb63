// Package version reports how the treeline binary was built. Release builds
// set the variables below with -ldflags; other builds fall back to the VCS
// stamps the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Set at build time, e.g.
// -ldflags "-X github.com/conneroisu/treeline/internal/version.Version=v0.4.0".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// Info describes the running binary.
type Info struct {
	Version   string    `json:"version" yaml:"version"`
	Commit    string    `json:"commit,omitempty" yaml:"commit,omitempty"`
	Dirty     bool      `json:"dirty,omitempty" yaml:"dirty,omitempty"`
	BuildTime time.Time `json:"build_time,omitempty" yaml:"build_time,omitempty"`
	GoVersion string    `json:"go_version" yaml:"go_version"`
	Platform  string    `json:"platform" yaml:"platform"`
}

var current = sync.OnceValue(func() Info {
	info, _ := debug.ReadBuildInfo()
	return resolve(info, Version, GitCommit, BuildTime)
})

// Get returns the build information of the running binary.
func Get() Info { return current() }

// resolve merges linker-provided values with embedded build settings.
// Linker values win.
func resolve(bi *debug.BuildInfo, version, commit, built string) Info {
	info := Info{
		Version:   version,
		Commit:    commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if t, err := time.Parse(time.RFC3339, built); err == nil {
		info.BuildTime = t
	}

	if bi == nil {
		return info
	}
	if (info.Version == "" || info.Version == "dev") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildTime.IsZero() {
				info.BuildTime, _ = time.Parse(time.RFC3339, s.Value)
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

// Short is the one-line form used in logs, e.g. "v0.4.0 (1a2b3c4)".
func (i Info) Short() string {
	if len(i.Commit) < 7 {
		return i.Version
	}
	s := fmt.Sprintf("%s (%s", i.Version, i.Commit[:7])
	if i.Dirty {
		s += ", dirty"
	}
	return s + ")"
}

// String renders every known field, one per line.
func (i Info) String() string {
	lines := []string{"Version: " + i.Version}
	if i.Commit != "" {
		lines = append(lines, "Commit: "+i.Commit)
	}
	if !i.BuildTime.IsZero() {
		lines = append(lines, "Built: "+i.BuildTime.UTC().Format(time.RFC3339))
	}
	lines = append(lines, "Go: "+i.GoVersion, "Platform: "+i.Platform)
	return strings.Join(lines, "\n")
}

// IsRelease reports whether the binary carries a real version.
func (i Info) IsRelease() bool {
	return i.Version != "dev" && !i.Dirty
}
