// Package version describes the running grubimage binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// unset marks a field that neither ldflags nor the build info filled in
const unset = "unknown"

// Info identifies a grubimage build
type Info struct {
	// Version is the display string, e.g. "grubimage v0.4.0-4f9f297"
	Version string `json:"version"`
	// ReleaseVersion is the semantic version without the leading "v"
	ReleaseVersion string `json:"release_version"`
	BuildDate      string `json:"build_date"`
	GitCommit      string `json:"git_commit"`
	// Dirty is set when the binary was built from a modified checkout
	Dirty bool `json:"dirty,omitempty"`
}

// Resolve builds an Info from linker-provided values. Empty or placeholder
// values are completed from the module build info, which `go install`
// binaries carry.
func Resolve(ver, release, date, commit string) *Info {
	i := &Info{
		Version:        ver,
		ReleaseVersion: strings.TrimPrefix(release, "v"),
		BuildDate:      date,
		GitCommit:      commit,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		i.fill(bi)
	}
	if i.ReleaseVersion == "" {
		i.ReleaseVersion = "0.0.0"
	}
	if i.GitCommit == "" {
		i.GitCommit = unset
	}
	if i.BuildDate == "" {
		i.BuildDate = unset
	}
	if i.Version == "" || i.Version == "dev" {
		i.Version = "grubimage " + i.Short()
	}
	return i
}

func (i *Info) fill(bi *debug.BuildInfo) {
	if (i.ReleaseVersion == "" || i.ReleaseVersion == "0.0.0") && strings.HasPrefix(bi.Main.Version, "v") {
		i.ReleaseVersion = strings.TrimPrefix(bi.Main.Version, "v")
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.GitCommit == "" || i.GitCommit == unset {
				i.GitCommit = s.Value
				if len(i.GitCommit) > 7 {
					i.GitCommit = i.GitCommit[:7]
				}
			}
		case "vcs.time":
			if i.BuildDate == "" || i.BuildDate == unset {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			i.Dirty = s.Value == "true"
		}
	}
}

// Short returns "v<release>-<commit>", with a "-dirty" suffix for modified checkouts
func (i *Info) Short() string {
	s := fmt.Sprintf("v%s-%s", i.ReleaseVersion, i.GitCommit)
	if i.Dirty {
		s += "-dirty"
	}
	return s
}

// UserAgent is sent with bootloader source downloads
func (i *Info) UserAgent() string {
	return fmt.Sprintf("grubimage/%s (%s/%s)", i.ReleaseVersion, runtime.GOOS, runtime.GOARCH)
}

// String returns the display version
func (i *Info) String() string {
	return i.Version
}

// Full returns the multi-line text printed by the version command
func (i *Info) Full() string {
	var b strings.Builder
	b.WriteString(i.Version)
	for _, row := range [][2]string{
		{"Version", i.ReleaseVersion},
		{"Build Date", i.BuildDate},
		{"Git Commit", i.GitCommit},
		{"Go Version", runtime.Version()},
		{"Platform", runtime.GOOS + "/" + runtime.GOARCH},
	} {
		fmt.Fprintf(&b, "\n  %-11s %s", row[0]+":", row[1])
	}
	return b.String()
}

// Map returns the version fields for JSON output
func (i *Info) Map() map[string]string {
	m := map[string]string{
		"version":         i.Version,
		"release_version": i.ReleaseVersion,
		"build_date":      i.BuildDate,
		"git_commit":      i.GitCommit,
		"go_version":      runtime.Version(),
		"platform":        runtime.GOOS + "/" + runtime.GOARCH,
	}
	if i.Dirty {
		m["dirty"] = "true"
	}
	return m
}
