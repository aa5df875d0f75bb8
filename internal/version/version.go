package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/fleetconsole"

// buildVersion is set via -ldflags "-X pkt.systems/fleetconsole/internal/version.buildVersion=...".
var buildVersion = ""

var readBuildInfo = debug.ReadBuildInfo

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	Revision  string `json:"revision,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
}

// String renders the info as a single line for the version command.
func (i Info) String() string {
	line := fmt.Sprintf("%s %s (%s)", i.Module, i.Version, i.GoVersion)
	if i.Revision != "" {
		line += " rev " + i.Revision
	}
	return line
}

// Get collects version information from the build.
func Get() Info {
	info := Info{
		Version:   CurrentWithDirty(),
		Module:    Module(),
		GoVersion: runtime.Version(),
	}
	if bi, ok := readBuildInfo(); ok {
		vcs := vcsSettings(bi)
		info.Revision = shortRevision(vcs.revision)
		info.Dirty = vcs.modified
	}
	return info
}

// Current returns the best available version string without the dirty suffix.
func Current() string {
	return strings.TrimSuffix(CurrentWithDirty(), "+dirty")
}

// CurrentWithDirty returns the best available version string, including the
// dirty suffix when the build tree was modified.
func CurrentWithDirty() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if bi, ok := readBuildInfo(); ok {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoFromBuildInfo(bi); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	if bi, ok := readBuildInfo(); ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func vcsSettings(bi *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if bi == nil {
		return out
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func pseudoFromBuildInfo(bi *debug.BuildInfo) string {
	vcs := vcsSettings(bi)
	if vcs.revision == "" || vcs.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcs.time)
	if err != nil {
		return ""
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + shortRevision(vcs.revision)
	if vcs.modified {
		ver += "+dirty"
	}
	return ver
}
