// Package version reports the relayd build identity.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/relayd"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/relayd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// Read collects build information, preferring the linker-provided version.
func Read() Info {
	out := Info{Module: defaultModule, Version: unknownVersion}
	info, ok := debug.ReadBuildInfo()
	if ok {
		out = fromBuildInfo(info)
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		out.Version = v
	}
	return out
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	out := Info{Module: defaultModule, Version: unknownVersion, GoVersion: info.GoVersion}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		out.Module = path
	}
	var vcsTime string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			out.Modified = setting.Value == "true"
		}
	}
	switch v := strings.TrimSpace(info.Main.Version); {
	case v != "" && v != "(devel)":
		out.Version = v
	default:
		if pseudo := pseudoVersion(out.Revision, vcsTime, out.Modified); pseudo != "" {
			out.Version = pseudo
		}
	}
	return out
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

// UserAgent identifies relayd in outbound HTTP requests.
func UserAgent() string {
	return "relayd/" + Current()
}

func pseudoVersion(revision, vcsTime string, modified bool) string {
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if modified {
		ver += "+dirty"
	}
	return ver
}
