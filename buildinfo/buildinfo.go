// Package buildinfo contains application metadata that can be set at build time.
//
// For release builds, set the version with ldflags:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/davi-pay-agent/buildinfo.Version=1.0.0 \
//	  -X github.com/dotside-studios/davi-pay-agent/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/dotside-studios/davi-pay-agent/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Name is the technical application name
	Name = "davi-pay-agent"

	// DirName is the config directory name within user config paths
	DirName = "davi-pay-agent"

	// DisplayName is the user-friendly name (tray title, mDNS instance)
	DisplayName = "Davi Pay Agent"

	// Description is a short description of the application
	Description = "Payment terminal bridge for card checks and receipt printing"

	// Version is the semantic version (set via ldflags for releases)
	Version = "dev"

	// Commit is the git commit hash (set via ldflags)
	Commit = ""

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = ""
)

// FullVersion returns the version with the commit when known, e.g. "1.0.0 (abc1234)".
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// UserAgent returns a user agent string, e.g. "davi-pay-agent/1.0.0".
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}

// BuildInfo returns a multi-line description of the build.
func BuildInfo() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&sb, "  %s\n", Description)
	fmt.Fprintf(&sb, "  Go: %s\n", runtime.Version())
	fmt.Fprintf(&sb, "  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&sb, "\n  Built: %s", BuildTime)
	}
	return sb.String()
}

// IsDev reports whether this is a development build.
func IsDev() bool {
	return Version == "dev"
}
