package version

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the released version of kbot.
// Override at build time:
//
//	go build -ldflags "-X github.com/hrygo/kbot/internal/version.Version=0.3.0"
var Version = "0.1.0"

// DevVersion is reported in dev and demo mode.
var DevVersion = Version + "-dev"

// GitCommit is the git commit hash at build time.
var GitCommit = "unknown"

// BuildTime is the build timestamp in RFC3339 format.
var BuildTime = "unknown"

// Info is the build information reported by /healthz and `kbot version`.
type Info struct {
	Version   string `json:"version"`
	Minor     string `json:"minor"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns build information for the given mode.
func Get(mode string) Info {
	info := Info{
		Version:   GetCurrentVersion(mode),
		GoVersion: runtime.Version(),
	}
	info.Minor = GetMinorVersion(info.Version)
	if GitCommit != "unknown" {
		info.Commit = shortCommit()
	}
	if BuildTime != "unknown" {
		info.BuildTime = BuildTime
	}
	return info
}

func GetCurrentVersion(mode string) string {
	if mode == "dev" || mode == "demo" {
		return DevVersion
	}
	return Version
}

// canonical turns "1.2.3" or "v1.2.3" into the "v1.2.3" form semver expects.
// Invalid input yields "".
func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// IsValid reports whether v is a semantic version.
func IsValid(v string) bool {
	return canonical(v) != ""
}

// GetMinorVersion returns "major.minor" of v, or "" if v is not a version.
func GetMinorVersion(v string) string {
	mm := semver.MajorMinor(canonical(v))
	return strings.TrimPrefix(mm, "v")
}

func shortCommit() string {
	if len(GitCommit) > 8 {
		return GitCommit[:8]
	}
	return GitCommit
}

// String returns the version string with optional commit hash.
func String() string {
	if GitCommit == "" || GitCommit == "unknown" {
		return Version
	}
	return fmt.Sprintf("%s-%s", Version, shortCommit())
}
