// Package buildinfo carries version stamps set at link time:
//
//	go build -ldflags "-X kestrel/internal/buildinfo.Version=v0.3.0 -X kestrel/internal/buildinfo.Commit=$(git rev-parse HEAD)"
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns a compact build identifier for window titles and logs.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if c := revision(); c != "" {
		return c
	}
	return "dev"
}

// String returns the full version line.
func String() string {
	c := revision()
	if c == "" {
		c = "unknown"
	}
	return fmt.Sprintf("%s (commit %s, built %s, %s)", Version, c, Date, runtime.Version())
}

// revision prefers the stamped commit and falls back to the VCS revision the
// go command embeds.
func revision() string {
	if Commit != "" && Commit != "unknown" {
		return shorten(Commit)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return shorten(s.Value)
		}
	}
	return ""
}

func shorten(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
