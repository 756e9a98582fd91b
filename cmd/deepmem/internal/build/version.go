// Package build identifies the binary. Release builds inject the values
// through ldflags:
//
//	go build -ldflags "-X .../cmd/deepmem/internal/build.Version=v0.3.0 \
//	  -X .../cmd/deepmem/internal/build.Commit=$(git rev-parse --short HEAD) \
//	  -X .../cmd/deepmem/internal/build.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Anything not injected falls back to what the Go toolchain embedded, so
// a plain `go install` still reports its module version and VCS revision.
package build

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Injected by the release build; empty means fall back to build info.
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

// String renders the one-line banner for `deepmem version`.
func String() string {
	return fmt.Sprintf("deepmem %s (%s) built %s %s/%s",
		version(), commit(), date(), runtime.GOOS, runtime.GOARCH)
}

func version() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}

func commit() string {
	if Commit != "" {
		return Commit
	}
	if rev := vcsSetting("vcs.revision"); rev != "" {
		if len(rev) > 12 {
			rev = rev[:12]
		}
		return rev
	}
	return "unknown"
}

func date() string {
	if Date != "" {
		return Date
	}
	if t := vcsSetting("vcs.time"); t != "" {
		return t
	}
	return "unknown"
}

func vcsSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
