// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the release version.
	Version = "0.1.0-dev"
)

// stamp is the commit, dirty flag, and build time after falling back
// to embedded VCS settings.
type stamp struct {
	commit string
	dirty  bool
	time   string
}

func current() stamp {
	return resolve(GitCommit, GitDirty, BuildTime, readSettings())
}

func readSettings() []debug.BuildSetting {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return info.Settings
}

// resolve fills fields still at their defaults from settings.
func resolve(commit, dirty, buildTime string, settings []debug.BuildSetting) stamp {
	result := stamp{commit: commit, dirty: dirty == "true", time: buildTime}
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			if result.commit == "unknown" && setting.Value != "" {
				result.commit = setting.Value[:min(len(setting.Value), 12)]
			}
		case "vcs.modified":
			if commit == "unknown" && setting.Value == "true" {
				result.dirty = true
			}
		case "vcs.time":
			if result.time == "unknown" && setting.Value != "" {
				result.time = setting.Value
			}
		}
	}
	return result
}

func (s stamp) String() string {
	dirty := ""
	if s.dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, s.commit, dirty, s.time)
}

// Info returns the one-line version string, for example
// "0.1.0-dev (abc1234, 2026-02-10T12:00:00Z)".
func Info() string {
	return current().String()
}

// Full returns Info followed by the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
