package utils

import (
	"fmt"
	"runtime/debug"
)

// Version is overridden at build time with -ldflags "-X .../utils.Version=x.y.z".
//
//nolint:gochecknoglobals // Set by the linker
var Version = "0.0.0-dev"

// GetVersionShort returns "v<version> (<commit>)", with a -dirty suffix for modified trees.
func GetVersionShort() string {
	commit, _, modified := getVCSInfo()
	if modified == "true" {
		commit += "-dirty"
	}

	return fmt.Sprintf("v%s (%s)", Version, commit)
}

// GetBuildVersion is GetVersionShort plus the VCS build time.
func GetBuildVersion() string {
	_, buildTime, _ := getVCSInfo()

	return fmt.Sprintf("%s built at %s", GetVersionShort(), buildTime)
}

func getVCSInfo() (commit, buildTime, modified string) {
	commit, buildTime, modified = "unknown", "unknown", "false"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, buildTime, modified
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
			if len(commit) > 7 {
				commit = commit[:7]
			}
		case "vcs.time":
			buildTime = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}

	return commit, buildTime, modified
}
