package version

import (
	"fmt"
	"runtime/debug"
)

// These variables are set via -ldflags at build time.
var (
	// Version is the semantic version.
	Version = "0.1.0"

	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"
)

const shortCommitLength = 7

// Commit returns the build's short commit SHA.
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return GitCommit
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			revision := setting.Value
			if len(revision) > shortCommitLength {
				revision = revision[:shortCommitLength]
			}
			return revision
		}
	}

	return GitCommit
}

// String returns the --version line, "<name> <version>-g<commit>".
func String(name string) string {
	return fmt.Sprintf("%s %s-g%s", name, Version, Commit())
}
