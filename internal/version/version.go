// Package version carries build-time identification for the taskforge
// binary, set via linker flags at build time. Grounded on the teacher's
// internal/version/version.go, trimmed to the fields `cmd/taskforge`
// actually reports (the teacher's semver-comparison helpers served its
// plugin-compatibility checks, which have no analogue here).
package version

import "fmt"

// Version is the released version, overridden at build time with
// -ldflags "-X github.com/hrygo/taskforge/internal/version.Version=v0.3.0".
var Version = "0.0.0-dev"

// GitCommit is the commit hash at build time.
var GitCommit = "unknown"

// BuildTime is the build timestamp in RFC3339 format.
var BuildTime = "unknown"

// String returns the version with a short commit suffix when known.
func String() string {
	if GitCommit == "" || GitCommit == "unknown" {
		return Version
	}
	commit := GitCommit
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return fmt.Sprintf("%s-%s", Version, commit)
}

// Full returns version, commit, and build time in one line for `taskforge version`.
func Full() string {
	return fmt.Sprintf("taskforge %s (commit=%s, built=%s)", Version, GitCommit, BuildTime)
}
