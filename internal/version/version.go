package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
	GOOS      = runtime.GOOS
	GOARCH    = runtime.GOARCH
)

// Full returns the version string in the format "release (commit)".
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform returns the version string with platform information.
func FullWithPlatform() string {
	return fmt.Sprintf("%s (commit: %s, %s/%s)", Release, GitCommit, GOOS, GOARCH)
}

// UserAgent identifies the agent in outgoing HTTP requests.
func UserAgent() string {
	return "torrentstats/" + Release
}
