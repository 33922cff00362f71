// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	// Version is the current client version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String renders the build metadata for the version subcommand.
func String() string {
	return fmt.Sprintf("lungseg %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
