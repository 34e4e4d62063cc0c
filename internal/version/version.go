// Package version holds build metadata stamped in with -ldflags.
package version

import "fmt"

// Set at link time, e.g.
// -X github.com/banshee-data/queue.report/internal/version.Version=v0.3.0
var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
