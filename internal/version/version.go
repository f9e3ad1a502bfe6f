// Package version holds build information shared by the CLI and the HTTP
// transport. Both values are overridden with -ldflags at release time.
package version

import "fmt"

var (
	Version   = "v0.1.0-dev"
	BuildTime = "unknown"
)

// UserAgent is sent on every HTTP request the engine makes.
func UserAgent() string {
	return fmt.Sprintf("rescale-xfer/%s", Version)
}
