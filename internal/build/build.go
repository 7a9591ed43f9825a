// Package build holds build-time metadata. The variables are overridden at
// link time via -ldflags.
package build

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
