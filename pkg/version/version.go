package version

import "fmt"

// Populated at build time via -ldflags.
var (
	GitVersion = "v0.0.0-dev"
	GitCommit  = ""
)

// Get returns the human-readable build version.
func Get() string {
	if GitCommit == "" {
		return GitVersion
	}
	return fmt.Sprintf("%s (%s)", GitVersion, GitCommit)
}
