// Package version carries the build identity, set at link time with
// -ldflags "-X github.com/banshee-data/octscan/internal/version.Version=...".
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String is the identity recorded in every scan archive.
func String() string {
	if GitSHA == "unknown" {
		return "octscan " + Version
	}
	sha := GitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return fmt.Sprintf("octscan %s (%s)", Version, sha)
}
