// Package version provides version information for blockrecon.
package version

// Version is the current version of blockrecon.
// It can be overridden at build time with:
//
//	go build -ldflags "-X github.com/boblangley/blockrecon/internal/version.Version=x.y.z"
var Version = "0.1.0"

// Name is the application name.
const Name = "blockrecon"
