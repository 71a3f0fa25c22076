// Package version holds the build version.
package version

// Version is set at build time with -ldflags "-X tubemp3/internal/version.Version=...".
var Version = "0.1.0"
