// Package version reports the orchestrator build version.
package version

// Version is injected at build time. The default marks a source build.
var Version = "0.0.0-dev"
