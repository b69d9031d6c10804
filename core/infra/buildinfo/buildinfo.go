// Package buildinfo carries the release stamp for stampmint binaries.
// Release builds override the variables with -ldflags, for example:
//
//	-X github.com/stampmint/stampmint/core/infra/buildinfo.Version=v1.4.0
package buildinfo

import (
	"fmt"
	"log"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns the stamp as a single log-friendly line.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log emits the stamp tagged with the binary's name. Every stampmint
// entrypoint calls this once at startup so rollouts are traceable in logs.
func Log(binary string) {
	log.Printf("%s %s", binary, Info())
}
