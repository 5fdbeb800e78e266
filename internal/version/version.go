package version

import (
	"runtime"
	"time"
)

// Populated through -ldflags "-X github.com/MrSnakeDoc/wake/internal/version.Version=..." at build time.
var (
	Version   = "dev"                           // ex: v0.3.0
	Commit    = "none"                          // ex: abcd123
	BuildDate = time.Now().Format(time.RFC3339) // ex: 2025-08-11T18:42:00Z
	GoVersion = runtime.Version()               // go version
)

// UserAgent identifies wake against the container runtime and proxy admin APIs.
func UserAgent() string {
	return "wake/" + Version
}
