// Package version carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/you/chatdeck/internal/version.Version=v0.3.0"
package version

import "time"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// BuiltAt parses BuildTime as RFC 3339 and returns the zero time when unset.
func BuiltAt() time.Time {
	if BuildTime == "" || BuildTime == "unknown" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
