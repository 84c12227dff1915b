package version

import (
	"testing"
	"time"
)

func TestBuiltAt(t *testing.T) {
	orig := BuildTime
	t.Cleanup(func() { BuildTime = orig })

	BuildTime = "unknown"
	if !BuiltAt().IsZero() {
		t.Fatalf("expected zero time for unknown build time")
	}
	BuildTime = "2025-03-01T12:00:00Z"
	if got := BuiltAt(); !got.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected build time %v", got)
	}
	BuildTime = "yesterday"
	if !BuiltAt().IsZero() {
		t.Fatalf("expected zero time for unparsable build time")
	}
}
