package daemon

import (
	"fmt"
	"strings"
	"time"
)

// durationOrDefault parses a duration string and falls back to
// defaultValue when value is empty. The daemon manager is the only
// consumer of this (shutdown timeout, stale-lock TTL, health-check
// interval), so it lives here rather than in the general config package.
func durationOrDefault(value, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	return d, nil
}
