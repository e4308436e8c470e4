package config

import (
	"fmt"
	"strings"
	"time"
)

// durationFloors holds the smallest accepted value of settings where a tiny
// duration would spin or time out every call. Below the floor is an error,
// not a clamp.
var durationFloors = map[string]time.Duration{
	"scheduler.poll_interval":   time.Second,
	"telegram.poll_timeout":     time.Second,
	"userbot.client_timeout":    time.Second,
	"userbot.construct_timeout": 100 * time.Millisecond,
	"userbot.shutdown_timeout":  100 * time.Millisecond,
	"membership.join_timeout":   time.Second,
}

// parseDuration reads one setting; empty is unset and yields 0.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// DurationOr resolves the duration setting at path. Unset or zero means def;
// an explicit value must clear the floor registered for path.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	if min, ok := durationFloors[path]; ok && d < min {
		return 0, fmt.Errorf("%s: must be at least %s, got %s", path, min, d)
	}
	return d, nil
}
