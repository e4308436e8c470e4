package scheduler

import (
	"time"

	"relaybot/internal/storage"
)

// Decision is the outcome of the due check for one task at one instant.
type Decision int

const (
	Due Decision = iota
	// NotStarted: now is before the task's start time.
	NotStarted
	// Expired: now is past the task's end time; the task should complete.
	Expired
	// NotYet: the repetition interval has not elapsed since the last run.
	NotYet
)

func (d Decision) String() string {
	switch d {
	case Due:
		return "due"
	case NotStarted:
		return "not_started"
	case Expired:
		return "expired"
	case NotYet:
		return "not_yet"
	default:
		return "unknown"
	}
}

// IsDue depends only on its arguments. Zero times and a zero interval mean
// "unset".
func IsDue(t storage.Task, now time.Time) Decision {
	if !t.StartAt.IsZero() && now.Before(t.StartAt) {
		return NotStarted
	}
	if !t.EndAt.IsZero() && now.After(t.EndAt) {
		return Expired
	}
	if !t.LastRun.IsZero() && t.IntervalMinutes > 0 && now.Before(t.LastRun.Add(t.Interval())) {
		return NotYet
	}
	return Due
}
