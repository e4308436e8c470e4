package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// normalizeSpec turns a schedule string into something the cron parser
// accepts. Cron expressions and descriptors pass through; "55m" and "02:30"
// become "@every" descriptors.
func normalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return "", fmt.Errorf("schedule required")
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return s, nil
	}

	var d time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("invalid minutes in %q", raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return "", fmt.Errorf("invalid schedule %q (use cron like '0 * * * *', HH:MM like '02:30', or a duration like '55m')", raw)
		}
	}
	if d <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return "@every " + d.String(), nil
}
