package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Trigger is a parsed schedule string: either a cron expression or a fixed
// interval.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */10 * * * *", "@hourly", "@every 30s"
//   - Go duration: "10s", "2m30s"
//   - HH:MM interval: "00:05" (five minutes)
//
// A "cron:" or "every:" prefix forces the interpretation.
type Trigger struct {
	Cron  string
	Every time.Duration
}

// Spec renders the trigger as a cron spec.
func (t Trigger) Spec() string {
	if t.Every > 0 {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseTrigger(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Trigger{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Trigger{Cron: expr}, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseEvery(s[len("every:"):])
		return Trigger{Every: d}, err
	case strings.HasPrefix(low, "@every"):
		d, err := parseEvery(s[len("@every"):])
		return Trigger{Every: d}, err
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Trigger{Cron: s}, nil
	}
	d, err := parseEvery(s)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or a duration like '30s')", raw)
	}
	return Trigger{Every: d}, nil
}

func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
