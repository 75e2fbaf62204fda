package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"homedir/internal/notify"
)

// StartLayout is the wall-clock layout of Activity.Start.
const StartLayout = "2006-01-02T15:04"

// ErrMalformed marks an activity that cannot be placed on the timeline.
var ErrMalformed = errors.New("malformed activity")

type Kind string

const (
	KindTalk  Kind = "talk"
	KindBreak Kind = "break"
	KindEvent Kind = "event"
)

// Activity is one tracked schedule entry. Start is local to TimeZone (or the
// evaluator default when empty).
type Activity struct {
	ID              string   `json:"id" yaml:"id"`
	ParentID        string   `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Kind            Kind     `json:"kind" yaml:"kind"`
	Type            string   `json:"type,omitempty" yaml:"type,omitempty"`
	Title           string   `json:"title" yaml:"title"`
	Start           string   `json:"start" yaml:"start"`
	DurationMinutes int      `json:"duration_minutes" yaml:"duration_minutes"`
	TimeZone        string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Subscribers     []string `json:"subscribers,omitempty" yaml:"subscribers,omitempty"`
}

// Window is the resolved [Start, End) interval of an activity.
type Window struct {
	Start time.Time
	End   time.Time
}

// Windows are the lead and tail lengths used to classify a position.
type Windows struct {
	Upcoming   time.Duration
	EndingSoon time.Duration
}

// ComputeWindow resolves a's start and end instants.
func ComputeWindow(a Activity, defaultZone *time.Location) (Window, error) {
	if strings.TrimSpace(a.Start) == "" {
		return Window{}, fmt.Errorf("%w: %s: missing start", ErrMalformed, a.ID)
	}
	if a.DurationMinutes <= 0 {
		return Window{}, fmt.Errorf("%w: %s: duration must be > 0", ErrMalformed, a.ID)
	}
	loc := defaultZone
	if tz := strings.TrimSpace(a.TimeZone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("%w: %s: timezone %q: %v", ErrMalformed, a.ID, tz, err)
		}
		loc = l
	}
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(StartLayout, strings.TrimSpace(a.Start), loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: %s: start %q: %v", ErrMalformed, a.ID, a.Start, err)
	}
	return Window{Start: start, End: start.Add(time.Duration(a.DurationMinutes) * time.Minute)}, nil
}

// Transition classifies now against w. The second result is false before the
// upcoming window opens.
func Transition(w Window, now time.Time, win Windows) (notify.Type, bool) {
	switch {
	case !now.Before(w.End):
		return notify.TypeFinished, true
	case win.EndingSoon > 0 && !now.Before(w.End.Add(-win.EndingSoon)):
		return notify.TypeEndingSoon, true
	case !now.Before(w.Start):
		return notify.TypeStarted, true
	case win.Upcoming > 0 && !now.Before(w.Start.Add(-win.Upcoming)):
		return notify.TypeUpcoming, true
	}
	return 0, false
}

// Category maps an activity kind to its global category.
func (k Kind) Category() notify.Category {
	switch k {
	case KindTalk:
		return notify.CategoryTalk
	case KindBreak:
		return notify.CategoryBreak
	default:
		return notify.CategoryEvent
	}
}

func (k Kind) Valid() bool {
	return k == KindTalk || k == KindBreak || k == KindEvent
}
