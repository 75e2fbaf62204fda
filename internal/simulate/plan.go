package simulate

import (
	"sort"
	"strings"
	"time"

	"homedir/internal/notify"
	"homedir/internal/schedule"
)

// Request selects what a simulation covers.
type Request struct {
	Pivot         time.Time `json:"pivot"`
	IncludeEvents bool      `json:"include_events"`
	IncludeTalks  bool      `json:"include_talks"`
	IncludeBreaks bool      `json:"include_breaks"`
	// ActivityType keeps only activities of this free-form type (case-insensitive).
	ActivityType string `json:"activity_type,omitempty"`
	// UserID turns talk items into per-user items for that subscriber only.
	UserID        string `json:"user_id,omitempty"`
	RealBroadcast bool   `json:"real_broadcast,omitempty"`
}

// Item is one transition that would fire at the pivot.
type Item struct {
	ActivityID string          `json:"activity_id"`
	ParentID   string          `json:"parent_id,omitempty"`
	Kind       schedule.Kind   `json:"kind"`
	Category   notify.Category `json:"category"`
	Type       notify.Type     `json:"type"`
	UserID     string          `json:"user_id,omitempty"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
}

// PerUser reports whether the item goes through the per-user dispatcher.
func (it Item) PerUser() bool { return it.UserID != "" }

type Plan struct {
	Pivot     time.Time `json:"pivot"`
	Items     []Item    `json:"items"`
	Truncated bool      `json:"truncated"`
}

// PlanOptions carries the evaluator settings a plan has to agree with.
type PlanOptions struct {
	Windows schedule.Windows
	Zone    *time.Location
	// FinishedGrace drops FINISHED items once the pivot is this far past the
	// end, the same cut-off the live evaluators apply. 0 disables it.
	FinishedGrace time.Duration
	// MaxItems <= 0 means no cap.
	MaxItems int
}

// BuildPlan lists the transitions the live evaluators would emit at
// req.Pivot. It reads nothing but its arguments.
func BuildPlan(acts []schedule.Activity, req Request, opt PlanOptions) Plan {
	p := Plan{Pivot: req.Pivot, Items: []Item{}}
	wantType := strings.TrimSpace(req.ActivityType)
	user := strings.TrimSpace(req.UserID)

	for _, a := range acts {
		if !included(a.Kind, req) {
			continue
		}
		if wantType != "" && !strings.EqualFold(strings.TrimSpace(a.Type), wantType) {
			continue
		}
		w, err := schedule.ComputeWindow(a, opt.Zone)
		if err != nil {
			continue
		}
		t, ok := schedule.Transition(w, req.Pivot, opt.Windows)
		if !ok {
			continue
		}
		if t == notify.TypeFinished && opt.FinishedGrace > 0 && req.Pivot.Sub(w.End) >= opt.FinishedGrace {
			continue
		}
		it := Item{
			ActivityID: a.ID,
			ParentID:   a.ParentID,
			Kind:       a.Kind,
			Category:   a.Kind.Category(),
			Type:       t,
			Title:      schedule.Title(a),
			Message:    schedule.Message(a, w, t),
			Start:      w.Start,
			End:        w.End,
		}
		if a.Kind == schedule.KindTalk && user != "" {
			if !subscribed(a, user) {
				continue
			}
			it.UserID = user
		}
		p.Items = append(p.Items, it)
	}

	sort.SliceStable(p.Items, func(i, j int) bool {
		a, b := p.Items[i], p.Items[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.ActivityID != b.ActivityID {
			return a.ActivityID < b.ActivityID
		}
		return a.Category < b.Category
	})
	if opt.MaxItems > 0 && len(p.Items) > opt.MaxItems {
		p.Items = p.Items[:opt.MaxItems]
		p.Truncated = true
	}
	return p
}

func included(k schedule.Kind, req Request) bool {
	switch k {
	case schedule.KindEvent:
		return req.IncludeEvents
	case schedule.KindTalk:
		return req.IncludeTalks
	case schedule.KindBreak:
		return req.IncludeBreaks
	}
	return false
}

func subscribed(a schedule.Activity, user string) bool {
	for _, u := range schedule.Subscribers(a) {
		if u == user {
			return true
		}
	}
	return false
}
