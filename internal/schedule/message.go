package schedule

import (
	"fmt"

	"homedir/internal/notify"
)

// Message renders the human text for t. Times are shown in the activity zone.
func Message(a Activity, w Window, t notify.Type) string {
	title := a.Title
	if title == "" {
		title = a.ID
	}
	switch t {
	case notify.TypeUpcoming:
		return fmt.Sprintf("%s starts at %s", title, w.Start.Format("15:04"))
	case notify.TypeStarted:
		return fmt.Sprintf("%s has started", title)
	case notify.TypeEndingSoon:
		return fmt.Sprintf("%s ends at %s", title, w.End.Format("15:04"))
	case notify.TypeFinished:
		return fmt.Sprintf("%s has finished", title)
	default:
		return title
	}
}

// Title prefixes the activity title with its kind for global feeds.
func Title(a Activity) string {
	name := a.Title
	if name == "" {
		name = a.ID
	}
	switch a.Kind {
	case KindBreak:
		return "Break: " + name
	case KindEvent:
		return name
	}
	if a.Type != "" {
		return fmt.Sprintf("%s (%s)", name, a.Type)
	}
	return name
}
