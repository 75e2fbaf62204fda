package notify

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrBadCursor = errors.New("malformed cursor")

type ListOptions struct {
	UnreadOnly       bool
	Limit            int    // 0 = default 50
	Cursor           string // "createdAt-id" of the last item already seen
	IncludeDismissed bool
}

// Page is one page of a user's feed in chronological order.
type Page struct {
	Items       []Notification `json:"items"`
	NextCursor  string         `json:"next_cursor,omitempty"`
	UnreadCount int            `json:"unread_count"`
}

// Cursor encodes the position of n in a feed.
func Cursor(n Notification) string {
	return strconv.FormatInt(n.CreatedAt, 10) + "-" + n.ID
}

func parseCursor(c string) (int64, string, error) {
	c = strings.TrimSpace(c)
	if c == "" {
		return 0, "", nil
	}
	ts, id, ok := strings.Cut(c, "-")
	if !ok {
		return 0, "", ErrBadCursor
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return ms, id, nil
}

func before(a, b Notification) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// List returns the visible notifications of user after opt.Cursor.
// Expired entries are hidden; dismissed ones unless IncludeDismissed is set.
// UnreadCount covers the whole visible feed, not just the page.
func (s *Service) List(user string, opt ListOptions) (Page, error) {
	afterMs, afterID, err := parseCursor(opt.Cursor)
	if err != nil {
		return Page{}, err
	}
	limit := opt.Limit
	if limit <= 0 {
		limit = 50
	}
	nowMs := s.clock.Now().UnixMilli()

	all := s.store.Snapshot(user)
	sort.SliceStable(all, func(i, j int) bool { return before(all[i], all[j]) })

	page := Page{Items: make([]Notification, 0, min(limit, len(all)))}
	cursor := Notification{CreatedAt: afterMs, ID: afterID}
	more := false
	for _, n := range all {
		if n.Expired(nowMs) || (n.Dismissed() && !opt.IncludeDismissed) {
			continue
		}
		if n.Unread() {
			page.UnreadCount++
		}
		if opt.UnreadOnly && !n.Unread() {
			continue
		}
		if opt.Cursor != "" && !before(cursor, n) {
			continue
		}
		if len(page.Items) == limit {
			more = true
			continue
		}
		page.Items = append(page.Items, n)
	}
	if more && len(page.Items) > 0 {
		page.NextCursor = Cursor(page.Items[len(page.Items)-1])
	}
	return page, nil
}

// UnreadCount counts visible unread notifications.
func (s *Service) UnreadCount(user string) int {
	nowMs := s.clock.Now().UnixMilli()
	count := 0
	for _, n := range s.store.Snapshot(user) {
		if n.Unread() && !n.Dismissed() && !n.Expired(nowMs) {
			count++
		}
	}
	return count
}

// MarkRead sets ReadAt on one notification. It reports false for unknown or
// already-read ids.
func (s *Service) MarkRead(user, id string) bool {
	now := s.clock.Now().UnixMilli()
	changed := s.store.Update(user, id, func(n *Notification) bool {
		if n.ReadAt != nil {
			return false
		}
		n.ReadAt = &now
		return true
	})
	if changed {
		s.persistUser(user)
	}
	return changed
}

// MarkAllRead marks every unread notification of user and returns the count.
func (s *Service) MarkAllRead(user string) int {
	now := s.clock.Now().UnixMilli()
	changed := s.store.UpdateAll(user, func(n *Notification) bool {
		if n.ReadAt != nil {
			return false
		}
		n.ReadAt = &now
		return true
	})
	if changed > 0 {
		s.persistUser(user)
	}
	return changed
}

// Dismiss hides one notification from listings.
func (s *Service) Dismiss(user, id string) bool {
	now := s.clock.Now().UnixMilli()
	changed := s.store.Update(user, id, func(n *Notification) bool {
		if n.DismissedAt != nil {
			return false
		}
		n.DismissedAt = &now
		return true
	})
	if changed {
		s.persistUser(user)
	}
	return changed
}
