package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"homedir/internal/storage"
)

// seed enqueues n notifications for user one second apart.
func seed(t *testing.T, s *Service, clk interface{ Advance(time.Duration) time.Time }, user string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if got := s.Enqueue(context.Background(), talkNote(user, fmt.Sprintf("t%d", i), TypeStarted)); !got.Accepted() {
			t.Fatalf("seed %d: %v", i, got)
		}
		clk.Advance(time.Second)
	}
}

func TestListPaginates(t *testing.T) {
	t.Parallel()
	s, clk := newTestService(Config{}, &fakeLane{})
	seed(t, s, clk, "u", 5)

	var seen []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
		p, err := s.List("u", ListOptions{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if p.UnreadCount != 5 {
			t.Fatalf("unread = %d, want 5", p.UnreadCount)
		}
		for _, n := range p.Items {
			seen = append(seen, n.TalkID)
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	want := []string{"t0", "t1", "t2", "t3", "t4"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
}

func TestListBadCursor(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{}, &fakeLane{})
	for _, c := range []string{"nodash", "abc-id"} {
		if _, err := s.List("u", ListOptions{Cursor: c}); !errors.Is(err, ErrBadCursor) {
			t.Fatalf("cursor %q: err = %v, want ErrBadCursor", c, err)
		}
	}
}

func TestReadStateAndVisibility(t *testing.T) {
	t.Parallel()
	lane := &fakeLane{}
	s, clk := newTestService(Config{}, lane)
	seed(t, s, clk, "u", 4)
	items := s.Store().Snapshot("u")

	before := lane.count()
	if !s.MarkRead("u", items[0].ID) {
		t.Fatal("MarkRead returned false")
	}
	if s.MarkRead("u", items[0].ID) {
		t.Fatal("second MarkRead should report no change")
	}
	if s.MarkRead("u", "missing") {
		t.Fatal("unknown id should report false")
	}
	if lane.count() != before+1 {
		t.Fatalf("mark read submitted %d jobs, want 1", lane.count()-before)
	}
	if got := s.UnreadCount("u"); got != 3 {
		t.Fatalf("unread = %d, want 3", got)
	}

	p, _ := s.List("u", ListOptions{UnreadOnly: true})
	if len(p.Items) != 3 {
		t.Fatalf("unread-only items = %d, want 3", len(p.Items))
	}

	if !s.Dismiss("u", items[1].ID) {
		t.Fatal("Dismiss returned false")
	}
	p, _ = s.List("u", ListOptions{})
	if len(p.Items) != 3 || p.UnreadCount != 2 {
		t.Fatalf("after dismiss: %d items, %d unread", len(p.Items), p.UnreadCount)
	}
	p, _ = s.List("u", ListOptions{IncludeDismissed: true})
	if len(p.Items) != 4 {
		t.Fatalf("include dismissed: %d items, want 4", len(p.Items))
	}

	exp := clk.Now().Add(time.Minute).UnixMilli()
	s.Store().Update("u", items[2].ID, func(n *Notification) bool { n.ExpiresAt = &exp; return true })
	clk.Advance(2 * time.Minute)
	p, _ = s.List("u", ListOptions{})
	if len(p.Items) != 2 || p.UnreadCount != 1 {
		t.Fatalf("after expiry: %d items, %d unread", len(p.Items), p.UnreadCount)
	}

	// Hidden entries are marked too.
	if got := s.MarkAllRead("u"); got != 3 {
		t.Fatalf("MarkAllRead = %d, want 3", got)
	}
	if got := s.UnreadCount("u"); got != 0 {
		t.Fatalf("unread = %d, want 0", got)
	}
}

func TestRetainPurgesOldEntries(t *testing.T) {
	t.Parallel()
	lane := &fakeLane{}
	s, clk := newTestService(Config{RetentionDays: 1}, lane)
	seed(t, s, clk, "u", 2)
	clk.Advance(30 * time.Hour)
	seed(t, s, clk, "u", 1)

	before := lane.count()
	r := s.Flush(context.Background())
	if r.Purged != 2 {
		t.Fatalf("purged = %d, want 2", r.Purged)
	}
	if s.Store().Len("u") != 1 || s.Store().Total() != 1 {
		t.Fatalf("len = %d total = %d", s.Store().Len("u"), s.Store().Total())
	}
	if lane.count() != before+1 {
		t.Fatal("purge should re-persist the user")
	}
}

func TestLoadRestoresAndSeedsDedupe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lane := &fakeLane{}
	src, clk := newTestService(Config{}, lane)
	seed(t, src, clk, "alice", 3)
	seed(t, src, clk, "bob", 1)

	// Replay the lane into a memory store the way the worker would.
	mem := storage.NewMemory()
	for i := 0; i < lane.count(); i++ {
		lane.mu.Lock()
		j := lane.jobs[i]
		lane.mu.Unlock()
		if err := mem.PutUser(ctx, j.UserID, j.Body); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}

	dst, dclk := newTestService(Config{UserCap: 2}, &fakeLane{})
	dclk.Set(clk.Now())
	users, err := dst.Load(ctx, mem)
	if err != nil || users != 2 {
		t.Fatalf("Load = %d, %v", users, err)
	}
	if dst.Store().Len("alice") != 2 || dst.Store().Len("bob") != 1 {
		t.Fatalf("alice=%d bob=%d", dst.Store().Len("alice"), dst.Store().Len("bob"))
	}
	if dst.Store().Total() != 3 {
		t.Fatalf("total = %d, want 3", dst.Store().Total())
	}
	dclk.Set(clk.Now().Add(-time.Second))
	if got := dst.Enqueue(ctx, talkNote("bob", "t0", TypeStarted)); got != OutcomeDroppedDuplicate {
		t.Fatalf("reloaded key should dedupe, got %v", got)
	}
}
