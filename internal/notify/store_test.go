package notify

import (
	"fmt"
	"sync"
	"testing"
)

func TestStoreAppendEvictsFIFO(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for i := 0; i < 5; i++ {
		s.Append("u", Notification{ID: fmt.Sprint(i)}, 3)
	}
	got := s.Snapshot("u")
	if len(got) != 3 || got[0].ID != "2" || got[2].ID != "4" {
		t.Fatalf("queue = %+v", got)
	}
	if s.Total() != 3 {
		t.Fatalf("total = %d", s.Total())
	}
}

func TestStoreTotalUnderConcurrency(t *testing.T) {
	t.Parallel()
	s := NewStore()
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", w%3)
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("%d-%d", w, i)
				s.TryAppend(user, Notification{ID: id, CreatedAt: int64(i)}, 10, 25, true)
				if i%7 == 0 {
					s.Remove(user, id)
				}
				if i%50 == 0 {
					s.PurgeOlderThan(int64(i - 5))
				}
			}
		}(w)
	}
	wg.Wait()

	sum := 0
	for _, u := range s.Users() {
		sum += s.Len(u)
	}
	if sum != s.Total() {
		t.Fatalf("total = %d, sum = %d", s.Total(), sum)
	}
	if s.Total() > 25 {
		t.Fatalf("total %d exceeds global cap", s.Total())
	}
}

func TestStoreUpdateAndList(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for i := 0; i < 4; i++ {
		s.Append("u", Notification{ID: fmt.Sprint(i)}, 0)
	}
	at := int64(1)
	if !s.Update("u", "1", func(n *Notification) bool { n.ReadAt = &at; return true }) {
		t.Fatal("Update returned false")
	}
	if s.Update("u", "nope", func(*Notification) bool { return true }) {
		t.Fatal("Update on a missing id returned true")
	}
	if got := s.List("u", true, 0); len(got) != 3 {
		t.Fatalf("unread list = %d, want 3", len(got))
	}
	got := s.List("u", false, 2)
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "3" {
		t.Fatalf("limited list = %+v", got)
	}
	s.Clear()
	if s.Total() != 0 || len(s.Users()) != 0 {
		t.Fatal("Clear left entries")
	}
}

func TestStoreRollbackRestoresEvicted(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Append("u", Notification{ID: "a"}, 2)
	s.Append("u", Notification{ID: "b"}, 2)

	ok, evicted := s.TryAppend("u", Notification{ID: "c"}, 2, 0, true)
	if !ok || len(evicted) != 1 || evicted[0].ID != "a" {
		t.Fatalf("ok=%v evicted=%+v", ok, evicted)
	}
	s.Rollback("u", "c", evicted)

	got := s.Snapshot("u")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("queue = %+v", got)
	}
	if s.Total() != 2 {
		t.Fatalf("total = %d", s.Total())
	}
}
