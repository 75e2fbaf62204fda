package notify

import "sync"

// Store holds one bounded queue per user plus the running total.
//
// Queues append at the tail and evict from the head. The total always equals
// the sum of queue lengths; bulk mutations recompute it instead of adjusting it.
type Store struct {
	mu     sync.Mutex
	queues map[string][]Notification
	total  int
}

func NewStore() *Store {
	return &Store{queues: map[string][]Notification{}}
}

func (s *Store) queueLocked(user string) []Notification {
	q, ok := s.queues[user]
	if !ok {
		q = make([]Notification, 0, 8)
		s.queues[user] = q
	}
	return q
}

func (s *Store) recomputeLocked() {
	total := 0
	for _, q := range s.queues {
		total += len(q)
	}
	s.total = total
}

// Append adds n to the user's queue and evicts from the head while the queue
// is longer than userCap (0 = unbounded). It returns the number evicted.
func (s *Store) Append(user string, n Notification, userCap int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appendLocked(user, n, userCap))
}

func (s *Store) appendLocked(user string, n Notification, userCap int) []Notification {
	q := append(s.queueLocked(user), n)
	var evicted []Notification
	if userCap > 0 && len(q) > userCap {
		cut := len(q) - userCap
		evicted = append([]Notification(nil), q[:cut]...)
		q = append(q[:0:0], q[cut:]...)
	}
	s.queues[user] = q
	s.total += 1 - len(evicted)
	return evicted
}

// TryAppend appends only when the caps allow it, atomically with the checks.
// A user at userCap is refused unless evict is set; the global cap refuses
// when the append would grow the total past globalCap. The evicted entries
// are returned oldest first so a failed enqueue can hand them to Rollback.
func (s *Store) TryAppend(user string, n Notification, userCap, globalCap int, evict bool) (ok bool, evicted []Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := len(s.queues[user])
	atUserCap := userCap > 0 && l >= userCap
	if atUserCap && !evict {
		return false, nil
	}
	if globalCap > 0 && s.total >= globalCap && !atUserCap {
		return false, nil
	}
	return true, s.appendLocked(user, n, userCap)
}

// Rollback undoes a TryAppend: id is removed and evicted is put back at the
// head of the user's queue.
func (s *Store) Rollback(user, id string, evicted []Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[user]
	for i := len(q) - 1; i >= 0; i-- {
		if q[i].ID == id {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(evicted) > 0 {
		q = append(append(make([]Notification, 0, len(evicted)+len(q)), evicted...), q...)
	}
	s.queues[user] = q
	s.recomputeLocked()
}

// List returns up to limit (0 = all) of the newest entries in insertion order.
func (s *Store) List(user string, unreadOnly bool, limit int) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[user]
	out := make([]Notification, 0, len(q))
	for _, n := range q {
		if unreadOnly && !n.Unread() {
			continue
		}
		out = append(out, n)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Snapshot copies the user's queue.
func (s *Store) Snapshot(user string) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.queues[user]...)
}

// Replace swaps the user's queue wholesale. An empty list removes the user.
func (s *Store) Replace(user string, list []Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(list) == 0 {
		delete(s.queues, user)
	} else {
		s.queues[user] = append([]Notification(nil), list...)
	}
	s.recomputeLocked()
}

// Remove deletes one entry by id (append rollback, eviction of a single entry).
func (s *Store) Remove(user, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[user]
	for i := len(q) - 1; i >= 0; i-- {
		if q[i].ID == id {
			s.queues[user] = append(q[:i:i], q[i+1:]...)
			s.total--
			return true
		}
	}
	return false
}

// Update applies fn to the entry with id; fn reports whether it changed anything.
func (s *Store) Update(user, id string, fn func(*Notification) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[user]
	for i := range q {
		if q[i].ID == id {
			return fn(&q[i])
		}
	}
	return false
}

// UpdateAll applies fn to every entry of the user and returns how many changed.
func (s *Store) UpdateAll(user string, fn func(*Notification) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	q := s.queues[user]
	for i := range q {
		if fn(&q[i]) {
			changed++
		}
	}
	return changed
}

// PurgeOlderThan removes entries created before cutoff (epoch millis) and
// returns the removed count per affected user.
func (s *Store) PurgeOlderThan(cutoff int64) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := map[string]int{}
	for user, q := range s.queues {
		kept := q[:0:0]
		for _, n := range q {
			if n.CreatedAt < cutoff {
				continue
			}
			kept = append(kept, n)
		}
		if d := len(q) - len(kept); d > 0 {
			removed[user] = d
			if len(kept) == 0 {
				delete(s.queues, user)
			} else {
				s.queues[user] = kept
			}
		}
	}
	s.recomputeLocked()
	return removed
}

// Clear drops everything.
func (s *Store) Clear() {
	s.mu.Lock()
	s.queues = map[string][]Notification{}
	s.total = 0
	s.mu.Unlock()
}

func (s *Store) Len(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[user])
}

func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Store) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queues))
	for u := range s.queues {
		out = append(out, u)
	}
	return out
}
