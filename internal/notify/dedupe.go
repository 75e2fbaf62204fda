package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BuildDedupeKey fingerprints (subject, activity, type, slot) into a 64-char hex key.
//
// slot = floor(at / window); a non-positive window uses slot 0. Two attempts in
// the same slot collide; attempts on either side of a slot boundary do not.
func BuildDedupeKey(subject, activity string, t Type, at time.Time, window time.Duration) string {
	var slot int64
	if w := window.Milliseconds(); w > 0 {
		ms := at.UnixMilli()
		slot = ms / w
		if ms < 0 && ms%w != 0 {
			slot--
		}
	}
	var b strings.Builder
	b.Grow(len(subject) + len(activity) + 32)
	b.WriteString(subject)
	b.WriteByte('|')
	b.WriteString(activity)
	b.WriteByte('|')
	b.WriteString(t.String())
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(slot, 10))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Deduper remembers the last attempt per key.
//
// Every call to Seen moves the key's last-seen instant forward, including
// calls that report a duplicate, so the window slides with repeated attempts.
type Deduper struct {
	mu        sync.Mutex
	window    time.Duration
	seen      map[string]int64 // unix milli
	lastPrune int64
}

func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{window: window, seen: map[string]int64{}}
}

func (d *Deduper) SetWindow(w time.Duration) {
	d.mu.Lock()
	d.window = w
	d.mu.Unlock()
}

// Seen reports whether key was attempted within the window before now and
// records now as its last attempt.
func (d *Deduper) Seen(key string, now time.Time) bool {
	ms := now.UnixMilli()
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.window.Milliseconds()
	if w <= 0 {
		return false
	}
	last, ok := d.seen[key]
	d.seen[key] = ms
	d.pruneLocked(ms, w)
	return ok && ms-last < w
}

// Remember records an attempt without checking it (used after a reload).
func (d *Deduper) Remember(key string, at time.Time) {
	if key == "" {
		return
	}
	ms := at.UnixMilli()
	d.mu.Lock()
	if last, ok := d.seen[key]; !ok || ms > last {
		d.seen[key] = ms
	}
	d.mu.Unlock()
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduper) Reset() {
	d.mu.Lock()
	d.seen = map[string]int64{}
	d.lastPrune = 0
	d.mu.Unlock()
}

// pruneLocked drops stale entries at most once per window.
func (d *Deduper) pruneLocked(now, w int64) {
	if now-d.lastPrune < w {
		return
	}
	d.lastPrune = now
	for k, at := range d.seen {
		if now-at >= w {
			delete(d.seen, k)
		}
	}
}
