package notify

import (
	"testing"
	"time"
)

func TestBuildDedupeKey(t *testing.T) {
	t.Parallel()
	w := 5 * time.Minute
	slotStart := time.Date(2025, 3, 1, 9, 55, 0, 0, time.UTC)

	a := BuildDedupeKey("u1", "talk-x", TypeUpcoming, slotStart.Add(time.Minute), w)
	b := BuildDedupeKey("u1", "talk-x", TypeUpcoming, slotStart.Add(2*time.Minute), w)
	if a != b {
		t.Fatal("same slot should collide")
	}
	if len(a) != 64 {
		t.Fatalf("key length = %d, want 64", len(a))
	}

	tests := []struct {
		name string
		key  string
	}{
		{name: "next slot", key: BuildDedupeKey("u1", "talk-x", TypeUpcoming, slotStart.Add(w), w)},
		{name: "other user", key: BuildDedupeKey("u2", "talk-x", TypeUpcoming, slotStart, w)},
		{name: "other talk", key: BuildDedupeKey("u1", "talk-y", TypeUpcoming, slotStart, w)},
		{name: "other type", key: BuildDedupeKey("u1", "talk-x", TypeStarted, slotStart, w)},
	}
	for _, tt := range tests {
		if tt.key == a {
			t.Fatalf("%s: key should differ", tt.name)
		}
	}

	// window <= 0 pins the slot to 0
	if BuildDedupeKey("u", "x", TypeFinished, t0, 0) != BuildDedupeKey("u", "x", TypeFinished, t0.Add(48*time.Hour), 0) {
		t.Fatal("zero window should ignore time")
	}
}

func TestDeduperSlidesOnEveryAttempt(t *testing.T) {
	t.Parallel()
	d := NewDeduper(5 * time.Minute)
	steps := []struct {
		at   time.Duration
		want bool
	}{
		{at: 0, want: false},
		{at: 4 * time.Minute, want: true},
		// 4m after the rejected attempt, 8m after the accepted one
		{at: 8 * time.Minute, want: true},
		{at: 13*time.Minute + time.Second, want: false},
	}
	for _, s := range steps {
		if got := d.Seen("k", t0.Add(s.at)); got != s.want {
			t.Fatalf("Seen at +%v = %v, want %v", s.at, got, s.want)
		}
	}
}

func TestDeduperZeroWindowNeverDedupes(t *testing.T) {
	t.Parallel()
	d := NewDeduper(0)
	if d.Seen("k", t0) || d.Seen("k", t0) {
		t.Fatal("zero window must not report duplicates")
	}
	if d.Len() != 0 {
		t.Fatalf("Len = %d, want 0", d.Len())
	}
}

func TestDeduperPrunes(t *testing.T) {
	t.Parallel()
	d := NewDeduper(time.Minute)
	d.Seen("a", t0)
	d.Seen("b", t0)
	d.Seen("c", t0.Add(2*time.Minute))
	if d.Len() != 1 {
		t.Fatalf("Len after prune = %d, want 1", d.Len())
	}
}
