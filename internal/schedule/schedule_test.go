package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"homedir/internal/clock"
	"homedir/internal/notify"
	logx "homedir/pkg/logx"
)

var fiveMin = Windows{Upcoming: 5 * time.Minute, EndingSoon: 5 * time.Minute}

func at(hh, mm int) time.Time { return time.Date(2025, 3, 1, hh, mm, 0, 0, time.UTC) }

func talkX(subs ...string) Activity {
	return Activity{ID: "x", ParentID: "conf", Kind: KindTalk, Title: "Talk X", Start: "2025-03-01T10:00", DurationMinutes: 60, TimeZone: "UTC", Subscribers: subs}
}

func TestTransition(t *testing.T) {
	t.Parallel()
	w, err := ComputeWindow(talkX(), nil)
	if err != nil {
		t.Fatalf("ComputeWindow: %v", err)
	}
	tests := []struct {
		now  time.Time
		want notify.Type
		ok   bool
	}{
		{now: at(9, 50), ok: false},
		{now: at(9, 55), want: notify.TypeUpcoming, ok: true},
		{now: at(9, 57).Add(30 * time.Second), want: notify.TypeUpcoming, ok: true},
		{now: at(10, 0), want: notify.TypeStarted, ok: true},
		{now: at(10, 54), want: notify.TypeStarted, ok: true},
		{now: at(10, 55), want: notify.TypeEndingSoon, ok: true},
		{now: at(10, 57).Add(30 * time.Second), want: notify.TypeEndingSoon, ok: true},
		{now: at(11, 0), want: notify.TypeFinished, ok: true},
		{now: at(13, 0), want: notify.TypeFinished, ok: true},
	}
	for _, tt := range tests {
		got, ok := Transition(w, tt.now, fiveMin)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Transition(%s) = %v, %v; want %v, %v", tt.now.Format("15:04:05"), got, ok, tt.want, tt.ok)
		}
	}

	if _, ok := Transition(w, at(9, 59), Windows{}); ok {
		t.Error("zero upcoming window should not report UPCOMING")
	}
}

func TestComputeWindow(t *testing.T) {
	t.Parallel()
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	w, err := ComputeWindow(Activity{ID: "a", Start: "2025-03-01T10:00", DurationMinutes: 30}, berlin)
	if err != nil {
		t.Fatalf("ComputeWindow: %v", err)
	}
	if !w.Start.Equal(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)) || w.End.Sub(w.Start) != 30*time.Minute {
		t.Fatalf("window = %v .. %v", w.Start, w.End)
	}

	bad := []Activity{
		{ID: "no-start", DurationMinutes: 10},
		{ID: "no-duration", Start: "2025-03-01T10:00"},
		{ID: "bad-start", Start: "10:00", DurationMinutes: 10},
		{ID: "bad-zone", Start: "2025-03-01T10:00", DurationMinutes: 10, TimeZone: "Nowhere/City"},
	}
	for _, a := range bad {
		if _, err := ComputeWindow(a, time.UTC); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", a.ID, err)
		}
	}
}

func TestTalkScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFixed(at(9, 56))
	svc := notify.New(notify.Config{Enabled: true, DedupeWindow: 5 * time.Minute}, nil, notify.WithClock(clk))
	ev := NewTalkEvaluator(NewStaticProvider([]Activity{talkX("U")}), svc,
		Config{Enabled: true, Windows: fiveMin}, WithClock(clk))

	steps := []struct {
		at   time.Time
		want notify.Outcome
	}{
		{at: at(9, 56), want: notify.OutcomeAcceptedVolatile},
		{at: at(9, 57), want: notify.OutcomeDroppedDuplicate},
		{at: at(10, 0), want: notify.OutcomeAcceptedVolatile},
		{at: at(10, 56), want: notify.OutcomeAcceptedVolatile},
		{at: at(11, 0), want: notify.OutcomeAcceptedVolatile},
	}
	for _, s := range steps {
		clk.Set(s.at)
		rep, err := ev.Tick(ctx)
		if err != nil {
			t.Fatalf("tick %s: %v", s.at.Format("15:04"), err)
		}
		if rep.Evaluated != 1 || rep.Outcomes[s.want] != 1 {
			t.Fatalf("tick %s: report = %+v, want one %v", s.at.Format("15:04"), rep, s.want)
		}
	}

	page, err := svc.List("U", notify.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []notify.Type{notify.TypeUpcoming, notify.TypeStarted, notify.TypeEndingSoon, notify.TypeFinished}
	if len(page.Items) != len(want) {
		t.Fatalf("items = %d, want %d", len(page.Items), len(want))
	}
	for i, n := range page.Items {
		if n.Type != want[i] || n.TalkID != "x" {
			t.Fatalf("items[%d] = %v/%s, want %v/x", i, n.Type, n.TalkID, want[i])
		}
	}
}

func TestTalkScenarioAtTickCadence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := at(9, 54)
	clk := clock.NewFixed(start)
	svc := notify.New(notify.Config{Enabled: true, DedupeWindow: 5 * time.Minute}, nil, notify.WithClock(clk))
	ev := NewTalkEvaluator(NewStaticProvider([]Activity{talkX("U")}), svc,
		Config{Enabled: true, Windows: fiveMin, FinishedGrace: 10 * time.Minute}, WithClock(clk))

	for now := start; !now.After(at(11, 15)); now = now.Add(15 * time.Second) {
		clk.Set(now)
		if _, err := ev.Tick(ctx); err != nil {
			t.Fatalf("tick %s: %v", now.Format("15:04:05"), err)
		}
	}

	page, err := svc.List("U", notify.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := map[notify.Type]int{}
	for _, n := range page.Items {
		got[n.Type]++
	}
	want := map[notify.Type]int{notify.TypeUpcoming: 1, notify.TypeStarted: 1, notify.TypeEndingSoon: 1, notify.TypeFinished: 1}
	if len(got) != len(want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	for typ, n := range want {
		if got[typ] != n {
			t.Fatalf("types = %v, want %v", got, want)
		}
	}
}

type panicky struct {
	mu   sync.Mutex
	seen []string
}

func (p *panicky) Enqueue(_ context.Context, n notify.Notification) notify.Outcome {
	if n.UserID == "boom" {
		panic("dispatcher exploded")
	}
	p.mu.Lock()
	p.seen = append(p.seen, n.UserID)
	p.mu.Unlock()
	return notify.OutcomeAcceptedPersisted
}

func TestTickIsolatesFailures(t *testing.T) {
	t.Parallel()
	acts := []Activity{
		{ID: "a", Kind: KindTalk, Start: "2025-03-01T10:00", DurationMinutes: 30, Subscribers: []string{"boom"}},
		{ID: "missing-start", Kind: KindTalk, DurationMinutes: 30, Subscribers: []string{"u"}},
		{ID: "b", Kind: KindTalk, Start: "2025-03-01T10:00", DurationMinutes: 30, Subscribers: []string{"u", "u", " "}},
		{ID: "break", Kind: KindBreak, Start: "2025-03-01T10:00", DurationMinutes: 30},
	}
	d := &panicky{}
	ev := NewTalkEvaluator(NewStaticProvider(acts), d, Config{Enabled: true, Windows: fiveMin},
		WithClock(clock.NewFixed(at(10, 5))))

	rep, err := ev.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Evaluated != 2 || rep.Skipped != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(d.seen) != 1 || d.seen[0] != "u" {
		t.Fatalf("enqueued = %v, want [u]", d.seen)
	}
	if ev.Last().Failed != 1 {
		t.Fatal("Last should hold the latest report")
	}
}

type recordingBroadcaster struct {
	got []notify.GlobalNotification
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, g notify.GlobalNotification) notify.Outcome {
	r.got = append(r.got, g)
	return notify.OutcomeAcceptedPersisted
}

func TestBreakAndEventEvaluators(t *testing.T) {
	t.Parallel()
	acts := []Activity{
		{ID: "coffee", ParentID: "conf", Kind: KindBreak, Title: "Coffee", Start: "2025-03-01T10:30", DurationMinutes: 15, TimeZone: "UTC"},
		{ID: "conf", Kind: KindEvent, Title: "Conf", Start: "2025-03-01T09:00", DurationMinutes: 480, TimeZone: "UTC"},
		talkX("u"),
	}
	clk := clock.NewFixed(at(10, 27))
	p := NewStaticProvider(acts)
	cfg := Config{Enabled: true, Windows: fiveMin}

	rb := &recordingBroadcaster{}
	if _, err := NewBreakEvaluator(p, rb, cfg, WithClock(clk)).Tick(context.Background()); err != nil {
		t.Fatalf("break tick: %v", err)
	}
	if len(rb.got) != 1 || rb.got[0].Type != notify.TypeUpcoming || rb.got[0].Category != notify.CategoryBreak || rb.got[0].EventID != "coffee" {
		t.Fatalf("break broadcasts = %+v", rb.got)
	}

	re := &recordingBroadcaster{}
	if _, err := NewEventEvaluator(p, re, cfg, WithClock(clk)).Tick(context.Background()); err != nil {
		t.Fatalf("event tick: %v", err)
	}
	if len(re.got) != 1 || re.got[0].Type != notify.TypeStarted || re.got[0].Category != notify.CategoryEvent {
		t.Fatalf("event broadcasts = %+v", re.got)
	}
}

func TestFinishedGraceAndDisabled(t *testing.T) {
	t.Parallel()
	rb := &recordingBroadcaster{}
	clk := clock.NewFixed(at(12, 0))
	p := NewStaticProvider([]Activity{{ID: "b", Kind: KindBreak, Start: "2025-03-01T10:00", DurationMinutes: 30}})
	ev := NewBreakEvaluator(p, rb, Config{Enabled: true, Windows: fiveMin, FinishedGrace: time.Hour}, WithClock(clk))

	ev.Tick(context.Background())
	if len(rb.got) != 0 {
		t.Fatalf("FINISHED past grace was broadcast: %+v", rb.got)
	}
	ev.Apply(Config{Enabled: true, Windows: fiveMin})
	ev.Tick(context.Background())
	if len(rb.got) != 1 || rb.got[0].Type != notify.TypeFinished {
		t.Fatalf("zero grace should keep FINISHED: %+v", rb.got)
	}
	ev.Apply(Config{Enabled: false, Windows: fiveMin})
	if rep, _ := ev.Tick(context.Background()); rep.Evaluated != 0 || len(rb.got) != 1 {
		t.Fatalf("disabled evaluator ran: %+v", rep)
	}
}

func TestFileProviderReloads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.yaml")
	write := func(body string, mtime time.Time) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	ctx := context.Background()
	p := NewFileProvider(path, logx.Nop())

	if _, err := p.Activities(ctx); err == nil {
		t.Fatal("missing file should fail before the first load")
	}

	write("activities:\n  - id: a\n    kind: talk\n    start: \"2025-03-01T10:00\"\n    duration_minutes: 30\n", at(8, 0))
	list, err := p.Activities(ctx)
	if err != nil || len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("first load = %+v, %v", list, err)
	}

	write(`{"activities":[{"id":"a","kind":"talk"},{"id":"b","kind":"break"}]}`, at(8, 1))
	list, err = p.Activities(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("json reload = %+v, %v", list, err)
	}

	write("activities:\n  - id: a\n    bogus: 1\n", at(8, 2))
	list, err = p.Activities(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("bad reload should keep last good copy: %+v, %v", list, err)
	}
}
