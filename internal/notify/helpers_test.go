package notify

import (
	"context"
	"sync"
	"time"

	"homedir/internal/clock"
	"homedir/internal/persist"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeLane records jobs; full makes every Submit fail with ErrQueueFull.
type fakeLane struct {
	mu      sync.Mutex
	jobs    []persist.Job
	full    bool
	pending int
}

func (l *fakeLane) Submit(j persist.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return persist.ErrQueueFull
	}
	l.jobs = append(l.jobs, j)
	return nil
}

func (l *fakeLane) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *fakeLane) setFull(v bool) {
	l.mu.Lock()
	l.full = v
	l.mu.Unlock()
}

func (l *fakeLane) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

func (l *fakeLane) last() persist.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.jobs[len(l.jobs)-1]
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent map[string]int
	all  int
}

func (p *recordingPublisher) Send(_ context.Context, user string, _ []byte) (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == nil {
		p.sent = map[string]int{}
	}
	p.sent[user]++
	return 1, 0
}

func (p *recordingPublisher) Broadcast(context.Context, []byte) (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all++
	return 1, 0
}

func newTestService(cfg Config, lane Lane) (*Service, *clock.Fixed) {
	clk := clock.NewFixed(t0)
	if !cfg.Enabled {
		cfg.Enabled = true
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	return New(cfg, lane, WithClock(clk)), clk
}

func talkNote(user, talk string, t Type) Notification {
	return Notification{UserID: user, TalkID: talk, Type: t, Title: talk, Message: t.String()}
}
