package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "homedir/pkg/logx"

	"github.com/robfig/cron/v3"
)

var ErrUnknownEntry = errors.New("scheduler: unknown entry")

type Job func(ctx context.Context) error

type entry struct {
	name    string
	trigger Trigger
	timeout time.Duration
	job     Job
	wrapped cron.Job
	id      cron.EntryID

	runs   atomic.Uint64
	fails  atomic.Uint64
	lastMs atomic.Int64
}

type EntryInfo struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastRun  time.Time `json:"last_run,omitempty"`
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a stopped scheduler. loc nil means time.Local.
func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:     log.With(logx.String("comp", "scheduler")),
		loc:     loc,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
		ctx:     context.Background(),
	}
}

// Add registers (or replaces) a named entry. Replacing keeps the run
// counters. timeout <= 0 runs the job without a deadline.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil {
		return errors.New("scheduler: name and job required")
	}
	tr, err := ParseTrigger(schedule)
	if err != nil {
		return err
	}
	if tr.Every == 0 {
		if _, err := s.parser.Parse(tr.Cron); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[name]
	if e == nil {
		e = &entry{name: name}
		s.entries[name] = e
	} else if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
		e.id = 0
	}
	e.trigger, e.timeout, e.job = tr, timeout, job
	e.wrapped = s.wrap(e)
	if s.c != nil {
		return s.scheduleLocked(e)
	}
	return nil
}

// wrap builds the chained cron job for e: overlapping runs skipped, panics
// recovered inside the skip guard so its token is always handed back.
func (s *Service) wrap(e *entry) cron.Job {
	logger := cronLogger{log: s.log.With(logx.String("entry", e.name))}
	return cron.NewChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)).Then(cron.FuncJob(func() {
		s.run(e)
	}))
}

func (s *Service) run(e *entry) {
	s.mu.Lock()
	parent, job, timeout := s.ctx, e.job, e.timeout
	s.mu.Unlock()
	if parent.Err() != nil {
		return
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	}
	defer cancel()

	start := time.Now()
	e.runs.Add(1)
	e.lastMs.Store(start.UnixMilli())
	defer func() {
		if r := recover(); r != nil {
			e.fails.Add(1)
			s.log.Error("scheduled run panicked", logx.String("entry", e.name), logx.Any("panic", r))
		}
	}()
	if err := job(ctx); err != nil {
		e.fails.Add(1)
		s.log.Warn("scheduled run failed", logx.String("entry", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Trace("scheduled run finished", logx.String("entry", e.name), logx.Duration("took", time.Since(start)))
}

func (s *Service) scheduleLocked(e *entry) error {
	if e.trigger.Every > 0 {
		e.id = s.c.Schedule(cron.Every(e.trigger.Every), e.wrapped)
		return nil
	}
	id, err := s.c.AddJob(e.trigger.Cron, e.wrapped)
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

// Remove drops a named entry.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
	}
	delete(s.entries, name)
	return true
}

// RunNow triggers a named entry synchronously through the same
// single-flight chain as its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownEntry
	}
	e.wrapped.Run()
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		if err := s.scheduleLocked(e); err != nil {
			s.log.Warn("entry not scheduled", logx.String("entry", e.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
}

// Stop halts triggering, cancels in-flight runs and waits for them until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, e := range s.entries {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	if cancel != nil {
		cancel()
	}
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		it := EntryInfo{
			Name:     e.name,
			Spec:     e.trigger.Spec(),
			Runs:     e.runs.Load(),
			Failures: e.fails.Load(),
		}
		if ms := e.lastMs.Load(); ms > 0 {
			it.LastRun = time.UnixMilli(ms)
		}
		if s.c != nil && e.id != 0 {
			ce := s.c.Entry(e.id)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's chain logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
