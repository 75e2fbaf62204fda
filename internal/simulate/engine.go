package simulate

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"homedir/internal/clock"
	"homedir/internal/notify"
	"homedir/internal/schedule"
	logx "homedir/pkg/logx"
)

var ErrNoProvider = errors.New("simulate: no schedule provider")

type Config struct {
	AllowRealBroadcast bool
	MaxPlanSize        int
	PaceInterval       time.Duration
	Windows            schedule.Windows
	Zone               *time.Location
	FinishedGrace      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPlanSize <= 0 {
		c.MaxPlanSize = 500
	}
	if c.PaceInterval <= 0 {
		c.PaceInterval = 2 * time.Second
	}
	return c
}

func (c Config) planOptions() PlanOptions {
	return PlanOptions{Windows: c.Windows, Zone: c.Zone, FinishedGrace: c.FinishedGrace, MaxItems: c.MaxPlanSize}
}

// Result pairs a planned item with what the live path did with it.
type Result struct {
	Item    Item           `json:"item"`
	Outcome notify.Outcome `json:"outcome"`
	Test    bool           `json:"test"`
}

type Engine struct {
	mu  sync.RWMutex
	cfg Config

	provider schedule.Provider
	dispatch schedule.Enqueuer
	global   schedule.Broadcaster
	clock    clock.Clock
	log      logx.Logger
}

func NewEngine(cfg Config, p schedule.Provider, d schedule.Enqueuer, g schedule.Broadcaster, clk clock.Clock, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		provider: p,
		dispatch: d,
		global:   g,
		clock:    clock.Or(clk),
		log:      log.With(logx.String("comp", "simulate")),
	}
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// DryRun returns the plan for req without touching live state.
func (e *Engine) DryRun(ctx context.Context, req Request) (Plan, error) {
	if e.provider == nil {
		return Plan{}, ErrNoProvider
	}
	acts, err := e.provider.Activities(ctx)
	if err != nil {
		return Plan{}, err
	}
	if req.Pivot.IsZero() {
		req.Pivot = e.clock.Now()
	}
	cfg := e.config()
	return BuildPlan(acts, req, cfg.planOptions()), nil
}

// Execute plans req and fires every item immediately, in plan order.
func (e *Engine) Execute(ctx context.Context, req Request) (Plan, []Result, error) {
	plan, err := e.DryRun(ctx, req)
	if err != nil {
		return Plan{}, nil, err
	}
	live := e.realBroadcast(req)
	out := make([]Result, 0, len(plan.Items))
	for _, it := range plan.Items {
		if ctx.Err() != nil {
			break
		}
		out = append(out, e.fire(ctx, it, plan.Pivot, live))
	}
	e.log.Info("simulation executed",
		logx.Time("pivot", plan.Pivot),
		logx.Int("items", len(plan.Items)),
		logx.Int("fired", len(out)),
		logx.Bool("live", live),
	)
	return plan, out, nil
}

func (e *Engine) realBroadcast(req Request) bool {
	return req.RealBroadcast && e.config().AllowRealBroadcast
}

// fire sends one item through the live path.
func (e *Engine) fire(ctx context.Context, it Item, pivot time.Time, live bool) Result {
	res := Result{Item: it, Test: !live}
	tag := "test:" + it.Type.String() + ":" + it.ActivityID + "@" + strconv.FormatInt(pivot.UnixMilli(), 10)

	if it.PerUser() {
		if e.dispatch == nil {
			res.Outcome = notify.OutcomeError
			return res
		}
		n := notify.Notification{
			UserID:  it.UserID,
			TalkID:  it.ActivityID,
			EventID: it.ParentID,
			Type:    it.Type,
			Title:   it.Title,
			Message: it.Message,
		}
		if !live {
			n.Type = notify.TypeTest
			n.Title = "[test] " + it.Title
			n.DedupeKey = notify.BuildDedupeKey(it.UserID, tag, notify.TypeTest, pivot, 0)
		}
		res.Outcome = e.dispatch.Enqueue(ctx, n)
		return res
	}

	if e.global == nil {
		res.Outcome = notify.OutcomeError
		return res
	}
	g := schedule.GlobalFor(schedule.Activity{ID: it.ActivityID, ParentID: it.ParentID, Kind: it.Kind}, schedule.Window{Start: it.Start, End: it.End}, it.Type)
	g.Title, g.Message = it.Title, it.Message
	if !live {
		g.Test = true
		g.Title = "[test] " + it.Title
		g.DedupeKey = notify.BuildDedupeKey(notify.GlobalSubject, tag, it.Type, pivot, 0)
	}
	res.Outcome = e.global.Broadcast(ctx, g)
	return res
}

// Run is a paced execution in flight.
type Run struct {
	Plan Plan

	mu       sync.Mutex
	timers   []*time.Timer
	results  []Result
	wg       sync.WaitGroup
	canceled atomic.Bool
	done     chan struct{}
}

// Cancel stops every item that has not fired yet. Items already fired stay.
func (r *Run) Cancel() {
	r.canceled.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.timers {
		if t.Stop() {
			r.wg.Done()
		}
	}
}

// Wait blocks until every item fired or was canceled.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// ExecutePaced fires item i after i*PaceInterval. Each timer carries its own
// copy of the pivot, so a later request cannot shift a run already scheduled.
func (e *Engine) ExecutePaced(ctx context.Context, req Request) (*Run, error) {
	plan, err := e.DryRun(ctx, req)
	if err != nil {
		return nil, err
	}
	cfg := e.config()
	live := e.realBroadcast(req)
	fireCtx := context.WithoutCancel(ctx)

	r := &Run{Plan: plan, done: make(chan struct{})}
	r.wg.Add(len(plan.Items))
	r.mu.Lock()
	for i, it := range plan.Items {
		it, pivot := it, plan.Pivot
		t := time.AfterFunc(time.Duration(i)*cfg.PaceInterval, func() {
			defer r.wg.Done()
			if r.canceled.Load() {
				return
			}
			res := e.fire(fireCtx, it, pivot, live)
			r.mu.Lock()
			r.results = append(r.results, res)
			r.mu.Unlock()
		})
		r.timers = append(r.timers, t)
	}
	r.mu.Unlock()

	go func() {
		r.wg.Wait()
		close(r.done)
	}()
	e.log.Info("paced simulation scheduled",
		logx.Time("pivot", plan.Pivot),
		logx.Int("items", len(plan.Items)),
		logx.Duration("interval", cfg.PaceInterval),
	)
	return r, nil
}
