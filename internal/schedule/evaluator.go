package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"homedir/internal/clock"
	"homedir/internal/eventbus"
	"homedir/internal/notify"
	logx "homedir/pkg/logx"

	"golang.org/x/time/rate"
)

// Enqueuer is the per-user dispatcher as seen by the talk evaluator.
type Enqueuer interface {
	Enqueue(ctx context.Context, n notify.Notification) notify.Outcome
}

// Broadcaster is the global feed as seen by break and event evaluators.
type Broadcaster interface {
	Broadcast(ctx context.Context, g notify.GlobalNotification) notify.Outcome
}

type Config struct {
	Enabled bool
	Windows Windows
	// FinishedGrace bounds how long after the end FINISHED is re-attempted.
	// 0 keeps attempting for as long as the activity is listed.
	FinishedGrace time.Duration
	// Zone applies to activities without their own time zone.
	Zone *time.Location
}

// TickReport summarizes one evaluation pass.
type TickReport struct {
	Evaluator string                 `json:"evaluator"`
	At        time.Time              `json:"at"`
	Evaluated int                    `json:"evaluated"`
	Skipped   int                    `json:"skipped"`
	Failed    int                    `json:"failed"`
	Outcomes  map[notify.Outcome]int `json:"outcomes"`
}

type Option func(*options)

type options struct {
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
}

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = l } }

func WithBus(b eventbus.Bus) Option { return func(o *options) { o.bus = b } }

type emitFunc func(ctx context.Context, a Activity, w Window, t notify.Type) []notify.Outcome

// evaluator carries the tick loop shared by the three kinds.
type evaluator struct {
	name     string
	kind     Kind
	provider Provider
	clock    clock.Clock
	log      logx.Logger
	bus      eventbus.Bus
	warn     *rate.Limiter

	mu   sync.RWMutex
	cfg  Config
	last TickReport
}

func newEvaluator(name string, kind Kind, p Provider, cfg Config, opts []Option) *evaluator {
	o := options{clock: clock.Real{}, log: logx.Nop(), bus: eventbus.Nop{}}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return &evaluator{
		name:     name,
		kind:     kind,
		provider: p,
		clock:    clock.Or(o.clock),
		log:      o.log.With(logx.String("comp", "eval."+name)),
		bus:      o.bus,
		warn:     rate.NewLimiter(rate.Every(30*time.Second), 1),
		cfg:      cfg,
	}
}

func (e *evaluator) Name() string { return e.name }

func (e *evaluator) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *evaluator) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Last returns the report of the most recent tick.
func (e *evaluator) Last() TickReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

func (e *evaluator) tick(ctx context.Context, emit emitFunc) (TickReport, error) {
	cfg := e.config()
	now := e.clock.Now()
	rep := TickReport{Evaluator: e.name, At: now, Outcomes: map[notify.Outcome]int{}}
	if !cfg.Enabled {
		return rep, nil
	}

	acts, err := e.provider.Activities(ctx)
	if err != nil {
		if e.warn.Allow() {
			e.log.Warn("schedule provider failed", logx.Err(err))
		}
		return rep, fmt.Errorf("%s: list activities: %w", e.name, err)
	}
	for _, a := range acts {
		if ctx.Err() != nil {
			break
		}
		if a.Kind != e.kind {
			continue
		}
		e.evaluate(ctx, cfg, now, a, emit, &rep)
	}

	e.mu.Lock()
	e.last = rep
	e.mu.Unlock()
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeTickFinished, Time: now, Data: rep})
	if rep.Failed > 0 {
		e.log.Warn("tick finished with failures", logx.Int("evaluated", rep.Evaluated), logx.Int("failed", rep.Failed))
	}
	return rep, nil
}

func (e *evaluator) evaluate(ctx context.Context, cfg Config, now time.Time, a Activity, emit emitFunc, rep *TickReport) {
	defer func() {
		if r := recover(); r != nil {
			rep.Failed++
			e.log.Error("activity evaluation panicked", logx.String("activity", a.ID), logx.Any("panic", r))
		}
	}()

	w, err := ComputeWindow(a, cfg.Zone)
	if err != nil {
		rep.Skipped++
		e.log.Debug("skipping activity", logx.String("activity", a.ID), logx.Err(err))
		return
	}
	rep.Evaluated++

	t, ok := Transition(w, now, cfg.Windows)
	if !ok {
		return
	}
	if t == notify.TypeFinished && cfg.FinishedGrace > 0 && now.Sub(w.End) >= cfg.FinishedGrace {
		return
	}
	for _, o := range emit(ctx, a, w, t) {
		rep.Outcomes[o]++
	}
}

// TalkEvaluator enqueues one per-user notification per subscriber of each talk.
type TalkEvaluator struct {
	*evaluator
	dispatch Enqueuer
}

func NewTalkEvaluator(p Provider, d Enqueuer, cfg Config, opts ...Option) *TalkEvaluator {
	return &TalkEvaluator{evaluator: newEvaluator("talks", KindTalk, p, cfg, opts), dispatch: d}
}

func (e *TalkEvaluator) Tick(ctx context.Context) (TickReport, error) {
	return e.tick(ctx, e.emit)
}

func (e *TalkEvaluator) emit(ctx context.Context, a Activity, w Window, t notify.Type) []notify.Outcome {
	users := Subscribers(a)
	out := make([]notify.Outcome, 0, len(users))
	for _, u := range users {
		out = append(out, e.dispatch.Enqueue(ctx, TalkNotification(a, w, t, u)))
	}
	return out
}

// BreakEvaluator broadcasts break transitions to the global feed.
type BreakEvaluator struct {
	*evaluator
	global Broadcaster
}

func NewBreakEvaluator(p Provider, b Broadcaster, cfg Config, opts ...Option) *BreakEvaluator {
	return &BreakEvaluator{evaluator: newEvaluator("breaks", KindBreak, p, cfg, opts), global: b}
}

func (e *BreakEvaluator) Tick(ctx context.Context) (TickReport, error) {
	return e.tick(ctx, func(ctx context.Context, a Activity, w Window, t notify.Type) []notify.Outcome {
		return []notify.Outcome{e.global.Broadcast(ctx, GlobalFor(a, w, t))}
	})
}

// EventEvaluator broadcasts whole-event transitions to the global feed.
type EventEvaluator struct {
	*evaluator
	global Broadcaster
}

func NewEventEvaluator(p Provider, b Broadcaster, cfg Config, opts ...Option) *EventEvaluator {
	return &EventEvaluator{evaluator: newEvaluator("events", KindEvent, p, cfg, opts), global: b}
}

func (e *EventEvaluator) Tick(ctx context.Context) (TickReport, error) {
	return e.tick(ctx, func(ctx context.Context, a Activity, w Window, t notify.Type) []notify.Outcome {
		return []notify.Outcome{e.global.Broadcast(ctx, GlobalFor(a, w, t))}
	})
}

// Subscribers returns the distinct non-empty subscriber ids of a, in order.
func Subscribers(a Activity) []string {
	seen := make(map[string]struct{}, len(a.Subscribers))
	out := make([]string, 0, len(a.Subscribers))
	for _, u := range a.Subscribers {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// TalkNotification builds the per-user entry for one talk transition.
func TalkNotification(a Activity, w Window, t notify.Type, user string) notify.Notification {
	return notify.Notification{
		UserID:  user,
		TalkID:  a.ID,
		EventID: a.ParentID,
		Type:    t,
		Title:   Title(a),
		Message: Message(a, w, t),
	}
}

// GlobalFor builds the global entry for a break or event transition. The
// activity id is carried as EventID so each break dedupes on its own.
func GlobalFor(a Activity, w Window, t notify.Type) notify.GlobalNotification {
	g := notify.GlobalNotification{
		EventID:  a.ID,
		Type:     t,
		Category: a.Kind.Category(),
		Title:    Title(a),
		Message:  Message(a, w, t),
	}
	if a.Kind == KindTalk {
		g.TalkID, g.EventID = a.ID, a.ParentID
	}
	return g
}
