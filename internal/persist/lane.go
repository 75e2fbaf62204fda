// Package persist runs the single-writer persistence lane.
//
// Producers hand over full snapshots with Submit, which never blocks.
// One supervised worker drains the bounded queue and writes each snapshot
// through the configured storage.Store.
package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"homedir/internal/eventbus"
	rtsup "homedir/internal/runtime/supervisor"
	"homedir/internal/storage"
	logx "homedir/pkg/logx"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("persistence queue full")
	ErrStopped   = errors.New("persistence lane stopped")
	ErrNoStore   = errors.New("persistence lane has no store")
)

type Kind uint8

const (
	KindUser Kind = iota + 1
	KindGlobal
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Job is one full snapshot. Later jobs for the same owner supersede earlier ones.
type Job struct {
	Kind   Kind
	UserID string
	Body   []byte
}

type Config struct {
	QueueSize    int           // default 256
	WriteTimeout time.Duration // per attempt; default 5s
	// Retries is how many times a failed write is retried with exponential
	// backoff starting at RetryBase (default 50ms). 0 writes once.
	Retries   int
	RetryBase time.Duration
}

type Stats struct {
	Submitted uint64 `json:"submitted"`
	Written   uint64 `json:"written"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Retried   uint64 `json:"retried"`
	Pending   int    `json:"pending"`
	Capacity  int    `json:"capacity"`
}

// FailedWrite is the eventbus payload for TypeLaneWriteFailed.
type FailedWrite struct {
	Kind   string `json:"kind"`
	UserID string `json:"user_id,omitempty"`
	Error  string `json:"error"`
}

type Option func(*Lane)

func WithBus(b eventbus.Bus) Option { return func(l *Lane) { l.bus = b } }

// WithOnFailure registers a callback invoked from the worker after a failed write.
func WithOnFailure(fn func(Job, error)) Option { return func(l *Lane) { l.onFailure = fn } }

type Lane struct {
	store storage.Store
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus

	onFailure func(Job, error)
	warn      *rate.Limiter

	// mu guards queue/accepting; Submit sends under RLock so Stop never closes
	// the channel under a concurrent send.
	mu        sync.RWMutex
	queue     chan Job
	accepting bool
	sup       *rtsup.Supervisor

	submitted atomic.Uint64
	written   atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	retried   atomic.Uint64
}

func New(store storage.Store, cfg Config, log logx.Logger, opts ...Option) *Lane {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Lane{
		store: store,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "persist")),
		bus:   eventbus.Nop{},
		warn:  rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start launches the worker. It is idempotent; a lane without a store never starts.
func (l *Lane) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.queue != nil || l.store == nil {
		l.mu.Unlock()
		return
	}
	q := make(chan Job, l.cfg.QueueSize)
	l.queue = q
	l.accepting = true
	l.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(l.log),
		rtsup.WithCancelOnError(false),
	)
	sup := l.sup
	l.mu.Unlock()

	sup.GoRestart("persist.worker", func(c context.Context) error {
		return l.worker(c, q)
	}, rtsup.WithRestartBackoff(50*time.Millisecond, 2*time.Second))
}

// Submit enqueues j without blocking.
func (l *Lane) Submit(j Job) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.store == nil {
		return ErrNoStore
	}
	if !l.accepting || l.queue == nil {
		return ErrStopped
	}
	select {
	case l.queue <- j:
		l.submitted.Add(1)
		return nil
	default:
		l.rejected.Add(1)
		return ErrQueueFull
	}
}

// Pending is the number of queued jobs not yet written.
func (l *Lane) Pending() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.queue)
}

func (l *Lane) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accepting
}

func (l *Lane) Stats() Stats {
	l.mu.RLock()
	pending, capacity := len(l.queue), cap(l.queue)
	l.mu.RUnlock()
	return Stats{
		Submitted: l.submitted.Load(),
		Written:   l.written.Load(),
		Failed:    l.failed.Load(),
		Rejected:  l.rejected.Load(),
		Retried:   l.retried.Load(),
		Pending:   pending,
		Capacity:  capacity,
	}
}

// Supervisor exposes the worker supervisor for stats output. It may be nil.
func (l *Lane) Supervisor() *rtsup.Supervisor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sup
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (l *Lane) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	q, sup := l.queue, l.sup
	if q == nil || !l.accepting {
		l.mu.Unlock()
		return
	}
	l.accepting = false
	close(q)
	l.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		l.log.Warn("persistence drain timed out", logx.Int("pending", len(q)))
	}
}

func (l *Lane) worker(ctx context.Context, q <-chan Job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			l.write(ctx, j)
		}
	}
}

func (l *Lane) put(parent context.Context, j Job) error {
	ctx, cancel := context.WithTimeout(parent, l.cfg.WriteTimeout)
	defer cancel()
	switch j.Kind {
	case KindUser:
		return l.store.PutUser(ctx, j.UserID, j.Body)
	case KindGlobal:
		return l.store.PutGlobal(ctx, j.Body)
	default:
		return backoff.Permanent(errors.New("unknown job kind"))
	}
}

func (l *Lane) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.cfg.RetryBase
	eb.MaxInterval = 20 * l.cfg.RetryBase
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(l.cfg.Retries)), ctx)
}

func (l *Lane) write(ctx context.Context, j Job) {
	attempts := 0
	err := backoff.Retry(func() error {
		if attempts > 0 {
			l.retried.Add(1)
		}
		attempts++
		return l.put(ctx, j)
	}, l.retryPolicy(ctx))
	if err == nil {
		l.written.Add(1)
		return
	}

	l.failed.Add(1)
	if l.warn.Allow() {
		l.log.Warn("snapshot write failed",
			logx.String("kind", j.Kind.String()),
			logx.String("user", j.UserID),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeLaneWriteFailed, Data: FailedWrite{Kind: j.Kind.String(), UserID: j.UserID, Error: err.Error()}})
	if l.onFailure != nil {
		l.onFailure(j, err)
	}
}
