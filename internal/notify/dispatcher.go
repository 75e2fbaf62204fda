package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"homedir/internal/clock"
	"homedir/internal/eventbus"
	"homedir/internal/persist"
	logx "homedir/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Service is the per-user notification dispatcher.
//
// It is safe for concurrent use. No store lock is held while the guards or
// the lane are consulted.
type Service struct {
	mu  sync.RWMutex
	cfg Config

	store   *Store
	dedupe  *Deduper
	lane    Lane
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	live    UserPublisher
	diskDir string
	warn    *rate.Limiter

	submitMu sync.Mutex

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	enqueued  atomic.Uint64
	persisted atomic.Uint64
	volatile  atomic.Uint64
	deduped   atomic.Uint64
	dropped   atomic.Uint64
	errs      atomic.Uint64
}

// New builds a dispatcher. lane may be nil, in which case every accept is volatile
// (or dropped under DropOnQueueFull).
func New(cfg Config, lane Lane, opts ...Option) *Service {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		store:   NewStore(),
		dedupe:  NewDeduper(cfg.DedupeWindow),
		lane:    lane,
		clock:   o.clock,
		log:     o.log.With(logx.String("comp", "notify")),
		bus:     o.bus,
		live:    o.user,
		diskDir: o.diskDir,
		warn:    rate.NewLimiter(rate.Every(time.Second), 5),
		dirty:   map[string]struct{}{},
	}
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.dedupe.SetWindow(cfg.DedupeWindow)
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.config().Enabled }

// SetLive swaps the live publisher (nil disables live push).
func (s *Service) SetLive(p UserPublisher) {
	s.mu.Lock()
	s.live = p
	s.mu.Unlock()
}

// Store exposes the in-memory store (read paths and tests).
func (s *Service) Store() *Store { return s.store }

// Deduper exposes the dedupe map (stats and tests).
func (s *Service) Deduper() *Deduper { return s.dedupe }

func (s *Service) Counters() Counters {
	return Counters{
		Enqueued:  s.enqueued.Load(),
		Persisted: s.persisted.Load(),
		Volatile:  s.volatile.Load(),
		Deduped:   s.deduped.Load(),
		Dropped:   s.dropped.Load(),
		Errors:    s.errs.Load(),
	}
}

// Enqueue stores one notification for n.UserID and reports what happened to it.
func (s *Service) Enqueue(ctx context.Context, n Notification) Outcome {
	s.enqueued.Add(1)
	cfg := s.config()

	if !cfg.Enabled {
		return s.finish(ctx, n, OutcomeError, errors.New("notifications disabled"))
	}
	if strings.TrimSpace(n.UserID) == "" {
		return s.finish(ctx, n, OutcomeError, errors.New("empty user id"))
	}
	if !n.Type.Valid() {
		return s.finish(ctx, n, OutcomeError, errors.New("invalid type"))
	}

	now := s.clock.Now()
	if n.CreatedAt == 0 {
		n.CreatedAt = now.UnixMilli()
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.DedupeKey == "" {
		n.DedupeKey = BuildDedupeKey(n.UserID, n.TalkID, n.Type, time.UnixMilli(n.CreatedAt), keyWindow(cfg.DedupeMode, n.Type, cfg.DedupeWindow))
	}

	if s.dedupe.Seen(n.DedupeKey, now) {
		return s.finish(ctx, n, OutcomeDroppedDuplicate, nil)
	}

	ok, evicted := s.store.TryAppend(n.UserID, n, cfg.UserCap, cfg.GlobalCap, cfg.EvictOldest)
	if !ok {
		return s.finish(ctx, n, OutcomeDroppedCapacity, errors.New("capacity reached"))
	}
	if len(evicted) > 0 {
		s.log.Debug("evicted oldest notifications", logx.String("user", n.UserID), logx.Int("evicted", len(evicted)))
	}

	switch err := s.persistSnapshot(cfg, n.UserID); {
	case err == nil:
		return s.finish(ctx, n, OutcomeAcceptedPersisted, nil)
	case errors.Is(err, errSerialize):
		s.markDirty(n.UserID)
		return s.finish(ctx, n, OutcomeError, err)
	case cfg.DropOnQueueFull:
		s.store.Rollback(n.UserID, n.ID, evicted)
		return s.finish(ctx, n, OutcomeDroppedCapacity, err)
	default:
		s.markDirty(n.UserID)
		return s.finish(ctx, n, OutcomeAcceptedVolatile, err)
	}
}

var (
	errGuard     = errors.New("resource guard refused persistence")
	errSerialize = errors.New("snapshot serialization failed")
)

// persistSnapshot hands the user's current list to the lane when both guards
// pass. Snapshot and submit happen under submitMu so jobs reach the lane in
// the order their snapshots were taken.
func (s *Service) persistSnapshot(cfg Config, user string) error {
	if s.lane == nil {
		return persist.ErrNoStore
	}
	if !s.guardsPass(cfg) {
		return errGuard
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	body, err := json.Marshal(userSnapshot{UserID: user, Notifications: s.store.Snapshot(user)})
	if err != nil {
		return fmt.Errorf("%w: %v", errSerialize, err)
	}
	if err := s.lane.Submit(persist.Job{Kind: persist.KindUser, UserID: user, Body: body}); err != nil {
		return err
	}
	s.clearDirty(user)
	return nil
}

func (s *Service) guardsPass(cfg Config) bool {
	q := QueueGuard{Pending: s.lane.Pending, Max: cfg.MaxQueueSize}
	d := DiskGuard{Dir: s.diskDir, MinFree: cfg.MinFreeBytes}
	return q.Allow() && d.Allow()
}

// persistUser re-submits the user's current snapshot; on refusal the user stays dirty.
func (s *Service) persistUser(user string) bool {
	if err := s.persistSnapshot(s.config(), user); err != nil {
		s.markDirty(user)
		return false
	}
	return true
}

func (s *Service) markDirty(user string) {
	s.dirtyMu.Lock()
	s.dirty[user] = struct{}{}
	s.dirtyMu.Unlock()
}

func (s *Service) clearDirty(user string) {
	s.dirtyMu.Lock()
	delete(s.dirty, user)
	s.dirtyMu.Unlock()
}

// DirtyUsers lists users whose latest state is not queued for persistence.
func (s *Service) DirtyUsers() []string {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	out := make([]string, 0, len(s.dirty))
	for u := range s.dirty {
		out = append(out, u)
	}
	return out
}

// MarkFailed flags the user of a failed lane write so the next flush retries it.
func (s *Service) MarkFailed(j persist.Job) {
	if j.Kind == persist.KindUser && j.UserID != "" {
		s.markDirty(j.UserID)
	}
}

func (s *Service) finish(ctx context.Context, n Notification, o Outcome, cause error) Outcome {
	switch o {
	case OutcomeAcceptedPersisted:
		s.persisted.Add(1)
	case OutcomeAcceptedVolatile:
		s.volatile.Add(1)
	case OutcomeDroppedDuplicate:
		s.deduped.Add(1)
	case OutcomeDroppedCapacity:
		s.dropped.Add(1)
	case OutcomeError:
		s.errs.Add(1)
	}

	fields := []logx.Field{
		logx.String("user", n.UserID),
		logx.String("talk", n.TalkID),
		logx.String("event", n.EventID),
		logx.String("type", n.Type.String()),
		logx.String("key", n.DedupeKey),
		logx.String("outcome", o.String()),
		logx.Err(cause),
	}
	switch o {
	case OutcomeAcceptedVolatile, OutcomeDroppedCapacity:
		if s.warn.Allow() {
			s.log.Warn("notification not persisted", fields...)
		}
	case OutcomeError:
		if !s.config().Enabled {
			s.log.Debug("notification rejected", fields...)
		} else if s.warn.Allow() {
			s.log.Warn("notification rejected", fields...)
		}
	default:
		s.log.Debug("notification enqueue", fields...)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyOutcome, Data: OutcomeEvent{
		Outcome: o, UserID: n.UserID, ID: n.ID, Type: n.Type.String(), Key: n.DedupeKey, Test: n.Type == TypeTest,
	}})

	if o.Accepted() {
		s.pushLive(ctx, n)
	}
	return o
}

func (s *Service) pushLive(ctx context.Context, n Notification) {
	s.mu.RLock()
	live := s.live
	s.mu.RUnlock()
	if live == nil {
		return
	}
	payload, err := EncodeNotification(n)
	if err != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	live.Send(ctx, n.UserID, payload)
}
