package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"homedir/internal/clock"
	"homedir/internal/eventbus"
	"homedir/internal/persist"
	"homedir/internal/storage"
	logx "homedir/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// GlobalSubject is the dedupe subject of every global notification.
const GlobalSubject = "global"

// Broadcaster owns the process-wide ring buffer of global notifications.
type Broadcaster struct {
	cfgMu sync.RWMutex
	cfg   BroadcastConfig

	mu  sync.Mutex
	buf []GlobalNotification // oldest first

	// submitMu orders snapshot+submit pairs.
	submitMu sync.Mutex

	dedupe  *Deduper
	lane    Lane
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	fanout  GlobalPublisher
	diskDir string
	warn    *rate.Limiter

	broadcasts atomic.Uint64
	persisted  atomic.Uint64
	volatile   atomic.Uint64
	deduped    atomic.Uint64
	errs       atomic.Uint64
	evicted    atomic.Uint64
}

type BroadcastCounters struct {
	Broadcasts uint64 `json:"broadcasts"`
	Persisted  uint64 `json:"persisted"`
	Volatile   uint64 `json:"volatile"`
	Deduped    uint64 `json:"deduped"`
	Errors     uint64 `json:"errors"`
	Evicted    uint64 `json:"evicted"`
	Buffered   int    `json:"buffered"`
}

func NewBroadcaster(cfg BroadcastConfig, lane Lane, opts ...Option) *Broadcaster {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()
	return &Broadcaster{
		cfg:     cfg,
		dedupe:  NewDeduper(cfg.DedupeWindow),
		lane:    lane,
		clock:   o.clock,
		log:     o.log.With(logx.String("comp", "broadcast")),
		bus:     o.bus,
		fanout:  o.global,
		diskDir: o.diskDir,
		warn:    rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (b *Broadcaster) Apply(cfg BroadcastConfig) {
	cfg = cfg.withDefaults()
	b.cfgMu.Lock()
	b.cfg = cfg
	b.cfgMu.Unlock()
	b.dedupe.SetWindow(cfg.DedupeWindow)

	b.mu.Lock()
	n := b.trimLocked(cfg.BufferSize)
	b.mu.Unlock()
	if n > 0 {
		if err := b.persist(cfg); err != nil {
			b.log.Debug("global snapshot not persisted after trim", logx.Int("trimmed", n), logx.Err(err))
		}
	}
}

func (b *Broadcaster) config() BroadcastConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg
}

func (b *Broadcaster) Enabled() bool { return b.config().Enabled }

// SetFanout swaps the live global publisher.
func (b *Broadcaster) SetFanout(p GlobalPublisher) {
	b.cfgMu.Lock()
	b.fanout = p
	b.cfgMu.Unlock()
}

func (b *Broadcaster) Counters() BroadcastCounters {
	b.mu.Lock()
	n := len(b.buf)
	b.mu.Unlock()
	return BroadcastCounters{
		Broadcasts: b.broadcasts.Load(),
		Persisted:  b.persisted.Load(),
		Volatile:   b.volatile.Load(),
		Deduped:    b.deduped.Load(),
		Errors:     b.errs.Load(),
		Evicted:    b.evicted.Load(),
		Buffered:   n,
	}
}

// Broadcast appends g to the ring buffer, persists the whole buffer and
// pushes g to every live global subscriber.
func (b *Broadcaster) Broadcast(ctx context.Context, g GlobalNotification) Outcome {
	b.broadcasts.Add(1)
	cfg := b.config()
	if !cfg.Enabled {
		return b.finish(g, OutcomeError, errors.New("broadcast disabled"))
	}
	if !g.Type.Valid() || !g.Category.Valid() {
		return b.finish(g, OutcomeError, errors.New("invalid type or category"))
	}

	now := b.clock.Now()
	if g.CreatedAt == 0 {
		g.CreatedAt = now.UnixMilli()
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.DedupeKey == "" {
		g.DedupeKey = BuildDedupeKey(GlobalSubject, g.activity(), g.Type, time.UnixMilli(g.CreatedAt), keyWindow(cfg.DedupeMode, g.Type, cfg.DedupeWindow))
	}
	if b.dedupe.Seen(g.DedupeKey, now) {
		return b.finish(g, OutcomeDroppedDuplicate, nil)
	}

	b.mu.Lock()
	b.buf = append(b.buf, g)
	b.trimLocked(cfg.BufferSize)
	b.mu.Unlock()

	o := OutcomeAcceptedPersisted
	err := b.persist(cfg)
	if err != nil {
		o = OutcomeAcceptedVolatile
	}
	b.push(ctx, g)
	return b.finish(g, o, err)
}

// trimLocked evicts from the head until len <= size and returns the count.
func (b *Broadcaster) trimLocked(size int) int {
	over := len(b.buf) - size
	if size <= 0 || over <= 0 {
		return 0
	}
	b.buf = append(b.buf[:0:0], b.buf[over:]...)
	b.evicted.Add(uint64(over))
	return over
}

func (b *Broadcaster) snapshot() []GlobalNotification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]GlobalNotification(nil), b.buf...)
}

// persist submits the full buffer snapshot to the lane.
func (b *Broadcaster) persist(cfg BroadcastConfig) error {
	if b.lane == nil {
		return persist.ErrNoStore
	}
	q := QueueGuard{Pending: b.lane.Pending, Max: cfg.MaxQueueSize}
	d := DiskGuard{Dir: b.diskDir, MinFree: cfg.MinFreeBytes}
	if !q.Allow() || !d.Allow() {
		return errGuard
	}
	b.submitMu.Lock()
	defer b.submitMu.Unlock()
	body, err := json.Marshal(b.snapshot())
	if err != nil {
		return err
	}
	return b.lane.Submit(persist.Job{Kind: persist.KindGlobal, Body: body})
}

func (b *Broadcaster) push(ctx context.Context, g GlobalNotification) {
	b.cfgMu.RLock()
	fan := b.fanout
	b.cfgMu.RUnlock()
	if fan == nil {
		return
	}
	payload, err := EncodeGlobal(g)
	if err != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	delivered, failed := fan.Broadcast(ctx, payload)
	if failed > 0 {
		b.log.Debug("global push partially failed", logx.Int("delivered", delivered), logx.Int("failed", failed))
	}
}

func (b *Broadcaster) finish(g GlobalNotification, o Outcome, cause error) Outcome {
	switch o {
	case OutcomeAcceptedPersisted:
		b.persisted.Add(1)
	case OutcomeAcceptedVolatile:
		b.volatile.Add(1)
	case OutcomeDroppedDuplicate:
		b.deduped.Add(1)
	case OutcomeError:
		b.errs.Add(1)
	}
	fields := []logx.Field{
		logx.String("talk", g.TalkID),
		logx.String("event", g.EventID),
		logx.String("type", g.Type.String()),
		logx.String("category", g.Category.String()),
		logx.String("key", g.DedupeKey),
		logx.Bool("test", g.Test),
		logx.String("outcome", o.String()),
		logx.Err(cause),
	}
	if o == OutcomeAcceptedVolatile && b.warn.Allow() {
		b.log.Warn("global notification not persisted", fields...)
	} else {
		b.log.Debug("global notification", fields...)
	}
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastOutcome, Data: OutcomeEvent{
		Outcome: o, ID: g.ID, Type: g.Type.String(), Key: g.DedupeKey, Test: g.Test,
	}})
	return o
}

// Latest returns up to n entries, newest first. n <= 0 returns all.
func (b *Broadcaster) Latest(n int) []GlobalNotification {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.buf) {
		n = len(b.buf)
	}
	out := make([]GlobalNotification, 0, n)
	for i := len(b.buf) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, b.buf[i])
	}
	return out
}

// RemoveByID deletes one entry and re-persists the buffer when it existed.
func (b *Broadcaster) RemoveByID(id string) bool {
	b.mu.Lock()
	idx := -1
	for i := range b.buf {
		if b.buf[i].ID == id {
			idx = i
			break
		}
	}
	if idx >= 0 {
		b.buf = append(b.buf[:idx:idx], b.buf[idx+1:]...)
	}
	b.mu.Unlock()
	if idx < 0 {
		return false
	}
	if err := b.persist(b.config()); err != nil {
		b.log.Debug("global snapshot not persisted after removal", logx.Err(err))
	}
	return true
}

// Replay sends every buffered entry created after cursor (epoch millis) in
// ascending time order. cursor 0 sends the whole buffer. It has no side
// effects on the buffer; the first send error stops the replay and is returned.
func (b *Broadcaster) Replay(cursor int64, send func(GlobalNotification) error) (int, error) {
	items := b.snapshot()
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}
		return items[i].ID < items[j].ID
	})
	sent := 0
	for _, g := range items {
		if g.CreatedAt <= cursor {
			continue
		}
		if err := send(g); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Load restores the buffer from the persisted global snapshot.
func (b *Broadcaster) Load(ctx context.Context, st storage.Store) (int, error) {
	if st == nil {
		return 0, nil
	}
	body, err := st.LoadGlobal(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var list []GlobalNotification
	if err := json.Unmarshal(body, &list); err != nil {
		return 0, err
	}
	cfg := b.config()
	b.mu.Lock()
	b.buf = list
	b.trimLocked(cfg.BufferSize)
	n := len(b.buf)
	for _, g := range b.buf {
		b.dedupe.Remember(g.DedupeKey, time.UnixMilli(g.CreatedAt))
	}
	b.mu.Unlock()
	b.log.Info("global snapshot loaded", logx.Int("entries", n))
	return n, nil
}
