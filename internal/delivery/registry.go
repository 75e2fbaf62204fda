package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "homedir/pkg/logx"
)

var (
	ErrTooManyConnections = errors.New("delivery: too many connections")
	ErrSessionClosed      = errors.New("delivery: session closed")
	ErrAnonymous          = errors.New("delivery: empty subject")
)

// Session is one live subscriber connection.
type Session interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

type Config struct {
	// MaxPerUser caps concurrent sessions per subject; 0 means unlimited.
	MaxPerUser  int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	return c
}

type Stats struct {
	Sessions  int    `json:"sessions"`
	Subjects  int    `json:"subjects,omitempty"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// fanout holds the send path shared by both registries.
type fanout struct {
	cfgMu sync.RWMutex
	cfg   Config
	log   logx.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

func (f *fanout) config() Config {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return f.cfg
}

func (f *fanout) apply(cfg Config) {
	f.cfgMu.Lock()
	f.cfg = cfg.withDefaults()
	f.cfgMu.Unlock()
}

// sendAll sends payload to every session sequentially, each bounded by the
// send timeout. No registry lock is held here.
func (f *fanout) sendAll(ctx context.Context, list []Session, payload []byte) (delivered, failed int) {
	timeout := f.config().SendTimeout
	for _, s := range list {
		if err := sendOne(ctx, s, payload, timeout); err != nil {
			failed++
			f.log.Debug("session send failed", logx.String("session", s.ID()), logx.Err(err))
			continue
		}
		delivered++
	}
	f.delivered.Add(uint64(delivered))
	f.failed.Add(uint64(failed))
	return delivered, failed
}

func sendOne(ctx context.Context, s Session, payload []byte, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Send(ctx, payload)
}

// UserRegistry maps subject -> session id -> session.
type UserRegistry struct {
	fanout

	mu       sync.RWMutex
	sessions map[string]map[string]Session
}

func NewUserRegistry(cfg Config, log logx.Logger) *UserRegistry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &UserRegistry{sessions: map[string]map[string]Session{}}
	r.log = log.With(logx.String("comp", "delivery.user"))
	r.apply(cfg)
	return r
}

func (r *UserRegistry) Apply(cfg Config) { r.apply(cfg) }

// Register adds s for user. A user already at MaxPerUser is refused with
// ErrTooManyConnections; existing sessions are never displaced.
func (r *UserRegistry) Register(user string, s Session) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return ErrAnonymous
	}
	limit := r.config().MaxPerUser

	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[user]
	if set == nil {
		set = map[string]Session{}
		r.sessions[user] = set
	}
	if _, dup := set[s.ID()]; !dup && limit > 0 && len(set) >= limit {
		r.rejected.Add(1)
		return ErrTooManyConnections
	}
	set[s.ID()] = s
	return nil
}

func (r *UserRegistry) Unregister(user string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[user]
	if _, ok := set[s.ID()]; !ok {
		return false
	}
	delete(set, s.ID())
	if len(set) == 0 {
		delete(r.sessions, user)
	}
	return true
}

// Admit reports whether user could register one more session right now.
// Register stays authoritative; Admit lets callers refuse before upgrading.
func (r *UserRegistry) Admit(user string) error {
	if strings.TrimSpace(user) == "" {
		return ErrAnonymous
	}
	limit := r.config().MaxPerUser
	if limit > 0 && r.Count(user) >= limit {
		r.rejected.Add(1)
		return ErrTooManyConnections
	}
	return nil
}

func (r *UserRegistry) Count(user string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[user])
}

// Send pushes payload to every live session of user.
func (r *UserRegistry) Send(ctx context.Context, user string, payload []byte) (delivered, failed int) {
	r.mu.RLock()
	set := r.sessions[user]
	list := make([]Session, 0, len(set))
	for _, s := range set {
		list = append(list, s)
	}
	r.mu.RUnlock()
	if len(list) == 0 {
		return 0, 0
	}
	return r.sendAll(ctx, list, payload)
}

// CloseAll closes and forgets every session.
func (r *UserRegistry) CloseAll() int {
	r.mu.Lock()
	all := r.sessions
	r.sessions = map[string]map[string]Session{}
	r.mu.Unlock()
	n := 0
	for _, set := range all {
		for _, s := range set {
			_ = s.Close()
			n++
		}
	}
	return n
}

func (r *UserRegistry) Stats() Stats {
	r.mu.RLock()
	st := Stats{Subjects: len(r.sessions)}
	for _, set := range r.sessions {
		st.Sessions += len(set)
	}
	r.mu.RUnlock()
	st.Delivered, st.Failed, st.Rejected = r.delivered.Load(), r.failed.Load(), r.rejected.Load()
	return st
}

// GlobalRegistry is the unkeyed set of global feed sessions.
type GlobalRegistry struct {
	fanout

	mu       sync.RWMutex
	sessions map[string]Session
}

func NewGlobalRegistry(cfg Config, log logx.Logger) *GlobalRegistry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &GlobalRegistry{sessions: map[string]Session{}}
	r.log = log.With(logx.String("comp", "delivery.global"))
	r.apply(cfg)
	return r
}

func (r *GlobalRegistry) Apply(cfg Config) { r.apply(cfg) }

func (r *GlobalRegistry) Register(s Session) error {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	return nil
}

func (r *GlobalRegistry) Unregister(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; !ok {
		return false
	}
	delete(r.sessions, s.ID())
	return true
}

func (r *GlobalRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *GlobalRegistry) Broadcast(ctx context.Context, payload []byte) (delivered, failed int) {
	r.mu.RLock()
	list := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	if len(list) == 0 {
		return 0, 0
	}
	return r.sendAll(ctx, list, payload)
}

func (r *GlobalRegistry) CloseAll() int {
	r.mu.Lock()
	all := r.sessions
	r.sessions = map[string]Session{}
	r.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
	return len(all)
}

func (r *GlobalRegistry) Stats() Stats {
	st := Stats{Sessions: r.Count()}
	st.Delivered, st.Failed, st.Rejected = r.delivered.Load(), r.failed.Load(), r.rejected.Load()
	return st
}
