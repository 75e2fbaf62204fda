package notify

import (
	"context"
	"encoding/json"
	"time"

	"homedir/internal/storage"
	logx "homedir/pkg/logx"
)

type FlushReport struct {
	Dirty     int `json:"dirty"`
	Submitted int `json:"submitted"`
	Purged    int `json:"purged"`
}

// Flush re-submits every dirty user so volatile entries become durable once
// the guards pass again, then applies retention.
func (s *Service) Flush(ctx context.Context) FlushReport {
	var r FlushReport
	dirty := s.DirtyUsers()
	r.Dirty = len(dirty)
	for _, u := range dirty {
		if ctx.Err() != nil {
			return r
		}
		if s.persistUser(u) {
			r.Submitted++
		}
	}
	r.Purged = s.Retain(ctx)
	if r.Dirty > 0 || r.Purged > 0 {
		s.log.Debug("flush finished",
			logx.Int("dirty", r.Dirty),
			logx.Int("submitted", r.Submitted),
			logx.Int("purged", r.Purged),
		)
	}
	return r
}

// Retain purges notifications older than RetentionDays and re-persists the
// affected users. It returns the number of removed entries.
func (s *Service) Retain(ctx context.Context) int {
	days := s.config().RetentionDays
	if days <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	removed := s.store.PurgeOlderThan(cutoff)
	total := 0
	for u, n := range removed {
		total += n
		if ctx.Err() == nil {
			s.persistUser(u)
		}
	}
	return total
}

// Load replaces the in-memory store with the persisted user snapshots and
// seeds the deduper with their keys.
func (s *Service) Load(ctx context.Context, st storage.Store) (int, error) {
	if st == nil {
		return 0, nil
	}
	bodies, err := st.LoadUsers(ctx)
	if err != nil {
		return 0, err
	}
	cfg := s.config()
	users := 0
	for _, b := range bodies {
		var snap userSnapshot
		if err := json.Unmarshal(b, &snap); err != nil || snap.UserID == "" {
			s.log.Warn("skipping unreadable user snapshot", logx.Err(err))
			continue
		}
		list := snap.Notifications
		if cfg.UserCap > 0 && len(list) > cfg.UserCap {
			list = list[len(list)-cfg.UserCap:]
		}
		s.store.Replace(snap.UserID, list)
		for _, n := range list {
			s.dedupe.Remember(n.DedupeKey, time.UnixMilli(n.CreatedAt))
		}
		users++
	}
	s.log.Info("user snapshots loaded", logx.Int("users", users), logx.Int("total", s.store.Total()))
	return users, nil
}
