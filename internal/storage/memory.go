package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is a Store backed by maps.
type Memory struct {
	mu     sync.Mutex
	users  map[string][]byte
	global []byte
	writes int
}

// NewMemory returns an empty Memory store. Bodies are copied on write.
func NewMemory() *Memory {
	return &Memory{users: map[string][]byte{}}
}

func (m *Memory) Dir() string  { return "" }
func (m *Memory) Close() error { return nil }

func (m *Memory) PutUser(ctx context.Context, userID string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.users[userID] = append([]byte(nil), body...)
	m.writes++
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutGlobal(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.global = append([]byte(nil), body...)
	m.writes++
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadUsers(ctx context.Context) ([][]byte, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, append([]byte(nil), m.users[id]...))
	}
	return out, nil
}

func (m *Memory) LoadGlobal(ctx context.Context) ([]byte, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.global == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.global...), nil
}

// Writes reports how many Put calls succeeded.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// User returns the stored body for userID, or nil.
func (m *Memory) User(userID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.users[userID]...)
}
