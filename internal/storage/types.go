package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("snapshot not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON file per user plus global.json under Path (a directory)
//   - "sqlite": SQLite database file at Path
//   - "memory": process-local maps
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the snapshot persistence API used by the persistence lane.
type Store interface {
	// PutUser replaces the snapshot of one user.
	PutUser(ctx context.Context, userID string, body []byte) error
	// LoadUsers returns every stored user snapshot body.
	LoadUsers(ctx context.Context) ([][]byte, error)
	// PutGlobal replaces the global buffer snapshot.
	PutGlobal(ctx context.Context, body []byte) error
	// LoadGlobal returns ErrNotFound when nothing was stored yet.
	LoadGlobal(ctx context.Context) ([]byte, error)
	// Dir is the directory whose device holds the data (disk guard target).
	Dir() string
	Close() error
}
