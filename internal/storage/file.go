package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "homedir/pkg/logx"
)

// fileStore keeps one JSON document per snapshot.
//
// Files:
//   - <dir>/users/<sha256(user)[:32]>.json
//   - <dir>/global.json
//
// Every write goes to a temp file in the same directory, is fsynced and then
// renamed over the destination, so readers see either the old or the new body.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	dir    string
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Join(dir, "users"), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

// UserFileName is the base name used for a user's snapshot.
func UserFileName(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:32] + ".json"
}

func (s *fileStore) Dir() string { return s.dir }

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) PutUser(ctx context.Context, userID string, body []byte) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("empty user id")
	}
	return s.write(ctx, filepath.Join(s.dir, "users", UserFileName(userID)), body)
}

func (s *fileStore) PutGlobal(ctx context.Context, body []byte) error {
	return s.write(ctx, filepath.Join(s.dir, "global.json"), body)
}

func (s *fileStore) LoadGlobal(ctx context.Context) ([]byte, error) {
	_ = ctx
	b, err := os.ReadFile(filepath.Join(s.dir, "global.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *fileStore) LoadUsers(ctx context.Context) ([][]byte, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "users"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, "users", e.Name()))
		if err != nil {
			s.log.Warn("snapshot read failed", logx.String("file", e.Name()), logx.Err(err))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *fileStore) write(ctx context.Context, dst string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return writeFileAtomic(dst, body)
}

func writeFileAtomic(dst string, body []byte) error {
	f, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		cleanup()
		return err
	}
	return nil
}
