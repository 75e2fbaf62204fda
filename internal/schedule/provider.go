package schedule

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	logx "homedir/pkg/logx"

	"go.yaml.in/yaml/v3"
)

// Provider lists the tracked activities. Implementations must be safe for
// concurrent use; evaluators call it once per tick.
type Provider interface {
	Activities(ctx context.Context) ([]Activity, error)
}

// StaticProvider serves a fixed list.
type StaticProvider struct {
	mu   sync.RWMutex
	list []Activity
}

func NewStaticProvider(list []Activity) *StaticProvider {
	return &StaticProvider{list: append([]Activity(nil), list...)}
}

func (p *StaticProvider) Activities(context.Context) ([]Activity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Activity(nil), p.list...), nil
}

// Set replaces the list.
func (p *StaticProvider) Set(list []Activity) {
	p.mu.Lock()
	p.list = append([]Activity(nil), list...)
	p.mu.Unlock()
}

// File is the on-disk schedule document. JSON documents parse too.
type File struct {
	Activities []Activity `json:"activities" yaml:"activities"`
}

// FileProvider reads a YAML or JSON schedule and re-reads it when the file's
// modification time or size changes. A failed reload keeps serving the last
// good list.
type FileProvider struct {
	path string
	log  logx.Logger

	mu    sync.Mutex
	mtime time.Time
	size  int64
	list  []Activity
	ok    bool
}

func NewFileProvider(path string, log logx.Logger) *FileProvider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileProvider{path: path, log: log.With(logx.String("comp", "schedule"))}
}

func (p *FileProvider) Path() string { return p.path }

func (p *FileProvider) Activities(ctx context.Context) ([]Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := os.Stat(p.path)
	if err != nil {
		if p.ok {
			p.log.Warn("schedule unavailable; serving last good copy", logx.Err(err))
			return append([]Activity(nil), p.list...), nil
		}
		return nil, fmt.Errorf("stat schedule: %w", err)
	}
	if p.ok && st.ModTime().Equal(p.mtime) && st.Size() == p.size {
		return append([]Activity(nil), p.list...), nil
	}

	list, err := ParseFile(p.path)
	if err != nil {
		if p.ok {
			p.log.Warn("schedule reload failed; serving last good copy", logx.Err(err))
			return append([]Activity(nil), p.list...), nil
		}
		return nil, err
	}
	p.list, p.mtime, p.size, p.ok = list, st.ModTime(), st.Size(), true
	p.log.Info("schedule loaded", logx.String("path", p.path), logx.Int("activities", len(list)))
	return append([]Activity(nil), list...), nil
}

// ParseFile decodes a schedule document, rejecting unknown fields.
func ParseFile(path string) ([]Activity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) ([]Activity, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return f.Activities, nil
}
