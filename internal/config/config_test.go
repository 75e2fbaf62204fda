package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: file
  path: ./data
notifications:
  enabled: true
  user_cap: 50
  dedupe_window: 5m
broadcast:
  enabled: true
  buffer_size: 20
evaluators:
  tick: 10s
  upcoming_window: 5m
  talks: false
delivery:
  addr: 127.0.0.1:9090
schedule:
  path: ./schedule.yaml
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Notifications.UserCap != 50 || !cfg.Notifications.Enabled {
		t.Fatalf("notifications = %+v", cfg.Notifications)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if EnabledOr(cfg.Evaluators.Talks, true) {
		t.Fatal("talks should be disabled")
	}
	if !EnabledOr(cfg.Evaluators.Breaks, true) {
		t.Fatal("omitted breaks should default to enabled")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown json key", path: "c.json", body: `{"notifications":{"enabled":true,"bogus":1}}`},
		{name: "unknown yaml key", path: "c.yaml", body: "broadcast:\n  size: 3\n"},
		{name: "trailing json", path: "c.json", body: `{} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("Decode(%s) expected error", tt.body)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "zero", cfg: Config{}, wantErr: false},
		{name: "bad duration", cfg: Config{Notifications: NotificationsConfig{DedupeWindow: "five"}}, wantErr: true},
		{name: "negative duration", cfg: Config{Evaluators: EvaluatorsConfig{Tick: "-1s"}}, wantErr: true},
		{name: "bad mode", cfg: Config{Notifications: NotificationsConfig{DedupeMode: "exact"}}, wantErr: true},
		{name: "negative cap", cfg: Config{Notifications: NotificationsConfig{UserCap: -1}}, wantErr: true},
		{name: "bad driver", cfg: Config{Storage: &StorageConfig{Driver: "redis", Path: "x"}}, wantErr: true},
		{name: "sqlite missing path", cfg: Config{Storage: &StorageConfig{Driver: "sqlite"}}, wantErr: true},
		{name: "file default path", cfg: Config{Storage: &StorageConfig{Driver: "file"}}, wantErr: false},
		{name: "bad zone", cfg: Config{Evaluators: EvaluatorsConfig{Timezone: "Mars/Olympus"}}, wantErr: true},
		{name: "rolling ok", cfg: Config{Notifications: NotificationsConfig{DedupeMode: "rolling"}}, wantErr: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", time.Second)
	if err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Delivery: DeliveryConfig{Addr: "127.0.0.1:8080"}}
	newCfg := &Config{
		Delivery:      DeliveryConfig{Addr: "127.0.0.1:9090"},
		Notifications: NotificationsConfig{Enabled: true},
		Storage:       &StorageConfig{Driver: "sqlite", Path: "x.db"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"delivery", "notifications", "storage"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if want := []string{"delivery.addr", "storage"}; !reflect.DeepEqual(restart, want) {
		t.Fatalf("restart = %v, want %v", restart, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestReloadPublishesOnlyOnChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"notifications":{"enabled":true}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatal("unchanged file should not publish")
	}

	writeFile(t, dir, "config.json", `{"notifications":{"enabled":false}}`)
	if !m.reload(ctx) {
		t.Fatal("changed file should publish")
	}
	select {
	case cfg := <-ch:
		if cfg.Notifications.Enabled {
			t.Fatal("published stale config")
		}
	default:
		t.Fatal("subscriber got nothing")
	}

	writeFile(t, dir, "config.json", `{"notifications":{"user_cap":-3}}`)
	if m.reload(ctx) {
		t.Fatal("invalid config should be rejected")
	}
	if m.Get().Notifications.UserCap != 0 {
		t.Fatal("rejected config was committed")
	}
	m.Unsubscribe(ch)
}

func TestWatchBackoff(t *testing.T) {
	t.Parallel()
	bo := newWatchBackoff()
	if d := bo.NextBackOff(); d < restartBackoffBase/2 || d > restartBackoffBase*3/2 {
		t.Fatalf("first wait = %v", d)
	}
	for i := 0; i < 50; i++ {
		bo.NextBackOff()
	}
	if d := bo.NextBackOff(); d <= 0 || d > restartBackoffMax*3/2 {
		t.Fatalf("capped wait = %v", d)
	}
	bo.Reset()
	if d := bo.NextBackOff(); d > restartBackoffBase*3/2 {
		t.Fatalf("wait after reset = %v", d)
	}
}
