package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"homedir/internal/config"
	"homedir/internal/notify"
)

func boolp(v bool) *bool { return &v }

func TestMapStorage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       *config.StorageConfig
		enabled  bool
		wantPath string
		wantErr  bool
	}{
		{name: "missing section", in: nil},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{name: "memory", in: &config.StorageConfig{Driver: "memory"}, enabled: true},
		{name: "file default path", in: &config.StorageConfig{Driver: "file"}, enabled: true, wantPath: "./notifyd_data"},
		{name: "sqlite needs path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "sqlite", in: &config.StorageConfig{Driver: "SQLite", Path: "/tmp/n.db"}, enabled: true, wantPath: "/tmp/n.db"},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis", Path: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorage(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if enabled != tt.enabled {
				t.Fatalf("enabled=%v want %v", enabled, tt.enabled)
			}
			if tt.wantPath != "" && sc.Path != tt.wantPath {
				t.Fatalf("path=%q want %q", sc.Path, tt.wantPath)
			}
		})
	}
}

func TestMapNotifyDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Notifications: config.NotificationsConfig{Enabled: true, MinFreeMB: 2, DedupeMode: "rolling"}}
	n, err := mapNotify(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if n.FlushInterval != 30*time.Second || n.RetentionDays != 30 || n.DedupeWindow != 5*time.Minute {
		t.Fatalf("defaults not applied: %+v", n)
	}
	if n.MinFreeBytes != 2*1024*1024 {
		t.Fatalf("min free bytes=%d", n.MinFreeBytes)
	}
	if n.DedupeMode != notify.DedupeRolling {
		t.Fatalf("mode=%v", n.DedupeMode)
	}

	b, err := mapBroadcast(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if b.DedupeWindow != n.DedupeWindow || b.MinFreeBytes != n.MinFreeBytes {
		t.Fatalf("broadcast does not share dedupe/guards: %+v", b)
	}
}

func TestMapEvaluators(t *testing.T) {
	t.Parallel()

	ev, err := mapEvaluators(&config.Config{Evaluators: config.EvaluatorsConfig{
		Timezone: "UTC",
		Breaks:   boolp(false),
		Tick:     "2s",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Tick != 2*time.Second {
		t.Fatalf("tick=%v", ev.Tick)
	}
	if ev.Zone.String() != "UTC" {
		t.Fatalf("zone=%v", ev.Zone)
	}
	if !ev.Talks.Enabled || ev.Breaks.Enabled || !ev.Events.Enabled {
		t.Fatalf("enabled flags: talks=%v breaks=%v events=%v", ev.Talks.Enabled, ev.Breaks.Enabled, ev.Events.Enabled)
	}
	if ev.Talks.FinishedGrace != defaultFinishedGrace || ev.Talks.Windows.Upcoming != defaultWindow {
		t.Fatalf("defaults: %+v", ev.Talks)
	}
	sim, err := mapSimulation(&config.Config{}, ev)
	if err != nil {
		t.Fatal(err)
	}
	if sim.FinishedGrace != ev.Talks.FinishedGrace {
		t.Fatalf("simulation grace=%v, evaluators use %v", sim.FinishedGrace, ev.Talks.FinishedGrace)
	}

	if _, err := mapEvaluators(&config.Config{Evaluators: config.EvaluatorsConfig{Timezone: "Mars/Olympus"}}); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestMapDelivery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       config.DeliveryConfig
		addr     string
		loopback bool
		origins  int
	}{
		{name: "defaults", addr: "127.0.0.1:8080", loopback: true},
		{name: "public", in: config.DeliveryConfig{Addr: ":9000"}, addr: ":9000"},
		{name: "cors", in: config.DeliveryConfig{Addr: "localhost:1", CORSOrigins: " https://a.example , ,https://b.example"}, addr: "localhost:1", loopback: true, origins: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := mapDelivery(&config.Config{Delivery: tt.in})
			if err != nil {
				t.Fatal(err)
			}
			if d.Server.Addr != tt.addr || d.HTTP.Loopback != tt.loopback || len(d.HTTP.CORSOrigins) != tt.origins {
				t.Fatalf("got addr=%q loopback=%v origins=%v", d.Server.Addr, d.HTTP.Loopback, d.HTTP.CORSOrigins)
			}
		})
	}
}

func TestValidateRejectsBadSections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.Config
	}{
		{name: "bad dedupe mode", cfg: config.Config{Notifications: config.NotificationsConfig{DedupeMode: "sliding"}}},
		{name: "bad duration", cfg: config.Config{Evaluators: config.EvaluatorsConfig{Tick: "soon"}}},
		{name: "sqlite without path", cfg: config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			if err := validate(&cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

const appYAML = `
logging:
  level: error
notifications:
  enabled: true
broadcast:
  enabled: true
evaluators:
  tick: 1s
delivery:
  addr: 127.0.0.1:0
storage:
  driver: file
  path: %DATA%
`

func TestAppLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := []byte(strings.ReplaceAll(appYAML, "%DATA%", filepath.Join(dir, "data")))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	o := a.notify.Enqueue(ctx, notify.Notification{UserID: "u1", Type: notify.TypeSocial, Title: "hi"})
	if !o.Accepted() {
		t.Fatalf("outcome=%v", o)
	}
	select {
	case <-a.http.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("http server never bound")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// The drained snapshot is picked up by a fresh instance.
	b, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Stop(context.Background(), StopSIGINT)
	page, err := b.notify.List("u1", notify.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].Title != "hi" {
		t.Fatalf("restored %+v, want the one notification", page.Items)
	}
}
