package app

import (
	"fmt"
	"strings"
	"time"

	"homedir/internal/config"
	"homedir/internal/delivery"
	"homedir/internal/httpapi"
	"homedir/internal/notify"
	"homedir/internal/persist"
	"homedir/internal/schedule"
	"homedir/internal/simulate"
	"homedir/internal/storage"
	logx "homedir/pkg/logx"
)

const (
	defaultTick          = 15 * time.Second
	defaultWindow        = 5 * time.Minute
	defaultFinishedGrace = 10 * time.Minute
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorage reports enabled=false for a missing section or driver "none".
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		if path == "" {
			path = "./notifyd_data"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLane(cfg *config.Config) persist.Config {
	return persist.Config{
		QueueSize: cfg.Notifications.MaxQueueSize,
		Retries:   2,
	}
}

func mapDedupe(cfg *config.Config) (time.Duration, notify.DedupeMode, error) {
	win, err := config.ParseDurationOrDefault("notifications.dedupe_window", cfg.Notifications.DedupeWindow, defaultWindow)
	if err != nil {
		return 0, 0, err
	}
	mode, err := notify.ParseDedupeMode(cfg.Notifications.DedupeMode)
	if err != nil {
		return 0, 0, fmt.Errorf("notifications.dedupe_mode: %w", err)
	}
	return win, mode, nil
}

func minFreeBytes(mb int) uint64 {
	if mb <= 0 {
		return 0
	}
	return uint64(mb) * 1024 * 1024
}

func mapNotify(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notifications
	win, mode, err := mapDedupe(cfg)
	if err != nil {
		return notify.Config{}, err
	}
	flush, err := config.ParseDurationOrDefault("notifications.flush_interval", n.FlushInterval, 30*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	retention := n.RetentionDays
	if retention == 0 {
		retention = 30
	}
	return notify.Config{
		Enabled:         n.Enabled,
		UserCap:         n.UserCap,
		GlobalCap:       n.GlobalCap,
		FlushInterval:   flush,
		RetentionDays:   retention,
		MaxQueueSize:    n.MaxQueueSize,
		DedupeWindow:    win,
		DedupeMode:      mode,
		DropOnQueueFull: n.DropOnQueueFull,
		EvictOldest:     n.EvictOldest,
		MinFreeBytes:    minFreeBytes(n.MinFreeMB),
	}, nil
}

// mapBroadcast shares the dedupe and guard settings of notifications.
func mapBroadcast(cfg *config.Config) (notify.BroadcastConfig, error) {
	win, mode, err := mapDedupe(cfg)
	if err != nil {
		return notify.BroadcastConfig{}, err
	}
	return notify.BroadcastConfig{
		Enabled:      cfg.Broadcast.Enabled,
		BufferSize:   cfg.Broadcast.BufferSize,
		DedupeWindow: win,
		DedupeMode:   mode,
		MaxQueueSize: cfg.Notifications.MaxQueueSize,
		MinFreeBytes: minFreeBytes(cfg.Notifications.MinFreeMB),
	}, nil
}

type evaluatorsConfig struct {
	Tick   time.Duration
	Zone   *time.Location
	Talks  schedule.Config
	Breaks schedule.Config
	Events schedule.Config
}

func (e evaluatorsConfig) windows() schedule.Windows { return e.Talks.Windows }

func mapEvaluators(cfg *config.Config) (evaluatorsConfig, error) {
	ev := cfg.Evaluators
	var out evaluatorsConfig
	var err error
	if out.Tick, err = config.ParseDurationOrDefault("evaluators.tick", ev.Tick, defaultTick); err != nil {
		return out, err
	}
	up, err := config.ParseDurationOrDefault("evaluators.upcoming_window", ev.UpcomingWindow, defaultWindow)
	if err != nil {
		return out, err
	}
	es, err := config.ParseDurationOrDefault("evaluators.ending_soon_window", ev.EndingSoonWindow, defaultWindow)
	if err != nil {
		return out, err
	}
	grace, err := config.ParseDurationOrDefault("evaluators.finished_grace", ev.FinishedGrace, defaultFinishedGrace)
	if err != nil {
		return out, err
	}
	out.Zone = time.Local
	if tz := strings.TrimSpace(ev.Timezone); tz != "" {
		if out.Zone, err = time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("evaluators.timezone: %w", err)
		}
	}
	base := schedule.Config{
		Windows:       schedule.Windows{Upcoming: up, EndingSoon: es},
		FinishedGrace: grace,
		Zone:          out.Zone,
	}
	out.Talks, out.Breaks, out.Events = base, base, base
	out.Talks.Enabled = config.EnabledOr(ev.Talks, true)
	out.Breaks.Enabled = config.EnabledOr(ev.Breaks, true)
	out.Events.Enabled = config.EnabledOr(ev.Events, true)
	return out, nil
}

func mapSimulation(cfg *config.Config, ev evaluatorsConfig) (simulate.Config, error) {
	pace, err := config.ParseDurationField("simulation.pace_interval", cfg.Simulation.PaceInterval)
	if err != nil {
		return simulate.Config{}, err
	}
	return simulate.Config{
		AllowRealBroadcast: cfg.Simulation.AllowRealBroadcast,
		MaxPlanSize:        cfg.Simulation.MaxPlanSize,
		PaceInterval:       pace,
		Windows:            ev.windows(),
		Zone:               ev.Zone,
		FinishedGrace:      ev.Talks.FinishedGrace,
	}, nil
}

type deliveryConfig struct {
	Registry delivery.Config
	Server   httpapi.ServerConfig
	HTTP     httpapi.Options
}

func mapDelivery(cfg *config.Config) (deliveryConfig, error) {
	d := cfg.Delivery
	var out deliveryConfig
	send, err := config.ParseDurationField("delivery.send_timeout", d.SendTimeout)
	if err != nil {
		return out, err
	}
	write, err := config.ParseDurationField("delivery.write_timeout", d.WriteTimeout)
	if err != nil {
		return out, err
	}
	ping, err := config.ParseDurationField("delivery.ping_interval", d.PingInterval)
	if err != nil {
		return out, err
	}
	addr := strings.TrimSpace(d.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	var origins []string
	for _, o := range strings.Split(d.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	out.Registry = delivery.Config{MaxPerUser: d.MaxConnectionsPerUser, SendTimeout: send}
	out.Server = httpapi.ServerConfig{Addr: addr}
	out.HTTP = httpapi.Options{
		AdminToken:  strings.TrimSpace(d.AdminToken),
		Loopback:    httpapi.IsLoopbackAddr(addr),
		Pprof:       d.Pprof,
		CORSOrigins: origins,
		WS: delivery.WSConfig{
			SendBuffer:   d.SendBuffer,
			WriteTimeout: write,
			PingInterval: ping,
		},
	}
	return out, nil
}

// validate runs every mapping so a reload that cannot be applied is refused.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapNotify(cfg); err != nil {
		return err
	}
	ev, err := mapEvaluators(cfg)
	if err != nil {
		return err
	}
	if _, err := mapSimulation(cfg, ev); err != nil {
		return err
	}
	_, err = mapDelivery(cfg)
	return err
}
