package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that the strict decoder cannot: durations, enums,
// non-negative sizes and the evaluator time zone.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		switch driver {
		case "", "file", "sqlite", "sqlite3", "memory", "none":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(s.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	n := cfg.Notifications
	switch strings.ToLower(strings.TrimSpace(n.DedupeMode)) {
	case "", "slot", "rolling":
	default:
		errs = append(errs, fmt.Errorf("notifications.dedupe_mode: want slot or rolling, got %q", n.DedupeMode))
	}
	errs = appendNonNegative(errs,
		intField{"notifications.user_cap", n.UserCap},
		intField{"notifications.global_cap", n.GlobalCap},
		intField{"notifications.retention_days", n.RetentionDays},
		intField{"notifications.max_queue_size", n.MaxQueueSize},
		intField{"notifications.min_free_mb", n.MinFreeMB},
		intField{"broadcast.buffer_size", cfg.Broadcast.BufferSize},
		intField{"delivery.max_connections_per_user", cfg.Delivery.MaxConnectionsPerUser},
		intField{"delivery.send_buffer", cfg.Delivery.SendBuffer},
		intField{"simulation.max_plan_size", cfg.Simulation.MaxPlanSize},
	)

	ev := cfg.Evaluators
	for path, raw := range map[string]string{
		"notifications.flush_interval":  n.FlushInterval,
		"notifications.dedupe_window":   n.DedupeWindow,
		"evaluators.tick":               ev.Tick,
		"evaluators.upcoming_window":    ev.UpcomingWindow,
		"evaluators.ending_soon_window": ev.EndingSoonWindow,
		"evaluators.finished_grace":     ev.FinishedGrace,
		"delivery.send_timeout":         cfg.Delivery.SendTimeout,
		"delivery.write_timeout":        cfg.Delivery.WriteTimeout,
		"delivery.ping_interval":        cfg.Delivery.PingInterval,
		"simulation.pace_interval":      cfg.Simulation.PaceInterval,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(ev.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("evaluators.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

type intField struct {
	path string
	v    int
}

func appendNonNegative(errs []error, fields ...intField) []error {
	for _, f := range fields {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", f.path))
		}
	}
	return errs
}
