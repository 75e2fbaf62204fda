package config

import (
	"reflect"
	"sort"
	"strings"

	logx "homedir/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the changed keys that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	restart := make([]string, 0, 2)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage: nil means memory only.
	var oDriver, nDriver, oPath, nPath, nBusy string
	if s := oldCfg.Storage; s != nil {
		oDriver, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPath, nBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path), strings.TrimSpace(s.BusyTimeout)
	}
	if oDriver != nDriver || oPath != nPath || (oldCfg.Storage == nil) != (newCfg.Storage == nil) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if on, nn := oldCfg.Notifications, newCfg.Notifications; on != nn {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.Bool("notifications.enabled", nn.Enabled),
			logx.Int("notifications.user_cap", nn.UserCap),
			logx.Int("notifications.global_cap", nn.GlobalCap),
			logx.Int("notifications.max_queue_size", nn.MaxQueueSize),
			logx.String("notifications.dedupe_window", nn.DedupeWindow),
			logx.String("notifications.dedupe_mode", nn.DedupeMode),
			logx.Bool("notifications.drop_on_queue_full", nn.DropOnQueueFull),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", newCfg.Broadcast.Enabled),
			logx.Int("broadcast.buffer_size", newCfg.Broadcast.BufferSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Evaluators, newCfg.Evaluators) {
		ev := newCfg.Evaluators
		changed = append(changed, "evaluators")
		attrs = append(attrs,
			logx.String("evaluators.tick", ev.Tick),
			logx.String("evaluators.timezone", ev.Timezone),
			logx.String("evaluators.upcoming_window", ev.UpcomingWindow),
			logx.String("evaluators.ending_soon_window", ev.EndingSoonWindow),
			logx.Bool("evaluators.talks", EnabledOr(ev.Talks, true)),
			logx.Bool("evaluators.breaks", EnabledOr(ev.Breaks, true)),
			logx.Bool("evaluators.events", EnabledOr(ev.Events, true)),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		if strings.TrimSpace(oldCfg.Delivery.Addr) != strings.TrimSpace(newCfg.Delivery.Addr) {
			restart = append(restart, "delivery.addr")
		}
		attrs = append(attrs,
			logx.String("delivery.addr", strings.TrimSpace(newCfg.Delivery.Addr)),
			logx.Int("delivery.max_connections_per_user", newCfg.Delivery.MaxConnectionsPerUser),
			logx.Bool("delivery.admin_token_set", strings.TrimSpace(newCfg.Delivery.AdminToken) != ""),
			logx.Bool("delivery.pprof", newCfg.Delivery.Pprof),
		)
		if oldCfg.Delivery.Pprof != newCfg.Delivery.Pprof || oldCfg.Delivery.CORSOrigins != newCfg.Delivery.CORSOrigins {
			restart = append(restart, "delivery.router")
		}
	}

	if oldCfg.Simulation != newCfg.Simulation {
		changed = append(changed, "simulation")
		attrs = append(attrs,
			logx.Bool("simulation.allow_real_broadcast", newCfg.Simulation.AllowRealBroadcast),
			logx.Int("simulation.max_plan_size", newCfg.Simulation.MaxPlanSize),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.String("schedule.path", newCfg.Schedule.Path))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
