package config

// Config is the on-disk configuration of notifyd (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Unknown keys are rejected so typos surface on the first reload.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Notifications NotificationsConfig `json:"notifications"`
	Broadcast     BroadcastConfig     `json:"broadcast"`
	Evaluators    EvaluatorsConfig    `json:"evaluators"`
	Delivery      DeliveryConfig      `json:"delivery"`
	Simulation    SimulationConfig    `json:"simulation"`
	Schedule      ScheduleConfig      `json:"schedule"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the snapshot store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./notifyd_data" }
//
// A nil section keeps everything in memory (all accepts are volatile).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotificationsConfig controls the per-user dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - user_cap: 100
//   - global_cap: 100000
//   - flush_interval: "30s"
//   - retention_days: 30
//   - max_queue_size: 256
//   - dedupe_window: "5m"
//   - dedupe_mode: "slot"
type NotificationsConfig struct {
	Enabled         bool   `json:"enabled"`
	UserCap         int    `json:"user_cap,omitempty"`
	GlobalCap       int    `json:"global_cap,omitempty"`
	FlushInterval   string `json:"flush_interval,omitempty"`
	RetentionDays   int    `json:"retention_days,omitempty"`
	MaxQueueSize    int    `json:"max_queue_size,omitempty"`
	DedupeWindow    string `json:"dedupe_window,omitempty"`
	DedupeMode      string `json:"dedupe_mode,omitempty"` // slot|rolling
	DropOnQueueFull bool   `json:"drop_on_queue_full,omitempty"`
	EvictOldest     bool   `json:"evict_oldest,omitempty"`
	MinFreeMB       int    `json:"min_free_mb,omitempty"`
}

type BroadcastConfig struct {
	Enabled    bool `json:"enabled"`
	BufferSize int  `json:"buffer_size,omitempty"` // default 200
}

// EvaluatorsConfig controls the schedule ticks.
//
// talks/breaks/events are pointers so an omitted key means enabled.
type EvaluatorsConfig struct {
	Tick             string `json:"tick,omitempty"`     // default "15s"
	Timezone         string `json:"timezone,omitempty"` // default Local
	UpcomingWindow   string `json:"upcoming_window,omitempty"`
	EndingSoonWindow string `json:"ending_soon_window,omitempty"`
	FinishedGrace    string `json:"finished_grace,omitempty"`
	Talks            *bool  `json:"talks,omitempty"`
	Breaks           *bool  `json:"breaks,omitempty"`
	Events           *bool  `json:"events,omitempty"`
}

// DeliveryConfig controls the HTTP/websocket surface.
//
// Prefer a loopback addr; identity is expected from a fronting proxy.
type DeliveryConfig struct {
	Addr                  string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	MaxConnectionsPerUser int    `json:"max_connections_per_user,omitempty"`
	SendTimeout           string `json:"send_timeout,omitempty"`
	WriteTimeout          string `json:"write_timeout,omitempty"`
	PingInterval          string `json:"ping_interval,omitempty"`
	SendBuffer            int    `json:"send_buffer,omitempty"`

	// AdminToken guards /api/global writes and pprof. Empty disables them
	// unless Addr is loopback.
	AdminToken  string `json:"admin_token,omitempty"`
	Pprof       bool   `json:"pprof,omitempty"`
	CORSOrigins string `json:"cors_origins,omitempty"` // comma-separated
}

type SimulationConfig struct {
	AllowRealBroadcast bool   `json:"allow_real_broadcast,omitempty"`
	MaxPlanSize        int    `json:"max_plan_size,omitempty"`
	PaceInterval       string `json:"pace_interval,omitempty"`
}

type ScheduleConfig struct {
	Path string `json:"path"`
}

// EnabledOr dereferences an optional flag.
func EnabledOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
