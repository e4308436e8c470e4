package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Userbot holds the MTProto application credentials shared by every
	// account plus session lifecycle bounds.
	Userbot UserbotConfig `json:"userbot"`

	Scheduler  SchedulerConfig  `json:"scheduler"`
	Membership MembershipConfig `json:"membership"`
	Resolver   ResolverConfig   `json:"resolver"`
	Systemd    SystemdConfig    `json:"systemd,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChat receives WARN+ log lines and task lifecycle notices. 0 disables.
	LogChat int64 `json:"log_chat,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/relaybot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// UserbotConfig controls the account session registry.
//
// Defaults:
//   - session_dir: "./sessions"
//   - client_timeout: "30s"
//   - construct_timeout: "10s"
//   - shutdown_timeout: "5s"
type UserbotConfig struct {
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`

	SessionDir       string `json:"session_dir,omitempty"`
	ClientTimeout    string `json:"client_timeout,omitempty"`
	ConstructTimeout string `json:"construct_timeout,omitempty"`
	ShutdownTimeout  string `json:"shutdown_timeout,omitempty"`
	DeviceModel      string `json:"device_model,omitempty"`
}

// SchedulerConfig controls the task poller and executor.
//
// Enabled is a pointer so an omitted key means "on".
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "60s"
//   - concurrency: 5
//   - forward_delay_min / forward_delay_max: "1s" / "3s"
//   - forwards_per_second: 0 (unlimited)
//   - auto_pause_after: 0 (never pause)
//   - maintenance_spec: "@hourly"
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	PollInterval string `json:"poll_interval,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`

	ForwardDelayMin   string  `json:"forward_delay_min,omitempty"`
	ForwardDelayMax   string  `json:"forward_delay_max,omitempty"`
	ForwardsPerSecond float64 `json:"forwards_per_second,omitempty"`

	// AutoPauseAfter moves a task to "failed" after N consecutive failed runs.
	AutoPauseAfter int `json:"auto_pause_after,omitempty"`

	MaintenanceSpec string `json:"maintenance_spec,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// IsEnabled reports the effective enabled flag.
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// MembershipConfig controls group joining.
//
// Defaults: max_attempts 5, base_delay "5s", max_flood_wait "60s",
// concurrency 5, delay "1s".."3s", join_timeout "30s".
type MembershipConfig struct {
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxFloodWait string `json:"max_flood_wait,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
	DelayMin     string `json:"delay_min,omitempty"`
	DelayMax     string `json:"delay_max,omitempty"`
	JoinTimeout  string `json:"join_timeout,omitempty"`
}

// ResolverConfig controls public alias lookups.
//
// cache is one of "memory" (default), "redis" or "none".
type ResolverConfig struct {
	Cache       string      `json:"cache,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
	TTL         string      `json:"ttl,omitempty"`
	MaxAttempts int         `json:"max_attempts,omitempty"`
	BaseDelay   string      `json:"base_delay,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
