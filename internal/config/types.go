package config

// Config is the whole bot configuration. JSON and YAML files share these
// keys; unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Notifier   NotifierConfig   `json:"notifier"`
	Shield     ShieldConfig     `json:"shield"`
	Ops        OpsConfig        `json:"ops"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via SHIELDBOT_TELEGRAM_TOKEN or BOT_TOKEN.
	Token string `json:"token"`
	// GroupLog is the chat receiving WARN+ logs when logging.chat is enabled:
	// "<chat id>" or "<chat id>:<thread id>".
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
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
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./shield_data.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default), postgres, file, memory
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone used for shield end times and the digest; empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs deliveries.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "30s"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type ShieldConfig struct {
	MaxPerOwner int `json:"max_per_owner,omitempty"`
	// DigestAt is "HH:MM" or a cron spec; default "08:00". "off" disables the digest.
	DigestAt string `json:"digest_at,omitempty"`
}

// OpsConfig controls the operational HTTP server (/metrics, /healthz,
// optional pprof).
//
// Prefer binding to localhost. A non-loopback address requires a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`
}
