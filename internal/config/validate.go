package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks what the file format cannot: ranges, durations and
// cross-field rules. It is run on load and before committing a reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set SHIELDBOT_TELEGRAM_TOKEN / BOT_TOKEN)")
	}
	durations := map[string]string{
		"telegram.poll_timeout":       cfg.Telegram.PollTimeout,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"task_engine.default_timeout": cfg.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay": cfg.TaskEngine.MaxQueueDelay,
		"notifier.retry_base":         cfg.Notifier.RetryBase,
		"notifier.send_timeout":       cfg.Notifier.SendTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file", "memory":
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if cfg.Notifier.RatePerSec < 0 || cfg.Notifier.RetryMax < 0 {
		return fmt.Errorf("notifier: rate_per_sec and retry_max must be >= 0")
	}
	if cfg.Shield.MaxPerOwner < 0 {
		return fmt.Errorf("shield.max_per_owner must be >= 0")
	}
	if cfg.Logging.Chat.RatePerSec < 0 {
		return fmt.Errorf("logging.chat.rate_per_sec must be >= 0")
	}

	if cfg.Ops.Enabled && strings.TrimSpace(cfg.Ops.Token) == "" {
		addr := strings.TrimSpace(cfg.Ops.Addr)
		if addr != "" && !isLoopbackAddr(addr) {
			return fmt.Errorf("ops.addr %q is not loopback; set ops.token", addr)
		}
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
