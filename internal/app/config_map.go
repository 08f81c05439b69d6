package app

import (
	"strings"
	"time"

	"shieldbot/internal/config"
	"shieldbot/internal/notifier"
	"shieldbot/internal/observability/ops"
	"shieldbot/internal/shield"
	"shieldbot/internal/storage"
	"shieldbot/internal/task/engine"
	logx "shieldbot/pkg/logx"
)

// DefaultDigestAt is the daily digest time when shield.digest_at is unset.
const DefaultDigestAt = "08:00"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && (driver == "sqlite" || driver == "sqlite3") {
		path = "./shield_data.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, DSN: strings.TrimSpace(sc.DSN), BusyTimeout: busy}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine

	workers := te.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := te.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	historySize := te.HistorySize
	if historySize <= 0 {
		historySize = 200
	}

	defTimeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	timeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	// Zero values pick the notifier defaults.
	return notifier.Config{
		RatePerSec:  nc.RatePerSec,
		RetryMax:    nc.RetryMax,
		RetryBase:   base,
		SendTimeout: timeout,
	}, nil
}

func mapShieldConfig(cfg *config.Config) shield.Config {
	return shield.Config{MaxPerOwner: cfg.Shield.MaxPerOwner}
}

// digestSchedule returns the digest trigger and whether it is enabled.
func digestSchedule(cfg *config.Config) (string, bool) {
	at := strings.TrimSpace(cfg.Shield.DigestAt)
	switch strings.ToLower(at) {
	case "":
		return DefaultDigestAt, true
	case "off", "none", "disabled":
		return "", false
	}
	return at, true
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	o := cfg.Ops
	return ops.Config{Enabled: o.Enabled, Addr: o.Addr, Token: o.Token, Pprof: o.Pprof}
}
