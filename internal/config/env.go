package config

import (
	"os"
	"strings"
)

// Token environment variables, highest priority first.
var tokenEnv = []string{"SHIELDBOT_TELEGRAM_TOKEN", "BOT_TOKEN"}

// applyEnv fills secrets that are commonly kept out of config files.
// A token set in the environment wins over the file.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, k := range tokenEnv {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			cfg.Telegram.Token = v
			break
		}
	}
	if v := strings.TrimSpace(getenv("SHIELDBOT_STORAGE_DSN")); v != "" {
		cfg.Storage.DSN = v
	}
}
