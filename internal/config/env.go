package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment overlay keys. Values from the environment win over the file so
// secrets can stay out of the config file.
const (
	EnvBotToken  = "RELAYBOT_BOT_TOKEN"
	EnvAPIID     = "RELAYBOT_API_ID"
	EnvAPIHash   = "RELAYBOT_API_HASH"
	EnvRedisAddr = "RELAYBOT_REDIS_ADDR"
)

// ApplyEnv overlays secrets from getenv onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if cfg == nil || getenv == nil {
		return nil
	}
	if v := strings.TrimSpace(getenv(EnvBotToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvAPIID)); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvAPIID, v)
		}
		cfg.Userbot.APIID = id
	}
	if v := strings.TrimSpace(getenv(EnvAPIHash)); v != "" {
		cfg.Userbot.APIHash = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisAddr)); v != "" {
		cfg.Resolver.Redis.Addr = v
	}
	return nil
}
