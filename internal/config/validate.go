package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// durationField accepts an empty string or a non-negative Go duration.
var durationField = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return errors.New("must be a Go duration (e.g. 30s, 5m)")
	}
	if d < 0 {
		return errors.New("must be >= 0")
	}
	return nil
})

var timezoneField = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := time.LoadLocation(strings.TrimSpace(s)); err != nil {
		return errors.New("unknown timezone")
	}
	return nil
})

// Validate checks a parsed config. It is used at startup and as the hot-reload
// gate, so it must not touch the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	checks := []struct {
		section string
		err     error
	}{
		{"telegram", validation.ValidateStruct(&cfg.Telegram,
			validation.Field(&cfg.Telegram.Token, validation.Required),
			validation.Field(&cfg.Telegram.OwnerUserIDs, validation.Required),
			validation.Field(&cfg.Telegram.PollTimeout, durationField),
		)},
		{"logging", validation.ValidateStruct(&cfg.Logging,
			validation.Field(&cfg.Logging.Level, validation.In("", "trace", "debug", "info", "warn", "error",
				"TRACE", "DEBUG", "INFO", "WARN", "ERROR")),
		)},
		{"storage", validation.ValidateStruct(&cfg.Storage,
			validation.Field(&cfg.Storage.Driver, validation.In("", "sqlite")),
			validation.Field(&cfg.Storage.BusyTimeout, durationField),
		)},
		{"userbot", validation.ValidateStruct(&cfg.Userbot,
			validation.Field(&cfg.Userbot.APIID, validation.Min(0)),
			validation.Field(&cfg.Userbot.ClientTimeout, durationField),
			validation.Field(&cfg.Userbot.ConstructTimeout, durationField),
			validation.Field(&cfg.Userbot.ShutdownTimeout, durationField),
		)},
		{"scheduler", validation.ValidateStruct(&cfg.Scheduler,
			validation.Field(&cfg.Scheduler.PollInterval, durationField),
			validation.Field(&cfg.Scheduler.Concurrency, validation.Min(0)),
			validation.Field(&cfg.Scheduler.ForwardDelayMin, durationField),
			validation.Field(&cfg.Scheduler.ForwardDelayMax, durationField),
			validation.Field(&cfg.Scheduler.ForwardsPerSecond, validation.Min(0.0)),
			validation.Field(&cfg.Scheduler.AutoPauseAfter, validation.Min(0)),
			validation.Field(&cfg.Scheduler.Timezone, timezoneField),
		)},
		{"membership", validation.ValidateStruct(&cfg.Membership,
			validation.Field(&cfg.Membership.MaxAttempts, validation.Min(0)),
			validation.Field(&cfg.Membership.BaseDelay, durationField),
			validation.Field(&cfg.Membership.MaxFloodWait, durationField),
			validation.Field(&cfg.Membership.Concurrency, validation.Min(0)),
			validation.Field(&cfg.Membership.DelayMin, durationField),
			validation.Field(&cfg.Membership.DelayMax, durationField),
			validation.Field(&cfg.Membership.JoinTimeout, durationField),
		)},
		{"resolver", validation.ValidateStruct(&cfg.Resolver,
			validation.Field(&cfg.Resolver.Cache, validation.In("", "memory", "redis", "none")),
			validation.Field(&cfg.Resolver.TTL, durationField),
			validation.Field(&cfg.Resolver.MaxAttempts, validation.Min(0)),
			validation.Field(&cfg.Resolver.BaseDelay, durationField),
		)},
	}
	for _, c := range checks {
		if c.err != nil {
			return fmt.Errorf("%s: %w", c.section, c.err)
		}
	}

	if strings.TrimSpace(cfg.Resolver.Cache) == "redis" && strings.TrimSpace(cfg.Resolver.Redis.Addr) == "" {
		return errors.New("resolver: redis cache requires redis.addr")
	}
	if err := checkRange("scheduler.forward_delay", cfg.Scheduler.ForwardDelayMin, cfg.Scheduler.ForwardDelayMax); err != nil {
		return err
	}
	if err := checkRange("membership.delay", cfg.Membership.DelayMin, cfg.Membership.DelayMax); err != nil {
		return err
	}
	return nil
}

func checkRange(path, lo, hi string) error {
	minD, _ := parseDuration(path+"_min", lo)
	maxD, _ := parseDuration(path+"_max", hi)
	if minD > 0 && maxD > 0 && maxD < minD {
		return fmt.Errorf("%s_max must be >= %s_min", path, path)
	}
	return nil
}
