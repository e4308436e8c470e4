package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relaybot/internal/config"
	"relaybot/internal/linkresolve"
	"relaybot/internal/membership"
	"relaybot/internal/retry"
	"relaybot/internal/storage"
	"relaybot/internal/task/engine"
	"relaybot/internal/task/scheduler"
	"relaybot/internal/userbot"
	"relaybot/internal/userbot/gotd"
	logx "relaybot/pkg/logx"
)

// Defaults for fields left empty in the config file.
const (
	defaultMaintenanceSpec = "@hourly"
	defaultSessionDir      = "./sessions"
	defaultStoragePath     = "./data/relaybot.db"
	defaultAliasTTL        = 6 * time.Hour
)

func dur(path, raw string, def time.Duration) (time.Duration, error) {
	return config.DurationOr(path, raw, def)
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ThreadID:   cfg.Logging.Chat.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultStoragePath
	}
	busy, err := dur("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
}

func mapGotd(cfg *config.Config) (gotd.Options, error) {
	uc := cfg.Userbot
	timeout, err := dur("userbot.client_timeout", uc.ClientTimeout, 30*time.Second)
	if err != nil {
		return gotd.Options{}, err
	}
	dir := strings.TrimSpace(uc.SessionDir)
	if dir == "" {
		dir = defaultSessionDir
	}
	return gotd.Options{
		APIID:         uc.APIID,
		APIHash:       uc.APIHash,
		SessionDir:    dir,
		ClientTimeout: timeout,
		DeviceModel:   uc.DeviceModel,
	}, nil
}

func mapRegistry(cfg *config.Config) (userbot.Options, error) {
	construct, err := dur("userbot.construct_timeout", cfg.Userbot.ConstructTimeout, 10*time.Second)
	if err != nil {
		return userbot.Options{}, err
	}
	shutdown, err := dur("userbot.shutdown_timeout", cfg.Userbot.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return userbot.Options{}, err
	}
	return userbot.Options{ConstructTimeout: construct, ShutdownTimeout: shutdown}, nil
}

func mapEngine(cfg *config.Config, disconnect time.Duration) (engine.Options, error) {
	sc := cfg.Scheduler
	lo, err := dur("scheduler.forward_delay_min", sc.ForwardDelayMin, time.Second)
	if err != nil {
		return engine.Options{}, err
	}
	hi, err := dur("scheduler.forward_delay_max", sc.ForwardDelayMax, 3*time.Second)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		DelayMin:          lo,
		DelayMax:          hi,
		ForwardsPerSecond: sc.ForwardsPerSecond,
		AutoPauseAfter:    sc.AutoPauseAfter,
		DisconnectTimeout: disconnect,
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Options, error) {
	sc := cfg.Scheduler
	every, err := dur("scheduler.poll_interval", sc.PollInterval, time.Minute)
	if err != nil {
		return scheduler.Options{}, err
	}
	return scheduler.Options{
		Enabled:     sc.IsEnabled(),
		Interval:    every,
		Concurrency: sc.Concurrency,
		Timezone:    sc.Timezone,
	}, nil
}

func maintenanceSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.MaintenanceSpec); s != "" {
		return s
	}
	return defaultMaintenanceSpec
}

func mapMembership(cfg *config.Config) (membership.Options, error) {
	mc := cfg.Membership
	def := membership.DefaultOptions()
	base, err := dur("membership.base_delay", mc.BaseDelay, def.Retry.BaseDelay)
	if err != nil {
		return membership.Options{}, err
	}
	flood, err := dur("membership.max_flood_wait", mc.MaxFloodWait, def.Retry.MaxHint)
	if err != nil {
		return membership.Options{}, err
	}
	lo, err := dur("membership.delay_min", mc.DelayMin, def.DelayMin)
	if err != nil {
		return membership.Options{}, err
	}
	hi, err := dur("membership.delay_max", mc.DelayMax, def.DelayMax)
	if err != nil {
		return membership.Options{}, err
	}
	join, err := dur("membership.join_timeout", mc.JoinTimeout, def.JoinTimeout)
	if err != nil {
		return membership.Options{}, err
	}
	opt := def
	opt.Retry.BaseDelay = base
	opt.Retry.MaxHint = flood
	if mc.MaxAttempts > 0 {
		opt.Retry.MaxAttempts = mc.MaxAttempts
	}
	if mc.Concurrency > 0 {
		opt.Concurrency = mc.Concurrency
	}
	opt.DelayMin, opt.DelayMax, opt.JoinTimeout = lo, hi, join
	return opt, nil
}

// resolverSetup is the alias resolver plus the redis client it may own.
type resolverSetup struct {
	opt linkresolve.Options
	rdb *redis.Client
}

func (r resolverSetup) Close() error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

func mapResolver(cfg *config.Config) (resolverSetup, error) {
	rc := cfg.Resolver
	ttl, err := dur("resolver.ttl", rc.TTL, defaultAliasTTL)
	if err != nil {
		return resolverSetup{}, err
	}
	base, err := dur("resolver.base_delay", rc.BaseDelay, time.Second)
	if err != nil {
		return resolverSetup{}, err
	}
	attempts := rc.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	out := resolverSetup{opt: linkresolve.Options{
		Retry: retry.Policy{MaxAttempts: attempts, BaseDelay: base, Multiplier: 2},
	}}

	switch strings.ToLower(strings.TrimSpace(rc.Cache)) {
	case "", "memory":
		out.opt.Cache = linkresolve.NewMemoryCache(ttl)
	case "none":
	case "redis":
		addr := strings.TrimSpace(rc.Redis.Addr)
		if addr == "" {
			return resolverSetup{}, fmt.Errorf("resolver.redis.addr is required when resolver.cache=redis")
		}
		out.rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		out.opt.Cache = linkresolve.NewRedisCache(out.rdb, rc.Redis.Prefix, ttl)
	default:
		return resolverSetup{}, fmt.Errorf("unknown resolver.cache: %s", rc.Cache)
	}
	return out, nil
}

// validate is the hot-reload gate: the schema check plus every mapping, so a
// bad duration is rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapRegistry(cfg); err != nil {
		return err
	}
	if _, err := mapEngine(cfg, 0); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapMembership(cfg); err != nil {
		return err
	}
	if _, err := dur("resolver.ttl", cfg.Resolver.TTL, defaultAliasTTL); err != nil {
		return err
	}
	_, err := dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	return err
}
