package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/linkresolve"
	"relaybot/internal/userbot"
	logx "relaybot/pkg/logx"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "123:abc", OwnerUserIDs: []int64{1}},
	}
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()

	sc, err := mapStorage(cfg)
	if err != nil {
		t.Fatalf("mapStorage: %v", err)
	}
	if sc.Driver != "sqlite" || sc.Path != defaultStoragePath || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v", sc)
	}

	gopt, err := mapGotd(cfg)
	if err != nil {
		t.Fatalf("mapGotd: %v", err)
	}
	if gopt.SessionDir != defaultSessionDir || gopt.ClientTimeout != 30*time.Second {
		t.Fatalf("gotd = %+v", gopt)
	}

	eopt, err := mapEngine(cfg, 5*time.Second)
	if err != nil {
		t.Fatalf("mapEngine: %v", err)
	}
	if eopt.DelayMin != time.Second || eopt.DelayMax != 3*time.Second || eopt.AutoPauseAfter != 0 {
		t.Fatalf("engine = %+v", eopt)
	}

	popt, err := mapScheduler(cfg)
	if err != nil {
		t.Fatalf("mapScheduler: %v", err)
	}
	if !popt.Enabled || popt.Interval != time.Minute {
		t.Fatalf("scheduler = %+v", popt)
	}
	if got := maintenanceSpec(cfg); got != "@hourly" {
		t.Fatalf("maintenanceSpec = %q, want @hourly", got)
	}

	mopt, err := mapMembership(cfg)
	if err != nil {
		t.Fatalf("mapMembership: %v", err)
	}
	if mopt.Retry.MaxAttempts != 5 || mopt.Retry.BaseDelay != 5*time.Second || mopt.Retry.MaxHint != time.Minute {
		t.Fatalf("membership retry = %+v", mopt.Retry)
	}
	if mopt.JoinTimeout != 30*time.Second {
		t.Fatalf("JoinTimeout = %v, want 30s", mopt.JoinTimeout)
	}
}

func TestMappingOverrides(t *testing.T) {
	t.Parallel()
	off := false
	cfg := baseConfig()
	cfg.Scheduler = config.SchedulerConfig{
		Enabled:         &off,
		PollInterval:    "15s",
		ForwardDelayMin: "2s",
		ForwardDelayMax: "4s",
		AutoPauseAfter:  3,
		MaintenanceSpec: "*/10 * * * *",
	}
	cfg.Membership = config.MembershipConfig{MaxAttempts: 2, MaxFloodWait: "5m", Concurrency: 1}

	popt, err := mapScheduler(cfg)
	if err != nil {
		t.Fatalf("mapScheduler: %v", err)
	}
	if popt.Enabled || popt.Interval != 15*time.Second {
		t.Fatalf("scheduler = %+v", popt)
	}
	eopt, err := mapEngine(cfg, 0)
	if err != nil {
		t.Fatalf("mapEngine: %v", err)
	}
	if eopt.DelayMin != 2*time.Second || eopt.DelayMax != 4*time.Second || eopt.AutoPauseAfter != 3 {
		t.Fatalf("engine = %+v", eopt)
	}
	if got := maintenanceSpec(cfg); got != "*/10 * * * *" {
		t.Fatalf("maintenanceSpec = %q", got)
	}
	mopt, err := mapMembership(cfg)
	if err != nil {
		t.Fatalf("mapMembership: %v", err)
	}
	if mopt.Retry.MaxAttempts != 2 || mopt.Retry.MaxHint != 5*time.Minute || mopt.Concurrency != 1 {
		t.Fatalf("membership = %+v", mopt)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		edit func(c *config.Config)
	}{
		{"missing token", func(c *config.Config) { c.Telegram.Token = "" }},
		{"bad duration", func(c *config.Config) { c.Membership.BaseDelay = "soon" }},
		{"poll too fast", func(c *config.Config) { c.Scheduler.PollInterval = "10ms" }},
		{"bad poll timeout", func(c *config.Config) { c.Telegram.PollTimeout = "x" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.edit(cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("validate accepted %s", tc.name)
			}
		})
	}
	if err := validate(baseConfig()); err != nil {
		t.Fatalf("validate(base) = %v, want nil", err)
	}
}

func TestResolverCacheSelection(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	res, err := mapResolver(cfg)
	if err != nil {
		t.Fatalf("mapResolver: %v", err)
	}
	if _, ok := res.opt.Cache.(*linkresolve.MemoryCache); !ok {
		t.Fatalf("default cache = %T, want *MemoryCache", res.opt.Cache)
	}
	if res.opt.Retry.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, want 1", res.opt.Retry.MaxAttempts)
	}

	cfg.Resolver.Cache = "none"
	res, err = mapResolver(cfg)
	if err != nil {
		t.Fatalf("mapResolver(none): %v", err)
	}
	if res.opt.Cache != nil {
		t.Fatalf("none cache = %T, want nil", res.opt.Cache)
	}

	cfg.Resolver.Cache = "redis"
	if _, err := mapResolver(cfg); err == nil {
		t.Fatalf("redis without addr accepted")
	}
}

func TestResolverRedisCache(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	cfg := baseConfig()
	cfg.Resolver.Cache = "redis"
	cfg.Resolver.Redis.Addr = mr.Addr()
	cfg.Resolver.Redis.Prefix = "test:"
	res, err := mapResolver(cfg)
	if err != nil {
		t.Fatalf("mapResolver: %v", err)
	}
	defer res.Close()

	ctx := context.Background()
	want := userbot.Peer{Kind: userbot.PeerChannel, ID: 42, AccessHash: 7}
	if err := res.opt.Cache.Set(ctx, "+100", "news", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := res.opt.Cache.Get(ctx, "+100", "news")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got != want {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}
	if keys := mr.Keys(); len(keys) != 1 || !strings.HasPrefix(keys[0], "test:") {
		t.Fatalf("redis keys = %v", keys)
	}
}

func TestNoticeMessage(t *testing.T) {
	t.Parallel()
	st := eventbus.TaskState{TaskID: 9, TaskName: "promo", Owner: "KEY", Reason: "end date reached"}

	m, ok := noticeMessage(eventbus.Event{Type: eventbus.TaskCompleted, Data: st})
	if !ok {
		t.Fatalf("completed event not announced")
	}
	if !strings.Contains(m.Text, "#9 promo") || !strings.Contains(m.Text, "end date reached") {
		t.Fatalf("text = %q", m.Text)
	}
	if _, ok := noticeMessage(eventbus.Event{Type: eventbus.TaskSucceeded, Data: eventbus.TaskRun{TaskID: 9}}); ok {
		t.Fatalf("succeeded event announced")
	}
}

func TestNotifierRespectsConfig(t *testing.T) {
	t.Parallel()
	var sent []string
	n := newNotifier(config.SystemdConfig{}, logx.Nop())
	n.send = func(s string) (bool, error) { sent = append(sent, s); return true, nil }

	n.Stopping()
	if len(sent) != 0 {
		t.Fatalf("sent %v with notify off", sent)
	}

	n.cfg.Notify = true
	n.send = func(s string) (bool, error) { sent = append(sent, s); return false, errors.New("no socket") }
	n.Stopping()
	if len(sent) != 1 || sent[0] != "STOPPING=1" {
		t.Fatalf("sent = %v, want [STOPPING=1]", sent)
	}
}
