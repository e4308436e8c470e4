package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/control"
	"relaybot/internal/eventbus"
	"relaybot/internal/linkresolve"
	"relaybot/internal/membership"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/task/engine"
	"relaybot/internal/task/scheduler"
	kit "relaybot/internal/transport"
	telegram "relaybot/internal/transport/telegram/adapter"
	"relaybot/internal/transport/telegram/panel"
	"relaybot/internal/transport/telegram/router"
	"relaybot/internal/userbot"
	"relaybot/internal/userbot/gotd"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	registry *userbot.Registry
	resolver resolverSetup
	engine   *engine.Executor
	poller   *scheduler.Poller
	joiner   *membership.Manager
	control  *control.Service
	cmdm     *router.CommandManager

	notify *notifier

	started time.Time
	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; start with the chat sink off so a missing
	// target does not warn, then set the target and apply the real config.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(cfg.Telegram.LogChat, cfg.Logging.Chat.ThreadID)
	logSvc.Apply(logCfg)

	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	gopt, err := mapGotd(cfg)
	if err != nil {
		return fail(err)
	}
	ropt, err := mapRegistry(cfg)
	if err != nil {
		return fail(err)
	}
	registry := userbot.NewRegistry(store, gotd.NewFactory(gopt, log), ropt, log)

	res, err := mapResolver(cfg)
	if err != nil {
		return fail(err)
	}
	resolver := linkresolve.New(res.opt, log)

	eopt, err := mapEngine(cfg, ropt.ShutdownTimeout)
	if err != nil {
		return fail(err)
	}
	exec := engine.New(store, registry, resolver, eopt, bus, log)

	popt, err := mapScheduler(cfg)
	if err != nil {
		return fail(err)
	}
	poller := scheduler.New(store, exec, popt, bus, log)

	mopt, err := mapMembership(cfg)
	if err != nil {
		return fail(err)
	}
	joiner := membership.New(store, mopt, bus, log)

	svc := control.New(store, registry, joiner, bus, log)

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	p := panel.New(svc, poller, loc, log)
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, svc, cfg.Telegram.OwnerUserIDs)
	cmdm.SetRegistry(p.Commands(), p.Callbacks())

	if err := poller.AddJob("subscriptions.expire", maintenanceSpec(cfg), svc.ExpireSubscriptions); err != nil {
		return fail(fmt.Errorf("scheduler.maintenance_spec: %w", err))
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		registry: registry,
		resolver: res,
		engine:   exec,
		poller:   poller,
		joiner:   joiner,
		control:  svc,
		cmdm:     cmdm,
		notify:   newNotifier(cfg.Systemd, log),
		updates:  make(chan kit.Update, 256),
	}
	p.SetRuntime(a)
	return a, nil
}

func (a *App) StartedAt() time.Time { return a.started }

// Sessions lists accounts whose session is currently held by the registry.
func (a *App) Sessions() []string { return a.registry.Keys() }

func (a *App) Supervisors() map[string]*supervisor.Supervisor {
	return map[string]*supervisor.Supervisor{
		"app":              a.sup,
		"telegram.adapter": a.adapter.Supervisor(),
		"commands":         a.cmdm.Supervisor(),
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				a.notice(c, e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.reload(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.poller.Start(a.sup.Context())
	a.notify.Ready(a.sup)

	a.log.Info("app started", logx.Bool("scheduler", a.cfgm.Get().Scheduler.IsEnabled()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Poller first so no new runs start while sessions are torn down.
	step("scheduler", 30*time.Second, func(c context.Context) error { a.poller.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("userbot", 10*time.Second, func(c context.Context) error { a.registry.Shutdown(c); return nil })
	step("resolver", time.Second, func(context.Context) error { return a.resolver.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
