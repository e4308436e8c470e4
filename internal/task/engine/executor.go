// Package engine runs one forwarding task against its account session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	"relaybot/internal/linkresolve"
	"relaybot/internal/retry"
	"relaybot/internal/storage"
	"relaybot/internal/userbot"
	logx "relaybot/pkg/logx"
)

// Store is what the executor reads and writes.
type Store interface {
	ListTargetGroups(ctx context.Context, owner string, folderID int64) ([]storage.TargetGroup, error)
	RecordRun(ctx context.Context, r storage.RunRecord) (storage.Task, error)
	SetTaskStatus(ctx context.Context, id int64, to storage.TaskStatus) error
}

type Sessions interface {
	Acquire(ctx context.Context, key string) (userbot.Handle, error)
}

type Resolver interface {
	Resolve(ctx context.Context, sess userbot.Session, ref string) (linkresolve.Target, error)
}

type Options struct {
	// Delay between two forwards of one run, drawn from [DelayMin, DelayMax].
	DelayMin time.Duration
	DelayMax time.Duration
	// ForwardsPerSecond caps forwards across the whole fleet. 0 disables it.
	ForwardsPerSecond float64
	// AutoPauseAfter moves a task to failed after that many consecutive
	// failed runs. 0 disables it.
	AutoPauseAfter    int
	DisconnectTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		DelayMin:          time.Second,
		DelayMax:          3 * time.Second,
		DisconnectTimeout: 5 * time.Second,
	}
}

// Result is the ephemeral outcome of one run.
type Result struct {
	TaskID       int64
	Success      bool
	Sent         int
	Targets      int
	UsedFallback bool
	Errors       []TargetError
	Err          error
	AutoPaused   bool
}

type Executor struct {
	store    Store
	sessions Sessions
	resolver Resolver
	bus      eventbus.Bus
	log      logx.Logger

	mu      sync.RWMutex
	opt     Options
	limiter *rate.Limiter

	breaker *breaker
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(store Store, sessions Sessions, resolver Resolver, opt Options, bus eventbus.Bus, log logx.Logger) *Executor {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{
		store:    store,
		sessions: sessions,
		resolver: resolver,
		bus:      bus,
		log:      log.With(logx.String("comp", "task.engine")),
		breaker:  newBreaker(),
		now:      time.Now,
		sleep:    retry.Sleep,
	}
	e.SetOptions(opt)
	return e
}

// SetOptions applies new knobs to subsequent runs.
func (e *Executor) SetOptions(opt Options) {
	if opt.DelayMax < opt.DelayMin {
		opt.DelayMax = opt.DelayMin
	}
	if opt.DisconnectTimeout <= 0 {
		opt.DisconnectTimeout = 5 * time.Second
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opt = opt
	switch {
	case opt.ForwardsPerSecond <= 0:
		e.limiter = nil
	case e.limiter == nil:
		e.limiter = rate.NewLimiter(rate.Limit(opt.ForwardsPerSecond), 1)
	default:
		e.limiter.SetLimit(rate.Limit(opt.ForwardsPerSecond))
	}
}

func (e *Executor) options() (Options, *rate.Limiter) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opt, e.limiter
}

// Execute performs one run of t and folds the result into the store. It never
// panics and never returns an error: every failure is a failed run.
func (e *Executor) Execute(ctx context.Context, t storage.Task) (res Result) {
	res.TaskID = t.ID
	log := e.log.With(
		logx.Int64("task_id", t.ID),
		logx.String("task", t.Name),
		logx.String("account", t.AccountKey),
	)
	opt, limiter := e.options()
	reached := true

	defer func() {
		if r := recover(); r != nil {
			log.Error("task run panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res.Success = false
			res.Err = fmt.Errorf("panic: %v", r)
			reached = false
		}
		e.finish(ctx, t, &res, reached, opt, log)
	}()

	h, err := e.sessions.Acquire(ctx, t.AccountKey)
	if err != nil {
		res.Err = err
		reached = false
		return res
	}

	h.Mu.Lock()
	defer h.Mu.Unlock()

	// disconnect even when Connect fails part way
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opt.DisconnectTimeout)
		defer cancel()
		if err := h.Session.Disconnect(dctx); err != nil {
			log.Debug("disconnect failed", logx.Err(err))
		}
	}()
	if err := h.Session.Connect(ctx); err != nil {
		res.Err = fmt.Errorf("connect: %w", err)
		return res
	}

	targets, err := e.targets(ctx, t)
	if err != nil {
		res.Err = err
		return res
	}
	res.Targets = len(targets)

	sent, err := e.forwardAll(ctx, h.Session, t.PrimaryRef, targets, false, &res, opt, limiter, log)
	if sent == 0 && t.FallbackRef != "" && ctx.Err() == nil {
		if err != nil {
			log.Warn("primary message unavailable, using fallback", logx.Err(err))
		} else {
			log.Warn("every primary forward failed, using fallback")
		}
		res.UsedFallback = true
		sent, err = e.forwardAll(ctx, h.Session, t.FallbackRef, targets, true, &res, opt, limiter, log)
	}
	res.Sent = sent
	res.Success = sent > 0
	if !res.Success {
		if err == nil {
			err = fmt.Errorf("%w: %d targets", ErrNothingSent, len(targets))
		}
		res.Err = err
	}
	return res
}

func (e *Executor) targets(ctx context.Context, t storage.Task) ([]storage.TargetGroup, error) {
	folder := t.FolderID
	if t.TargetAll {
		folder = 0
	} else if folder == 0 {
		return nil, ErrNoTargets
	}
	groups, err := e.store.ListTargetGroups(ctx, t.Owner, folder)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	if len(groups) == 0 {
		return nil, ErrNoTargets
	}
	return groups, nil
}

// forwardAll resolves ref and forwards it to every target in order. A failed
// target is logged and skipped. The error is set when ref did not resolve.
func (e *Executor) forwardAll(
	ctx context.Context,
	sess userbot.Session,
	ref string,
	targets []storage.TargetGroup,
	fallback bool,
	res *Result,
	opt Options,
	limiter *rate.Limiter,
	log logx.Logger,
) (int, error) {
	msg, err := e.resolver.Resolve(ctx, sess, ref)
	if err != nil {
		log.Warn("message link did not resolve", logx.String("ref", ref), logx.Bool("fallback", fallback), logx.Err(err))
		return 0, err
	}

	sent := 0
	for i, g := range targets {
		if i > 0 {
			if err := e.sleep(ctx, jitter(opt.DelayMin, opt.DelayMax)); err != nil {
				return sent, nil
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return sent, nil
			}
		}
		if err := sess.Forward(ctx, msg.Peer, msg.MsgID, g.GroupID); err != nil {
			res.Errors = append(res.Errors, TargetError{GroupID: g.GroupID, Fallback: fallback, Err: err})
			lvl := log.Warn
			if errors.Is(err, userbot.ErrRateLimited) {
				lvl = log.Info
			}
			lvl("forward failed, skipping target",
				logx.Int64("group_id", g.GroupID),
				logx.String("group", g.Name),
				logx.Bool("fallback", fallback),
				logx.Err(err),
			)
			continue
		}
		sent++
	}
	return sent, nil
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// finish records the run. It outlives ctx so shutdown does not lose counters.
func (e *Executor) finish(ctx context.Context, t storage.Task, res *Result, reached bool, opt Options, log logx.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
	}
	if _, err := e.store.RecordRun(wctx, storage.RunRecord{
		TaskID:       t.ID,
		Success:      res.Success,
		Sent:         res.Sent,
		Targets:      res.Targets,
		At:           e.now(),
		TouchLastRun: reached,
		Detail:       detail,
	}); err != nil {
		log.Error("record run failed", logx.Err(err))
	}

	ev := eventbus.TaskRun{
		TaskID:       t.ID,
		TaskName:     t.Name,
		AccountKey:   t.AccountKey,
		Sent:         res.Sent,
		Targets:      res.Targets,
		UsedFallback: res.UsedFallback,
	}
	if res.Success {
		log.Info("task run succeeded",
			logx.Int("sent", res.Sent),
			logx.Int("targets", res.Targets),
			logx.Bool("fallback", res.UsedFallback),
		)
		e.bus.Publish(eventbus.Event{Type: eventbus.TaskSucceeded, Data: ev})
	} else {
		ev.Err = detail
		log.Warn("task run failed", logx.Int("targets", res.Targets), logx.Err(res.Err))
		e.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	}

	if !e.breaker.record(t.ID, res.Success, opt.AutoPauseAfter) {
		return
	}
	if err := e.store.SetTaskStatus(wctx, t.ID, storage.TaskFailed); err != nil {
		log.Warn("auto-pause failed", logx.Err(err))
		return
	}
	res.AutoPaused = true
	reason := fmt.Sprintf("%d consecutive failed runs", opt.AutoPauseAfter)
	log.Warn("task auto-paused", logx.String("reason", reason))
	e.bus.Publish(eventbus.Event{Type: eventbus.TaskAutoPaused, Data: eventbus.TaskState{
		TaskID:   t.ID,
		TaskName: t.Name,
		Owner:    t.Owner,
		Reason:   reason,
	}})
}
