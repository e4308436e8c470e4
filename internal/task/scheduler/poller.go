package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
	"relaybot/internal/task/engine"
	logx "relaybot/pkg/logx"
)

type Store interface {
	ListActiveTasks(ctx context.Context) ([]storage.Task, error)
	SetTaskStatus(ctx context.Context, id int64, to storage.TaskStatus) error
	AppendLog(ctx context.Context, e storage.LogEntry) error
}

type Executor interface {
	Execute(ctx context.Context, t storage.Task) engine.Result
}

type Options struct {
	Enabled     bool
	Interval    time.Duration
	Concurrency int
	Timezone    string // IANA name; empty means local time
}

func DefaultOptions() Options {
	return Options{Enabled: true, Interval: time.Minute, Concurrency: 5}
}

func (o Options) normalized() Options {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	o.Timezone = strings.TrimSpace(o.Timezone)
	return o
}

// BatchResult summarizes one poll.
type BatchResult struct {
	At        time.Time
	Polled    int
	Due       int
	Completed int
	Succeeded int
	Failed    int
	Took      time.Duration
}

type job struct {
	name    string
	spec    string
	run     cron.Job
	entryID cron.EntryID
}

type Poller struct {
	store Store
	exec  Executor
	bus   eventbus.Bus
	log   logx.Logger

	mu     sync.Mutex
	opt    Options
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	runCtx context.Context
	cancel context.CancelFunc
	pollID cron.EntryID
	jobs   []*job
	last   BatchResult

	// pollJob is wrapped once so the skip-if-running guard survives restarts.
	pollJob  cron.Job
	first    sync.WaitGroup
	inFlight atomic.Int64
	now      func() time.Time
}

func New(store Store, exec Executor, opt Options, bus eventbus.Bus, log logx.Logger) *Poller {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{
		store: store,
		exec:  exec,
		bus:   bus,
		log:   log.With(logx.String("comp", "task.scheduler")),
		opt:   opt.normalized(),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
	p.pollJob = p.wrap(cron.FuncJob(func() {
		ctx := p.context()
		if !p.options().Enabled || ctx.Err() != nil {
			return
		}
		p.Poll(ctx)
	}))
	return p
}

func (p *Poller) wrap(j cron.Job) cron.Job {
	l := cronLogger{p.log}
	return cron.NewChain(cron.Recover(l), cron.SkipIfStillRunning(l)).Then(j)
}

func (p *Poller) options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opt
}

func (p *Poller) context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCtx == nil {
		return context.Background()
	}
	return p.runCtx
}

// Apply swaps options in place. A new interval or timezone restarts the cron
// instance; concurrency takes effect on the next poll.
func (p *Poller) Apply(opt Options) {
	opt = opt.normalized()
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.opt
	p.opt = opt
	if p.c == nil {
		return
	}
	if old.Interval != opt.Interval || old.Timezone != opt.Timezone {
		p.log.Info("poller rescheduled",
			logx.Duration("interval", opt.Interval),
			logx.String("tz", opt.Timezone),
		)
		p.restartLocked()
	}
}

// Start begins polling. The first poll runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.c != nil {
		p.mu.Unlock()
		return
	}
	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.startLocked()
	opt, loc, jobs := p.opt, p.loc, len(p.jobs)
	p.mu.Unlock()

	p.log.Info("poller started",
		logx.Bool("enabled", opt.Enabled),
		logx.Duration("interval", opt.Interval),
		logx.Int("concurrency", opt.Concurrency),
		logx.String("tz", loc.String()),
		logx.Int("jobs", jobs),
	)
	p.first.Add(1)
	go func() {
		defer p.first.Done()
		p.pollJob.Run()
	}()
}

func (p *Poller) startLocked() {
	p.loc = loadLocation(p.opt.Timezone, p.log)
	p.c = cron.New(cron.WithParser(p.parser), cron.WithLocation(p.loc))
	p.pollID = p.c.Schedule(cron.Every(p.opt.Interval), p.pollJob)
	for _, j := range p.jobs {
		p.addLocked(j)
	}
	p.c.Start()
}

func (p *Poller) restartLocked() {
	// Running jobs finish on their own; the guard in pollJob keeps the old and
	// new instance from polling at the same time.
	p.c.Stop()
	p.startLocked()
}

// Stop cancels in-flight executions and waits for running jobs to return or
// ctx to expire.
func (p *Poller) Stop(ctx context.Context) {
	start := time.Now()
	p.mu.Lock()
	c, cancel := p.c, p.cancel
	p.c, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		p.first.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("poller stop timed out", logx.Int64("in_flight", p.inFlight.Load()))
	}
	p.log.Info("poller stopped", logx.Duration("took", time.Since(start)))
}

// AddJob registers fn under name, replacing any job with the same name.
// spec is a cron expression, a descriptor, a duration ("55m") or HH:MM.
func (p *Poller) AddJob(name, spec string, fn func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	norm, err := normalizeSpec(spec)
	if err != nil {
		return err
	}
	if _, err := p.parser.Parse(norm); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	log := p.log.With(logx.String("job", name))
	j := &job{name: name, spec: norm}
	j.run = p.wrap(cron.FuncJob(func() {
		start := time.Now()
		if err := fn(p.context()); err != nil {
			log.Warn("job failed", logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		log.Debug("job done", logx.Duration("took", time.Since(start)))
	}))

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, old := range p.jobs {
		if old.name != name {
			continue
		}
		if p.c != nil && old.entryID != 0 {
			p.c.Remove(old.entryID)
		}
		p.jobs = append(p.jobs[:i], p.jobs[i+1:]...)
		break
	}
	p.jobs = append(p.jobs, j)
	if p.c != nil {
		p.addLocked(j)
	}
	return nil
}

func (p *Poller) addLocked(j *job) {
	id, err := p.c.AddJob(j.spec, j.run)
	if err != nil {
		p.log.Error("job register failed", logx.String("job", j.name), logx.String("spec", j.spec), logx.Err(err))
		return
	}
	j.entryID = id
}

// Poll runs one batch: every active task is checked, expired tasks complete
// and due tasks execute with at most Concurrency in flight. Store failures are
// logged and the batch is skipped.
func (p *Poller) Poll(ctx context.Context) BatchResult {
	opt := p.options()
	start := time.Now()
	res := BatchResult{At: p.now()}

	tasks, err := p.store.ListActiveTasks(ctx)
	if err != nil {
		p.log.Error("list active tasks failed", logx.Err(err))
		return res
	}
	res.Polled = len(tasks)

	due := make([]storage.Task, 0, len(tasks))
	for _, t := range tasks {
		switch d := IsDue(t, res.At); d {
		case Due:
			due = append(due, t)
		case Expired:
			if p.complete(ctx, t) {
				res.Completed++
			}
		default:
			p.log.Trace("task skipped", logx.Int64("task_id", t.ID), logx.String("reason", d.String()))
		}
	}
	res.Due = len(due)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = semaphore.NewWeighted(int64(opt.Concurrency))
	)
	for _, t := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t storage.Task) {
			defer wg.Done()
			defer sem.Release(1)
			ok := p.run(ctx, t)
			mu.Lock()
			if ok {
				res.Succeeded++
			} else {
				res.Failed++
			}
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	res.Took = time.Since(start)

	p.mu.Lock()
	p.last = res
	p.mu.Unlock()

	if res.Succeeded > 0 {
		p.log.Info("Task Batch Completed",
			logx.Int("due", res.Due),
			logx.Int("succeeded", res.Succeeded),
			logx.Int("failed", res.Failed),
			logx.Duration("took", res.Took),
		)
		p.bus.Publish(eventbus.Event{Type: eventbus.BatchCompleted, Data: eventbus.Batch{Due: res.Due, Succeeded: res.Succeeded}})

		// recorded even when the batch was cut short by shutdown
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := p.store.AppendLog(lctx, storage.LogEntry{
			Event:  storage.EventBatchCompleted,
			Detail: fmt.Sprintf("Executed %d/%d tasks", res.Succeeded, res.Due),
		})
		cancel()
		if err != nil {
			p.log.Warn("batch summary not recorded", logx.Err(err))
		}
	}
	return res
}

func (p *Poller) run(ctx context.Context, t storage.Task) (ok bool) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task execution panicked",
				logx.Int64("task_id", t.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			ok = false
		}
	}()
	return p.exec.Execute(ctx, t).Success
}

func (p *Poller) complete(ctx context.Context, t storage.Task) bool {
	log := p.log.With(logx.Int64("task_id", t.ID), logx.String("task", t.Name))
	if err := p.store.SetTaskStatus(ctx, t.ID, storage.TaskCompleted); err != nil {
		log.Warn("complete task failed", logx.Err(err))
		return false
	}
	log.Info("task completed", logx.Time("end_at", t.EndAt))
	p.bus.Publish(eventbus.Event{Type: eventbus.TaskCompleted, Data: eventbus.TaskState{
		TaskID:   t.ID,
		TaskName: t.Name,
		Owner:    t.Owner,
		Reason:   "end time reached",
	}})
	return true
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
