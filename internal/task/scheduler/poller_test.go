package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
	"relaybot/internal/task/engine"
	logx "relaybot/pkg/logx"
)

func TestIsDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		task storage.Task
		want Decision
	}{
		{"never run, no bounds", storage.Task{}, Due},
		{"starts in an hour", storage.Task{StartAt: now.Add(time.Hour)}, NotStarted},
		{"started", storage.Task{StartAt: now.Add(-time.Minute)}, Due},
		{"ended a second ago", storage.Task{EndAt: now.Add(-time.Second)}, Expired},
		{"ends later", storage.Task{EndAt: now.Add(time.Second)}, Due},
		{"interval not elapsed", storage.Task{IntervalMinutes: 60, LastRun: now.Add(-59 * time.Minute)}, NotYet},
		{"interval elapsed", storage.Task{IntervalMinutes: 60, LastRun: now.Add(-61 * time.Minute)}, Due},
		{"interval exactly elapsed", storage.Task{IntervalMinutes: 60, LastRun: now.Add(-time.Hour)}, Due},
		{"last run without interval", storage.Task{LastRun: now.Add(-time.Second)}, Due},
		{"not started wins over expired", storage.Task{StartAt: now.Add(time.Hour), EndAt: now.Add(-time.Hour)}, NotStarted},
	}
	for _, tc := range cases {
		if got := IsDue(tc.task, now); got != tc.want {
			t.Fatalf("%s: IsDue = %s, want %s", tc.name, got, tc.want)
		}
		if again := IsDue(tc.task, now); again != tc.want {
			t.Fatalf("%s: second IsDue = %s, want %s", tc.name, again, tc.want)
		}
	}
}

type fakeStore struct {
	mu        sync.Mutex
	tasks     []storage.Task
	listErr   error
	completed []int64
	logs      []storage.LogEntry
}

func (s *fakeStore) ListActiveTasks(context.Context) ([]storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]storage.Task(nil), s.tasks...), nil
}

func (s *fakeStore) AppendLog(_ context.Context, e storage.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
	return nil
}

func (s *fakeStore) entries() []storage.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.LogEntry(nil), s.logs...)
}

func (s *fakeStore) SetTaskStatus(_ context.Context, id int64, to storage.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to == storage.TaskCompleted {
		s.completed = append(s.completed, id)
	}
	return nil
}

// countingExec tracks how many executions overlap.
type countingExec struct {
	hold   time.Duration
	fail   map[int64]bool
	panics map[int64]bool

	mu    sync.Mutex
	order []int64
	cur   int
	peak  int
	calls atomic.Int64
	ran   chan int64
}

func (e *countingExec) Execute(_ context.Context, t storage.Task) engine.Result {
	e.calls.Add(1)
	e.mu.Lock()
	e.order = append(e.order, t.ID)
	e.cur++
	if e.cur > e.peak {
		e.peak = e.cur
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cur--
		e.mu.Unlock()
	}()

	if e.ran != nil {
		select {
		case e.ran <- t.ID:
		default:
		}
	}
	if e.hold > 0 {
		time.Sleep(e.hold)
	}
	if e.panics[t.ID] {
		panic("boom")
	}
	return engine.Result{TaskID: t.ID, Success: !e.fail[t.ID]}
}

func dueTasks(n int) []storage.Task {
	out := make([]storage.Task, n)
	for i := range out {
		out[i] = storage.Task{ID: int64(i + 1), Name: "t", Status: storage.TaskActive}
	}
	return out
}

func newPoller(store Store, exec Executor, concurrency int, bus eventbus.Bus) *Poller {
	return New(store, exec, Options{Enabled: true, Interval: time.Hour, Concurrency: concurrency}, bus, logx.Nop())
}

func TestPollRespectsConcurrencyBound(t *testing.T) {
	t.Parallel()

	const k, m = 3, 12
	store := &fakeStore{tasks: dueTasks(m)}
	exec := &countingExec{hold: 20 * time.Millisecond}
	p := newPoller(store, exec, k, nil)

	res := p.Poll(context.Background())
	if res.Due != m || res.Succeeded != m {
		t.Fatalf("batch = %+v, want %d due and succeeded", res, m)
	}
	if got := exec.calls.Load(); got != m {
		t.Fatalf("executions = %d, want %d", got, m)
	}
	if exec.peak > k {
		t.Fatalf("peak in-flight = %d, want <= %d", exec.peak, k)
	}
}

func TestPollStartsLeastRecentlyRunFirst(t *testing.T) {
	t.Parallel()

	store := &fakeStore{tasks: dueTasks(5)}
	exec := &countingExec{}
	p := newPoller(store, exec, 1, nil)
	p.Poll(context.Background())

	for i, id := range exec.order {
		if id != int64(i+1) {
			t.Fatalf("order = %v, want store order", exec.order)
		}
	}
}

func TestPollCompletesExpiredTasks(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{tasks: []storage.Task{
		{ID: 1, Name: "expired", EndAt: now.Add(-time.Second)},
		{ID: 2, Name: "later", StartAt: now.Add(time.Hour)},
		{ID: 3, Name: "recent", IntervalMinutes: 60, LastRun: now.Add(-59 * time.Minute)},
		{ID: 4, Name: "due", IntervalMinutes: 60, LastRun: now.Add(-61 * time.Minute)},
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	exec := &countingExec{}
	p := newPoller(store, exec, 5, bus)
	p.now = func() time.Time { return now }

	res := p.Poll(context.Background())
	if res.Polled != 4 || res.Due != 1 || res.Completed != 1 || res.Succeeded != 1 {
		t.Fatalf("batch = %+v", res)
	}
	if len(exec.order) != 1 || exec.order[0] != 4 {
		t.Fatalf("executed = %v, want [4]", exec.order)
	}
	if len(store.completed) != 1 || store.completed[0] != 1 {
		t.Fatalf("completed = %v, want [1]", store.completed)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != eventbus.TaskCompleted || types[1] != eventbus.BatchCompleted {
		t.Fatalf("events = %v", types)
	}
}

func TestPollSkipsBatchOnStoreError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{listErr: errors.New("database is locked")}
	exec := &countingExec{}
	p := newPoller(store, exec, 5, nil)

	res := p.Poll(context.Background())
	if res.Polled != 0 || exec.calls.Load() != 0 {
		t.Fatalf("batch = %+v, calls = %d", res, exec.calls.Load())
	}
}

func TestPollIsolatesFailures(t *testing.T) {
	t.Parallel()

	store := &fakeStore{tasks: dueTasks(4)}
	exec := &countingExec{
		fail:   map[int64]bool{2: true},
		panics: map[int64]bool{3: true},
	}
	p := newPoller(store, exec, 2, nil)

	res := p.Poll(context.Background())
	if res.Succeeded != 2 || res.Failed != 2 {
		t.Fatalf("batch = %+v, want 2 succeeded and 2 failed", res)
	}
}

func TestPollSummaryOnlyWhenSomethingSucceeded(t *testing.T) {
	t.Parallel()

	store := &fakeStore{tasks: dueTasks(2)}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	exec := &countingExec{fail: map[int64]bool{1: true, 2: true}}
	p := newPoller(store, exec, 2, bus)

	p.Poll(context.Background())
	if len(events) != 0 {
		t.Fatalf("got %d events for an all-failed batch", len(events))
	}
	if got := store.entries(); len(got) != 0 {
		t.Fatalf("log entries = %+v for an all-failed batch", got)
	}

	exec.fail = map[int64]bool{2: true}
	p.Poll(context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	got := store.entries()
	if len(got) != 1 {
		t.Fatalf("log entries = %d, want 1", len(got))
	}
	if got[0].Event != storage.EventBatchCompleted || got[0].Detail != "Executed 1/2 tasks" {
		t.Fatalf("log entry = %+v", got[0])
	}
}

func TestStartPollsImmediately(t *testing.T) {
	t.Parallel()

	store := &fakeStore{tasks: dueTasks(1)}
	exec := &countingExec{ran: make(chan int64, 1)}
	p := newPoller(store, exec, 1, nil)

	p.Start(context.Background())
	select {
	case id := <-exec.ran:
		if id != 1 {
			t.Fatalf("ran task %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first poll did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Stop(ctx)
	if p.Snapshot().Running {
		t.Fatalf("poller still running after Stop")
	}
}

func TestDisabledPollerDoesNotExecute(t *testing.T) {
	t.Parallel()

	store := &fakeStore{tasks: dueTasks(1)}
	exec := &countingExec{}
	p := New(store, exec, Options{Enabled: false, Interval: time.Hour}, nil, logx.Nop())
	p.pollJob.Run()
	if exec.calls.Load() != 0 {
		t.Fatalf("disabled poller executed %d tasks", exec.calls.Load())
	}
}

func TestApplyReschedules(t *testing.T) {
	t.Parallel()

	p := newPoller(&fakeStore{}, &countingExec{}, 1, nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	p.Apply(Options{Enabled: true, Interval: 2 * time.Hour, Concurrency: 7})
	s := p.Snapshot()
	if s.Interval != 2*time.Hour || s.Concurrency != 7 {
		t.Fatalf("snapshot = %+v", s)
	}
	if until := time.Until(s.NextPoll); until < time.Hour {
		t.Fatalf("next poll in %v, want about 2h", until)
	}
}

func TestAddJob(t *testing.T) {
	t.Parallel()

	p := newPoller(&fakeStore{}, &countingExec{}, 1, nil)
	noop := func(context.Context) error { return nil }

	if err := p.AddJob("", "@hourly", noop); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := p.AddJob("x", "not a schedule", noop); err == nil {
		t.Fatalf("bad spec accepted")
	}
	if err := p.AddJob("expire", "@hourly", noop); err != nil {
		t.Fatalf("AddJob err = %v", err)
	}
	if err := p.AddJob("expire", "30m", noop); err != nil {
		t.Fatalf("AddJob replace err = %v", err)
	}
	jobs := p.Snapshot().Jobs
	if len(jobs) != 1 || jobs[0].Spec != "@every 30m0s" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestNormalizeSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
		err      bool
	}{
		{in: "@hourly", want: "@hourly"},
		{in: "*/5 * * * *", want: "*/5 * * * *"},
		{in: "55m", want: "@every 55m0s"},
		{in: "02:30", want: "@every 2h30m0s"},
		{in: "00:75", err: true},
		{in: "00:00", err: true},
		{in: "", err: true},
		{in: "soon", err: true},
	}
	for _, tc := range cases {
		got, err := normalizeSpec(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("normalizeSpec(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("normalizeSpec(%q) = %q, %v, want %q", tc.in, got, err, tc.want)
		}
	}
}
