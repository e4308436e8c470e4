package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func openTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "relaybot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("openSQLite err = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSubscriber(t *testing.T, st *sqliteStore, key string, accounts ...string) {
	t.Helper()
	ctx := context.Background()
	for _, a := range accounts {
		if err := st.UpsertAccount(ctx, Account{Key: a, SessionFile: a + ".session"}); err != nil {
			t.Fatalf("UpsertAccount err = %v", err)
		}
	}
	if _, err := st.CreateSubscriber(ctx, Subscriber{Key: key, ExpiresAt: time.Now().Add(24 * time.Hour)}, len(accounts)); err != nil {
		t.Fatalf("CreateSubscriber err = %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskActive, TaskPaused, true},
		{TaskPaused, TaskActive, true},
		{TaskActive, TaskCompleted, true},
		{TaskActive, TaskFailed, true},
		{TaskFailed, TaskActive, true},
		{TaskCompleted, TaskActive, false},
		{TaskCompleted, TaskPaused, false},
		{TaskPaused, TaskCompleted, false},
		{TaskActive, TaskActive, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	seedSubscriber(t, st, "inv-1", "+100")

	task, err := st.CreateTask(ctx, Task{
		Name: "daily", Owner: "inv-1", AccountKey: "+100",
		PrimaryRef: "https://t.me/c/123/4", TargetAll: true, IntervalMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CreateTask err = %v", err)
	}
	if task.ID == 0 || task.Status != TaskActive {
		t.Fatalf("CreateTask = %+v", task)
	}

	if err := st.SetTaskStatus(ctx, task.ID, TaskPaused); err != nil {
		t.Fatalf("pause err = %v", err)
	}
	if err := st.SetTaskStatus(ctx, task.ID, TaskCompleted); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("paused -> completed err = %v, want ErrIllegalTransition", err)
	}
	if err := st.SetTaskStatus(ctx, task.ID, TaskActive); err != nil {
		t.Fatalf("resume err = %v", err)
	}
	if err := st.SetTaskStatus(ctx, task.ID, TaskCompleted); err != nil {
		t.Fatalf("complete err = %v", err)
	}
	if err := st.SetTaskStatus(ctx, task.ID, TaskActive); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("completed -> active err = %v, want ErrIllegalTransition", err)
	}
	if err := st.SetTaskStatus(ctx, 999, TaskPaused); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}

	logs, err := st.ListLogs(ctx, "inv-1", 50)
	if err != nil {
		t.Fatalf("ListLogs err = %v", err)
	}
	events := map[string]int{}
	for _, l := range logs {
		events[l.Event]++
	}
	for _, e := range []string{EventTaskCreated, EventTaskPaused, EventTaskResumed, EventTaskCompleted} {
		if events[e] != 1 {
			t.Fatalf("events[%s] = %d, want 1 (all: %v)", e, events[e], events)
		}
	}
}

func TestCreateTaskRejectsEndBeforeStart(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	now := time.Now()
	_, err := st.CreateTask(context.Background(), Task{
		Name: "x", Owner: "o", AccountKey: "a", PrimaryRef: "r", TargetAll: true,
		StartAt: now, EndAt: now.Add(-time.Hour),
	})
	if err == nil {
		t.Fatalf("CreateTask(end < start) err = nil")
	}
}

func TestRecordRunCounters(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	seedSubscriber(t, st, "inv-1", "+100")

	task, err := st.CreateTask(ctx, Task{Name: "t", Owner: "inv-1", AccountKey: "+100", PrimaryRef: "r", TargetAll: true})
	if err != nil {
		t.Fatal(err)
	}

	at := time.Unix(1_700_000_000, 0)
	runs := []RunRecord{
		{TaskID: task.ID, Success: true, Sent: 3, Targets: 4, At: at, TouchLastRun: true},
		{TaskID: task.ID, Success: false, At: at.Add(time.Minute), TouchLastRun: true},
		{TaskID: task.ID, Success: false, At: at.Add(2 * time.Minute), TouchLastRun: false},
	}
	for _, r := range runs {
		if _, err := st.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun err = %v", err)
		}
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalRuns != 3 || got.SuccessfulRuns != 1 || got.FailedRuns != 2 {
		t.Fatalf("counters = %d/%d/%d, want 3/1/2", got.TotalRuns, got.SuccessfulRuns, got.FailedRuns)
	}
	if got.SuccessfulRuns+got.FailedRuns != got.TotalRuns {
		t.Fatalf("successful+failed != total")
	}
	if want := at.Add(time.Minute); !got.LastRun.Equal(want) {
		t.Fatalf("LastRun = %v, want %v", got.LastRun, want)
	}

	sub, err := st.GetSubscriber(ctx, "inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.TotalMessagesSent != 3 || sub.GroupsReached != 4 || sub.ForwardsCount != 1 {
		t.Fatalf("subscriber counters = %+v", sub)
	}
}

func TestRecordRunConcurrentNoLostUpdates(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	seedSubscriber(t, st, "inv-1", "+100")

	task, err := st.CreateTask(ctx, Task{Name: "t", Owner: "inv-1", AccountKey: "+100", PrimaryRef: "r", TargetAll: true})
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := st.RecordRun(ctx, RunRecord{TaskID: task.ID, Success: i%2 == 0, Sent: 1, Targets: 1, TouchLastRun: true}); err != nil {
				t.Errorf("RecordRun err = %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := st.GetTask(ctx, task.ID)
	if got.TotalRuns != n || got.SuccessfulRuns+got.FailedRuns != n {
		t.Fatalf("counters = %d/%d/%d, want total %d", got.TotalRuns, got.SuccessfulRuns, got.FailedRuns, n)
	}
}

func TestListActiveTasksOrder(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mk := func(name string) Task {
		task, err := st.CreateTask(ctx, Task{Name: name, Owner: "o", AccountKey: "a", PrimaryRef: "r", TargetAll: true})
		if err != nil {
			t.Fatal(err)
		}
		return task
	}
	recent, old, never, paused := mk("recent"), mk("old"), mk("never"), mk("paused")
	base := time.Unix(1_700_000_000, 0)
	_, _ = st.RecordRun(ctx, RunRecord{TaskID: recent.ID, Success: true, At: base.Add(time.Hour), TouchLastRun: true})
	_, _ = st.RecordRun(ctx, RunRecord{TaskID: old.ID, Success: true, At: base, TouchLastRun: true})
	if err := st.SetTaskStatus(ctx, paused.ID, TaskPaused); err != nil {
		t.Fatal(err)
	}

	tasks, err := st.ListActiveTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, task := range tasks {
		names = append(names, task.Name)
	}
	want := []string{never.Name, old.Name, recent.Name}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestAddTargetGroupIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	f, err := st.CreateFolder(ctx, "news", "inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateFolder(ctx, "news", "inv-1"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate folder err = %v, want ErrDuplicate", err)
	}

	g := TargetGroup{GroupID: -100123, Name: "G", Link: "https://t.me/g", Owner: "inv-1", FolderID: f.ID}
	ins, err := st.AddTargetGroup(ctx, g)
	if err != nil || !ins {
		t.Fatalf("first add = %v, %v; want true, nil", ins, err)
	}
	ins, err = st.AddTargetGroup(ctx, g)
	if err != nil || ins {
		t.Fatalf("second add = %v, %v; want false, nil", ins, err)
	}
	// Same group, other owner, is a separate row.
	g.Owner = "inv-2"
	g.FolderID = 0
	if ins, _ := st.AddTargetGroup(ctx, g); !ins {
		t.Fatalf("other owner add = false, want true")
	}

	all, _ := st.ListTargetGroups(ctx, "inv-1", 0)
	inFolder, _ := st.ListTargetGroups(ctx, "inv-1", f.ID)
	if len(all) != 1 || len(inFolder) != 1 {
		t.Fatalf("groups = %d all, %d in folder; want 1, 1", len(all), len(inFolder))
	}
}

func TestSubscriberLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"+1", "+2", "+3"} {
		if err := st.UpsertAccount(ctx, Account{Key: k, SessionFile: k}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.SetAccountStatus(ctx, "+3", AccountInactive); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if _, err := st.CreateSubscriber(ctx, Subscriber{Key: "big", ExpiresAt: now.Add(time.Hour)}, 3); !errors.Is(err, ErrNoFreeAccounts) {
		t.Fatalf("CreateSubscriber(3) err = %v, want ErrNoFreeAccounts", err)
	}
	sub, err := st.CreateSubscriber(ctx, Subscriber{Key: "inv", ExpiresAt: now.Add(time.Hour)}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Accounts) != 2 {
		t.Fatalf("assigned = %v, want 2 accounts", sub.Accounts)
	}
	acc, _ := st.GetAccount(ctx, "+1")
	if acc.AssignedTo != "inv" {
		t.Fatalf("AssignedTo = %q, want inv", acc.AssignedTo)
	}

	if _, err := st.ActivateSubscriber(ctx, "inv", 42, now); err != nil {
		t.Fatalf("activate err = %v", err)
	}
	if _, err := st.ActivateSubscriber(ctx, "inv", 43, now); !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("second activate err = %v, want ErrAlreadyActivated", err)
	}
	byUser, err := st.GetSubscriberByUser(ctx, 42)
	if err != nil || byUser.Key != "inv" {
		t.Fatalf("GetSubscriberByUser = %+v, %v", byUser, err)
	}

	task, err := st.CreateTask(ctx, Task{Name: "t", Owner: "inv", AccountKey: "+1", PrimaryRef: "r", TargetAll: true})
	if err != nil {
		t.Fatal(err)
	}
	expired, paused, err := st.ExpireSubscribers(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || paused != 1 {
		t.Fatalf("ExpireSubscribers = %v, %d; want [inv], 1", expired, paused)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != TaskPaused {
		t.Fatalf("task status = %s, want paused", got.Status)
	}

	ext, err := st.ExtendSubscriber(ctx, "inv", 48*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if ext.Status != SubscriberActive || !ext.ExpiresAt.After(now.Add(47*time.Hour)) {
		t.Fatalf("extended = %+v", ext)
	}

	if err := st.DeleteAccount(ctx, "+1"); err != nil {
		t.Fatal(err)
	}
	sub, _ = st.GetSubscriber(ctx, "inv")
	if len(sub.Accounts) != 1 || sub.Accounts[0] != "+2" {
		t.Fatalf("accounts after delete = %v, want [+2]", sub.Accounts)
	}
}

func TestActivateExpiredInvitation(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	if _, err := st.CreateSubscriber(ctx, Subscriber{Key: "old", ExpiresAt: now.Add(-time.Minute)}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ActivateSubscriber(ctx, "old", 1, now); !errors.Is(err, ErrExpired) {
		t.Fatalf("activate expired err = %v, want ErrExpired", err)
	}
	if _, err := st.ActivateSubscriber(ctx, "missing", 1, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("activate missing err = %v, want ErrNotFound", err)
	}
}

func TestBulkOpsAndStats(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		task, err := st.CreateTask(ctx, Task{Name: "t", Owner: "o", AccountKey: "a", PrimaryRef: "r", TargetAll: true})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.ID)
	}
	_ = st.SetTaskStatus(ctx, ids[0], TaskCompleted)
	_ = st.SetTaskStatus(ctx, ids[1], TaskFailed)
	_, _ = st.RecordRun(ctx, RunRecord{TaskID: ids[2], Success: true, TouchLastRun: true})

	n, err := st.BulkSetStatus(ctx, TaskActive, TaskPaused)
	if err != nil || n != 2 {
		t.Fatalf("pause all = %d, %v; want 2", n, err)
	}
	if _, err := st.BulkSetStatus(ctx, TaskCompleted, TaskActive); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("bulk completed->active err = %v", err)
	}
	n, _ = st.BulkSetStatus(ctx, TaskFailed, TaskActive)
	if n != 1 {
		t.Fatalf("restart failed = %d, want 1", n)
	}
	n, _ = st.DeleteTasksByStatus(ctx, TaskCompleted)
	if n != 1 {
		t.Fatalf("delete completed = %d, want 1", n)
	}

	stats, err := st.TaskStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.ByStatus[TaskPaused].Count != 2 || stats.ByStatus[TaskActive].Count != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.SuccessfulRuns != 1 {
		t.Fatalf("successful runs = %d, want 1", stats.SuccessfulRuns)
	}

	top, err := st.TopSubscribers(ctx, 10)
	if err != nil || len(top) != 1 || top[0].Key != "o" || top[0].Tasks != 3 {
		t.Fatalf("top = %+v, %v", top, err)
	}
}

func TestTemplates(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	tpl, err := st.CreateTemplate(ctx, Template{Name: "hourly", ConfigJSON: `{"interval":60}`, CreatedBy: 1})
	if err != nil {
		t.Fatal(err)
	}
	got, err := st.GetTemplate(ctx, tpl.ID)
	if err != nil || got.Name != "hourly" {
		t.Fatalf("GetTemplate = %+v, %v", got, err)
	}
	list, _ := st.ListTemplates(ctx)
	if len(list) != 1 {
		t.Fatalf("templates = %d, want 1", len(list))
	}
}
