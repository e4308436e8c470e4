package panel

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/control"
	"relaybot/internal/membership"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram/router"
	"relaybot/internal/userbot"
	"relaybot/internal/userbot/userbottest"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

const adminID = 1

type sent struct {
	text   string
	markup *tele.ReplyMarkup
	edit   bool
}

type fakeAdapter struct {
	mu  sync.Mutex
	out []sent
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) record(text string, opt *kit.SendOptions, edit bool) {
	s := sent{text: text, edit: edit}
	if opt != nil {
		s.markup, _ = opt.Markup.(*tele.ReplyMarkup)
	}
	a.mu.Lock()
	a.out = append(a.out, s)
	a.mu.Unlock()
}

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.record(text, opt, false)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (a *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.record(text, opt, true)
	return nil
}

func (a *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *fakeAdapter) last(t *testing.T) sent {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.out) == 0 {
		t.Fatal("nothing sent")
	}
	return a.out[len(a.out)-1]
}

type fixture struct {
	store storage.Store
	svc   *control.Service
	panel *Panel
	ad    *fakeAdapter
}

func newFixture(t *testing.T, accounts ...string) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "relaybot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open err = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, a := range accounts {
		if err := st.UpsertAccount(ctx, storage.Account{Key: a, SessionFile: a + ".session.json"}); err != nil {
			t.Fatalf("UpsertAccount err = %v", err)
		}
	}
	reg := userbot.NewRegistry(st, userbottest.Factory(map[string]*userbottest.Session{}), userbot.Options{}, logx.Nop())
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	m := membership.New(st, membership.Options{Concurrency: 2, JoinTimeout: time.Second}, nil, logx.Nop())
	svc := control.New(st, reg, m, nil, logx.Nop())
	return &fixture{store: st, svc: svc, panel: New(svc, nil, time.UTC, logx.Nop()), ad: &fakeAdapter{}}
}

func (f *fixture) subscriber(t *testing.T, userID int64) storage.Subscriber {
	t.Helper()
	ctx := context.Background()
	sub, err := f.svc.GenerateInvitation(ctx, adminID, "30d 1acc")
	if err != nil {
		t.Fatalf("GenerateInvitation err = %v", err)
	}
	sub, err = f.svc.ActivateInvitation(ctx, sub.Key, userID)
	if err != nil {
		t.Fatalf("ActivateInvitation err = %v", err)
	}
	return sub
}

// req builds a command request the way the router would after parsing.
func (f *fixture) req(sub *storage.Subscriber, line string) *router.Request {
	args, flags, bools := splitLine(line)
	r := &router.Request{
		Chat:      kit.ChatTarget{ChatID: 100},
		Args:      args,
		Flags:     flags,
		BoolFlags: bools,
		Adapter:   f.ad,
		Logger:    logx.Nop(),
	}
	if sub != nil {
		r.FromID = sub.UserID
		r.Subscriber = sub
		r.Owner = sub.Key
	} else {
		r.FromID = adminID
		r.IsAdmin = true
	}
	return r
}

func (f *fixture) callback(sub *storage.Subscriber) *router.Request {
	r := f.req(sub, "")
	r.Update = kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", ChatID: 100, MessageID: 7}}
	return r
}

// splitLine is a minimal flag parser: "--k=v" and bare "--flag" only.
func splitLine(line string) ([]string, map[string]string, map[string]bool) {
	var args []string
	flags, bools := map[string]string{}, map[string]bool{}
	for _, tok := range strings.Fields(line) {
		if !strings.HasPrefix(tok, "--") {
			args = append(args, tok)
			continue
		}
		k, v, ok := strings.Cut(strings.TrimPrefix(tok, "--"), "=")
		if ok {
			flags[k] = v
		} else {
			bools[k] = true
		}
	}
	return args, flags, bools
}

func (f *fixture) newTask(t *testing.T, sub storage.Subscriber, name string) storage.Task {
	t.Helper()
	ctx := context.Background()
	r := f.req(&sub, name+" "+sub.Accounts[0]+" https://t.me/news/10 --all --interval=30")
	if err := f.panel.taskNew(ctx, r); err != nil {
		t.Fatalf("taskNew err = %v", err)
	}
	tasks, err := f.svc.ListTasks(ctx, sub.Key, "")
	if err != nil {
		t.Fatalf("ListTasks err = %v", err)
	}
	for _, tk := range tasks {
		if tk.Name == name {
			return tk
		}
	}
	t.Fatalf("task %q not created; reply = %q", name, f.ad.last(t).text)
	return storage.Task{}
}

func TestTaskCreateAndToggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "+100")
	sub := f.subscriber(t, 42)
	ctx := context.Background()

	task := f.newTask(t, sub, "daily")
	got := f.ad.last(t)
	if !strings.Contains(got.text, "Task created") || !strings.Contains(got.text, "30 min") {
		t.Fatalf("reply = %q, want a created card", got.text)
	}
	if got.markup == nil || got.markup.InlineKeyboard[0][0].Data != "task:pause:"+itoa(task.ID) {
		t.Fatalf("markup = %#v, want a pause button first", got.markup)
	}

	if err := f.panel.cbTaskStatus(false)(ctx, f.callback(&sub), itoa(task.ID)); err != nil {
		t.Fatalf("pause callback err = %v", err)
	}
	if got := f.ad.last(t); !got.edit || !strings.Contains(got.text, "paused") {
		t.Fatalf("after pause = %+v, want an edited paused card", got)
	}
	tk, _ := f.svc.Task(ctx, sub.Key, task.ID)
	if tk.Status != storage.TaskPaused {
		t.Fatalf("Status = %v, want paused", tk.Status)
	}

	if err := f.panel.taskStatus(true)(ctx, f.req(&sub, itoa(task.ID))); err != nil {
		t.Fatalf("resume err = %v", err)
	}
	tk, _ = f.svc.Task(ctx, sub.Key, task.ID)
	if tk.Status != storage.TaskActive {
		t.Fatalf("Status = %v, want active", tk.Status)
	}
}

func TestTaskNewRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "+100")
	sub := f.subscriber(t, 42)
	ctx := context.Background()

	tests := []struct {
		line string
		want string
	}{
		{"x +100 https://t.me/news/10", "--folder ID or --all"},
		{"x +100 https://t.me/news/10 --all --folder=1", "--folder ID or --all"},
		{"x +100 https://t.me/news/10 --all --interval=abc", "--interval must be a number"},
		{"x +100 https://t.me/news/10 --all --start=tomorrow", "cannot read time"},
		{"x +100 not-a-link --all", "Invalid input"},
		{"x +999 https://t.me/news/10 --all", "Not found."},
		{"only-name", "Usage"},
	}
	for _, tt := range tests {
		if err := f.panel.taskNew(ctx, f.req(&sub, tt.line)); err != nil {
			t.Fatalf("taskNew(%q) err = %v, want handled", tt.line, err)
		}
		if got := f.ad.last(t).text; !strings.Contains(got, tt.want) {
			t.Fatalf("taskNew(%q) reply = %q, want %q", tt.line, got, tt.want)
		}
	}
	tasks, _ := f.svc.ListTasks(ctx, sub.Key, "")
	if len(tasks) != 0 {
		t.Fatalf("tasks = %d, want 0", len(tasks))
	}
}

func TestTasksAreScopedToOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "+100", "+200")
	alice := f.subscriber(t, 42)
	bob := f.subscriber(t, 43)
	ctx := context.Background()
	task := f.newTask(t, alice, "mine")

	if err := f.panel.taskShow(ctx, f.req(&bob, itoa(task.ID))); err != nil {
		t.Fatalf("taskShow err = %v", err)
	}
	if got := f.ad.last(t).text; !strings.Contains(got, "does not belong to you") {
		t.Fatalf("reply = %q, want an ownership refusal", got)
	}
	if err := f.panel.cbTaskDeleteYes(ctx, f.callback(&bob), itoa(task.ID)); err != nil {
		t.Fatalf("delete err = %v", err)
	}
	if _, err := f.svc.Task(ctx, "", task.ID); err != nil {
		t.Fatalf("task gone after a foreign delete: %v", err)
	}

	// Owners see every task without --owner.
	if err := f.panel.taskShow(ctx, f.req(nil, itoa(task.ID))); err != nil {
		t.Fatalf("admin taskShow err = %v", err)
	}
	if got := f.ad.last(t).text; !strings.Contains(got, "mine") {
		t.Fatalf("admin reply = %q, want the task card", got)
	}
}

func TestTaskListPages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "+100")
	sub := f.subscriber(t, 42)
	ctx := context.Background()
	for i := 0; i < pageSize+2; i++ {
		f.newTask(t, sub, "t"+itoa(int64(i)))
	}

	if err := f.panel.taskList(ctx, f.req(&sub, "")); err != nil {
		t.Fatalf("taskList err = %v", err)
	}
	first := f.ad.last(t)
	if !strings.Contains(first.text, "Page 1/2") {
		t.Fatalf("list = %q, want page 1/2", first.text)
	}
	rows := first.markup.InlineKeyboard
	nav := rows[len(rows)-1]
	if len(nav) != 1 || nav[0].Data != "task:page:1" {
		t.Fatalf("nav = %+v, want a single next button", nav)
	}

	if err := f.panel.cbTaskPage(ctx, f.callback(&sub), "1"); err != nil {
		t.Fatalf("page callback err = %v", err)
	}
	second := f.ad.last(t)
	if !second.edit || !strings.Contains(second.text, "Page 2/2") {
		t.Fatalf("page 2 = %+v", second)
	}

	if err := f.panel.taskList(ctx, f.req(&sub, "--status=bogus")); err != nil {
		t.Fatalf("taskList err = %v", err)
	}
	if got := f.ad.last(t).text; !strings.Contains(got, "unknown status") {
		t.Fatalf("reply = %q, want status error", got)
	}
}

func TestAdminInviteActivateAndBulk(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "+100")
	ctx := context.Background()

	if err := f.panel.invite(ctx, f.req(nil, "30d 1acc")); err != nil {
		t.Fatalf("invite err = %v", err)
	}
	subs, _ := f.svc.Subscribers(ctx)
	if len(subs) != 1 || !strings.Contains(f.ad.last(t).text, subs[0].Key) {
		t.Fatalf("invite reply = %q, subscribers = %+v", f.ad.last(t).text, subs)
	}

	user := &router.Request{Chat: kit.ChatTarget{ChatID: 5}, FromID: 77, Args: []string{subs[0].Key}, Adapter: f.ad}
	if err := f.panel.activate(ctx, user); err != nil {
		t.Fatalf("activate err = %v", err)
	}
	sub, err := f.svc.Whoami(ctx, 77)
	if err != nil || sub.Key != subs[0].Key {
		t.Fatalf("Whoami = %+v, %v", sub, err)
	}
	f.newTask(t, sub, "a")

	if err := f.panel.bulk(ctx, f.req(nil, "pause_all")); err != nil {
		t.Fatalf("bulk err = %v", err)
	}
	confirm := f.ad.last(t)
	if confirm.markup == nil || confirm.markup.InlineKeyboard[0][0].Data != "bulk:run:pause_all" {
		t.Fatalf("confirm = %+v", confirm)
	}
	if err := f.panel.cbBulkRun(ctx, f.callback(nil), "pause_all"); err != nil {
		t.Fatalf("bulk run err = %v", err)
	}
	if got := f.ad.last(t).text; !strings.Contains(got, "1 tasks") {
		t.Fatalf("bulk reply = %q", got)
	}
	tasks, _ := f.svc.ListTasks(ctx, "", storage.TaskPaused)
	if len(tasks) != 1 {
		t.Fatalf("paused tasks = %d, want 1", len(tasks))
	}

	if err := f.panel.bulk(ctx, f.req(nil, "explode")); err != nil {
		t.Fatalf("bulk err = %v", err)
	}
	if got := f.ad.last(t).text; !strings.Contains(got, "unknown bulk operation") {
		t.Fatalf("reply = %q", got)
	}
}

func TestTemplateToTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "+100")
	sub := f.subscriber(t, 42)
	ctx := context.Background()

	if err := f.panel.templateNew(ctx, f.req(nil, "hourly --interval=90 --all --link=https://t.me/news/5")); err != nil {
		t.Fatalf("templateNew err = %v", err)
	}
	tpls, _ := f.svc.Templates(ctx)
	if len(tpls) != 1 {
		t.Fatalf("templates = %d, want 1; reply = %q", len(tpls), f.ad.last(t).text)
	}
	r := f.req(&sub, itoa(tpls[0].ID)+" from-tpl "+sub.Accounts[0])
	if err := f.panel.taskFromTemplate(ctx, r); err != nil {
		t.Fatalf("taskFromTemplate err = %v", err)
	}
	tasks, _ := f.svc.ListTasks(ctx, sub.Key, "")
	if len(tasks) != 1 || tasks[0].IntervalMinutes != 90 || !tasks[0].TargetAll || tasks[0].PrimaryRef != "https://t.me/news/5" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestOwnerWithoutSubscriptionNeedsOwnerFlag(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "+100")
	sub := f.subscriber(t, 42)
	ctx := context.Background()

	if err := f.panel.folderNew(ctx, f.req(nil, "promo")); err != nil {
		t.Fatalf("folderNew err = %v", err)
	}
	if got := f.ad.last(t).text; !strings.Contains(got, "--owner KEY") {
		t.Fatalf("reply = %q, want a hint about --owner", got)
	}
	if err := f.panel.folderNew(ctx, f.req(nil, "promo --owner="+sub.Key)); err != nil {
		t.Fatalf("folderNew err = %v", err)
	}
	folders, _ := f.svc.ListFolders(ctx, sub.Key)
	if len(folders) != 1 || folders[0].Name != "promo" {
		t.Fatalf("folders = %+v", folders)
	}
}

type fakeRuntime struct{ sup *supervisor.Supervisor }

func (r fakeRuntime) StartedAt() time.Time { return time.Now().Add(-90 * time.Minute) }
func (r fakeRuntime) Sessions() []string   { return []string{"+200", "+100"} }
func (r fakeRuntime) Supervisors() map[string]*supervisor.Supervisor {
	return map[string]*supervisor.Supervisor{"app": r.sup, "gone": nil}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.panel.health(ctx, f.req(nil, "")); err != nil {
		t.Fatalf("health err = %v", err)
	}
	if got := f.ad.last(t).text; !strings.Contains(got, "not available") {
		t.Fatalf("reply without runtime = %q", got)
	}

	sup := supervisor.New(ctx)
	defer sup.Cancel()
	block := make(chan struct{})
	sup.Go0("worker", func(c context.Context) { <-block })
	defer close(block)
	for deadline := time.Now().Add(time.Second); len(sup.Stats()) == 0; {
		if time.Now().After(deadline) {
			t.Fatal("worker never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.panel.SetRuntime(fakeRuntime{sup: sup})
	if err := f.panel.health(ctx, f.req(nil, "--detail")); err != nil {
		t.Fatalf("health err = %v", err)
	}
	got := f.ad.last(t).text
	for _, want := range []string{"Sessions (2)", "+100, +200", "app: active=1 started=1", "worker active=1"} {
		if !strings.Contains(got, want) {
			t.Fatalf("health = %q, want it to contain %q", got, want)
		}
	}
	if strings.Contains(got, "gone") {
		t.Fatalf("health lists a nil supervisor: %q", got)
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("X", 3*3600)
	tests := []struct {
		in   string
		want time.Time
		err  bool
	}{
		{"", time.Time{}, false},
		{"2026-01-02", time.Date(2026, 1, 2, 0, 0, 0, 0, loc), false},
		{"2026-01-02 15:04", time.Date(2026, 1, 2, 15, 4, 0, 0, loc), false},
		{"2026-01-02T15:04:00Z", time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC), false},
		{"soon", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in, loc)
		if (err != nil) != tt.err || !got.Equal(tt.want) {
			t.Fatalf("parseTime(%q) = %v, %v; want %v, err %v", tt.in, got, err, tt.want, tt.err)
		}
	}
}

func TestRegistryFitsTelegramLimits(t *testing.T) {
	t.Parallel()
	p := New(nil, nil, nil, logx.Nop())
	seen := map[string]bool{}
	for _, c := range p.Commands() {
		if seen[c.Route] {
			t.Fatalf("route %q registered twice", c.Route)
		}
		seen[c.Route] = true
		if c.Handle == nil || c.Description == "" {
			t.Fatalf("route %q is incomplete", c.Route)
		}
	}
	for _, cb := range p.Callbacks() {
		// The longest payload is a task id or a bulk op name.
		if _, err := tgui.Data(cb.Scope, cb.Action, "delete_completed:9223372036854775807"); err != nil {
			t.Fatalf("callback %s:%s leaves no room for its payload", cb.Scope, cb.Action)
		}
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
