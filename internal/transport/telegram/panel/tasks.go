package panel

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/control"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/tgui"
)

func (p *Panel) taskCommands() []router.Command {
	return []router.Command{
		{
			Route:       "task new",
			Aliases:     []string{"newtask"},
			Description: "create a forwarding task",
			Usage:       "/task new <name> <account> <message link> [--fallback LINK] [--interval MIN] [--start TIME] [--end TIME] [--folder ID | --all]",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.taskNew,
		},
		{
			Route:       "task list",
			Aliases:     []string{"tasks"},
			Description: "list your tasks",
			Usage:       "/task list [--status active|paused|completed|failed] [--page N]",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.taskList,
		},
		{
			Route:       "task show",
			Description: "task details",
			Usage:       "/task show <id>",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.taskShow,
		},
		{
			Route:       "task pause",
			Description: "pause a task",
			Usage:       "/task pause <id>",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.taskStatus(false),
		},
		{
			Route:       "task resume",
			Description: "resume a paused or failed task",
			Usage:       "/task resume <id>",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.taskStatus(true),
		},
		{
			Route:       "task delete",
			Description: "delete a task",
			Usage:       "/task delete <id>",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.taskDelete,
		},
		{
			Route:       "task stats",
			Description: "your task totals",
			Usage:       "/task stats",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.taskStats,
		},
		{
			Route:       "task logs",
			Aliases:     []string{"logs"},
			Description: "recent activity",
			Usage:       "/task logs [count]",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.taskLogs,
		},
		{
			Route:       "task fromtemplate",
			Description: "create a task from a template",
			Usage:       "/task fromtemplate <template id> <name> <account> [--link LINK] [--fallback LINK] [--folder ID]",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.taskFromTemplate,
		},
	}
}

func (p *Panel) taskCallbacks() []router.CallbackRoute {
	cb := func(action string, h router.CallbackHandlerFunc) router.CallbackRoute {
		return router.CallbackRoute{Scope: "task", Action: action, Access: router.AccessSubscriber, Timeout: shortTimeout, Handle: h}
	}
	return []router.CallbackRoute{
		cb("show", p.cbTaskShow),
		cb("pause", p.cbTaskStatus(false)),
		cb("resume", p.cbTaskStatus(true)),
		cb("delete", p.cbTaskDelete),
		cb("delete_yes", p.cbTaskDeleteYes),
		cb("cancel", p.cbTaskShow),
		cb("page", p.cbTaskPage),
	}
}

// createOwner is the subscriber a new task or folder belongs to.
func createOwner(req *router.Request) (string, error) {
	o := owner(req)
	if o == "" {
		return "", inputError("you have no subscription of your own; add --owner KEY")
	}
	return o, nil
}

// target reads --folder / --all. A task needs exactly one of them.
func target(req *router.Request) (int64, bool, error) {
	all := req.BoolFlags["all"]
	folderID, set, err := flagInt(req, "folder")
	if err != nil {
		return 0, false, err
	}
	if all == set {
		return 0, false, inputError("pick the targets: --folder ID or --all")
	}
	return folderID, all, nil
}

func (p *Panel) taskNew(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 3 {
		return usage(ctx, req, "/task new <name> <account> <message link> [--folder ID | --all]")
	}
	own, err := createOwner(req)
	if err != nil {
		return fail(ctx, req, err)
	}
	folderID, all, err := target(req)
	if err != nil {
		return fail(ctx, req, err)
	}
	interval, _, err := flagInt(req, "interval")
	if err != nil {
		return fail(ctx, req, err)
	}
	start, err := parseTime(req.Flags["start"], p.loc)
	if err != nil {
		return fail(ctx, req, err)
	}
	end, err := parseTime(req.Flags["end"], p.loc)
	if err != nil {
		return fail(ctx, req, err)
	}

	t, err := p.svc.CreateTask(ctx, control.TaskRequest{
		Name:            req.Args[0],
		Owner:           own,
		AccountKey:      req.Args[1],
		PrimaryRef:      req.Args[2],
		FallbackRef:     req.Flags["fallback"],
		StartAt:         start,
		EndAt:           end,
		IntervalMinutes: int(interval),
		FolderID:        folderID,
		TargetAll:       all,
		CreatedBy:       req.FromID,
	})
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, taskView(t, p.loc, "✅ Task created."))
}

func (p *Panel) taskFromTemplate(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 3 {
		return usage(ctx, req, "/task fromtemplate <template id> <name> <account>")
	}
	tplID, ok := parseID(req.Args[0])
	if !ok {
		return fail(ctx, req, inputError("template id must be a number"))
	}
	own, err := createOwner(req)
	if err != nil {
		return fail(ctx, req, err)
	}
	folderID, _, err := flagInt(req, "folder")
	if err != nil {
		return fail(ctx, req, err)
	}
	t, err := p.svc.CreateTaskFromTemplate(ctx, control.FromTemplate{
		TemplateID:  tplID,
		Name:        req.Args[1],
		Owner:       own,
		AccountKey:  req.Args[2],
		PrimaryRef:  req.Flags["link"],
		FallbackRef: req.Flags["fallback"],
		FolderID:    folderID,
		CreatedBy:   req.FromID,
	})
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, taskView(t, p.loc, "✅ Task created from template."))
}

func statusFilter(s string) (storage.TaskStatus, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	st := storage.TaskStatus(s)
	if !st.Valid() {
		return "", inputError(fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

func (p *Panel) taskList(ctx context.Context, req *router.Request) error {
	status, err := statusFilter(req.Flags["status"])
	if err != nil {
		return fail(ctx, req, err)
	}
	page, _, err := flagInt(req, "page")
	if err != nil {
		return fail(ctx, req, err)
	}
	m, err := p.listView(ctx, scope(req), status, int(page)-1)
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, m)
}

// listView renders one page of tasks with a toggle button per task. index is
// zero-based and clamped.
func (p *Panel) listView(ctx context.Context, owner string, status storage.TaskStatus, index int) (tgui.Message, error) {
	tasks, err := p.svc.ListTasks(ctx, owner, status)
	if err != nil {
		return tgui.Message{}, err
	}
	title := "Tasks"
	if status != "" {
		title += " · " + string(status)
	}
	b := tgui.New().Title("📋", title)
	if len(tasks) == 0 {
		return b.Line("No tasks yet. Create one with /task new.").Build(), nil
	}

	pg := tgui.Paginate(tasks, index, pageSize)
	kb := tgui.NewInline()
	for _, t := range pg.Items {
		b.Line(taskLine(t))
		id := strconv.FormatInt(t.ID, 10)
		row := []tele.Btn{tgui.Btn(fmt.Sprintf("ℹ️ #%d", t.ID), "task", "show", id)}
		switch t.Status {
		case storage.TaskActive:
			row = append(row, tgui.Btn("⏸ Pause", "task", "pause", id))
		case storage.TaskPaused, storage.TaskFailed:
			row = append(row, tgui.Btn("▶️ Resume", "task", "resume", id))
		}
		kb.Row(row...)
	}
	b.Blank().Line(pg.Label())

	var nav []tele.Btn
	if pg.HasPrev {
		nav = append(nav, tgui.Btn("‹ Prev", "task", "page", pagePayload(pg.Index-1, status)))
	}
	if pg.HasNext {
		nav = append(nav, tgui.Btn("Next ›", "task", "page", pagePayload(pg.Index+1, status)))
	}
	kb.Row(nav...)
	return b.Inline(kb).Build(), nil
}

func pagePayload(index int, status storage.TaskStatus) string {
	s := strconv.Itoa(index)
	if status != "" {
		s += ":" + string(status)
	}
	return s
}

// taskID reads the single id argument of a task subcommand.
func taskID(ctx context.Context, req *router.Request, u string) (int64, bool) {
	if len(req.Args) != 1 {
		_ = usage(ctx, req, u)
		return 0, false
	}
	id, ok := parseID(req.Args[0])
	if !ok {
		_ = fail(ctx, req, inputError("task id must be a number"))
		return 0, false
	}
	return id, true
}

func (p *Panel) taskShow(ctx context.Context, req *router.Request) error {
	id, ok := taskID(ctx, req, "/task show <id>")
	if !ok {
		return nil
	}
	t, err := p.svc.Task(ctx, scope(req), id)
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, taskView(t, p.loc, ""))
}

func (p *Panel) setStatus(ctx context.Context, req *router.Request, id int64, resume bool) error {
	if resume {
		return p.svc.ResumeTask(ctx, scope(req), id)
	}
	return p.svc.PauseTask(ctx, scope(req), id)
}

func (p *Panel) taskStatus(resume bool) router.HandlerFunc {
	verb := "pause"
	if resume {
		verb = "resume"
	}
	return func(ctx context.Context, req *router.Request) error {
		id, ok := taskID(ctx, req, "/task "+verb+" <id>")
		if !ok {
			return nil
		}
		if err := p.setStatus(ctx, req, id, resume); err != nil {
			return fail(ctx, req, err)
		}
		t, err := p.svc.Task(ctx, scope(req), id)
		if err != nil {
			return fail(ctx, req, err)
		}
		return send(ctx, req, taskView(t, p.loc, ""))
	}
}

func (p *Panel) taskDelete(ctx context.Context, req *router.Request) error {
	id, ok := taskID(ctx, req, "/task delete <id>")
	if !ok {
		return nil
	}
	t, err := p.svc.Task(ctx, scope(req), id)
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, deleteConfirm(t))
}

func deleteConfirm(t storage.Task) tgui.Message {
	id := strconv.FormatInt(t.ID, 10)
	kb := tgui.NewInline().Row(
		tgui.Btn("🗑 Delete", "task", "delete_yes", id),
		tgui.Btn("Cancel", "task", "cancel", id),
	)
	return tgui.New().
		Title("🗑", fmt.Sprintf("Delete task #%d %s?", t.ID, t.Name)).
		Line("Its run history goes with it.").
		Inline(kb).
		Build()
}

func (p *Panel) taskStats(ctx context.Context, req *router.Request) error {
	own := scope(req)
	if own == "" {
		st, err := p.svc.Stats(ctx)
		if err != nil {
			return fail(ctx, req, err)
		}
		return send(ctx, req, statsCard("All tasks", st).Build())
	}
	sum, err := p.svc.TaskSummary(ctx, own)
	if err != nil {
		return fail(ctx, req, err)
	}
	total := sum.Successes + sum.Failures
	return send(ctx, req, tgui.New().Title("📊", "Your tasks").
		KV("Tasks", strconv.Itoa(sum.Tasks)).
		KV("Active", strconv.Itoa(sum.Active)).
		KV("Successful runs", count(sum.Successes)).
		KV("Failed runs", count(sum.Failures)).
		KV("Success rate", rate(sum.Successes, total)).
		Build())
}

func (p *Panel) taskLogs(ctx context.Context, req *router.Request) error {
	limit := 20
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return fail(ctx, req, inputError("count must be a positive number"))
		}
		limit = n
	}
	logs, err := p.svc.Logs(ctx, scope(req), limit)
	if err != nil {
		return fail(ctx, req, err)
	}
	b := tgui.New().Title("🧾", "Activity")
	if len(logs) == 0 {
		b.Line("Nothing yet.")
	}
	for _, e := range logs {
		line := stamp(e.At, p.loc) + " " + e.Event
		if e.TaskID != 0 {
			line += fmt.Sprintf(" #%d", e.TaskID)
		}
		if e.Detail != "" {
			line += ": " + tgui.Trunc(e.Detail, 80)
		}
		b.Bullets(line)
	}
	return send(ctx, req, b.Build())
}

// ---- callbacks ----

// edit replaces the message a button sits on, falling back to a new message.
func edit(ctx context.Context, req *router.Request, m tgui.Message) error {
	cb := req.Update.Callback
	if cb == nil {
		return send(ctx, req, m)
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	if err := m.Edit(ctx, req.Adapter, ref); err != nil {
		return send(ctx, req, m)
	}
	return nil
}

func (p *Panel) cbTaskShow(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	t, err := p.svc.Task(ctx, scope(req), id)
	if err != nil {
		return fail(ctx, req, err)
	}
	return edit(ctx, req, taskView(t, p.loc, ""))
}

func (p *Panel) cbTaskStatus(resume bool) router.CallbackHandlerFunc {
	return func(ctx context.Context, req *router.Request, payload string) error {
		id, ok := parseID(payload)
		if !ok {
			return nil
		}
		if err := p.setStatus(ctx, req, id, resume); err != nil {
			return fail(ctx, req, err)
		}
		return p.cbTaskShow(ctx, req, payload)
	}
}

func (p *Panel) cbTaskDelete(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	t, err := p.svc.Task(ctx, scope(req), id)
	if err != nil {
		return fail(ctx, req, err)
	}
	return edit(ctx, req, deleteConfirm(t))
}

func (p *Panel) cbTaskDeleteYes(ctx context.Context, req *router.Request, payload string) error {
	id, ok := parseID(payload)
	if !ok {
		return nil
	}
	if err := p.svc.DeleteTask(ctx, scope(req), id); err != nil {
		return fail(ctx, req, err)
	}
	return edit(ctx, req, tgui.New().Line(fmt.Sprintf("🗑 Task #%d deleted.", id)).Build())
}

// cbTaskPage handles "task:page:<index>[:status]".
func (p *Panel) cbTaskPage(ctx context.Context, req *router.Request, payload string) error {
	idx, st, _ := strings.Cut(payload, ":")
	index, err := strconv.Atoi(idx)
	if err != nil {
		return nil
	}
	status, err := statusFilter(st)
	if err != nil {
		return nil
	}
	m, err := p.listView(ctx, scope(req), status, index)
	if err != nil {
		return fail(ctx, req, err)
	}
	return edit(ctx, req, m)
}
