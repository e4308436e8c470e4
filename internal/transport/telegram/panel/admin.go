package panel

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"relaybot/internal/control"
	"relaybot/internal/storage"
	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/tgui"
)

func (p *Panel) adminCommands() []router.Command {
	cmd := func(route, desc, use string, h router.HandlerFunc) router.Command {
		return router.Command{
			Route:       route,
			Description: desc,
			Usage:       use,
			Access:      router.AccessOwnerOnly,
			Timeout:     shortTimeout,
			Handle:      h,
		}
	}
	return []router.Command{
		cmd("invite", "generate an invitation code", "/invite <days>d <accounts>acc", p.invite),
		cmd("extend", "extend a subscription", "/extend <key> <days>", p.extend),
		cmd("subscribers", "list subscribers", "/subscribers", p.subscribers),
		cmd("account list", "all accounts", "/account list", p.accounts),
		cmd("account enable", "enable an account", "/account enable <phone>", p.accountStatus(storage.AccountActive)),
		cmd("account disable", "disable an account and drop its session", "/account disable <phone>", p.accountStatus(storage.AccountInactive)),
		cmd("account delete", "delete an account", "/account delete <phone>", p.accountDelete),
		cmd("bulk", "fleet-wide task operation", "/bulk pause_all|resume_all|delete_completed|restart_failed", p.bulk),
		cmd("report", "fleet report", "/report", p.report),
		cmd("stats", "task statistics", "/stats", p.stats),
		cmd("scheduler", "scheduler state", "/scheduler", p.scheduler),
		cmd("template new", "create a task template", "/template new <name> [--interval MIN] [--all] [--link LINK] [--fallback LINK] [--desc TEXT] [--public]", p.templateNew),
		cmd("template list", "list templates", "/template list", p.templateList),
	}
}

func (p *Panel) adminCallbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: "bulk", Action: "run", Access: router.AccessOwnerOnly, Timeout: shortTimeout, Handle: p.cbBulkRun},
		{Scope: "bulk", Action: "cancel", Access: router.AccessOwnerOnly, Timeout: shortTimeout, Handle: p.cbBulkCancel},
	}
}

func (p *Panel) invite(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return usage(ctx, req, "/invite 30d 4acc")
	}
	sub, err := p.svc.GenerateInvitation(ctx, req.FromID, strings.Join(req.Args, " "))
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, tgui.New().
		Title("🎟", "Invitation").
		Raw("• <b>Code</b>: "+tgui.Code(sub.Key)).
		KV("Expires", stamp(sub.ExpiresAt, p.loc)).
		KV("Accounts", strings.Join(sub.Accounts, ", ")).
		Blank().
		Raw("The user activates it with "+tgui.Code("/activate "+sub.Key)+".").
		Build())
}

func (p *Panel) extend(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return usage(ctx, req, "/extend <key> <days>")
	}
	days, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return fail(ctx, req, inputError("days must be a number"))
	}
	sub, err := p.svc.ExtendSubscription(ctx, req.FromID, req.Args[0], days)
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, subscriberCard(sub, p.loc).Blank().Line("✅ Extended.").Build())
}

func (p *Panel) subscribers(ctx context.Context, req *router.Request) error {
	subs, err := p.svc.Subscribers(ctx)
	if err != nil {
		return fail(ctx, req, err)
	}
	b := tgui.New().Title("👥", fmt.Sprintf("Subscribers (%d)", len(subs)))
	for _, s := range subs {
		who := "not activated"
		if s.UserID != 0 {
			who = "user " + strconv.FormatInt(s.UserID, 10)
		}
		b.Raw(tgui.Join(" · ",
			tgui.Code(s.Key),
			tgui.Esc(string(s.Status)),
			tgui.Esc(who),
			tgui.Esc(fmt.Sprintf("%d acc", len(s.Accounts))),
			tgui.Esc("expires "+humanize.Time(s.ExpiresAt)),
		))
	}
	return send(ctx, req, b.Build())
}

func (p *Panel) accountStatus(status storage.AccountStatus) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) != 1 {
			return usage(ctx, req, "/"+req.Command+" <phone>")
		}
		if err := p.svc.SetAccountStatus(ctx, req.FromID, req.Args[0], status); err != nil {
			return fail(ctx, req, err)
		}
		return req.Reply(ctx, fmt.Sprintf("✅ Account %s is now %s.", tgui.Code(req.Args[0]), status))
	}
}

func (p *Panel) accountDelete(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usage(ctx, req, "/account delete <phone>")
	}
	if err := p.svc.DeleteAccount(ctx, req.FromID, req.Args[0]); err != nil {
		return fail(ctx, req, err)
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 Account %s deleted.", tgui.Code(req.Args[0])))
}

var bulkOps = map[control.BulkOp]string{
	control.BulkPauseAll:        "Pause every active task",
	control.BulkResumeAll:       "Resume every paused task",
	control.BulkDeleteCompleted: "Delete every completed task",
	control.BulkRestartFailed:   "Reactivate every failed task",
}

// bulk asks for confirmation; the work happens in cbBulkRun.
func (p *Panel) bulk(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usage(ctx, req, "/bulk pause_all|resume_all|delete_completed|restart_failed")
	}
	op := control.BulkOp(strings.ToLower(req.Args[0]))
	what, ok := bulkOps[op]
	if !ok {
		return fail(ctx, req, inputError(fmt.Sprintf("unknown bulk operation %q", req.Args[0])))
	}
	kb := tgui.NewInline().Row(
		tgui.Btn("Yes, run it", "bulk", "run", string(op)),
		tgui.Btn("Cancel", "bulk", "cancel", ""),
	)
	return send(ctx, req, tgui.New().Title("⚠️", what+"?").Inline(kb).Build())
}

func (p *Panel) cbBulkRun(ctx context.Context, req *router.Request, payload string) error {
	op := control.BulkOp(payload)
	n, err := p.svc.Bulk(ctx, req.FromID, op)
	if err != nil {
		return fail(ctx, req, err)
	}
	return edit(ctx, req, tgui.New().Line(fmt.Sprintf("✅ %s: %s tasks.", bulkOps[op], humanize.Comma(n))).Build())
}

func (p *Panel) cbBulkCancel(ctx context.Context, req *router.Request, _ string) error {
	return edit(ctx, req, tgui.New().Line("Cancelled.").Build())
}

func (p *Panel) report(ctx context.Context, req *router.Request) error {
	rep, err := p.svc.Report(ctx, req.FromID)
	if err != nil {
		return fail(ctx, req, err)
	}
	b := statsCard("Report", rep.Stats)
	if len(rep.Top) > 0 {
		b.Blank().Section("Top subscribers")
		for i, r := range rep.Top {
			b.Line(fmt.Sprintf("%d. %s · %d tasks · %s ok runs", i+1, tgui.Trunc(r.Key, 13), r.Tasks, count(r.SuccessfulRuns)))
		}
	}
	return send(ctx, req, b.Build())
}

func (p *Panel) stats(ctx context.Context, req *router.Request) error {
	st, err := p.svc.Stats(ctx)
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, statsCard("Statistics", st).Build())
}

func (p *Panel) scheduler(ctx context.Context, req *router.Request) error {
	if p.sched == nil {
		return req.Reply(ctx, "Scheduler is not running.")
	}
	s := p.sched.Snapshot()
	state := "stopped"
	switch {
	case s.Running && s.Enabled:
		state = "running"
	case s.Running:
		state = "disabled"
	}
	b := tgui.New().Title("⏱", "Scheduler").
		KV("State", state).
		KV("Poll every", s.Interval.String()).
		KV("Concurrency", strconv.Itoa(s.Concurrency)).
		KV("Timezone", s.Timezone).
		KV("In flight", strconv.FormatInt(s.InFlight, 10))
	if !s.NextPoll.IsZero() {
		b.KV("Next poll", humanize.Time(s.NextPoll))
	}
	if lb := s.LastBatch; !lb.At.IsZero() {
		b.Blank().Section("Last batch").
			KV("At", ago(lb.At)).
			KV("Due", fmt.Sprintf("%d of %d polled", lb.Due, lb.Polled)).
			KV("Succeeded", strconv.Itoa(lb.Succeeded)).
			KV("Failed", strconv.Itoa(lb.Failed)).
			KV("Completed", strconv.Itoa(lb.Completed)).
			KV("Took", lb.Took.String())
	}
	if len(s.Jobs) > 0 {
		b.Blank().Section("Jobs")
		for _, j := range s.Jobs {
			b.Bullets(fmt.Sprintf("%s (%s) next %s", j.Name, j.Spec, ago(j.Next)))
		}
	}
	return send(ctx, req, b.Build())
}

func (p *Panel) templateNew(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return usage(ctx, req, "/template new <name> [--interval MIN] [--all] [--link LINK]")
	}
	interval, _, err := flagInt(req, "interval")
	if err != nil {
		return fail(ctx, req, err)
	}
	cfg := control.TemplateConfig{
		IntervalMinutes: int(interval),
		TargetAll:       req.BoolFlags["all"],
		PrimaryRef:      req.Flags["link"],
		FallbackRef:     req.Flags["fallback"],
	}
	t, err := p.svc.CreateTemplate(ctx, control.TemplateRequest{
		Name:        strings.Join(req.Args, " "),
		Description: req.Flags["desc"],
		ConfigJSON:  cfg.JSON(),
		Public:      req.BoolFlags["public"],
		CreatedBy:   req.FromID,
	})
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, tgui.New().
		Title("🧩", fmt.Sprintf("Template #%d %s", t.ID, t.Name)).
		KV("Description", t.Description).
		Code(t.ConfigJSON).
		Build())
}

func (p *Panel) templateList(ctx context.Context, req *router.Request) error {
	tpls, err := p.svc.Templates(ctx)
	if err != nil {
		return fail(ctx, req, err)
	}
	b := tgui.New().Title("🧩", "Templates")
	if len(tpls) == 0 {
		b.Line("No templates.")
	}
	for _, t := range tpls {
		line := fmt.Sprintf("#%d %s", t.ID, t.Name)
		if t.Public {
			line += " · public"
		}
		b.Bullets(line)
		b.Code(t.ConfigJSON)
	}
	return send(ctx, req, b.Build())
}
