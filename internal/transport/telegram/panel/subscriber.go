package panel

import (
	"context"
	"strconv"
	"strings"

	"relaybot/internal/transport/telegram/router"
	"relaybot/pkg/tgui"
)

func (p *Panel) subscriberCommands() []router.Command {
	return []router.Command{
		{
			Route:       "start",
			Description: "welcome and status",
			Usage:       "/start",
			Access:      router.AccessEveryone,
			Timeout:     shortTimeout,
			Handle:      p.start,
		},
		{
			Route:       "activate",
			Description: "bind an invitation code to your account",
			Usage:       "/activate <code>",
			Access:      router.AccessEveryone,
			Timeout:     shortTimeout,
			Handle:      p.activate,
		},
		{
			Route:       "me",
			Aliases:     []string{"whoami"},
			Description: "your subscription",
			Usage:       "/me",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.me,
		},
		{
			Route:       "accounts",
			Description: "accounts assigned to you",
			Usage:       "/accounts [--owner KEY]",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.accounts,
		},
	}
}

func (p *Panel) start(ctx context.Context, req *router.Request) error {
	b := tgui.New().Title("👋", "Relay bot")
	switch {
	case req.Subscriber != nil:
		b.Line("Your subscription is "+string(req.Subscriber.Status)+", expiring "+ago(req.Subscriber.ExpiresAt)+".").
			Blank().
			Line("Create a task with /task new, manage groups with /group, or see everything with /help.")
	case req.IsAdmin:
		b.Line("You are a bot owner. /help lists the administration commands.")
	default:
		b.Line("This bot forwards your messages to your groups on a schedule.").
			Blank().
			Raw("Ask an administrator for an invitation code, then send " + tgui.Code("/activate <code>") + ".")
	}
	return send(ctx, req, b.Build())
}

func (p *Panel) activate(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usage(ctx, req, "/activate <code>")
	}
	sub, err := p.svc.ActivateInvitation(ctx, strings.TrimSpace(req.Args[0]), req.FromID)
	if err != nil {
		return fail(ctx, req, err)
	}
	return send(ctx, req, subscriberCard(sub, p.loc).
		Blank().
		Line("Activated. Your accounts are ready; start with /task new or /group join.").
		Build())
}

func (p *Panel) me(ctx context.Context, req *router.Request) error {
	if req.Subscriber == nil {
		return req.Reply(ctx, "You are an owner without a subscription of your own.")
	}
	sum, err := p.svc.TaskSummary(ctx, req.Subscriber.Key)
	if err != nil {
		return fail(ctx, req, err)
	}
	b := subscriberCard(*req.Subscriber, p.loc).
		Blank().
		Section("Tasks").
		KV("Total", strconv.Itoa(sum.Tasks)).
		KV("Active", strconv.Itoa(sum.Active)).
		KV("Successful runs", count(sum.Successes)).
		KV("Failed runs", count(sum.Failures))
	return send(ctx, req, b.Build())
}

func (p *Panel) accounts(ctx context.Context, req *router.Request) error {
	accs, err := p.svc.Accounts(ctx, scope(req))
	if err != nil {
		return fail(ctx, req, err)
	}
	b := tgui.New().Title("📱", "Accounts")
	if len(accs) == 0 {
		b.Line("No accounts.")
	}
	for _, a := range accs {
		line := a.Key + " · " + string(a.Status)
		if a.Username != "" {
			line += " · @" + a.Username
		}
		if req.IsAdmin && a.AssignedTo != "" {
			line += " · " + a.AssignedTo
		}
		b.Bullets(line)
	}
	return send(ctx, req, b.Build())
}
