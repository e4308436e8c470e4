// Package panel is the chat command set of the admin bot: subscribers manage
// their tasks, folders and groups; owners manage accounts, invitations and
// the fleet.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/control"
	"relaybot/internal/task/scheduler"
	"relaybot/internal/transport/telegram/router"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

// Scheduler is the read side of the poller.
type Scheduler interface {
	Snapshot() scheduler.Snapshot
}

type Panel struct {
	svc   *control.Service
	sched Scheduler
	loc   *time.Location
	log   logx.Logger
	rt    Runtime
}

// New builds the panel. loc is used to read user-typed times; nil means UTC.
func New(svc *control.Service, sched Scheduler, loc *time.Location, log logx.Logger) *Panel {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Panel{svc: svc, sched: sched, loc: loc, log: log.With(logx.String("comp", "panel"))}
}

const (
	shortTimeout = 15 * time.Second
	joinTimeout  = 10 * time.Minute
	pageSize     = 8
)

func (p *Panel) Commands() []router.Command {
	var out []router.Command
	out = append(out, p.subscriberCommands()...)
	out = append(out, p.taskCommands()...)
	out = append(out, p.groupCommands()...)
	out = append(out, p.adminCommands()...)
	out = append(out, p.healthCommand())
	return out
}

func (p *Panel) Callbacks() []router.CallbackRoute {
	return append(p.taskCallbacks(), p.adminCallbacks()...)
}

// inputError is a malformed argument caught before reaching the service.
type inputError string

func (e inputError) Error() string { return string(e) }

// fail replies with a readable sentence. Unexpected errors are returned so
// the request log records them.
func fail(ctx context.Context, req *router.Request, err error) error {
	var ie inputError
	if errors.As(err, &ie) {
		return req.Reply(ctx, "⚠️ "+tgui.Esc(string(ie)).String())
	}
	_ = req.Reply(ctx, "⚠️ "+tgui.Esc(control.Describe(err)).String())
	if control.Expected(err) {
		return nil
	}
	return err
}

func usage(ctx context.Context, req *router.Request, u string) error {
	return req.Reply(ctx, "Usage: "+tgui.Code(u).String())
}

func send(ctx context.Context, req *router.Request, m tgui.Message) error {
	_, err := m.Send(ctx, req.Adapter, req.Chat)
	return err
}

// owner is the subscriber a request acts for. Owners may act for anyone
// with --owner.
func owner(req *router.Request) string {
	if req.IsAdmin {
		if o := strings.TrimSpace(req.Flags["owner"]); o != "" {
			return o
		}
	}
	return req.Owner
}

// scope is the owner filter for listings: owners without --owner see all.
func scope(req *router.Request) string {
	if req.IsAdmin && strings.TrimSpace(req.Flags["owner"]) == "" {
		return ""
	}
	return owner(req)
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	return id, err == nil && id > 0
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTime reads a user-typed time in loc. Empty input is the zero time.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, l := range timeLayouts {
		if t, err := time.ParseInLocation(l, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, inputError(fmt.Sprintf("cannot read time %q, use YYYY-MM-DD or \"YYYY-MM-DD HH:MM\"", s))
}

// flagInt reads an optional integer flag.
func flagInt(req *router.Request, name string) (int64, bool, error) {
	v, ok := req.Flags[name]
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, true, inputError("--" + name + " must be a number")
	}
	return n, true, nil
}
