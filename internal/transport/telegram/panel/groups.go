package panel

import (
	"context"
	"fmt"
	"strings"

	"relaybot/internal/control"
	"relaybot/internal/membership"
	"relaybot/internal/transport/telegram/router"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

func (p *Panel) groupCommands() []router.Command {
	return []router.Command{
		{
			Route:       "folder new",
			Description: "create a group folder",
			Usage:       "/folder new <name>",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.folderNew,
		},
		{
			Route:       "folder list",
			Aliases:     []string{"folders"},
			Description: "your folders",
			Usage:       "/folder list",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.folderList,
		},
		{
			Route:       "group join",
			Description: "join groups by link and remember them",
			Usage:       "/group join <account> <link> [link...] [--folder ID]",
			Access:      router.AccessSubscriber,
			Timeout:     joinTimeout,
			Handle:      p.groupJoin,
		},
		{
			Route:       "group add",
			Description: "join groups straight into a folder",
			Usage:       "/group add <account> <folder id> <link> [link...]",
			Access:      router.AccessSubscriber,
			Timeout:     joinTimeout,
			Handle:      p.groupAdd,
		},
		{
			Route:       "group joinall",
			Description: "make an account join every stored group",
			Usage:       "/group joinall <account> [--folder ID]",
			Access:      router.AccessSubscriber,
			Timeout:     joinTimeout,
			Handle:      p.groupJoinAll,
		},
		{
			Route:       "group list",
			Aliases:     []string{"groups"},
			Description: "your target groups",
			Usage:       "/group list [--folder ID]",
			Access:      router.AccessSubscriber,
			Timeout:     shortTimeout,
			Handle:      p.groupList,
		},
	}
}

func (p *Panel) folderNew(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return usage(ctx, req, "/folder new <name>")
	}
	own, err := createOwner(req)
	if err != nil {
		return fail(ctx, req, err)
	}
	f, err := p.svc.CreateFolder(ctx, own, strings.Join(req.Args, " "))
	if err != nil {
		return fail(ctx, req, err)
	}
	return req.Reply(ctx, fmt.Sprintf("📁 Folder %s created with id %s.", tgui.B(f.Name), tgui.Code(fmt.Sprint(f.ID))))
}

func (p *Panel) folderList(ctx context.Context, req *router.Request) error {
	folders, err := p.svc.ListFolders(ctx, scope(req))
	if err != nil {
		return fail(ctx, req, err)
	}
	b := tgui.New().Title("📁", "Folders")
	if len(folders) == 0 {
		b.Line("No folders. Create one with /folder new.")
	}
	for _, f := range folders {
		line := fmt.Sprintf("#%d %s", f.ID, f.Name)
		if req.IsAdmin && scope(req) == "" {
			line += " · " + f.Owner
		}
		b.Bullets(line)
	}
	return send(ctx, req, b.Build())
}

// runJoin reports progress up front since joins are paced and slow.
func (p *Panel) runJoin(ctx context.Context, req *router.Request, n int, fn func(context.Context) ([]membership.Result, error)) error {
	if n > 1 {
		_ = req.Reply(ctx, fmt.Sprintf("⏳ Working through %d groups, this can take a while.", n))
	}
	results, err := fn(ctx)
	if err != nil && len(results) == 0 {
		return fail(ctx, req, err)
	}
	sum := control.Summarize(results)
	p.log.Info("group operation finished",
		logx.String("rid", req.ReqID),
		logx.String("cmd", req.Command),
		logx.Int("joined", sum.Joined),
		logx.Int("already", sum.Already),
		logx.Int("pending", sum.Pending),
		logx.Int("failed", sum.Failed),
	)
	return send(ctx, req, joinReport(results))
}

func (p *Panel) groupJoin(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return usage(ctx, req, "/group join <account> <link> [link...] [--folder ID]")
	}
	own, err := createOwner(req)
	if err != nil {
		return fail(ctx, req, err)
	}
	folderID, _, err := flagInt(req, "folder")
	if err != nil {
		return fail(ctx, req, err)
	}
	op := control.GroupOp{Owner: own, AccountKey: req.Args[0], FolderID: folderID, Links: req.Args[1:]}
	return p.runJoin(ctx, req, len(op.Links), func(c context.Context) ([]membership.Result, error) {
		return p.svc.JoinGroups(c, op)
	})
}

func (p *Panel) groupAdd(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 3 {
		return usage(ctx, req, "/group add <account> <folder id> <link> [link...]")
	}
	own, err := createOwner(req)
	if err != nil {
		return fail(ctx, req, err)
	}
	folderID, ok := parseID(req.Args[1])
	if !ok {
		return fail(ctx, req, inputError("folder id must be a number"))
	}
	op := control.GroupOp{Owner: own, AccountKey: req.Args[0], FolderID: folderID, Links: req.Args[2:]}
	return p.runJoin(ctx, req, len(op.Links), func(c context.Context) ([]membership.Result, error) {
		return p.svc.AddGroups(c, op)
	})
}

func (p *Panel) groupJoinAll(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usage(ctx, req, "/group joinall <account> [--folder ID]")
	}
	own, err := createOwner(req)
	if err != nil {
		return fail(ctx, req, err)
	}
	folderID, _, err := flagInt(req, "folder")
	if err != nil {
		return fail(ctx, req, err)
	}
	groups, err := p.svc.ListGroups(ctx, own, folderID)
	if err != nil {
		return fail(ctx, req, err)
	}
	if len(groups) == 0 {
		return req.Reply(ctx, "No stored groups to join. Add some with /group join.")
	}
	op := control.GroupOp{Owner: own, AccountKey: req.Args[0], FolderID: folderID}
	return p.runJoin(ctx, req, len(groups), func(c context.Context) ([]membership.Result, error) {
		return p.svc.JoinStored(c, op)
	})
}

func (p *Panel) groupList(ctx context.Context, req *router.Request) error {
	folderID, _, err := flagInt(req, "folder")
	if err != nil {
		return fail(ctx, req, err)
	}
	groups, err := p.svc.ListGroups(ctx, scope(req), folderID)
	if err != nil {
		return fail(ctx, req, err)
	}
	b := tgui.New().Title("👥", fmt.Sprintf("Groups (%d)", len(groups)))
	if len(groups) == 0 {
		b.Line("No groups yet. Add some with /group join.")
	}
	const maxShown = 50
	for i, g := range groups {
		if i == maxShown {
			b.Line(fmt.Sprintf("… and %d more", len(groups)-maxShown))
			break
		}
		line := tgui.Trunc(g.Name, 40)
		if line == "" {
			line = fmt.Sprint(g.GroupID)
		}
		if g.FolderID != 0 {
			line += fmt.Sprintf(" · folder %d", g.FolderID)
		}
		b.Bullets(line)
	}
	return send(ctx, req, b.Build())
}
