package router

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessSubscriber admits users bound to a subscription and the owners.
	AccessSubscriber
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "task pause".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline buttons whose data is "scope:action[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string
	Command string
	Args    []string
	Payload string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	// Subscriber is set for bound users; Owner is its key. An owner without a
	// subscription of their own has an empty Owner.
	Subscriber *storage.Subscriber
	Owner      string
	IsAdmin    bool

	Adapter kit.Bot
	Logger  logx.Logger
}

// Reply sends HTML text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Subscribers maps chat users to subscriptions.
type Subscribers interface {
	Whoami(ctx context.Context, userID int64) (storage.Subscriber, error)
}

const (
	msgUnknown       = "Unknown command. Try /help"
	msgOwnerOnly     = "Only the bot owners can do that."
	msgNotSubscribed = "You are not subscribed. Ask an administrator for an invitation code, then send <code>/activate &lt;code&gt;</code>."
	msgBusy          = "Busy, try again in a moment."
	msgInternal      = "Something went wrong. The error was logged."
)

type CommandManager struct {
	mu    sync.RWMutex
	root  *node
	alias map[string]*node
	menu  []kit.MenuCommand

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute

	owners []int64

	log     logx.Logger
	adapter kit.Bot
	subs    Subscribers

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Bot, subs Subscribers, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		root:      newTree(),
		alias:     map[string]*node{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log,
		adapter:   adapter,
		subs:      subs,
		owners:    append([]int64(nil), owners...),
		jobs:      make(chan func(), 256),
	}
}

// Supervisor returns the dispatcher's supervisor, nil when not running.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue never blocks; it also survives the jobs channel being closed.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners replaces the owner list. Safe during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetRegistry installs the command and callback set. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show commands",
		Usage:       "/help [command] [subcommand...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args, req.IsAdmin))
		},
	})

	root := newTree()
	alias := map[string]*node{}
	leaves := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.insert(route, c)
		leaves = append(leaves, c)

		// Menu entries cannot contain spaces, so "task pause" is also
		// reachable as /task_pause. A single-token route never aliases
		// itself or subcommand traversal would be skipped.
		if menu, ok := menuName(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, taken := alias[menu]; !taken {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.ContainsAny(a, " \t") {
				continue
			}
			alias[a] = leaf
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		s, a := strings.TrimSpace(r.Scope), strings.TrimSpace(r.Action)
		if s == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = r
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.menu = buildMenu(root, leaves)
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()
}

func (m *CommandManager) updateMenu(ctx context.Context) {
	up, ok := m.adapter.(kit.MenuPublisher)
	if !ok {
		return
	}
	m.mu.RLock()
	menu := m.menu
	m.mu.RUnlock()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.PublishMenu(cctx, menu); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

// DispatchLoop routes updates onto a bounded worker pool until ctx ends or
// updates closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", cap(m.jobs)))

	sup.Go0("menu.update", m.updateMenu)

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if at := strings.IndexByte(word, '@'); at >= 0 {
		word = word[:at]
	}
	args := parts[1:]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	var (
		cmd  Command
		path []string
	)
	if leaf, ok := alias[word]; ok && leaf.cmd != nil {
		cmd = *leaf.cmd
		path = splitRoute(cmd.Route)
	} else {
		cur, p, rest := root.walk(word, args)
		if cur == nil {
			m.send(ctx, chat, msgUnknown)
			return
		}
		if cur.cmd == nil {
			m.send(ctx, chat, m.helpText(p, m.isOwner(msg.FromID)))
			return
		}
		cmd, path, args = *cur.cmd, p, rest
	}

	pos, flags, bools := parseFlags(args)
	rid := newReqID()
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   args,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		IsAdmin:   m.isOwner(msg.FromID),
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}
	if cmd.Access == AccessOwnerOnly && !req.IsAdmin {
		m.send(ctx, chat, msgOwnerOnly)
		return
	}

	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
		m.mwSubscriber(cmd.Access),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		m.send(ctx, chat, msgBusy)
	}
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	scope, action, payload := parts[0], parts[1], ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.cbMu.RLock()
	r, ok := m.callbacks[scope][action]
	m.cbMu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	isAdmin := m.isOwner(cb.FromID)
	if r.Access == AccessOwnerOnly && !isAdmin {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	rid := newReqID()
	name := "cb:" + scope + ":" + action
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: name,
		Payload: payload,
		ReqID:   rid,
		IsAdmin: isAdmin,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", name),
		),
	}

	h := func(c context.Context, req *Request) error { return r.Handle(c, req, payload) }
	final := Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(r.Timeout),
		m.mwSubscriber(r.Access),
	)
	if !m.tryEnqueue(func() {
		_ = final(ctx, req)
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

// mwSubscriber binds the request to the caller's subscription. For
// AccessSubscriber handlers a caller who is neither bound nor an owner is
// turned away.
func (m *CommandManager) mwSubscriber(access Access) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if m.subs != nil {
				sub, err := m.subs.Whoami(ctx, req.FromID)
				switch {
				case err == nil:
					req.Subscriber = &sub
					req.Owner = sub.Key
				case errors.Is(err, storage.ErrNotFound):
				default:
					_ = req.Reply(ctx, msgInternal)
					return err
				}
			}
			if access == AccessSubscriber && req.Subscriber == nil && !req.IsAdmin {
				return req.Reply(ctx, msgNotSubscribed)
			}
			return next(ctx, req)
		}
	}
}

func (m *CommandManager) send(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := m.adapter.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		m.log.Debug("reply failed", logx.Err(err))
	}
}
