// Package membership joins userbot accounts to target groups and records the
// groups they reach.
package membership

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaybot/internal/eventbus"
	"relaybot/internal/linkresolve"
	"relaybot/internal/retry"
	"relaybot/internal/storage"
	"relaybot/internal/userbot"
	logx "relaybot/pkg/logx"
)

var (
	// ErrPermanentJoinFailure covers expired invites and forbidden groups.
	ErrPermanentJoinFailure = errors.New("permanent join failure")
	ErrUnsupportedLink      = linkresolve.ErrUnsupportedLink
)

// Store is the slice of the durable store membership writes to.
type Store interface {
	AddTargetGroup(ctx context.Context, g storage.TargetGroup) (bool, error)
	ListTargetGroups(ctx context.Context, owner string, folderID int64) ([]storage.TargetGroup, error)
}

type Options struct {
	// Retry applies to one join. The advertised flood wait is honored.
	Retry       retry.Policy
	Concurrency int
	DelayMin    time.Duration
	DelayMax    time.Duration
	JoinTimeout time.Duration
}

// DefaultOptions mirrors the membership config defaults.
func DefaultOptions() Options {
	return Options{
		Retry: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
			Multiplier:  2,
			MaxHint:     60 * time.Second,
		},
		Concurrency: 5,
		DelayMin:    time.Second,
		DelayMax:    3 * time.Second,
		JoinTimeout: 30 * time.Second,
	}
}

// Result is the outcome of one link. Joined is true for fresh joins and for
// groups the account was already in.
type Result struct {
	Link     string
	GroupID  int64
	Title    string
	Joined   bool
	Already  bool
	Pending  bool
	Recorded bool
	Detail   string
	Err      error
}

type Manager struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	mu  sync.RWMutex
	opt Options

	sleep func(ctx context.Context, d time.Duration) error
}

func New(store Store, opt Options, bus eventbus.Bus, log logx.Logger) *Manager {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "membership")),
		opt:   normalize(opt),
		sleep: retry.Sleep,
	}
}

func normalize(opt Options) Options {
	if opt.Concurrency <= 0 {
		opt.Concurrency = 5
	}
	if opt.DelayMax < opt.DelayMin {
		opt.DelayMax = opt.DelayMin
	}
	if opt.JoinTimeout <= 0 {
		opt.JoinTimeout = 30 * time.Second
	}
	return opt
}

// SetOptions swaps the knobs used by subsequent joins.
func (m *Manager) SetOptions(opt Options) {
	m.mu.Lock()
	m.opt = normalize(opt)
	m.mu.Unlock()
}

func (m *Manager) options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opt
}

func permanent(err error) bool {
	return errors.Is(err, userbot.ErrInviteExpired) ||
		errors.Is(err, userbot.ErrForbidden) ||
		errors.Is(err, userbot.ErrPeerNotFound)
}

// classify marks errors that must not be retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if permanent(err) {
		return retry.NoRetry(fmt.Errorf("%w: %w", ErrPermanentJoinFailure, err))
	}
	return err
}

// Join makes sess a member of the group behind link and records it under
// owner (and folderID, 0 for none). The caller holds the account mutex and
// has connected sess. A join left awaiting approval is not an error: the
// result reports Joined=false, Pending=true.
func (m *Manager) Join(ctx context.Context, sess userbot.Session, link string, folderID int64, owner string) (Result, error) {
	link = strings.TrimSpace(link)
	res := Result{Link: link}
	gl, err := linkresolve.ParseGroup(link)
	if err != nil {
		return res, err
	}
	log := m.log.With(logx.String("account", sess.Key()), logx.String("link", link))

	policy := m.options().Retry
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		log.Warn("join retry", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
	}

	var g userbot.Group
	err = policy.Do(ctx, func(ctx context.Context, _ int) error {
		res.Already, res.Pending = false, false

		var err error
		if g, err = sess.LookupGroup(ctx, gl.Kind, gl.Ident); err != nil {
			return classify(err)
		}
		if g.Member && g.ID != 0 {
			res.Already = true
			return nil
		}

		if err := sess.Join(ctx, gl.Kind, gl.Ident); err != nil {
			if errors.Is(err, userbot.ErrJoinPending) {
				res.Pending = true
				return nil
			}
			return classify(err)
		}

		if g, err = sess.LookupGroup(ctx, gl.Kind, gl.Ident); err != nil {
			return classify(err)
		}
		if !g.Member || g.ID == 0 {
			res.Pending = true
		}
		return nil
	})
	res.GroupID, res.Title = g.ID, g.Title
	if err != nil {
		log.Warn("join failed", logx.Err(err))
		return res, err
	}

	if res.Pending {
		res.Detail = "join request pending approval"
		log.Info("join pending")
		return res, nil
	}

	res.Joined = true
	res.Detail = "joined"
	if res.Already {
		res.Detail = "already a member"
	}
	if err := m.record(ctx, &res, folderID, owner); err != nil {
		return res, err
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.GroupJoined, Data: eventbus.GroupJoin{
		AccountKey: sess.Key(),
		GroupID:    res.GroupID,
		Title:      res.Title,
		Owner:      owner,
		Already:    res.Already,
	}})
	log.Info("group joined", logx.Int64("group_id", res.GroupID), logx.Bool("already", res.Already))
	return res, nil
}

func (m *Manager) record(ctx context.Context, res *Result, folderID int64, owner string) error {
	inserted, err := m.store.AddTargetGroup(ctx, storage.TargetGroup{
		GroupID:  res.GroupID,
		Name:     res.Title,
		Link:     res.Link,
		Owner:    owner,
		FolderID: folderID,
	})
	if err != nil {
		return fmt.Errorf("record group %d: %w", res.GroupID, err)
	}
	res.Recorded = inserted
	return nil
}

func (m *Manager) delay(ctx context.Context, opt Options) error {
	d := opt.DelayMin
	if span := opt.DelayMax - opt.DelayMin; span > 0 {
		d += time.Duration(rand.Int64N(int64(span) + 1))
	}
	return m.sleep(ctx, d)
}

// session locks and connects the account for one bulk operation.
func session(ctx context.Context, h userbot.Handle, fn func(sess userbot.Session) error) error {
	h.Mu.Lock()
	defer h.Mu.Unlock()
	if err := h.Session.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = h.Session.Disconnect(dctx)
	}()
	return fn(h.Session)
}

// JoinMany joins every link with bounded concurrency, a randomized delay
// before each join after the first, and a per-join timeout. Per-link failures
// land in the results; the error is only for locking or connecting.
func (m *Manager) JoinMany(ctx context.Context, h userbot.Handle, links []string, folderID int64, owner string) ([]Result, error) {
	results := make([]Result, len(links))
	opt := m.options()

	err := session(ctx, h, func(sess userbot.Session) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opt.Concurrency)
		for i, link := range links {
			g.Go(func() error {
				if i > 0 {
					if err := m.delay(gctx, opt); err != nil {
						results[i] = Result{Link: link, Err: err, Detail: err.Error()}
						return nil
					}
				}
				jctx, cancel := context.WithTimeout(gctx, opt.JoinTimeout)
				defer cancel()
				res, err := m.Join(jctx, sess, link, folderID, owner)
				if err != nil {
					res.Err = err
					res.Detail = err.Error()
				}
				results[i] = res
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}

	joined := 0
	for _, r := range results {
		if r.Joined {
			joined++
		}
	}
	m.log.Info("bulk join finished",
		logx.String("account", h.Key),
		logx.Int("links", len(links)),
		logx.Int("joined", joined),
	)
	return results, nil
}

// AddToFolder registers groups under a folder without joining them.
func (m *Manager) AddToFolder(ctx context.Context, h userbot.Handle, links []string, folderID int64, owner string) ([]Result, error) {
	results := make([]Result, 0, len(links))
	err := session(ctx, h, func(sess userbot.Session) error {
		for _, link := range links {
			res := Result{Link: strings.TrimSpace(link)}
			gl, err := linkresolve.ParseGroup(res.Link)
			if err == nil {
				var g userbot.Group
				g, err = sess.LookupGroup(ctx, gl.Kind, gl.Ident)
				if err == nil && g.ID == 0 {
					err = fmt.Errorf("%s: group id is only visible to members", res.Link)
				}
				if err == nil {
					res.GroupID, res.Title = g.ID, g.Title
					err = m.record(ctx, &res, folderID, owner)
				}
			}
			if err != nil {
				res.Err, res.Detail = err, err.Error()
			} else {
				res.Detail = "added"
				if !res.Recorded {
					res.Detail = "already registered"
				}
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// JoinFolder joins every stored group of a folder.
func (m *Manager) JoinFolder(ctx context.Context, h userbot.Handle, folderID int64, owner string) ([]Result, error) {
	return m.joinStored(ctx, h, owner, folderID)
}

// JoinAll joins every stored group owned by owner.
func (m *Manager) JoinAll(ctx context.Context, h userbot.Handle, owner string) ([]Result, error) {
	return m.joinStored(ctx, h, owner, 0)
}

func (m *Manager) joinStored(ctx context.Context, h userbot.Handle, owner string, folderID int64) ([]Result, error) {
	groups, err := m.store.ListTargetGroups(ctx, owner, folderID)
	if err != nil {
		return nil, err
	}
	links := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.Link != "" {
			links = append(links, g.Link)
		}
	}
	if len(links) == 0 {
		return nil, nil
	}
	return m.JoinMany(ctx, h, links, folderID, owner)
}
