// Package gotd implements userbot.Session on top of the gotd MTProto client.
package gotd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"relaybot/internal/storage"
	"relaybot/internal/userbot"
	logx "relaybot/pkg/logx"
)

var errNotAuthorized = errors.New("session is not authorized, run the login command")

type Options struct {
	APIID         int
	APIHash       string
	SessionDir    string
	ClientTimeout time.Duration
	DeviceModel   string
}

func (o Options) timeout() time.Duration {
	if o.ClientTimeout <= 0 {
		return 30 * time.Second
	}
	return o.ClientTimeout
}

// SessionPath is where the session of phone lives inside dir.
func SessionPath(dir, phone string) string {
	name := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if name == "" {
		name = "account"
	}
	return filepath.Join(dir, name+".session.json")
}

// NewFactory returns a userbot.Factory building gotd sessions.
func NewFactory(opt Options, log logx.Logger) userbot.Factory {
	return func(acc storage.Account) (userbot.Session, error) {
		return New(acc, opt, log)
	}
}

// Session is one account. A fresh telegram.Client is started per Connect and
// torn down on Disconnect; the access-hash cache survives reconnects.
type Session struct {
	key  string
	opt  Options
	path string
	log  logx.Logger

	mu     sync.Mutex
	client *telegram.Client
	stop   context.CancelFunc
	done   chan struct{}
	peers  map[int64]tg.InputPeerClass
}

func New(acc storage.Account, opt Options, log logx.Logger) (*Session, error) {
	if acc.APIID != 0 {
		opt.APIID = acc.APIID
	}
	if acc.APIHash != "" {
		opt.APIHash = acc.APIHash
	}
	if opt.APIID == 0 || opt.APIHash == "" {
		return nil, fmt.Errorf("account %s: missing api_id/api_hash", acc.Key)
	}
	path := acc.SessionFile
	if path == "" {
		path = SessionPath(opt.SessionDir, acc.Key)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("account %s: session file: %w", acc.Key, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{
		key:   acc.Key,
		opt:   opt,
		path:  path,
		log:   log.With(logx.String("comp", "userbot.gotd"), logx.String("account", acc.Key)),
		peers: map[int64]tg.InputPeerClass{},
	}, nil
}

func newClient(opt Options, path string) *telegram.Client {
	return telegram.NewClient(opt.APIID, opt.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: path},
		Device:         telegram.DeviceConfig{DeviceModel: opt.DeviceModel},
	})
}

func (s *Session) Key() string { return s.key }

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *Session) Connect(ctx context.Context) error {
	if s.Connected() {
		return nil
	}

	client := newClient(s.opt, s.path)
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			st, err := client.Auth().Status(ctx)
			if err != nil {
				return err
			}
			if !st.Authorized {
				return errNotAuthorized
			}
			ready <- nil
			<-ctx.Done()
			return nil
		})
		if err == nil {
			err = userbot.ErrNotConnected
		}
		select {
		case ready <- err:
		default:
		}
		s.mu.Lock()
		if s.client == client {
			s.client, s.stop, s.done = nil, nil, nil
		}
		s.mu.Unlock()
	}()

	wait, cancelWait := context.WithTimeout(ctx, s.opt.timeout())
	defer cancelWait()
	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-done
			return fmt.Errorf("connect %s: %w", s.key, mapErr(err))
		}
	case <-wait.Done():
		cancel()
		<-done
		return fmt.Errorf("connect %s: %w", s.key, wait.Err())
	}

	s.mu.Lock()
	s.client, s.stop, s.done = client, cancel, done
	s.mu.Unlock()
	s.log.Debug("connected")
	return nil
}

func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.client, s.stop, s.done = nil, nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	select {
	case <-done:
		s.log.Debug("disconnected")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn against the live client with the client timeout applied.
func (s *Session) call(ctx context.Context, fn func(ctx context.Context, c *telegram.Client) error) error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return userbot.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.opt.timeout())
	defer cancel()
	return mapErr(fn(ctx, c))
}

func (s *Session) remember(chats []tg.ChatClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chats {
		switch c := c.(type) {
		case *tg.Channel:
			s.peers[c.ID] = &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}
		case *tg.Chat:
			s.peers[c.ID] = &tg.InputPeerChat{ChatID: c.ID}
		}
	}
}

func (s *Session) cached(id int64) (tg.InputPeerClass, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

// peer finds the input peer of id, walking the dialog list on a cache miss.
func (s *Session) peer(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	if p, ok := s.cached(id); ok {
		return p, nil
	}
	err := s.call(ctx, func(ctx context.Context, c *telegram.Client) error {
		return query.GetDialogs(c.API()).BatchSize(100).ForEach(ctx, func(ctx context.Context, e dialogs.Elem) error {
			s.mu.Lock()
			switch p := e.Peer.(type) {
			case *tg.InputPeerChannel:
				s.peers[p.ChannelID] = p
			case *tg.InputPeerChat:
				s.peers[p.ChatID] = p
			}
			s.mu.Unlock()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if p, ok := s.cached(id); ok {
		return p, nil
	}
	return nil, fmt.Errorf("chat %d: %w", id, userbot.ErrPeerNotFound)
}

func (s *Session) resolve(ctx context.Context, alias string) (*tg.ContactsResolvedPeer, error) {
	var res tg.ContactsResolvedPeer
	err := s.call(ctx, func(ctx context.Context, c *telegram.Client) error {
		return c.Invoke(ctx, &tg.ContactsResolveUsernameRequest{Username: alias}, &res)
	})
	if err != nil {
		return nil, err
	}
	s.remember(res.Chats)
	return &res, nil
}

func (s *Session) ResolveAlias(ctx context.Context, alias string) (userbot.Peer, error) {
	res, err := s.resolve(ctx, alias)
	if err != nil {
		return userbot.Peer{}, err
	}
	switch p := res.Peer.(type) {
	case *tg.PeerChannel:
		for _, c := range res.Chats {
			if ch, ok := c.(*tg.Channel); ok && ch.ID == p.ChannelID {
				return userbot.Peer{Kind: userbot.PeerChannel, ID: ch.ID, AccessHash: ch.AccessHash}, nil
			}
		}
	case *tg.PeerChat:
		return userbot.Peer{Kind: userbot.PeerChat, ID: p.ChatID}, nil
	case *tg.PeerUser:
		for _, u := range res.Users {
			if usr, ok := u.(*tg.User); ok && usr.ID == p.UserID {
				return userbot.Peer{Kind: userbot.PeerUser, ID: usr.ID, AccessHash: usr.AccessHash}, nil
			}
		}
	}
	return userbot.Peer{}, fmt.Errorf("@%s: %w", alias, userbot.ErrPeerNotFound)
}

func groupOf(c tg.ChatClass) (userbot.Group, bool) {
	switch c := c.(type) {
	case *tg.Channel:
		return userbot.Group{ID: c.ID, Title: c.Title, Member: !c.Left}, true
	case *tg.Chat:
		return userbot.Group{ID: c.ID, Title: c.Title, Member: !c.Left && !c.Deactivated}, true
	case *tg.ChannelForbidden, *tg.ChatForbidden:
		return userbot.Group{}, false
	}
	return userbot.Group{}, false
}

// LookupGroup resolves a link without joining. A private invite the account
// cannot preview yields a Group with ID 0 and only the title.
func (s *Session) LookupGroup(ctx context.Context, kind userbot.GroupKind, ident string) (userbot.Group, error) {
	if kind == userbot.GroupPublic {
		res, err := s.resolve(ctx, ident)
		if err != nil {
			return userbot.Group{}, err
		}
		for _, c := range res.Chats {
			if g, ok := groupOf(c); ok {
				return g, nil
			}
		}
		return userbot.Group{}, fmt.Errorf("@%s is not a group: %w", ident, userbot.ErrPeerNotFound)
	}

	var invite tg.ChatInviteClass
	err := s.call(ctx, func(ctx context.Context, c *telegram.Client) error {
		var err error
		invite, err = c.API().MessagesCheckChatInvite(ctx, ident)
		return err
	})
	if err != nil {
		return userbot.Group{}, err
	}
	switch inv := invite.(type) {
	case *tg.ChatInviteAlready:
		s.remember([]tg.ChatClass{inv.Chat})
		if g, ok := groupOf(inv.Chat); ok {
			g.Member = true
			return g, nil
		}
		return userbot.Group{}, fmt.Errorf("invite %s: %w", ident, userbot.ErrForbidden)
	case *tg.ChatInvitePeek:
		s.remember([]tg.ChatClass{inv.Chat})
		if g, ok := groupOf(inv.Chat); ok {
			g.Member = false
			return g, nil
		}
		return userbot.Group{}, fmt.Errorf("invite %s: %w", ident, userbot.ErrForbidden)
	case *tg.ChatInvite:
		return userbot.Group{Title: inv.Title}, nil
	}
	return userbot.Group{}, fmt.Errorf("invite %s: unexpected %T", ident, invite)
}

func (s *Session) Join(ctx context.Context, kind userbot.GroupKind, ident string) error {
	var err error
	if kind == userbot.GroupPublic {
		var res *tg.ContactsResolvedPeer
		if res, err = s.resolve(ctx, ident); err != nil {
			return err
		}
		var ch *tg.Channel
		for _, c := range res.Chats {
			if v, ok := c.(*tg.Channel); ok {
				ch = v
				break
			}
		}
		if ch == nil {
			return fmt.Errorf("@%s is not a joinable group: %w", ident, userbot.ErrPeerNotFound)
		}
		err = s.call(ctx, func(ctx context.Context, c *telegram.Client) error {
			upd, err := c.API().ChannelsJoinChannel(ctx, &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash})
			if err != nil {
				return err
			}
			s.remember(updateChats(upd))
			return nil
		})
	} else {
		err = s.call(ctx, func(ctx context.Context, c *telegram.Client) error {
			upd, err := c.API().MessagesImportChatInvite(ctx, ident)
			if err != nil {
				return err
			}
			s.remember(updateChats(upd))
			return nil
		})
	}
	if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return nil
	}
	return err
}

func updateChats(u tg.UpdatesClass) []tg.ChatClass {
	switch u := u.(type) {
	case *tg.Updates:
		return u.Chats
	case *tg.UpdatesCombined:
		return u.Chats
	}
	return nil
}

func (s *Session) IsMember(ctx context.Context, groupID int64) (bool, error) {
	p, err := s.peer(ctx, groupID)
	if errors.Is(err, userbot.ErrPeerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var chats []tg.ChatClass
	err = s.call(ctx, func(ctx context.Context, c *telegram.Client) error {
		var (
			res tg.MessagesChatsClass
			err error
		)
		switch p := p.(type) {
		case *tg.InputPeerChannel:
			res, err = c.API().ChannelsGetChannels(ctx, []tg.InputChannelClass{
				&tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash},
			})
		case *tg.InputPeerChat:
			res, err = c.API().MessagesGetChats(ctx, []int64{p.ChatID})
		default:
			return fmt.Errorf("chat %d: %w", groupID, userbot.ErrPeerNotFound)
		}
		if err != nil {
			return err
		}
		chats = res.GetChats()
		return nil
	})
	if errors.Is(err, userbot.ErrForbidden) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, c := range chats {
		if g, ok := groupOf(c); ok && g.ID == groupID {
			return g.Member, nil
		}
	}
	return false, nil
}

func (s *Session) inputPeer(ctx context.Context, p userbot.Peer) (tg.InputPeerClass, error) {
	switch {
	case p.Kind == userbot.PeerChannel && p.AccessHash != 0:
		return &tg.InputPeerChannel{ChannelID: p.ID, AccessHash: p.AccessHash}, nil
	case p.Kind == userbot.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ID}, nil
	case p.Kind == userbot.PeerUser && p.AccessHash != 0:
		return &tg.InputPeerUser{UserID: p.ID, AccessHash: p.AccessHash}, nil
	}
	return s.peer(ctx, p.ID)
}

func (s *Session) Forward(ctx context.Context, from userbot.Peer, msgID int, toGroupID int64) error {
	src, err := s.inputPeer(ctx, from)
	if err != nil {
		return err
	}
	dst, err := s.peer(ctx, toGroupID)
	if err != nil {
		return err
	}
	return s.call(ctx, func(ctx context.Context, c *telegram.Client) error {
		_, err := c.API().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
			FromPeer: src,
			ID:       []int{msgID},
			RandomID: []int64{rand.Int64()},
			ToPeer:   dst,
		})
		return err
	})
}

// mapErr translates RPC errors into the userbot error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return fmt.Errorf("%w: %v", &userbot.FloodWaitError{Wait: d}, err)
	}
	switch {
	case tgerr.Is(err, "INVITE_REQUEST_SENT"):
		return fmt.Errorf("%w: %v", userbot.ErrJoinPending, err)
	case tgerr.Is(err, "INVITE_HASH_EXPIRED", "INVITE_HASH_INVALID", "INVITE_HASH_EMPTY"):
		return fmt.Errorf("%w: %v", userbot.ErrInviteExpired, err)
	case tgerr.Is(err,
		"CHANNEL_PRIVATE", "CHANNEL_PUBLIC_GROUP_NA", "USER_BANNED_IN_CHANNEL",
		"CHAT_WRITE_FORBIDDEN", "CHAT_ADMIN_REQUIRED", "CHAT_FORWARDS_RESTRICTED",
		"CHAT_SEND_PLAIN_FORBIDDEN", "CHANNELS_TOO_MUCH", "USER_CHANNELS_TOO_MUCH"):
		return fmt.Errorf("%w: %v", userbot.ErrForbidden, err)
	case tgerr.Is(err,
		"USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "PEER_ID_INVALID",
		"CHANNEL_INVALID", "CHAT_ID_INVALID", "MSG_ID_INVALID", "MESSAGE_ID_INVALID"):
		return fmt.Errorf("%w: %v", userbot.ErrPeerNotFound, err)
	case errors.Is(err, errNotAuthorized):
		return fmt.Errorf("%w: %v", userbot.ErrNotConnected, err)
	}
	return err
}
