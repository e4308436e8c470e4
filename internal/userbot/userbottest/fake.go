// Package userbottest provides an in-memory userbot.Session for tests.
package userbottest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/storage"
	"relaybot/internal/userbot"
)

// Forwarded is one recorded Forward call.
type Forwarded struct {
	From  userbot.Peer
	MsgID int
	To    int64
}

// Session is a scriptable fake. Zero value is usable; set fields before use.
type Session struct {
	ID string

	// Aliases maps @alias to its peer; unknown aliases fail with ErrPeerNotFound.
	Aliases map[string]userbot.Peer
	// Groups maps a group link ident to the group it resolves to.
	Groups map[string]userbot.Group
	// PendingJoins lists idents whose join leaves the account awaiting approval.
	PendingJoins map[string]bool
	// JoinErrs is consumed one error per Join call; nil entries succeed.
	JoinErrs []error
	// LookupErrs is consumed one error per LookupGroup call.
	LookupErrs []error
	// FailForward reports whether a forward into group to should fail.
	FailForward func(from userbot.Peer, to int64) error
	// ConnectErr fails Connect.
	ConnectErr error
	// Delay is slept inside Forward, to widen overlap windows.
	Delay time.Duration

	mu        sync.Mutex
	connected bool
	members   map[int64]bool
	forwards  []Forwarded
	joins     int
	connects  int
	discon    int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func New(key string) *Session {
	return &Session{
		ID:           key,
		Aliases:      map[string]userbot.Peer{},
		Groups:       map[string]userbot.Group{},
		PendingJoins: map[string]bool{},
	}
}

// Factory returns a userbot.Factory handing out sessions from m, creating
// fresh ones for unknown keys.
func Factory(m map[string]*Session) userbot.Factory {
	var mu sync.Mutex
	return func(acc storage.Account) (userbot.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		if s, ok := m[acc.Key]; ok {
			return s, nil
		}
		s := New(acc.Key)
		m[acc.Key] = s
		return s, nil
	}
}

func (s *Session) enter() func() {
	n := s.inFlight.Add(1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { s.inFlight.Add(-1) }
}

// MaxInFlight is the highest number of overlapping Forward calls observed.
func (s *Session) MaxInFlight() int { return int(s.maxInFlight.Load()) }

func (s *Session) Key() string { return s.ID }

func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.connected = true
	return nil
}

func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discon++
	s.connected = false
	return nil
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Counts returns connects, disconnects and join calls.
func (s *Session) Counts() (connects, disconnects, joins int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.discon, s.joins
}

func (s *Session) ResolveAlias(ctx context.Context, alias string) (userbot.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Aliases[alias]
	if !ok {
		return userbot.Peer{}, fmt.Errorf("@%s: %w", alias, userbot.ErrPeerNotFound)
	}
	return p, nil
}

func (s *Session) LookupGroup(ctx context.Context, kind userbot.GroupKind, ident string) (userbot.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.LookupErrs) > 0 {
		err := s.LookupErrs[0]
		s.LookupErrs = s.LookupErrs[1:]
		if err != nil {
			return userbot.Group{}, err
		}
	}
	g, ok := s.Groups[ident]
	if !ok {
		return userbot.Group{}, fmt.Errorf("group %s: %w", ident, userbot.ErrPeerNotFound)
	}
	g.Member = s.members[g.ID]
	return g, nil
}

func (s *Session) Join(ctx context.Context, kind userbot.GroupKind, ident string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins++
	if len(s.JoinErrs) > 0 {
		err := s.JoinErrs[0]
		s.JoinErrs = s.JoinErrs[1:]
		if err != nil {
			return err
		}
	}
	g, ok := s.Groups[ident]
	if !ok {
		return fmt.Errorf("group %s: %w", ident, userbot.ErrPeerNotFound)
	}
	if s.PendingJoins[ident] {
		return userbot.ErrJoinPending
	}
	s.setMemberLocked(g.ID)
	return nil
}

// SetMember marks the account as already in a group.
func (s *Session) SetMember(groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMemberLocked(groupID)
}

func (s *Session) setMemberLocked(id int64) {
	if s.members == nil {
		s.members = map[int64]bool{}
	}
	s.members[id] = true
}

func (s *Session) IsMember(ctx context.Context, groupID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[groupID], nil
}

func (s *Session) Forward(ctx context.Context, from userbot.Peer, msgID int, to int64) error {
	defer s.enter()()
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.FailForward != nil {
		if err := s.FailForward(from, to); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwards = append(s.forwards, Forwarded{From: from, MsgID: msgID, To: to})
	return nil
}

// Forwards returns a copy of recorded forwards.
func (s *Session) Forwards() []Forwarded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Forwarded(nil), s.forwards...)
}
