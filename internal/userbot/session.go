// Package userbot owns the live network sessions of the userbot fleet.
//
// A Session is the capability surface the engine needs from the chat network.
// The Registry binds one Session per account to its own worker goroutine; every
// call on a Handle's Session runs on that worker, in submission order.
package userbot

import (
	"context"

	"relaybot/internal/storage"
)

type PeerKind int

const (
	PeerChannel PeerKind = iota + 1
	PeerChat
	PeerUser
)

func (k PeerKind) String() string {
	switch k {
	case PeerChannel:
		return "channel"
	case PeerChat:
		return "chat"
	case PeerUser:
		return "user"
	}
	return "unknown"
}

// Peer addresses a chat. ID is the bare network id (no -100 prefix).
// AccessHash may be 0 when the peer was parsed from a link; drivers fill it
// from their own cache.
type Peer struct {
	Kind       PeerKind
	ID         int64
	AccessHash int64
}

// GroupKind tells how a group link addresses its group.
type GroupKind int

const (
	GroupPublic  GroupKind = iota + 1 // t.me/<alias>
	GroupPrivate                      // t.me/+<hash>, t.me/joinchat/<hash>
)

// Group is what a lookup learns about a group. ID is the bare id.
type Group struct {
	ID     int64
	Title  string
	Member bool
}

// Session is one authenticated account on the chat network.
type Session interface {
	Key() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	// ResolveAlias looks up a public @alias.
	ResolveAlias(ctx context.Context, alias string) (Peer, error)
	// LookupGroup resolves a group link without joining.
	LookupGroup(ctx context.Context, kind GroupKind, ident string) (Group, error)
	// Join asks to join; ErrJoinPending when approval is required.
	Join(ctx context.Context, kind GroupKind, ident string) error
	IsMember(ctx context.Context, groupID int64) (bool, error)

	// Forward copies message msgID of from into the group toGroupID.
	Forward(ctx context.Context, from Peer, msgID int, toGroupID int64) error
}

// Factory builds a disconnected Session for an account record.
type Factory func(acc storage.Account) (Session, error)
