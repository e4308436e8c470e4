// Package linkresolve turns shareable t.me links into network addresses.
//
// Message links come in two shapes:
//
//	https://t.me/c/<channel-id>/<message-id>   internal, parsed lexically
//	https://t.me/<alias>/<message-id>          public, needs an alias lookup
//
// Group links are public (t.me/<alias>) or private invites (t.me/+<hash>,
// t.me/joinchat/<hash>). Folder links (t.me/addlist/...) are rejected.
package linkresolve

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"relaybot/internal/userbot"
)

var (
	ErrInvalidReference = errors.New("invalid reference")
	ErrResolutionFailed = errors.New("resolution failed")
	ErrUnsupportedLink  = errors.New("unsupported link type")
)

type RefKind int

const (
	RefInternal RefKind = iota + 1
	RefAlias
)

// MessageRef is a parsed message link. ChannelID is bare (no -100 prefix).
type MessageRef struct {
	Kind      RefKind
	ChannelID int64
	Alias     string
	MsgID     int
}

// MarkedChannelID returns the -100-prefixed id clients display for the channel.
func (r MessageRef) MarkedChannelID() int64 {
	return -1000000000000 - r.ChannelID
}

// GroupLink is a parsed group link.
type GroupLink struct {
	Kind  userbot.GroupKind
	Ident string // alias or invite hash
}

func (g GroupLink) String() string {
	if g.Kind == userbot.GroupPrivate {
		return "https://t.me/+" + g.Ident
	}
	return "https://t.me/" + g.Ident
}

// path strips scheme, host and query of a t.me link. ok is false for other
// hosts.
func path(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if !strings.Contains(ref, "://") {
		ref = "https://" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Host) {
	case "t.me", "www.t.me", "telegram.me", "www.telegram.me":
	default:
		return "", false
	}
	return strings.Trim(u.Path, "/"), true
}

func validAlias(s string) bool {
	if len(s) < 3 || len(s) > 32 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case (r >= '0' && r <= '9') || r == '_':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func positive(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil && n > 0
}

// ParseMessage parses a message link without touching the network.
func ParseMessage(ref string) (MessageRef, error) {
	p, ok := path(ref)
	if !ok {
		return MessageRef{}, fmt.Errorf("%w: %q is not a t.me link", ErrInvalidReference, ref)
	}
	parts := strings.Split(p, "/")

	if len(parts) == 3 && parts[0] == "c" {
		ch, ok1 := positive(parts[1])
		msg, ok2 := positive(parts[2])
		if ok1 && ok2 && msg <= int64(^uint32(0)>>1) {
			return MessageRef{Kind: RefInternal, ChannelID: ch, MsgID: int(msg)}, nil
		}
		return MessageRef{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if len(parts) == 2 && validAlias(parts[0]) {
		msg, ok := positive(parts[1])
		if ok && msg <= int64(^uint32(0)>>1) {
			return MessageRef{Kind: RefAlias, Alias: parts[0], MsgID: int(msg)}, nil
		}
	}
	return MessageRef{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
}

// ParseGroup parses a group link. A bare @alias is accepted as public.
func ParseGroup(ref string) (GroupLink, error) {
	ref = strings.TrimSpace(ref)
	if alias, ok := strings.CutPrefix(ref, "@"); ok {
		if validAlias(alias) {
			return GroupLink{Kind: userbot.GroupPublic, Ident: alias}, nil
		}
		return GroupLink{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}

	p, ok := path(ref)
	if !ok || p == "" {
		return GroupLink{}, fmt.Errorf("%w: %q is not a t.me link", ErrInvalidReference, ref)
	}
	switch {
	case strings.HasPrefix(p, "+"):
		if hash := strings.TrimPrefix(p, "+"); hash != "" && !strings.Contains(hash, "/") {
			return GroupLink{Kind: userbot.GroupPrivate, Ident: hash}, nil
		}
	case strings.HasPrefix(p, "joinchat/"):
		if hash := strings.TrimPrefix(p, "joinchat/"); hash != "" && !strings.Contains(hash, "/") {
			return GroupLink{Kind: userbot.GroupPrivate, Ident: hash}, nil
		}
	case strings.HasPrefix(p, "addlist/"):
		return GroupLink{}, fmt.Errorf("%w: folder links (%q)", ErrUnsupportedLink, ref)
	default:
		alias, _, _ := strings.Cut(p, "/")
		if validAlias(alias) {
			return GroupLink{Kind: userbot.GroupPublic, Ident: alias}, nil
		}
	}
	return GroupLink{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
}
