package linkresolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/retry"
	"relaybot/internal/userbot"
	logx "relaybot/pkg/logx"
)

// Target is a message address a session can forward from.
type Target struct {
	Peer  userbot.Peer
	MsgID int
}

type Options struct {
	Cache Cache
	// Retry wraps alias lookups. MaxAttempts 1 leaves retrying to the caller.
	Retry retry.Policy
}

// Resolver materializes message links for a session.
type Resolver struct {
	cache  Cache
	policy retry.Policy
	log    logx.Logger
}

func New(opt Options, log logx.Logger) *Resolver {
	if opt.Cache == nil {
		opt.Cache = NopCache{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{cache: opt.Cache, policy: opt.Retry, log: log.With(logx.String("comp", "linkresolve"))}
}

// Resolve parses ref and, for alias links, looks the alias up through sess.
// Malformed links fail with ErrInvalidReference, lookups with
// ErrResolutionFailed wrapping the cause.
func (r *Resolver) Resolve(ctx context.Context, sess userbot.Session, ref string) (Target, error) {
	m, err := ParseMessage(ref)
	if err != nil {
		return Target{}, err
	}
	if m.Kind == RefInternal {
		return Target{Peer: userbot.Peer{Kind: userbot.PeerChannel, ID: m.ChannelID}, MsgID: m.MsgID}, nil
	}
	p, err := r.Alias(ctx, sess, m.Alias)
	if err != nil {
		return Target{}, err
	}
	return Target{Peer: p, MsgID: m.MsgID}, nil
}

// Alias resolves a public alias, consulting the cache first.
func (r *Resolver) Alias(ctx context.Context, sess userbot.Session, alias string) (userbot.Peer, error) {
	account := sess.Key()
	if p, ok, err := r.cache.Get(ctx, account, alias); err != nil {
		r.log.Debug("alias cache get failed", logx.String("alias", alias), logx.Err(err))
	} else if ok {
		return p, nil
	}

	policy := r.policy
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		r.log.Debug("alias lookup retry",
			logx.String("account", account),
			logx.String("alias", alias),
			logx.Int("attempt", attempt),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
	}
	var p userbot.Peer
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		p, err = sess.ResolveAlias(ctx, alias)
		if errors.Is(err, userbot.ErrPeerNotFound) || errors.Is(err, userbot.ErrForbidden) {
			return retry.NoRetry(err)
		}
		return err
	})
	if err != nil {
		return userbot.Peer{}, fmt.Errorf("%w: @%s: %w", ErrResolutionFailed, alias, err)
	}
	if err := r.cache.Set(ctx, account, alias, p); err != nil {
		r.log.Debug("alias cache set failed", logx.String("alias", alias), logx.Err(err))
	}
	return p, nil
}
