// Package control is the operation surface the chat panel calls into. Every
// call carries an identity the caller has already authenticated: an owner
// (subscriber key) for tenant operations, an admin user id for fleet-wide
// ones. Errors coming out of this package are meant for Describe.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/membership"
	"relaybot/internal/storage"
	"relaybot/internal/userbot"
	logx "relaybot/pkg/logx"
)

var (
	ErrNotOwner           = errors.New("not yours")
	ErrAccountNotAssigned = errors.New("account is not assigned to this subscriber")
	ErrSubscriptionDown   = errors.New("subscription is not active")
)

// Sessions is the part of the account registry control needs.
type Sessions interface {
	Acquire(ctx context.Context, key string) (userbot.Handle, error)
	Evict(ctx context.Context, key string)
}

// Joiner is the part of the membership manager control needs.
type Joiner interface {
	JoinMany(ctx context.Context, h userbot.Handle, links []string, folderID int64, owner string) ([]membership.Result, error)
	AddToFolder(ctx context.Context, h userbot.Handle, links []string, folderID int64, owner string) ([]membership.Result, error)
	JoinFolder(ctx context.Context, h userbot.Handle, folderID int64, owner string) ([]membership.Result, error)
	JoinAll(ctx context.Context, h userbot.Handle, owner string) ([]membership.Result, error)
}

type Service struct {
	store    storage.Store
	sessions Sessions
	joiner   Joiner
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

func New(store storage.Store, sessions Sessions, joiner Joiner, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		sessions: sessions,
		joiner:   joiner,
		bus:      bus,
		log:      log.With(logx.String("comp", "control")),
		now:      time.Now,
	}
}

// admin records one administrator action. Failing to record never fails the
// action itself.
func (s *Service) admin(ctx context.Context, adminID int64, action, target, details string) {
	err := s.store.RecordAdminAction(ctx, storage.AdminAction{
		AdminID:  adminID,
		Action:   action,
		TargetID: target,
		Details:  details,
		At:       s.now(),
	})
	if err != nil {
		s.log.Warn("record admin action failed", logx.String("action", action), logx.Err(err))
	}
}

// subscriber loads owner and checks it may still act.
func (s *Service) subscriber(ctx context.Context, owner string) (storage.Subscriber, error) {
	sub, err := s.store.GetSubscriber(ctx, owner)
	if err != nil {
		return storage.Subscriber{}, err
	}
	if sub.Status != storage.SubscriberActive || !s.now().Before(sub.ExpiresAt) {
		return storage.Subscriber{}, ErrSubscriptionDown
	}
	return sub, nil
}

// account resolves key for owner. An empty owner (admin) may use any account.
func (s *Service) account(ctx context.Context, owner, key string) (storage.Account, error) {
	acc, err := s.store.GetAccount(ctx, key)
	if err != nil {
		return storage.Account{}, err
	}
	if owner != "" && acc.AssignedTo != owner {
		return storage.Account{}, fmt.Errorf("%s: %w", key, ErrAccountNotAssigned)
	}
	return acc, nil
}

func (s *Service) folder(ctx context.Context, owner string, id int64) (storage.Folder, error) {
	f, err := s.store.GetFolder(ctx, id)
	if err != nil {
		return storage.Folder{}, err
	}
	if owner != "" && f.Owner != owner {
		return storage.Folder{}, fmt.Errorf("folder %d: %w", id, ErrNotOwner)
	}
	return f, nil
}
