package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// GenerateInvitation creates a subscriber from a "30d 4acc" request and
// assigns it free accounts.
func (s *Service) GenerateInvitation(ctx context.Context, adminID int64, spec string) (storage.Subscriber, error) {
	inv, err := ParseInvitation(spec)
	if err != nil {
		return storage.Subscriber{}, err
	}
	sub, err := s.store.CreateSubscriber(ctx, storage.Subscriber{
		Key:       uuid.NewString(),
		ExpiresAt: s.now().Add(time.Duration(inv.Days) * 24 * time.Hour),
		Status:    storage.SubscriberActive,
		CreatedBy: adminID,
	}, inv.Accounts)
	if err != nil {
		return storage.Subscriber{}, err
	}
	s.admin(ctx, adminID, "GENERATE_INVITATION", sub.Key, fmt.Sprintf("%dd %dacc", inv.Days, inv.Accounts))
	s.log.Info("invitation generated",
		logx.String("owner", sub.Key),
		logx.Int("days", inv.Days),
		logx.Int("accounts", len(sub.Accounts)),
	)
	return sub, nil
}

// ActivateInvitation binds userID to key. Each key binds once.
func (s *Service) ActivateInvitation(ctx context.Context, key string, userID int64) (storage.Subscriber, error) {
	if _, err := uuid.Parse(key); err != nil {
		return storage.Subscriber{}, ValidationError{msg: "that does not look like an invitation code"}
	}
	sub, err := s.store.ActivateSubscriber(ctx, key, userID, s.now())
	if err != nil {
		return storage.Subscriber{}, err
	}
	s.log.Info("invitation activated", logx.String("owner", key), logx.Int64("user_id", userID))
	return sub, nil
}

func (s *Service) ExtendSubscription(ctx context.Context, adminID int64, key string, days int) (storage.Subscriber, error) {
	if days <= 0 || days > 3650 {
		return storage.Subscriber{}, ValidationError{msg: "days must be between 1 and 3650"}
	}
	sub, err := s.store.ExtendSubscriber(ctx, key, time.Duration(days)*24*time.Hour)
	if err != nil {
		return storage.Subscriber{}, err
	}
	s.admin(ctx, adminID, "EXTEND_SUBSCRIPTION", key, fmt.Sprintf("%d days", days))
	return sub, nil
}

// Whoami maps a chat user to their subscription.
func (s *Service) Whoami(ctx context.Context, userID int64) (storage.Subscriber, error) {
	return s.store.GetSubscriberByUser(ctx, userID)
}

func (s *Service) Subscribers(ctx context.Context) ([]storage.Subscriber, error) {
	return s.store.ListSubscribers(ctx)
}

// ExpireSubscriptions is the maintenance job: lapsed subscribers become
// inactive and their active tasks pause.
func (s *Service) ExpireSubscriptions(ctx context.Context) error {
	keys, paused, err := s.store.ExpireSubscribers(ctx, s.now())
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		s.log.Info("subscriptions expired", logx.Int("subscribers", len(keys)), logx.Int64("tasks_paused", paused))
	}
	return nil
}
