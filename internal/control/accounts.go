package control

import (
	"context"
	"fmt"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Accounts lists the fleet. A non-empty owner narrows it to that subscriber's
// accounts.
func (s *Service) Accounts(ctx context.Context, owner string) ([]storage.Account, error) {
	all, err := s.store.ListAccounts(ctx)
	if err != nil || owner == "" {
		return all, err
	}
	out := all[:0]
	for _, a := range all {
		if a.AssignedTo == owner {
			out = append(out, a)
		}
	}
	return out, nil
}

// SetAccountStatus toggles an account. Deactivating drops its live session so
// running and future tasks stop using it.
func (s *Service) SetAccountStatus(ctx context.Context, adminID int64, key string, status storage.AccountStatus) error {
	if status != storage.AccountActive && status != storage.AccountInactive {
		return ValidationError{msg: fmt.Sprintf("unknown account status %q", status)}
	}
	if err := s.store.SetAccountStatus(ctx, key, status); err != nil {
		return err
	}
	if status == storage.AccountInactive {
		s.sessions.Evict(ctx, key)
	}
	s.admin(ctx, adminID, "SET_ACCOUNT_STATUS", key, string(status))
	s.log.Info("account status changed", logx.String("account", key), logx.String("status", string(status)))
	return nil
}

// DeleteAccount removes the account row and disconnects its session.
func (s *Service) DeleteAccount(ctx context.Context, adminID int64, key string) error {
	if err := s.store.DeleteAccount(ctx, key); err != nil {
		return err
	}
	s.sessions.Evict(ctx, key)
	s.admin(ctx, adminID, "DELETE_ACCOUNT", key, "")
	s.log.Info("account deleted", logx.String("account", key))
	return nil
}
